package model

import "time"

const DirectionLong = "long"

// ClosedTrade is emitted to the trade-history ledger on every close.
type ClosedTrade struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PositionID  string    `gorm:"size:100;not null;index" json:"position_id"`
	Instrument  string    `gorm:"size:50;not null;index" json:"instrument"`
	Direction   string    `gorm:"size:10;not null" json:"direction"`
	Lots        int       `gorm:"not null" json:"lots"`
	Quantity    int       `json:"quantity"`
	EntryPrice  float64   `gorm:"not null" json:"entry_price"`
	ExitPrice   float64   `gorm:"not null" json:"exit_price"`
	RealizedPnL float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
	IsBase      bool      `json:"is_base"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ClosedTrade) TableName() string {
	return "trade_history"
}
