package externalmodel

import "time"

// TradeSignal is a row written by the upstream signal generator. This core
// only reads it.
type TradeSignal struct {
	ID            uint       `gorm:"primaryKey;column:id" json:"id"`
	Instrument    string     `gorm:"column:instrument" json:"instrument"`
	SignalType    string     `gorm:"column:signal_type" json:"type"`
	Position      string     `gorm:"column:position" json:"position"`
	Price         float64    `gorm:"column:price" json:"price"`
	Stop          *float64   `gorm:"column:stop" json:"stop,omitempty"`
	SuggestedLots *int       `gorm:"column:suggested_lots" json:"suggested_lots,omitempty"`
	ATR           *float64   `gorm:"column:atr" json:"atr,omitempty"`
	ER            *float64   `gorm:"column:er" json:"er,omitempty"`
	Supertrend    *float64   `gorm:"column:supertrend" json:"supertrend,omitempty"`
	ROC           *float64   `gorm:"column:roc" json:"roc,omitempty"`
	Reason        string     `gorm:"column:reason" json:"reason"`
	TimestampRaw  string     `gorm:"column:timestamp_raw" json:"timestamp_raw"`
	TimestampDT   *time.Time `gorm:"column:timestamp_dt" json:"timestamp_dt,omitempty"`
	ReceivedAt    *time.Time `gorm:"column:received_at" json:"received_at,omitempty"`
}

// TableName Ensures that GORM uses the exact table name from the database.
func (TradeSignal) TableName() string {
	return "trade_signals"
}
