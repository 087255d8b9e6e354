package model

import "time"

const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Position is a live or closed trade leg. Long only.
type Position struct {
	PositionID     string     `gorm:"primaryKey;size:100;column:position_id" json:"position_id"`
	Instrument     string     `gorm:"size:50;not null;index" json:"instrument"`
	EntryTimestamp time.Time  `gorm:"not null" json:"entry_timestamp"`
	EntryPrice     float64    `gorm:"not null" json:"entry_price"`
	Lots           int        `gorm:"not null" json:"lots"`
	Quantity       int        `gorm:"not null" json:"quantity"`
	InitialStop    float64    `gorm:"not null" json:"initial_stop"`
	CurrentStop    float64    `gorm:"not null" json:"current_stop"`
	HighestClose   float64    `json:"highest_close"`
	ATR            float64    `gorm:"column:atr" json:"atr"`
	UnrealizedPnL  float64    `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	RealizedPnL    float64    `gorm:"column:realized_pnl" json:"realized_pnl"`
	Status         string     `gorm:"size:20;not null;default:open;index" json:"status"`
	IsBasePosition bool       `gorm:"not null;default:false" json:"is_base_position"`
	ExitPrice      *float64   `json:"exit_price,omitempty"`
	ExitTimestamp  *time.Time `json:"exit_timestamp,omitempty"`
	Version        int64      `gorm:"not null;default:1" json:"version"`

	// Metadata is persisted through MetadataJSON by the repository.
	Metadata     *ExecutionMetadata `gorm:"-" json:"metadata,omitempty"`
	MetadataJSON string             `gorm:"column:metadata;type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "portfolio_positions"
}

func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// ExecutionMetadata carries instrument-specific execution details.
type ExecutionMetadata struct {
	// synthetic futures built from options legs
	SyntheticLegs []SyntheticLeg `json:"synthetic_legs,omitempty"`
	ContractMonth string         `json:"contract_month,omitempty"`

	// rollover lineage
	RolledFrom   string     `json:"rolled_from,omitempty"`
	RolloverCost float64    `json:"rollover_cost,omitempty"`
	RolledAt     *time.Time `json:"rolled_at,omitempty"`
	RolloverCnt  int        `json:"rollover_count,omitempty"`
}

type SyntheticLeg struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // buy | sell
	Strike   float64 `json:"strike"`
	Expiry   string  `json:"expiry"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	OrderID  string  `json:"order_id,omitempty"`
}
