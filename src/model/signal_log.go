package model

import "time"

// SignalLog is the audit row written for every processed signal.
type SignalLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	InstanceID   string    `gorm:"size:64;index" json:"instance_id"`
	Instrument   string    `gorm:"size:50;index" json:"instrument"`
	Kind         string    `gorm:"size:20" json:"kind"`
	PositionSlot string    `gorm:"size:20" json:"position"`
	SignalPrice  float64   `json:"signal_price"`
	SignalTime   time.Time `json:"signal_time"`
	Status       string    `gorm:"size:20;index" json:"status"` // executed | rejected | failed
	Stage        string    `gorm:"size:30" json:"stage"`
	Reason       string    `gorm:"size:255" json:"reason"`
	Lots         int       `json:"lots"`
	FillPrice    float64   `json:"fill_price"`
	CreatedAt    time.Time `json:"created_at"`
}

func (SignalLog) TableName() string {
	return "signal_log"
}
