package model

import "time"

// Exception represents a system-level error that must be persisted
// for auditing and operator investigation.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Where the error happened
	Service string `gorm:"size:100;index" json:"service"` // e.g. "trading_core"
	Module  string `gorm:"size:100;index" json:"module"`  // e.g. "recovery"
	Method  string `gorm:"size:100" json:"method"`        // e.g. "Load"

	// Machine readable failure code, e.g. DATA_CORRUPT
	Code string `gorm:"size:50;index" json:"code"`

	Message string `gorm:"type:text" json:"message"`
	Stack   string `gorm:"type:text" json:"stack"`

	// debug | info | warn | error | fatal
	Level string `gorm:"size:20;index" json:"level"`

	// Extra context stored as JSON (optional)
	Context string `gorm:"type:text" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Exception) TableName() string {
	return "exceptions"
}
