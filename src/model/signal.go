package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type SignalKind string

const (
	SignalBaseEntry SignalKind = "BASE_ENTRY"
	SignalPyramid   SignalKind = "PYRAMID"
	SignalExit      SignalKind = "EXIT"
)

// ExitAllSlots is the position slot an EXIT signal uses to close every open leg of an instrument.
const ExitAllSlots = "ALL"

// Signal is an immutable intent to enter, add to, or exit a position.
type Signal struct {
	Timestamp     time.Time  `json:"timestamp"`
	Instrument    string     `json:"instrument"`
	Kind          SignalKind `json:"type"`
	Position      string     `json:"position"` // slot, e.g. Long_2
	Price         float64    `json:"price"`
	Stop          float64    `json:"stop"`
	SuggestedLots int        `json:"suggested_lots"`
	ATR           float64    `json:"atr"`
	ER            float64    `json:"er"`
	Supertrend    float64    `json:"supertrend"`
	ROC           *float64   `json:"roc,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

func (k SignalKind) Valid() bool {
	switch k {
	case SignalBaseEntry, SignalPyramid, SignalExit:
		return true
	default:
		return false
	}
}

func (k SignalKind) IsEntry() bool {
	return k == SignalBaseEntry || k == SignalPyramid
}

// Validate checks the construction invariants of a signal.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Instrument) == "" {
		return errors.New("missing_instrument")
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown_kind_%s", s.Kind)
	}
	if strings.TrimSpace(s.Position) == "" {
		return errors.New("missing_position")
	}
	if s.Timestamp.IsZero() {
		return errors.New("missing_timestamp")
	}
	if s.Price <= 0 {
		return errors.New("non_positive_price")
	}
	if s.Kind != SignalExit && s.Stop <= 0 {
		return errors.New("non_positive_stop")
	}
	if s.ATR < 0 {
		return errors.New("negative_atr")
	}
	if s.ER < 0 || s.ER > 1 {
		return errors.New("er_out_of_range")
	}
	if s.Kind == SignalExit && strings.TrimSpace(s.Reason) == "" {
		return errors.New("exit_without_reason")
	}
	return nil
}

// PositionID is the id of the position leg this signal targets.
func (s Signal) PositionID() string {
	return PositionIDFor(s.Instrument, s.Position)
}

// RiskPerPoint is the distance between signal price and stop.
func (s Signal) RiskPerPoint() float64 {
	return s.Price - s.Stop
}

// PositionIDFor builds ids like BANK_NIFTY_Long_2.
func PositionIDFor(instrument, slot string) string {
	return instrument + "_" + slot
}
