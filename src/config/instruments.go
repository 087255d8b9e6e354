package config

import (
	"fmt"
	"sort"
)

const (
	BankNifty = "BANK_NIFTY"
	GoldMini  = "GOLD_MINI"
)

// Instrument holds the per-instrument sizing and margin parameters.
// Percentages are plain percent values: 0.5 means 0.5% of equity.
type Instrument struct {
	Name                string  `ignored:"true"`
	LotSize             int     `envconfig:"LOT_SIZE"`
	PointValue          float64 `envconfig:"POINT_VALUE"`
	MarginPerLot        float64 `envconfig:"MARGIN_PER_LOT"`
	InitialRiskPercent  float64 `envconfig:"INITIAL_RISK_PCT"`
	InitialVolPercent   float64 `envconfig:"INITIAL_VOL_PCT"`
	OngoingRiskPercent  float64 `envconfig:"ONGOING_RISK_PCT"`
	OngoingVolPercent   float64 `envconfig:"ONGOING_VOL_PCT"`
	MaxPyramids         *int    `envconfig:"MAX_PYRAMIDS"` // 0 disables pyramiding
	DefaultATR          float64 `envconfig:"DEFAULT_ATR"`
	TrailingATRMultiple float64 `envconfig:"TRAILING_ATR_MULTIPLE"`
}

func (i Instrument) Validate() error {
	switch {
	case i.LotSize <= 0:
		return fmt.Errorf("instrument %s: lot size must be positive", i.Name)
	case i.PointValue <= 0:
		return fmt.Errorf("instrument %s: point value must be positive", i.Name)
	case i.MarginPerLot <= 0:
		return fmt.Errorf("instrument %s: margin per lot must be positive", i.Name)
	case i.InitialRiskPercent <= 0 || i.InitialVolPercent <= 0:
		return fmt.Errorf("instrument %s: initial risk and vol percent must be positive", i.Name)
	case i.OngoingRiskPercent <= 0 || i.OngoingVolPercent <= 0:
		return fmt.Errorf("instrument %s: ongoing risk and vol percent must be positive", i.Name)
	case i.MaxPyramids != nil && *i.MaxPyramids < 0:
		return fmt.Errorf("instrument %s: max pyramids must not be negative", i.Name)
	case i.DefaultATR < 0 || i.TrailingATRMultiple < 0:
		return fmt.Errorf("instrument %s: ATR settings must not be negative", i.Name)
	}
	return nil
}

// PyramidLimit is the number of pyramid legs allowed on top of the base.
func (i Instrument) PyramidLimit() int {
	if i.MaxPyramids == nil {
		return 0
	}
	return *i.MaxPyramids
}

func intPtr(v int) *int { return &v }

// InstrumentsConfig is the known instrument set. Unset fields keep their defaults.
type InstrumentsConfig struct {
	BankNifty Instrument `envconfig:"BANK_NIFTY"`
	GoldMini  Instrument `envconfig:"GOLD_MINI"`
}

func defaultBankNifty() Instrument {
	return Instrument{
		Name:                BankNifty,
		LotSize:             35,
		PointValue:          35,
		MarginPerLot:        270000,
		InitialRiskPercent:  0.5,
		InitialVolPercent:   0.2,
		OngoingRiskPercent:  1.0,
		OngoingVolPercent:   0.3,
		MaxPyramids:         intPtr(5),
		DefaultATR:          350,
		TrailingATRMultiple: 2.0,
	}
}

func defaultGoldMini() Instrument {
	return Instrument{
		Name:                GoldMini,
		LotSize:             100,
		PointValue:          10,
		MarginPerLot:        105000,
		InitialRiskPercent:  0.5,
		InitialVolPercent:   0.2,
		OngoingRiskPercent:  1.0,
		OngoingVolPercent:   0.3,
		MaxPyramids:         intPtr(3),
		DefaultATR:          700,
		TrailingATRMultiple: 2.0,
	}
}

func (c *InstrumentsConfig) applyDefaults() {
	c.BankNifty = mergeInstrument(c.BankNifty, defaultBankNifty())
	c.GoldMini = mergeInstrument(c.GoldMini, defaultGoldMini())
}

func mergeInstrument(got, def Instrument) Instrument {
	got.Name = def.Name
	if got.LotSize == 0 {
		got.LotSize = def.LotSize
	}
	if got.PointValue == 0 {
		got.PointValue = def.PointValue
	}
	if got.MarginPerLot == 0 {
		got.MarginPerLot = def.MarginPerLot
	}
	if got.InitialRiskPercent == 0 {
		got.InitialRiskPercent = def.InitialRiskPercent
	}
	if got.InitialVolPercent == 0 {
		got.InitialVolPercent = def.InitialVolPercent
	}
	if got.OngoingRiskPercent == 0 {
		got.OngoingRiskPercent = def.OngoingRiskPercent
	}
	if got.OngoingVolPercent == 0 {
		got.OngoingVolPercent = def.OngoingVolPercent
	}
	if got.MaxPyramids == nil {
		got.MaxPyramids = def.MaxPyramids
	}
	if got.DefaultATR == 0 {
		got.DefaultATR = def.DefaultATR
	}
	if got.TrailingATRMultiple == 0 {
		got.TrailingATRMultiple = def.TrailingATRMultiple
	}
	return got
}

// List returns the instruments sorted by name.
func (c InstrumentsConfig) List() []Instrument {
	out := []Instrument{c.BankNifty, c.GoldMini}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Table indexes the known instruments by name.
func (c InstrumentsConfig) Table() InstrumentTable {
	t := make(InstrumentTable, 2)
	for _, inst := range c.List() {
		t[inst.Name] = inst
	}
	return t
}

// InstrumentTable is a read-only lookup of the known instrument set.
type InstrumentTable map[string]Instrument

func (t InstrumentTable) Lookup(name string) (Instrument, bool) {
	inst, ok := t[name]
	return inst, ok
}

func (t InstrumentTable) Known(name string) bool {
	_, ok := t[name]
	return ok
}
