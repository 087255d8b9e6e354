package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradingcore/src/externalmodel"
	"tradingcore/src/model"
)

// timestampLayouts are tried in order on timestamp_raw.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// MapTradeSignal converts a trade_signals row into a validated Signal.
// Missing optional numbers default to zero; ROC stays nil when absent.
func MapTradeSignal(row externalmodel.TradeSignal) (model.Signal, error) {
	ts, err := signalTime(row)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"mapper":        "MapTradeSignal",
			"id":            row.ID,
			"timestamp_raw": row.TimestampRaw,
		}).WithError(err).Error("Failed to parse signal timestamp")
		return model.Signal{}, err
	}

	sig := model.Signal{
		Timestamp:  ts,
		Instrument: strings.ToUpper(strings.TrimSpace(row.Instrument)),
		Kind:       normalizeKind(row.SignalType),
		Position:   strings.TrimSpace(row.Position),
		Price:      row.Price,
		Stop:       floatOr(row.Stop),
		ATR:        floatOr(row.ATR),
		ER:         floatOr(row.ER),
		Supertrend: floatOr(row.Supertrend),
		ROC:        row.ROC,
		Reason:     strings.TrimSpace(row.Reason),
	}
	if row.SuggestedLots != nil {
		sig.SuggestedLots = *row.SuggestedLots
	}
	if sig.Kind == model.SignalExit && sig.Position == "" {
		sig.Position = model.ExitAllSlots
	}

	if err := sig.Validate(); err != nil {
		logger.WithFields(map[string]interface{}{
			"mapper": "MapTradeSignal",
			"id":     row.ID,
		}).WithError(err).Warn("Trade signal row failed validation")
		return model.Signal{}, fmt.Errorf("trade signal %d: %w", row.ID, err)
	}
	return sig, nil
}

func normalizeKind(v string) model.SignalKind {
	k := strings.ToUpper(strings.TrimSpace(v))
	switch k {
	case "BASE", "ENTRY":
		return model.SignalBaseEntry
	default:
		return model.SignalKind(k)
	}
}

func signalTime(row externalmodel.TradeSignal) (time.Time, error) {
	if row.TimestampDT != nil && !row.TimestampDT.IsZero() {
		return row.TimestampDT.UTC(), nil
	}
	raw := strings.TrimSpace(row.TimestampRaw)
	if raw == "" {
		if row.ReceivedAt != nil {
			return row.ReceivedAt.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("trade signal %d has no timestamp", row.ID)
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("trade signal %d: unparseable timestamp %q", row.ID, raw)
}

func floatOr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
