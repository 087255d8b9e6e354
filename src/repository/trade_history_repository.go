package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradingcore/src/model"
)

// TradeHistoryRepository is the ledger of closed trades.
type TradeHistoryRepository struct {
	db *gorm.DB
}

func NewTradeHistoryRepository(db *gorm.DB) *TradeHistoryRepository {
	return &TradeHistoryRepository{db: db}
}

// RecordClosedTrade appends one closed trade.
func (r *TradeHistoryRepository) RecordClosedTrade(ctx context.Context, trade model.ClosedTrade) error {
	fields := map[string]interface{}{
		"repo":        "TradeHistoryRepository",
		"op":          "RecordClosedTrade",
		"position_id": trade.PositionID,
		"pnl":         trade.RealizedPnL,
	}

	if err := r.db.WithContext(ctx).Create(&trade).Error; err != nil {
		logger.WithFields(fields).WithError(err).Error("Failed to record closed trade")
		return err
	}

	logger.WithFields(fields).Info("Closed trade recorded")
	return nil
}

// FindByInstrument returns closed trades of one instrument, newest first.
// An empty instrument lists every instrument.
func (r *TradeHistoryRepository) FindByInstrument(ctx context.Context, instrument string, limit int) ([]model.ClosedTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	var trades []model.ClosedTrade
	query := r.db.WithContext(ctx)
	if instrument != "" {
		query = query.Where("instrument = ?", instrument)
	}
	err := query.
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "TradeHistoryRepository",
			"op":         "FindByInstrument",
			"instrument": instrument,
		}).WithError(err).Error("Failed to fetch closed trades")
		return nil, err
	}
	return trades, nil
}
