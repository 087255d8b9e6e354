package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradingcore/src/externalmodel"
)

// TradeSignalRepository handles read-only operations
// for inbound trade signals stored in the read-only database.
type TradeSignalRepository struct {
	db *gorm.DB
}

// NewTradeSignalRepository creates a new repository instance on the
// read-only connection.
func NewTradeSignalRepository(db *gorm.DB) *TradeSignalRepository {
	logger.WithField("component", "TradeSignalRepository").
		Info("Creating new TradeSignalRepository with ReadOnlyDB")

	return &TradeSignalRepository{db: db}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or custom sessions/transactions (even if read-only).
func (r *TradeSignalRepository) WithDB(db *gorm.DB) *TradeSignalRepository {
	return &TradeSignalRepository{db: db}
}

// FindAfterID fetches trade signals with ID greater than lastID,
// ordered from oldest to newest (ascending by ID).
// This is ideal for incremental polling every N seconds.
func (r *TradeSignalRepository) FindAfterID(
	ctx context.Context,
	lastID uint,
	limit int,
) ([]externalmodel.TradeSignal, error) {

	if limit <= 0 {
		limit = 100 // default safety limit
	}

	logger.WithFields(map[string]interface{}{
		"repo":   "TradeSignalRepository",
		"op":     "FindAfterID",
		"lastID": lastID,
		"limit":  limit,
	}).Debug("Fetching trade signals after ID")

	var signals []externalmodel.TradeSignal

	err := r.db.WithContext(ctx).
		Where("id > ?", lastID).
		Order("id ASC").
		Limit(limit).
		Find(&signals).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradeSignalRepository",
			"op":     "FindAfterID",
			"lastID": lastID,
			"limit":  limit,
		}).WithError(err).Error("Failed to fetch trade signals after ID")

		return nil, err
	}

	if len(signals) > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":        "TradeSignalRepository",
			"op":          "FindAfterID",
			"lastID":      lastID,
			"limit":       limit,
			"rows_return": len(signals),
		}).Info("Trade signals after ID fetched")
	}

	return signals, nil
}

// LatestID returns the highest signal id, 0 for an empty table. Polling
// starts from here so a restart does not replay old signals.
func (r *TradeSignalRepository) LatestID(ctx context.Context) (uint, error) {
	var latest externalmodel.TradeSignal

	res := r.db.WithContext(ctx).
		Select("id").
		Order("id DESC").
		Limit(1).
		Find(&latest)

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeSignalRepository",
			"op":   "LatestID",
		}).WithError(res.Error).Error("Failed to fetch latest trade signal id")

		return 0, res.Error
	}
	return latest.ID, nil
}
