package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradingcore/src/model"
)

// SignalLogRepository stores one audit row per processed signal.
type SignalLogRepository struct {
	db *gorm.DB
}

func NewSignalLogRepository(db *gorm.DB) *SignalLogRepository {
	return &SignalLogRepository{db: db}
}

func (r *SignalLogRepository) Create(ctx context.Context, entry *model.SignalLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "SignalLogRepository",
			"op":         "Create",
			"instrument": entry.Instrument,
			"status":     entry.Status,
		}).WithError(err).Error("Failed to write signal log")
		return err
	}
	return nil
}

// FindLatest returns the newest audit rows first.
func (r *SignalLogRepository) FindLatest(ctx context.Context, limit int) ([]model.SignalLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.SignalLog
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "SignalLogRepository",
			"op":    "FindLatest",
			"limit": limit,
		}).WithError(err).Error("Failed to fetch signal log")
		return nil, err
	}
	return out, nil
}
