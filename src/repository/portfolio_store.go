package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradingcore/src/model"
)

// PortfolioStore persists positions, the portfolio financials row and pyramid
// bookkeeping with optimistic concurrency. Every write is
//
//	UPDATE ... SET version = version + 1 WHERE key = ? AND version = ?
//
// and a write that touches no row either inserts a missing record or fails
// with model.ErrVersionConflict.
type PortfolioStore struct {
	db *gorm.DB
}

func NewPortfolioStore(db *gorm.DB) *PortfolioStore {
	return &PortfolioStore{db: db}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *PortfolioStore) WithDB(db *gorm.DB) *PortfolioStore {
	return &PortfolioStore{db: db}
}

func (r *PortfolioStore) SavePosition(ctx context.Context, p model.Position) (model.Position, error) {
	fields := map[string]interface{}{
		"repo":        "PortfolioStore",
		"op":          "SavePosition",
		"position_id": p.PositionID,
		"version":     p.Version,
	}

	if p.Metadata != nil {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return model.Position{}, fmt.Errorf("encode metadata for %s: %w", p.PositionID, err)
		}
		p.MetadataJSON = string(raw)
	} else {
		p.MetadataJSON = ""
	}

	expected := p.Version
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("position_id = ? AND version = ?", p.PositionID, expected).
		Updates(map[string]interface{}{
			"instrument":       p.Instrument,
			"entry_timestamp":  p.EntryTimestamp,
			"entry_price":      p.EntryPrice,
			"lots":             p.Lots,
			"quantity":         p.Quantity,
			"initial_stop":     p.InitialStop,
			"current_stop":     p.CurrentStop,
			"highest_close":    p.HighestClose,
			"atr":              p.ATR,
			"unrealized_pnl":   p.UnrealizedPnL,
			"realized_pnl":     p.RealizedPnL,
			"status":           p.Status,
			"is_base_position": p.IsBasePosition,
			"exit_price":       p.ExitPrice,
			"exit_timestamp":   p.ExitTimestamp,
			"metadata":         p.MetadataJSON,
			"version":          expected + 1,
		})
	if res.Error != nil {
		logger.WithFields(fields).WithError(res.Error).Error("Failed to update position")
		return model.Position{}, res.Error
	}

	if res.RowsAffected == 0 {
		exists, err := r.exists(ctx, &model.Position{}, "position_id = ?", p.PositionID)
		if err != nil {
			return model.Position{}, err
		}
		if exists {
			logger.WithFields(fields).Warn("Position version conflict")
			return model.Position{}, model.ErrVersionConflict
		}

		p.Version = expected + 1
		if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return model.Position{}, model.ErrVersionConflict
			}
			logger.WithFields(fields).WithError(err).Error("Failed to insert position")
			return model.Position{}, err
		}
		logger.WithFields(fields).Debug("Position inserted")
		return p, nil
	}

	p.Version = expected + 1
	logger.WithFields(fields).Debug("Position updated")
	return p, nil
}

func (r *PortfolioStore) GetPosition(ctx context.Context, id string) (model.Position, error) {
	var p model.Position
	err := r.db.WithContext(ctx).Where("position_id = ?", id).First(&p).Error
	if err != nil {
		err = classifyRead(err)
		if !errors.Is(err, model.ErrNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo":        "PortfolioStore",
				"op":          "GetPosition",
				"position_id": id,
			}).WithError(err).Error("Failed to fetch position")
		}
		return model.Position{}, err
	}
	if err := decodePosition(&p); err != nil {
		return model.Position{}, err
	}
	return p, nil
}

func (r *PortfolioStore) GetAllOpenPositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := r.db.WithContext(ctx).
		Where("status = ?", model.PositionStatusOpen).
		Order("position_id ASC").
		Find(&positions).Error
	if err != nil {
		err = classifyRead(err)
		logger.WithFields(map[string]interface{}{
			"repo": "PortfolioStore",
			"op":   "GetAllOpenPositions",
		}).WithError(err).Error("Failed to fetch open positions")
		return nil, err
	}

	for i := range positions {
		if err := decodePosition(&positions[i]); err != nil {
			return nil, err
		}
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PortfolioStore",
		"op":          "GetAllOpenPositions",
		"rows_return": len(positions),
	}).Debug("Open positions fetched")
	return positions, nil
}

func (r *PortfolioStore) SavePortfolioFinancials(ctx context.Context, f model.PortfolioFinancials) (model.PortfolioFinancials, error) {
	f.ID = model.PortfolioFinancialsID
	expected := f.Version

	res := r.db.WithContext(ctx).
		Model(&model.PortfolioFinancials{}).
		Where("id = ? AND version = ?", f.ID, expected).
		Updates(map[string]interface{}{
			"closed_equity":       f.ClosedEquity,
			"equity_high":         f.EquityHigh,
			"total_risk_amount":   f.TotalRiskAmount,
			"total_risk_percent":  f.TotalRiskPercent,
			"total_vol_amount":    f.TotalVolAmount,
			"total_vol_percent":   f.TotalVolPercent,
			"margin_used":         f.MarginUsed,
			"open_position_count": f.OpenPositionCount,
			"version":             expected + 1,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PortfolioStore",
			"op":   "SavePortfolioFinancials",
		}).WithError(res.Error).Error("Failed to update portfolio financials")
		return model.PortfolioFinancials{}, res.Error
	}

	f.Version = expected + 1
	if res.RowsAffected > 0 {
		return f, nil
	}

	exists, err := r.exists(ctx, &model.PortfolioFinancials{}, "id = ?", f.ID)
	if err != nil {
		return model.PortfolioFinancials{}, err
	}
	if exists {
		logger.WithFields(map[string]interface{}{
			"repo":    "PortfolioStore",
			"op":      "SavePortfolioFinancials",
			"version": expected,
		}).Warn("Portfolio financials version conflict")
		return model.PortfolioFinancials{}, model.ErrVersionConflict
	}
	if err := r.db.WithContext(ctx).Create(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.PortfolioFinancials{}, model.ErrVersionConflict
		}
		return model.PortfolioFinancials{}, err
	}
	return f, nil
}

func (r *PortfolioStore) GetPortfolioFinancials(ctx context.Context) (model.PortfolioFinancials, error) {
	var f model.PortfolioFinancials
	err := r.db.WithContext(ctx).Where("id = ?", model.PortfolioFinancialsID).First(&f).Error
	if err != nil {
		err = classifyRead(err)
		if !errors.Is(err, model.ErrNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "PortfolioStore",
				"op":   "GetPortfolioFinancials",
			}).WithError(err).Error("Failed to fetch portfolio financials")
		}
		return model.PortfolioFinancials{}, err
	}
	if f.ClosedEquity < 0 || f.EquityHigh < 0 {
		return model.PortfolioFinancials{}, corrupt("portfolio_state has negative equity %v/%v", f.ClosedEquity, f.EquityHigh)
	}
	return f, nil
}

func (r *PortfolioStore) SavePyramidBookkeeping(ctx context.Context, b model.PyramidBookkeeping) (model.PyramidBookkeeping, error) {
	expected := b.Version

	res := r.db.WithContext(ctx).
		Model(&model.PyramidBookkeeping{}).
		Where("instrument = ? AND version = ?", b.Instrument, expected).
		Updates(map[string]interface{}{
			"last_pyramid_price": b.LastPyramidPrice,
			"base_position_id":   b.BasePositionID,
			"pyramid_count":      b.PyramidCount,
			"version":            expected + 1,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "PortfolioStore",
			"op":         "SavePyramidBookkeeping",
			"instrument": b.Instrument,
		}).WithError(res.Error).Error("Failed to update pyramid bookkeeping")
		return model.PyramidBookkeeping{}, res.Error
	}

	b.Version = expected + 1
	if res.RowsAffected > 0 {
		return b, nil
	}

	exists, err := r.exists(ctx, &model.PyramidBookkeeping{}, "instrument = ?", b.Instrument)
	if err != nil {
		return model.PyramidBookkeeping{}, err
	}
	if exists {
		return model.PyramidBookkeeping{}, model.ErrVersionConflict
	}
	if err := r.db.WithContext(ctx).Create(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.PyramidBookkeeping{}, model.ErrVersionConflict
		}
		return model.PyramidBookkeeping{}, err
	}
	return b, nil
}

func (r *PortfolioStore) GetPyramidBookkeeping(ctx context.Context) ([]model.PyramidBookkeeping, error) {
	var books []model.PyramidBookkeeping
	err := r.db.WithContext(ctx).Order("instrument ASC").Find(&books).Error
	if err != nil {
		err = classifyRead(err)
		logger.WithFields(map[string]interface{}{
			"repo": "PortfolioStore",
			"op":   "GetPyramidBookkeeping",
		}).WithError(err).Error("Failed to fetch pyramid bookkeeping")
		return nil, err
	}
	return books, nil
}

func (r *PortfolioStore) exists(ctx context.Context, m interface{}, query string, args ...interface{}) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(m).Where(query, args...).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// decodePosition restores the metadata and checks the status value.
func decodePosition(p *model.Position) error {
	switch p.Status {
	case model.PositionStatusOpen, model.PositionStatusClosed:
	default:
		return corrupt("position %s has unknown status %q", p.PositionID, p.Status)
	}
	if p.MetadataJSON == "" {
		p.Metadata = nil
		return nil
	}
	var md model.ExecutionMetadata
	if err := json.Unmarshal([]byte(p.MetadataJSON), &md); err != nil {
		return corrupt("position %s metadata: %v", p.PositionID, err)
	}
	p.Metadata = &md
	return nil
}
