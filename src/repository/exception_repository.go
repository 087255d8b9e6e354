package repository

import (
	"context"
	"encoding/json"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradingcore/src/model"
)

const exceptionService = "trading_core"

// ExceptionRepository handles persistence of system exceptions.
type ExceptionRepository struct {
	db *gorm.DB
}

// NewExceptionRepository creates a new repository instance.
func NewExceptionRepository(db *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Create persists a new exception in the database.
func (r *ExceptionRepository) Create(
	ctx context.Context,
	exc *model.Exception,
) error {

	logger.WithFields(map[string]interface{}{
		"service": exc.Service,
		"module":  exc.Module,
		"method":  exc.Method,
		"code":    exc.Code,
		"level":   exc.Level,
	}).Error("Persisting system exception")

	return r.db.WithContext(ctx).Create(exc).Error
}

// RecordFailure stores a coded failure raised by one of the core modules.
func (r *ExceptionRepository) RecordFailure(ctx context.Context, module, method, code string, cause error, extra map[string]interface{}) error {
	exc := &model.Exception{
		Service: exceptionService,
		Module:  module,
		Method:  method,
		Code:    code,
		Level:   "error",
	}
	if cause != nil {
		exc.Message = cause.Error()
	}
	if len(extra) > 0 {
		if raw, err := json.Marshal(extra); err == nil {
			exc.Context = string(raw)
		}
	}
	return r.Create(ctx, exc)
}

// FindLatest returns the newest exceptions first.
func (r *ExceptionRepository) FindLatest(ctx context.Context, limit int) ([]model.Exception, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.Exception
	err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
