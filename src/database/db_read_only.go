package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradingcore/src/config"
	"tradingcore/src/externalmodel"
)

// InitReadOnlyDB opens the connection used to poll inbound trade signals.
// The database user should have SELECT-only permissions; no migrations run
// here. An empty SignalsURL reuses the main URL.
func InitReadOnlyDB(cfg config.DatabaseConfig, log *logrus.Entry) (*gorm.DB, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	url := cfg.SignalsURL
	if url == "" {
		url = cfg.URL
	}

	db, err := gorm.Open(dialectorFor(url),
		&gorm.Config{
			PrepareStmt:    true,
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(cfg.GormLogLevel)),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connect read-only database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB from ReadOnlyDB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping ReadOnlyDB: %w", err)
	}

	var count int64
	if err := db.Model(&externalmodel.TradeSignal{}).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to access %s: %w", externalmodel.TradeSignal{}.TableName(), err)
	}

	log.WithFields(map[string]interface{}{"count": count}).Info("[ReadOnlyDB] trade_signals reachable")
	return db, nil
}
