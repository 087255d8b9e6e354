package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradingcore/src/config"
	"tradingcore/src/database/migrations"
	"tradingcore/src/model"
)

// Models lists every table owned by the write-side schema.
func Models() []interface{} {
	return []interface{}{
		&model.Position{},
		&model.PortfolioFinancials{},
		&model.PyramidBookkeeping{},
		&model.ClosedTrade{},
		&model.SignalLog{},
		&model.Exception{},
		&migrations.DataMigration{},
	}
}

// dialectorFor picks the driver from the URL. "sqlite://<path>" opens a local
// file for dry runs; anything else is handed to postgres.
func dialectorFor(url string) gorm.Dialector {
	if path, ok := strings.CutPrefix(url, "sqlite://"); ok {
		return sqlite.Open(path)
	}
	return postgres.Open(url)
}

// InitMainDB opens the read/write connection, migrates the schema and runs
// the data migrations. initialCapital seeds the portfolio_state row.
func InitMainDB(cfg config.DatabaseConfig, initialCapital float64, log *logrus.Entry) (*gorm.DB, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := gorm.Open(dialectorFor(cfg.URL),
		&gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(cfg.GormLogLevel)),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connect main database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB from main database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	log.Info("[database] MainDB connection established")

	if err := Migrate(db, initialCapital); err != nil {
		return nil, err
	}

	log.Info("[database] MainDB migrations completed")
	return db, nil
}

// Migrate runs AutoMigrate for every model and then the data migrations.
func Migrate(db *gorm.DB, initialCapital float64) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run migrations on MainDB: %w", err)
	}
	if err := migrations.Run(db, initialCapital); err != nil {
		return fmt.Errorf("failed to run data migrations on MainDB: %w", err)
	}
	return nil
}
