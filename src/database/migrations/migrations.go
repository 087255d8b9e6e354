package migrations

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradingcore/src/model"
)

// DataMigration records an applied data migration.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

// Migration is a one-off data change that schema auto-migration cannot express.
type Migration struct {
	ID    string
	Apply func(tx *gorm.DB) error
}

// All lists the data migrations in order. Append only; ids are stable.
func All(initialCapital float64) []Migration {
	return []Migration{
		{ID: "00001_seed_portfolio_state", Apply: seedPortfolioState(initialCapital)},
		{ID: "00002_backfill_position_highest_close", Apply: backfillHighestClose},
	}
}

// Run applies every migration not yet recorded in data_migrations.
func Run(db *gorm.DB, initialCapital float64) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(&DataMigration{}); err != nil {
		return fmt.Errorf("ensure data migrations table: %w", err)
	}
	for _, m := range All(initialCapital) {
		if err := apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

// apply runs m and records it in the same transaction, so a failed migration
// is retried on the next start.
func apply(db *gorm.DB, m Migration) error {
	if m.ID == "" || m.Apply == nil {
		return fmt.Errorf("migration %q is incomplete", m.ID)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var applied int64
		if err := tx.Model(&DataMigration{}).Where("id = ?", m.ID).Count(&applied).Error; err != nil {
			return fmt.Errorf("check migration %q: %w", m.ID, err)
		}
		if applied > 0 {
			return nil
		}

		if err := m.Apply(tx); err != nil {
			return fmt.Errorf("apply migration %q: %w", m.ID, err)
		}
		if err := tx.Create(&DataMigration{ID: m.ID, AppliedAt: time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("record migration %q: %w", m.ID, err)
		}
		return nil
	})
}

// seedPortfolioState creates the singleton financials row with the initial
// capital as closed equity and watermark. An existing row is left alone.
func seedPortfolioState(initialCapital float64) func(*gorm.DB) error {
	return func(tx *gorm.DB) error {
		row := model.PortfolioFinancials{
			ID:           model.PortfolioFinancialsID,
			ClosedEquity: initialCapital,
			EquityHigh:   initialCapital,
			Version:      1,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	}
}

// backfillHighestClose gives legs written before trailing stops existed a
// starting point for the ratchet.
func backfillHighestClose(tx *gorm.DB) error {
	return tx.Model(&model.Position{}).
		Where("highest_close IS NULL OR highest_close < entry_price").
		Update("highest_close", gorm.Expr("entry_price")).Error
}
