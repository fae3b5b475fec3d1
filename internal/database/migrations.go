package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillPaymentCurrency = "2026-10-01_backfill_payment_currency"
	migrationNormalizePaymentStatus  = "2026-10-08_normalize_payment_status"
)

// appliedMigration is the bookkeeping row written once a data migration succeeds.
type appliedMigration struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (appliedMigration) TableName() string {
	return "db_migrations"
}

// dataMigration rewrites existing rows after the schema has been auto-migrated.
type dataMigration struct {
	name string
	run  func(tx *gorm.DB) error
}

// paymentsMigrations lists the data migrations of the payments store in apply order.
func paymentsMigrations(defaultCurrency string) []dataMigration {
	return []dataMigration{
		{name: migrationBackfillPaymentCurrency, run: backfillPaymentCurrency(defaultCurrency)},
		{name: migrationNormalizePaymentStatus, run: normalizePaymentStatus},
	}
}

// runDataMigrations applies each pending migration together with its
// bookkeeping row in one transaction, so a failed migration is retried on the
// next start.
func runDataMigrations(db *gorm.DB, migrations []dataMigration, clock func() time.Time, logger *zap.Logger) error {
	if clock == nil {
		clock = time.Now
	}
	for _, migration := range migrations {
		pending, err := migrationPending(db, migration.name)
		if err != nil {
			return err
		}
		if !pending {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.run(tx); err != nil {
				return err
			}
			return tx.Create(&appliedMigration{Name: migration.name, AppliedAtSeconds: clock().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func migrationPending(db *gorm.DB, name string) (bool, error) {
	var applied appliedMigration
	err := db.Where("name = ?", name).Take(&applied).Error
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return true, nil
	default:
		return false, err
	}
}

// backfillPaymentCurrency fills the currency of payments recorded before the column existed.
func backfillPaymentCurrency(defaultCurrency string) func(*gorm.DB) error {
	currency := strings.ToUpper(strings.TrimSpace(defaultCurrency))
	if currency == "" {
		currency = "RUB"
	}
	return func(tx *gorm.DB) error {
		return tx.Model(&payments.Record{}).
			Where("currency IS NULL OR currency = ''").
			Update("currency", currency).Error
	}
}

// normalizePaymentStatus maps the gateway's own status words, stored by older
// builds, onto the local payment statuses.
func normalizePaymentStatus(tx *gorm.DB) error {
	replacements := map[string]payments.Status{
		"succeeded": payments.StatusCompleted,
		"canceled":  payments.StatusFailed,
	}
	for legacy, status := range replacements {
		if err := tx.Model(&payments.Record{}).Where("status = ?", legacy).Update("status", status).Error; err != nil {
			return err
		}
	}
	return nil
}
