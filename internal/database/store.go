package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the driver and connection string of one store.
type Config struct {
	Driver string
	DSN    string
}

// OpenCacheStore opens the store holding the artifact cache, usage counters and chat users.
func OpenCacheStore(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	return Open(cfg, logger, nil, &artifacts.CachedArtifact{}, &artifacts.UsageCounter{}, &users.Profile{})
}

// OpenPaymentsStore opens the store holding balances, payments and their history.
func OpenPaymentsStore(cfg Config, defaultCurrency string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(cfg, logger, paymentsMigrations(defaultCurrency), &ledger.Balance{}, &ledger.HistoryEntry{}, &payments.Record{})
}

// Open establishes a connection, migrates the given models and applies the named migrations.
func Open(cfg Config, logger *zap.Logger, migrations []dataMigration, models ...any) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(append(models, &appliedMigration{})...); err != nil {
		return nil, err
	}

	if err := runDataMigrations(db, migrations, time.Now, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()), zap.String("dsn", redactDSN(cfg.DSN)))
	}

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	if strings.Contains(dsn, "password=") {
		return "***"
	}
	return dsn
}
