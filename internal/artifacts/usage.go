package artifacts

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opUsageNew    = "artifacts.usage.new"
	opUsageRecord = "artifacts.usage.record"
	opUsageGet    = "artifacts.usage.get"
	opUsageTotals = "artifacts.usage.totals"
)

// UsageConfig describes the dependencies of the usage counters.
type UsageConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Usage keeps monotonically increasing per-user counters.
type Usage struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// UsageTotals aggregates counters across all users.
type UsageTotals struct {
	Users    int64
	Requests int64
	Images   int64
}

// NewUsage validates dependencies and constructs the counters.
func NewUsage(cfg UsageConfig) (*Usage, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opUsageNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Usage{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Record counts one completed request that produced the given number of artifacts.
func (u *Usage) Record(ctx context.Context, userID int64, artifactCount int) error {
	if artifactCount < 0 {
		artifactCount = 0
	}
	nowSeconds := u.clock().UTC().Unix()
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := UsageCounter{UserID: userID, LastRequestSeconds: nowSeconds}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			logError(u.logger, "usage counter error", opUsageRecord, "seed_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opUsageRecord, "seed_failed", err)
		}
		err := tx.Model(&UsageCounter{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"requests_count": gorm.Expr("requests_count + ?", 1),
				"total_images":   gorm.Expr("total_images + ?", artifactCount),
				"last_request_s": nowSeconds,
			}).Error
		if err != nil {
			logError(u.logger, "usage counter error", opUsageRecord, "update_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opUsageRecord, "update_failed", err)
		}
		return nil
	})
}

// Get returns the counters of one user; unknown users have zero counters.
func (u *Usage) Get(ctx context.Context, userID int64) (UsageCounter, error) {
	counter := UsageCounter{UserID: userID}
	err := u.db.WithContext(ctx).Where("user_id = ?", userID).Take(&counter).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logError(u.logger, "usage counter error", opUsageGet, "select_failed", err, zap.Int64("user_id", userID))
		return UsageCounter{}, newServiceError(opUsageGet, "select_failed", err)
	}
	return counter, nil
}

// Totals sums the counters of every user.
func (u *Usage) Totals(ctx context.Context) (UsageTotals, error) {
	var totals UsageTotals
	err := u.db.WithContext(ctx).
		Model(&UsageCounter{}).
		Select("COUNT(*) AS users, COALESCE(SUM(requests_count), 0) AS requests, COALESCE(SUM(total_images), 0) AS images").
		Scan(&totals).Error
	if err != nil {
		logError(u.logger, "usage counter error", opUsageTotals, "sum_failed", err)
		return UsageTotals{}, newServiceError(opUsageTotals, "sum_failed", err)
	}
	return totals, nil
}
