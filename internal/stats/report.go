// Package stats assembles the operator report shown by /admin and the ops API.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
)

const activeWindow = 24 * time.Hour

// Users counts known chat users.
type Users interface {
	Count(ctx context.Context) (int64, error)
	ActiveSince(ctx context.Context, since time.Time) (int64, error)
}

// Ledger summarizes balances.
type Ledger interface {
	Stats(ctx context.Context) (ledger.Stats, error)
}

// Payments summarizes payment records.
type Payments interface {
	Stats(ctx context.Context) (payments.Stats, error)
	TestMode() bool
}

// Usage sums per-user counters.
type Usage interface {
	Totals(ctx context.Context) (artifacts.UsageTotals, error)
}

// Cache counts cached artifacts.
type Cache interface {
	Count(ctx context.Context) (int64, error)
}

// Queue reports admission occupancy.
type Queue interface {
	Size() int
	Capacity() int
}

// Reservations counts units held for pending edits.
type Reservations interface {
	OpenReservations() int
}

// Report is a point-in-time operator summary.
type Report struct {
	GeneratedAtSeconds int64 `json:"generated_at_s"`
	KnownUsers         int64 `json:"known_users"`
	ActiveUsers24h     int64 `json:"active_users_24h"`
	PayingUsers        int64 `json:"paying_users"`
	UsersWithBalance   int64 `json:"users_with_balance"`
	OutstandingUnits   int64 `json:"outstanding_units"`
	RefundedUnits      int64 `json:"refunded_units"`
	Requests           int64 `json:"requests"`
	Images             int64 `json:"images"`
	CachedArtifacts    int64 `json:"cached_artifacts"`
	CompletedPayments  int64 `json:"completed_payments"`
	PendingPayments    int64 `json:"pending_payments"`
	IncomeMinor        int64 `json:"income_minor"`
	QueueInFlight      int   `json:"queue_in_flight"`
	QueueCapacity      int   `json:"queue_capacity"`
	OpenReservations   int   `json:"open_reservations"`
	PaymentsTestMode   bool  `json:"payments_test_mode"`
}

// CollectorConfig wires the report sources.
type CollectorConfig struct {
	Users        Users
	Ledger       Ledger
	Payments     Payments
	Usage        Usage
	Cache        Cache
	Queue        Queue
	Reservations Reservations // optional
	Clock        func() time.Time
}

// Collector builds reports from live stores.
type Collector struct {
	cfg CollectorConfig
}

// NewCollector validates the sources.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Users == nil || cfg.Ledger == nil || cfg.Payments == nil || cfg.Usage == nil || cfg.Cache == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("stats: every report source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Collector{cfg: cfg}, nil
}

// Collect queries every source once.
func (c *Collector) Collect(ctx context.Context) (Report, error) {
	now := c.cfg.Clock().UTC()
	report := Report{
		GeneratedAtSeconds: now.Unix(),
		QueueInFlight:      c.cfg.Queue.Size(),
		QueueCapacity:      c.cfg.Queue.Capacity(),
		PaymentsTestMode:   c.cfg.Payments.TestMode(),
	}
	if c.cfg.Reservations != nil {
		report.OpenReservations = c.cfg.Reservations.OpenReservations()
	}

	var err error
	if report.KnownUsers, err = c.cfg.Users.Count(ctx); err != nil {
		return Report{}, fmt.Errorf("stats: users: %w", err)
	}
	if report.ActiveUsers24h, err = c.cfg.Users.ActiveSince(ctx, now.Add(-activeWindow)); err != nil {
		return Report{}, fmt.Errorf("stats: active users: %w", err)
	}
	balances, err := c.cfg.Ledger.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("stats: ledger: %w", err)
	}
	report.UsersWithBalance = balances.UsersWithBalance
	report.OutstandingUnits = balances.OutstandingUnits
	report.RefundedUnits = balances.RefundedUnits

	paymentStats, err := c.cfg.Payments.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("stats: payments: %w", err)
	}
	report.PayingUsers = paymentStats.PayingUsers
	report.CompletedPayments = paymentStats.CompletedPayments
	report.PendingPayments = paymentStats.PendingPayments
	report.IncomeMinor = paymentStats.IncomeMinor

	usage, err := c.cfg.Usage.Totals(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("stats: usage: %w", err)
	}
	report.Requests = usage.Requests
	report.Images = usage.Images

	if report.CachedArtifacts, err = c.cfg.Cache.Count(ctx); err != nil {
		return Report{}, fmt.Errorf("stats: cache: %w", err)
	}
	return report, nil
}
