// Package generation turns paid requests into delivered images. Every unit it
// debits is either consumed by a produced artifact or credited back.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/admission"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
)

const (
	opServiceNew = "generation.service.new"
	opReserve    = "generation.reserve"
	opCancel     = "generation.cancel"
	opExpire     = "generation.expire"
	opGenerate   = "generation.generate"
	opEdit       = "generation.edit"
	opSettle     = "generation.settle"
	opDeliver    = "generation.deliver"

	defaultItemTimeout     = 120 * time.Second
	defaultBatchLimit      = 5
	defaultMaxPromptLength = 1000
	defaultWorkers         = 2
)

var noOpLogger = zap.NewNop()

// Ledger debits and refunds prepaid units.
type Ledger interface {
	Debit(ctx context.Context, userID int64, units int64) error
	Refund(ctx context.Context, userID int64, units int64, description string) error
}

// Cache maps request text to a durable artifact.
type Cache interface {
	Lookup(ctx context.Context, requestText string) (string, bool, error)
	Store(ctx context.Context, requestText string, artifactPath string) error
}

// Files persists and removes artifact payloads.
type Files interface {
	SaveDurable(kind artifacts.Kind, payload []byte) (string, error)
	SaveTransient(kind artifacts.Kind, payload []byte) (string, error)
	Read(path string) ([]byte, error)
	Remove(path string) error
}

// Usage accumulates per-user counters.
type Usage interface {
	Record(ctx context.Context, userID int64, artifactCount int) error
}

// Admission hands out scoped slots.
type Admission interface {
	Acquire() (*admission.Slot, bool)
}

// Generator is the external image collaborator.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([][]byte, error)
	Edit(ctx context.Context, image []byte, prompt string) ([][]byte, error)
}

// Observer receives item outcomes and refunds.
type Observer interface {
	ItemResolved(outcome string)
	UnitsRefunded(units int64)
}

// ServiceConfig describes the orchestrator collaborators.
type ServiceConfig struct {
	Ledger          Ledger
	Cache           Cache
	Files           Files
	Usage           Usage
	Admission       Admission
	Generator       Generator
	Observer        Observer
	Logger          *zap.Logger
	Clock           func() time.Time
	ItemTimeout     time.Duration
	BatchLimit      int
	MaxPromptLength int
	Workers         int
}

// Service orchestrates generation and edit jobs.
type Service struct {
	ledger          Ledger
	cache           Cache
	files           Files
	usage           Usage
	admission       Admission
	generator       Generator
	observer        Observer
	logger          *zap.Logger
	clock           func() time.Time
	itemTimeout     time.Duration
	batchLimit      int
	maxPromptLength int
	workers         int

	reservationsMu sync.Mutex
	reservations   map[string]Reservation
}

// Reservation is a debit held for work the user has not requested yet.
// It is plain data so that session stores can persist it.
type Reservation struct {
	ID               string `json:"id"`
	UserID           int64  `json:"user_id"`
	Units            int64  `json:"units"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

// NewService validates collaborators and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%s: ledger is required", opServiceNew)
	case cfg.Cache == nil:
		return nil, fmt.Errorf("%s: cache is required", opServiceNew)
	case cfg.Files == nil:
		return nil, fmt.Errorf("%s: file store is required", opServiceNew)
	case cfg.Usage == nil:
		return nil, fmt.Errorf("%s: usage counters are required", opServiceNew)
	case cfg.Admission == nil:
		return nil, fmt.Errorf("%s: admission queue is required", opServiceNew)
	case cfg.Generator == nil:
		return nil, fmt.Errorf("%s: generator is required", opServiceNew)
	}
	service := &Service{
		ledger:          cfg.Ledger,
		cache:           cfg.Cache,
		files:           cfg.Files,
		usage:           cfg.Usage,
		admission:       cfg.Admission,
		generator:       cfg.Generator,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		itemTimeout:     cfg.ItemTimeout,
		batchLimit:      cfg.BatchLimit,
		maxPromptLength: cfg.MaxPromptLength,
		workers:         cfg.Workers,
		reservations:    make(map[string]Reservation),
	}
	if service.logger == nil {
		service.logger = noOpLogger
	}
	if service.clock == nil {
		service.clock = time.Now
	}
	if service.itemTimeout <= 0 {
		service.itemTimeout = defaultItemTimeout
	}
	if service.batchLimit <= 0 {
		service.batchLimit = defaultBatchLimit
	}
	if service.maxPromptLength <= 0 {
		service.maxPromptLength = defaultMaxPromptLength
	}
	if service.workers <= 0 {
		service.workers = defaultWorkers
	}
	return service, nil
}

// BatchLimit returns the maximum number of prompts per job.
func (s *Service) BatchLimit() int {
	return s.batchLimit
}

// MaxPromptLength returns the per-prompt character limit.
func (s *Service) MaxPromptLength() int {
	return s.maxPromptLength
}

// Reserve debits units ahead of a request whose input arrives later.
func (s *Service) Reserve(ctx context.Context, userID int64, units int64) (Reservation, error) {
	if err := s.ledger.Debit(ctx, userID, units); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return Reservation{}, newFailure(FailureInsufficientFunds, err)
		}
		s.logError(opReserve, "debit_failed", err, zap.Int64("user_id", userID))
		return Reservation{}, newFailure(FailureInternal, err)
	}
	reservation := Reservation{
		ID:               uuid.NewString(),
		UserID:           userID,
		Units:            units,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	s.reservationsMu.Lock()
	s.reservations[reservation.ID] = reservation
	s.reservationsMu.Unlock()
	return reservation, nil
}

// Cancel refunds an unused reservation and returns the refunded units.
func (s *Service) Cancel(ctx context.Context, reservation Reservation) (int64, error) {
	held, ok := s.take(reservation.ID)
	if !ok {
		return 0, newFailure(FailureValidation, ErrUnknownReservation)
	}
	if err := s.refund(ctx, held.UserID, held.Units, "cancelled before processing"); err != nil {
		s.logError(opCancel, "refund_failed", err, zap.Int64("user_id", held.UserID), zap.Int64("units", held.Units))
		return 0, newFailure(FailureInternal, err)
	}
	return held.Units, nil
}

// ExpireReservations refunds reservations older than maxAge. A zero maxAge
// refunds every open reservation, which is what shutdown does.
func (s *Service) ExpireReservations(ctx context.Context, maxAge time.Duration) int {
	cutoff := s.clock().UTC().Add(-maxAge).Unix()
	s.reservationsMu.Lock()
	expired := make([]Reservation, 0)
	for id, reservation := range s.reservations {
		if maxAge <= 0 || reservation.CreatedAtSeconds <= cutoff {
			expired = append(expired, reservation)
			delete(s.reservations, id)
		}
	}
	s.reservationsMu.Unlock()

	for _, reservation := range expired {
		if err := s.refund(ctx, reservation.UserID, reservation.Units, "reservation expired"); err != nil {
			s.logError(opExpire, "refund_failed", err, zap.Int64("user_id", reservation.UserID), zap.Int64("units", reservation.Units))
		}
	}
	if len(expired) > 0 {
		s.logger.Info("expired reservations refunded", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// OpenReservations returns the number of reservations awaiting input.
func (s *Service) OpenReservations() int {
	s.reservationsMu.Lock()
	defer s.reservationsMu.Unlock()
	return len(s.reservations)
}

func (s *Service) take(id string) (Reservation, bool) {
	s.reservationsMu.Lock()
	defer s.reservationsMu.Unlock()
	reservation, ok := s.reservations[id]
	if ok {
		delete(s.reservations, id)
	}
	return reservation, ok
}

// refund credits units back even when the caller's context is already done.
func (s *Service) refund(ctx context.Context, userID int64, units int64, description string) error {
	if units <= 0 {
		return nil
	}
	if err := s.ledger.Refund(context.WithoutCancel(ctx), userID, units, description); err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.UnitsRefunded(units)
	}
	return nil
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ItemResolved(outcome)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("generation service error", attrs...)
}
