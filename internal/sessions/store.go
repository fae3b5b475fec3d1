// Package sessions keeps the conversation state of each chat user.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/generation"
)

// State is the step a user is in.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingPrompt     State = "awaiting_prompt"
	StateAwaitingBatch      State = "awaiting_batch"
	StateAwaitingPhoto      State = "awaiting_photo"
	StateAwaitingEditPrompt State = "awaiting_edit_prompt"
	StateAwaitingPayment    State = "awaiting_payment"
)

// Session is the per-user conversation state. The zero value is idle.
type Session struct {
	State       State                   `json:"state"`
	Reservation *generation.Reservation `json:"reservation,omitempty"`
	PhotoPath   string                  `json:"photo_path,omitempty"`
	TariffCode  string                  `json:"tariff_code,omitempty"`
}

// Current returns the state, treating the empty state as idle.
func (s Session) Current() State {
	if s.State == "" {
		return StateIdle
	}
	return s.State
}

// Store loads and saves sessions by user id. A missing session loads as idle.
type Store interface {
	Load(ctx context.Context, userID int64) (Session, error)
	Save(ctx context.Context, userID int64, session Session) error
	Clear(ctx context.Context, userID int64) error
}

// MemoryStore keeps sessions in process memory; they vanish on restart.
type MemoryStore struct {
	mutex    sync.RWMutex
	sessions map[int64]memoryEntry
	ttl      time.Duration
	clock    func() time.Time
}

type memoryEntry struct {
	session   Session
	expiresAt time.Time
}

// NewMemoryStore builds a memory store. A positive ttl expires idle sessions.
func NewMemoryStore(ttl time.Duration, clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{sessions: make(map[int64]memoryEntry), ttl: ttl, clock: clock}
}

func (m *MemoryStore) Load(_ context.Context, userID int64) (Session, error) {
	m.mutex.RLock()
	entry, ok := m.sessions[userID]
	m.mutex.RUnlock()
	if !ok {
		return Session{State: StateIdle}, nil
	}
	if m.ttl > 0 && m.clock().After(entry.expiresAt) {
		m.mutex.Lock()
		delete(m.sessions, userID)
		m.mutex.Unlock()
		return Session{State: StateIdle}, nil
	}
	return entry.session, nil
}

func (m *MemoryStore) Save(_ context.Context, userID int64, session Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[userID] = memoryEntry{session: session, expiresAt: m.clock().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, userID)
	return nil
}
