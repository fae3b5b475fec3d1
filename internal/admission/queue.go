// Package admission bounds the number of generation jobs in flight.
package admission

import (
	"sync"

	"github.com/google/uuid"
)

const defaultCapacity = 3

// Token identifies one admitted job.
type Token string

// Observer receives admission events.
type Observer interface {
	AdmissionChanged(inFlight int)
	AdmissionRejected()
}

// Queue is a non-blocking admission gate: callers either get a token at once
// or are told to retry later. The lock is held only for bookkeeping.
type Queue struct {
	mutex    sync.Mutex
	capacity int
	tokens   map[Token]struct{}
	observer Observer
}

// NewQueue constructs a queue admitting at most capacity jobs; non-positive
// capacities fall back to the default of three.
func NewQueue(capacity int, observer Observer) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		capacity: capacity,
		tokens:   make(map[Token]struct{}, capacity),
		observer: observer,
	}
}

// TryEnter admits a job if fewer than capacity are in flight.
func (q *Queue) TryEnter() (Token, bool) {
	q.mutex.Lock()
	if len(q.tokens) >= q.capacity {
		q.mutex.Unlock()
		if q.observer != nil {
			q.observer.AdmissionRejected()
		}
		return "", false
	}
	token := Token(uuid.NewString())
	q.tokens[token] = struct{}{}
	size := len(q.tokens)
	q.mutex.Unlock()

	if q.observer != nil {
		q.observer.AdmissionChanged(size)
	}
	return token, true
}

// Leave releases a token. Unknown or already released tokens are ignored.
func (q *Queue) Leave(token Token) {
	q.mutex.Lock()
	if _, ok := q.tokens[token]; !ok {
		q.mutex.Unlock()
		return
	}
	delete(q.tokens, token)
	size := len(q.tokens)
	q.mutex.Unlock()

	if q.observer != nil {
		q.observer.AdmissionChanged(size)
	}
}

// Size returns the number of admitted jobs.
func (q *Queue) Size() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.tokens)
}

// Capacity returns the admission ceiling.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Slot is a scoped admission. Release is safe to call more than once.
type Slot struct {
	queue   *Queue
	token   Token
	release sync.Once
}

// Acquire admits a job and wraps its token in a Slot. Callers defer Release.
func (q *Queue) Acquire() (*Slot, bool) {
	token, ok := q.TryEnter()
	if !ok {
		return nil, false
	}
	return &Slot{queue: q, token: token}, true
}

// Release returns the slot to the queue.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.release.Do(func() {
		s.queue.Leave(s.token)
	})
}
