package telegram

import (
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/bot"
)

const defaultPendingPerUser = 16

// userDispatcher feeds updates to the pool with at most one running task per
// user. Later updates of a busy user wait in that user's FIFO instead of
// holding a worker, so one slow conversation cannot starve the others.
type userDispatcher struct {
	pool    pond.Pool
	handle  func(bot.Update)
	limit   int
	logger  *zap.Logger
	mu      sync.Mutex
	pending map[int64][]bot.Update
}

func newUserDispatcher(pool pond.Pool, limit int, logger *zap.Logger, handle func(bot.Update)) *userDispatcher {
	if limit <= 0 {
		limit = defaultPendingPerUser
	}
	return &userDispatcher{
		pool:    pool,
		handle:  handle,
		limit:   limit,
		logger:  logger,
		pending: make(map[int64][]bot.Update),
	}
}

// dispatch queues the update behind the user's running task or starts one.
func (d *userDispatcher) dispatch(update bot.Update) {
	d.mu.Lock()
	queue, busy := d.pending[update.UserID]
	if busy {
		if len(queue) >= d.limit {
			d.mu.Unlock()
			d.logger.Warn("dropping update for busy user", zap.Int64("user_id", update.UserID), zap.Int("pending", len(queue)))
			return
		}
		d.pending[update.UserID] = append(queue, update)
		d.mu.Unlock()
		return
	}
	d.pending[update.UserID] = nil
	d.mu.Unlock()

	d.pool.Submit(func() { d.drain(update) })
}

func (d *userDispatcher) drain(update bot.Update) {
	for {
		d.handleSafely(update)

		d.mu.Lock()
		queue := d.pending[update.UserID]
		if len(queue) == 0 {
			delete(d.pending, update.UserID)
			d.mu.Unlock()
			return
		}
		next := queue[0]
		d.pending[update.UserID] = queue[1:]
		d.mu.Unlock()
		update = next
	}
}

// handleSafely keeps a panicking handler from leaving the user marked busy.
func (d *userDispatcher) handleSafely(update bot.Update) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("update handler panicked", zap.Int64("user_id", update.UserID), zap.Any("panic", recovered))
		}
	}()
	d.handle(update)
}
