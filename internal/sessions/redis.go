package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "pixelmage:session:"
	defaultTTL = 30 * time.Minute
)

// RedisClient is the subset of go-redis the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps sessions as JSON values that expire after ttl.
type RedisStore struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisClient connects to a redis server.
func NewRedisClient(address, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

// NewRedisStore wraps a client.
func NewRedisStore(client RedisClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("sessions: redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (r *RedisStore) Load(ctx context.Context, userID int64) (Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{State: StateIdle}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("sessions: load %d: %w", userID, err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, fmt.Errorf("sessions: decode %d: %w", userID, err)
	}
	return session, nil
}

func (r *RedisStore) Save(ctx context.Context, userID int64, session Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessions: encode %d: %w", userID, err)
	}
	if err := r.client.Set(ctx, sessionKey(userID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("sessions: save %d: %w", userID, err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("sessions: clear %d: %w", userID, err)
	}
	return nil
}

func sessionKey(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}
