package rdb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/soyart/spgains/entity"
)

const DefaultStateTTL = 24 * time.Hour

// StateStore keeps the last view state of each session.
type StateStore interface {
	SaveState(ctx context.Context, sessionID string, state entity.State) error
	GetState(ctx context.Context, sessionID string) (entity.State, bool, error)
}

type redisWrapper struct {
	db     *redis.Client
	label  string
	ttl    time.Duration
	logger *zap.Logger
}

func New(redisUrl string, label string, logger *zap.Logger) (StateStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            redisUrl,
		MaxRetries:      5,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		PoolSize:        5,
	})

	if rdb == nil {
		return nil, errors.New("got nil redis client")
	}

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to ping redis %s", redisUrl)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &redisWrapper{
		db:     rdb,
		label:  label,
		ttl:    DefaultStateTTL,
		logger: logger,
	}, nil
}

func stateKey(label, sessionID string) string {
	return label + ":session:" + sessionID
}

func (rdw *redisWrapper) SaveState(ctx context.Context, sessionID string, state entity.State) error {
	stateJson, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to marshal state to json")
	}

	key := stateKey(rdw.label, sessionID)
	if err := rdw.db.Set(ctx, key, stateJson, rdw.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to save key %s to redis", key)
	}

	rdw.logger.Debug("saved session state", zap.String("key", key))
	return nil
}

func (rdw *redisWrapper) GetState(ctx context.Context, sessionID string) (entity.State, bool, error) {
	key := stateKey(rdw.label, sessionID)

	stateJson, err := rdw.db.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entity.State{}, false, nil
		}

		return entity.State{}, false, errors.Wrapf(err, "failed to get key %s", key)
	}

	var state entity.State
	if err := json.Unmarshal(stateJson, &state); err != nil {
		return entity.State{}, false, errors.Wrapf(err, "failed to unmarshal state at %s", key)
	}

	return state, true, nil
}

type memoryEntry struct {
	state     entity.State
	expiresAt time.Time
}

// memoryStore is used when no redis url is configured. Entries expire like
// redis keys do.
type memoryStore struct {
	mu        sync.RWMutex
	ttl       time.Duration
	states    map[string]memoryEntry
	lastSweep time.Time
}

func NewMemory() StateStore {
	return NewMemoryWithTTL(DefaultStateTTL)
}

func NewMemoryWithTTL(ttl time.Duration) StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	return &memoryStore{
		ttl:       ttl,
		states:    make(map[string]memoryEntry),
		lastSweep: time.Now(),
	}
}

func (m *memoryStore) SaveState(_ context.Context, sessionID string, state entity.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Sub(m.lastSweep) >= m.ttl {
		m.sweepLocked(now)
	}

	m.states[sessionID] = memoryEntry{
		state:     state.Clone(),
		expiresAt: now.Add(m.ttl),
	}

	return nil
}

func (m *memoryStore) GetState(_ context.Context, sessionID string) (entity.State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.states[sessionID]
	if !ok || !time.Now().Before(entry.expiresAt) {
		return entity.State{}, false, nil
	}

	return entry.state.Clone(), true, nil
}

func (m *memoryStore) sweepLocked(now time.Time) {
	for id, entry := range m.states {
		if !now.Before(entry.expiresAt) {
			delete(m.states, id)
		}
	}

	m.lastSweep = now
}
