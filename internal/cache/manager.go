package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/metrics"
)

type Class string

const (
	ClassTemplate Class = "template"
	ClassResult   Class = "result"
)

// Decoder rebuilds a value of a payload class from its JSON form in the
// shared tier.
type Decoder func([]byte) (any, error)

// ErrMiss is returned by Remote implementations for absent keys.
var ErrMiss = errors.New("cache miss")

// Remote is the shared, persisted cache tier.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Entry is immutable apart from its hit counter.
type Entry struct {
	Key       string
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time
	hits      atomic.Int64
}

func (e *Entry) HitCount() int64 { return e.hits.Load() }

type envelope struct {
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Value     json.RawMessage `json:"value"`
}

type classConfig struct {
	ttl    time.Duration
	decode Decoder
}

type ClassStats struct {
	LocalHits    int64 `json:"local_hits"`
	RemoteHits   int64 `json:"remote_hits"`
	Misses       int64 `json:"misses"`
	Sets         int64 `json:"sets"`
	RemoteErrors int64 `json:"remote_errors"`
	DroppedSets  int64 `json:"dropped_remote_sets"`
}

type counters struct {
	localHits, remoteHits, misses, sets, remoteErrors, dropped atomic.Int64
}

type Config struct {
	LocalSize        int
	DefaultTTL       time.Duration
	WriteTimeout     time.Duration
	MaxPendingWrites int
	Now              func() time.Time
	Logger           *zap.Logger
}

// Manager is a two-tier cache: a bounded in-process LRU in front of an
// optional shared Remote. Writes to the shared tier happen in the background.
type Manager struct {
	local  *lru.Cache[string, *Entry]
	remote Remote
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	classes map[Class]classConfig
	stats   map[Class]*counters

	pending chan struct{}
	wg      sync.WaitGroup
}

func NewManager(remote Remote, cfg Config) (*Manager, error) {
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = 10000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.MaxPendingWrites <= 0 {
		cfg.MaxPendingWrites = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	local, err := lru.New[string, *Entry](cfg.LocalSize)
	if err != nil {
		return nil, errors.Wrap(err, "create local cache")
	}

	return &Manager{
		local:   local,
		remote:  remote,
		cfg:     cfg,
		logger:  logger.Named("cache"),
		classes: make(map[Class]classConfig),
		stats:   make(map[Class]*counters),
		pending: make(chan struct{}, cfg.MaxPendingWrites),
	}, nil
}

// Register sets the default TTL and shared-tier decoder of a payload class.
func (m *Manager) Register(class Class, ttl time.Duration, decode Decoder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[class] = classConfig{ttl: ttl, decode: decode}
}

func (m *Manager) class(class Class) classConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.classes[class]
}

func (m *Manager) counters(class Class) *counters {
	m.mu.RLock()
	c, ok := m.stats[class]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.stats[class]; !ok {
		c = &counters{}
		m.stats[class] = c
	}
	return c
}

// Get looks a key up in the local tier, then the shared tier. A shared-tier
// hit back-fills the local tier. Shared-tier failures count as misses.
func (m *Manager) Get(ctx context.Context, class Class, key string) (any, bool) {
	stats := m.counters(class)
	now := m.cfg.Now()

	if e, ok := m.local.Get(key); ok {
		if now.Before(e.ExpiresAt) {
			e.hits.Add(1)
			stats.localHits.Add(1)
			metrics.CacheRequestsTotal.WithLabelValues(string(class), "local_hit").Inc()
			return e.Value, true
		}
		m.local.Remove(key)
	}

	if v, ok := m.getRemote(ctx, class, key, now); ok {
		stats.remoteHits.Add(1)
		metrics.CacheRequestsTotal.WithLabelValues(string(class), "remote_hit").Inc()
		return v, true
	}

	stats.misses.Add(1)
	metrics.CacheRequestsTotal.WithLabelValues(string(class), "miss").Inc()
	return nil, false
}

func (m *Manager) getRemote(ctx context.Context, class Class, key string, now time.Time) (any, bool) {
	if m.remote == nil {
		return nil, false
	}
	cc := m.class(class)
	if cc.decode == nil {
		return nil, false
	}

	data, err := m.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			m.remoteFailure(class, "get", key, err)
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.remoteFailure(class, "decode", key, err)
		return nil, false
	}
	if !now.Before(env.ExpiresAt) {
		return nil, false
	}
	v, err := cc.decode(env.Value)
	if err != nil {
		m.remoteFailure(class, "decode", key, err)
		return nil, false
	}

	e := &Entry{Key: key, Value: v, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	e.hits.Add(1)
	m.local.Add(key, e)
	return v, true
}

// Set stores value in the local tier synchronously and in the shared tier in
// the background. ttl <= 0 selects the class default.
func (m *Manager) Set(ctx context.Context, class Class, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.class(class).ttl
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	now := m.cfg.Now()
	e := &Entry{Key: key, Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	m.local.Add(key, e)
	stats := m.counters(class)
	stats.sets.Add(1)

	if m.remote == nil {
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		m.remoteFailure(class, "encode", key, err)
		return
	}
	data, err := json.Marshal(envelope{CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt, Value: raw})
	if err != nil {
		m.remoteFailure(class, "encode", key, err)
		return
	}

	select {
	case m.pending <- struct{}{}:
	default:
		stats.dropped.Add(1)
		m.logger.Warn("shared cache write queue full, dropping write",
			zap.String("class", string(class)), zap.String("key", key))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.pending }()

		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.WriteTimeout)
		defer cancel()
		if err := m.remote.Set(bgCtx, key, data, ttl); err != nil {
			m.remoteFailure(class, "set", key, err)
		}
	}()
}

// Invalidate drops a key from both tiers.
func (m *Manager) Invalidate(ctx context.Context, class Class, key string) error {
	m.local.Remove(key)
	if m.remote == nil {
		return nil
	}
	if err := m.remote.Delete(ctx, key); err != nil {
		m.remoteFailure(class, "delete", key, err)
		return errors.Wrap(err, "invalidate shared cache")
	}
	return nil
}

func (m *Manager) Len() int { return m.local.Len() }

func (m *Manager) Stats() map[Class]ClassStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Class]ClassStats, len(m.stats))
	for class, c := range m.stats {
		out[class] = ClassStats{
			LocalHits:    c.localHits.Load(),
			RemoteHits:   c.remoteHits.Load(),
			Misses:       c.misses.Load(),
			Sets:         c.sets.Load(),
			RemoteErrors: c.remoteErrors.Load(),
			DroppedSets:  c.dropped.Load(),
		}
	}
	return out
}

// Close waits for in-flight shared-tier writes.
func (m *Manager) Close() {
	m.wg.Wait()
}

func (m *Manager) remoteFailure(class Class, op, key string, err error) {
	m.counters(class).remoteErrors.Add(1)
	metrics.CacheRemoteErrorsTotal.WithLabelValues(string(class), op).Inc()
	m.logger.Warn("shared cache operation failed",
		zap.String("class", string(class)),
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}
