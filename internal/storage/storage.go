// Package storage implements C7: the strict/degraded persistence backend
// for history and consumer-group cursors, plus the operator key-value
// store and the DLQ, which are held in memory in every mode. Grounded on the teacher's internal/fabric/redis_store.go
// minimal-interface pattern (domain code depends on a narrow RedisClient
// interface, never a concrete driver) plus internal/circuitbreaker for
// backend-call protection.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arqonbus/bus/internal/circuitbreaker"
	"github.com/arqonbus/bus/internal/history"
)

// Mode is the storage durability stance (spec.md §4.7).
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeDegraded Mode = "degraded"
)

// ErrNotSupportedInDegraded is returned by consumer-group operations
// that require a reachable backend when running in degraded mode.
var ErrNotSupportedInDegraded = fmt.Errorf("NOT_SUPPORTED_IN_DEGRADED")

// RedisClient is the minimal interface any Redis/Valkey driver must
// satisfy; domain code never imports go-redis directly. Mirrors the
// teacher's fabric.RedisClient contract.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Publish(ctx context.Context, channel string, message []byte) error
}

// SQLExecutor is the minimal subset of *sql.DB the Postgres backend
// needs; satisfied by database/sql with the lib/pq driver registered.
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (interface{}, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) RowScanner
	PingContext(ctx context.Context) error
}

// RowScanner abstracts *sql.Row.
type RowScanner interface {
	Scan(dest ...interface{}) error
}

// Backend is a configured durability target: Redis/Valkey or Postgres.
// Exactly one of the two fields is set in memory mode neither is set.
type Backend struct {
	Redis RedisClient
	SQL   SQLExecutor
}

func (b Backend) reachable(ctx context.Context) bool {
	if b.SQL != nil {
		return b.SQL.PingContext(ctx) == nil
	}
	if b.Redis != nil {
		const probeKey = "arqonbus:ping"
		if err := b.Redis.Set(ctx, probeKey, []byte("1"), time.Second); err != nil {
			return false
		}
		return true
	}
	return false
}

// DegradedGauge mirrors internal/metrics.Metrics.StorageDegraded's
// narrow surface, so storage never imports the full metrics package.
type DegradedGauge interface {
	Set(float64)
}

// Storage is the C7 adapter. It implements history.Backend so
// internal/history can flush appends through it, and additionally
// exposes the operator key-value store, consumer cursors, and DLQ used
// by internal/command's op.store.*/op.continuum.projector.* handlers.
type Storage struct {
	mode    Mode
	backend Backend
	breaker *circuitbreaker.CircuitBreaker
	gauge   DegradedGauge

	degraded atomic.Bool

	mu      sync.RWMutex
	kv      map[string]map[string][]byte // tenant -> key -> value (in memory in every mode)
	cursors map[string]int64             // "group:stream" -> last acked sequence
	dlq     []DLQEntry
}

// DLQEntry records a projector rejection (spec.md §6, "persisted state
// layout (strict mode): ... DLQ stream for projector rejections").
type DLQEntry struct {
	TenantID  string
	Room      string
	Channel   string
	Reason    string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// New constructs a Storage adapter. breaker guards every backend call
// (spec.md §7's "Backend" error class). gauge, if non-nil, is kept in
// sync with the degraded/healthy transition.
func New(mode Mode, backend Backend, breaker *circuitbreaker.CircuitBreaker, gauge DegradedGauge) *Storage {
	s := &Storage{
		mode:    mode,
		backend: backend,
		breaker: breaker,
		gauge:   gauge,
		kv:      make(map[string]map[string][]byte),
		cursors: make(map[string]int64),
	}
	return s
}

// CheckReachability is called at startup (C9 preflight) in strict mode;
// an unreachable backend there must abort process startup (spec.md
// §4.7: "strict: ... failures abort the process").
func (s *Storage) CheckReachability(ctx context.Context) error {
	if s.mode != ModeStrict {
		return nil
	}
	if !s.backend.reachable(ctx) {
		return fmt.Errorf("storage backend unreachable in strict mode")
	}
	return nil
}

// setDegraded transitions the health signal and emits it to the gauge;
// callers are expected to also emit a storage.degraded telemetry event.
func (s *Storage) setDegraded(v bool) {
	if s.degraded.Swap(v) == v {
		return
	}
	if s.gauge != nil {
		if v {
			s.gauge.Set(1)
		} else {
			s.gauge.Set(0)
		}
	}
}

// IsDegraded reports the current health signal.
func (s *Storage) IsDegraded() bool { return s.degraded.Load() }

// Mode returns the configured durability stance.
func (s *Storage) Mode() Mode { return s.mode }

func (s *Storage) streamKey(tenantID, room, channel string) string {
	return fmt.Sprintf("arqonbus:stream:%s:%s:%s", tenantID, room, channel)
}

// AppendHistory implements history.Backend. In strict mode a backend
// failure degrades the gauge rather than aborting the write — the ring
// in internal/history already holds the entry in memory; this call is
// the durability side-channel only (spec.md §7: "degraded mode: writes
// proceed against an in-memory ring with an explicit health signal").
func (s *Storage) AppendHistory(entry history.Entry) error {
	if s.backend.Redis == nil && s.backend.SQL == nil {
		return nil // memory backend: the ring itself is the store
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := s.streamKey(entry.TenantID, entry.Room, entry.Channel)
		if s.backend.Redis != nil {
			return nil, s.backend.Redis.SAdd(ctx, key, string(data))
		}
		_, execErr := s.backend.SQL.ExecContext(ctx,
			`INSERT INTO arqonbus_history (tenant_id, room, channel, sequence, payload) VALUES ($1,$2,$3,$4,$5)`,
			entry.TenantID, entry.Room, entry.Channel, entry.Sequence, data)
		return nil, execErr
	})
	if err != nil {
		s.setDegraded(true)
		return err
	}
	s.setDegraded(false)
	return nil
}

// SaveCursor persists a consumer group's last-acked sequence
// (history.group_ack). Unsupported in degraded mode.
func (s *Storage) SaveCursor(ctx context.Context, group, stream string, sequence int64) error {
	if s.mode == ModeDegraded {
		return ErrNotSupportedInDegraded
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		key := "arqonbus:cursor:" + group + ":" + stream
		if s.backend.Redis != nil {
			return nil, s.backend.Redis.Set(cctx, key, []byte(fmt.Sprintf("%d", sequence)), 0)
		}
		if s.backend.SQL != nil {
			_, execErr := s.backend.SQL.ExecContext(cctx,
				`INSERT INTO arqonbus_cursors (grp, stream, sequence) VALUES ($1,$2,$3)
				 ON CONFLICT (grp, stream) DO UPDATE SET sequence = EXCLUDED.sequence`,
				group, stream, sequence)
			return nil, execErr
		}
		return nil, nil
	})
	if err == nil {
		s.mu.Lock()
		s.cursors[group+":"+stream] = sequence
		s.mu.Unlock()
	}
	return err
}

// Cursor returns the last-saved sequence for (group,stream), or 0 if none.
func (s *Storage) Cursor(group, stream string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[group+":"+stream]
}

// OperatorSet implements op.store.set: a per-tenant key-value space
// (spec.md §6, "persisted state layout: a key-value space for operator
// store entries keyed by tenant").
func (s *Storage) OperatorSet(tenantID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenantKV, ok := s.kv[tenantID]
	if !ok {
		tenantKV = make(map[string][]byte)
		s.kv[tenantID] = tenantKV
	}
	tenantKV[key] = value
	return nil
}

// OperatorGet implements op.store.get.
func (s *Storage) OperatorGet(tenantID, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[tenantID][key]
	return v, ok
}

// OperatorList implements op.store.list.
func (s *Storage) OperatorList(tenantID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.kv[tenantID]))
	for k := range s.kv[tenantID] {
		keys = append(keys, k)
	}
	return keys
}

// OperatorDelete implements op.store.delete.
func (s *Storage) OperatorDelete(tenantID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv[tenantID], key)
}

// WriteDLQ records a projector rejection.
func (s *Storage) WriteDLQ(entry DLQEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, entry)
}

// DLQEntries returns a snapshot of the DLQ (op.continuum.projector.dlq).
func (s *Storage) DLQEntries() []DLQEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DLQEntry, len(s.dlq))
	copy(out, s.dlq)
	return out
}
