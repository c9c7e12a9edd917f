// Package progress keeps the near-real-time delivery counters of a
// running broadcast, separate from the durable record so polling stays
// cheap. Snapshots are TTL-bounded: a run that abandons without
// completing must not leave counters behind for more than a day.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "broadcast_progress:"
	SnapshotTTL = 24 * time.Hour
)

type Snapshot struct {
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Percent   float64   `json:"percent"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSnapshot fills the derived fields. Percent is processed/total to
// one decimal place, 0 for an empty audience.
func NewSnapshot(sent, failed, total int, status string) Snapshot {
	var pct float64
	if total > 0 {
		pct = math.Round(float64(sent+failed)/float64(total)*1000) / 10
	}
	return Snapshot{
		Sent:      sent,
		Failed:    failed,
		Total:     total,
		Percent:   pct,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
}

// Store is written only by a broadcast's single executor; readers are
// the progress endpoints.
type Store interface {
	Set(ctx context.Context, id uuid.UUID, s Snapshot) error
	// Get returns (snapshot, true) when present, (zero, false) when
	// missing or expired.
	Get(ctx context.Context, id uuid.UUID) (Snapshot, bool, error)
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Set(ctx context.Context, id uuid.UUID, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyPrefix+id.String(), data, SnapshotTTL).Err()
}

func (r *RedisStore) Get(ctx context.Context, id uuid.UUID) (Snapshot, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt progress snapshot: %w", err)
	}
	return s, true, nil
}

// MemoryStore backs tests and single-process setups.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[uuid.UUID]memEntry
}

type memEntry struct {
	snap    Snapshot
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[uuid.UUID]memEntry)}
}

func (m *MemoryStore) Set(_ context.Context, id uuid.UUID, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = memEntry{snap: s, expires: time.Now().Add(SnapshotTTL)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[id]
	if !ok || time.Now().After(e.expires) {
		return Snapshot{}, false, nil
	}
	return e.snap, true, nil
}
