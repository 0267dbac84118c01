package deepcrawl

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/urlmd/internal/errors"
)

// CheckpointPrefix versions the persisted snapshot format.
const CheckpointPrefix = "deepcrawl:v1:"

// CheckpointTTL bounds how long an abandoned crawl stays resumable.
const CheckpointTTL = 24 * time.Hour

// Snapshot is the persisted state of a crawl in progress.
type Snapshot struct {
	CrawlID   string       `json:"crawl_id"`
	Visited   []string     `json:"visited"`
	Frontier  []*Node      `json:"frontier"`
	Results   []NodeResult `json:"results"`
	Stats     Stats        `json:"stats"`
	SavedAt   time.Time    `json:"saved_at"`
	Completed bool         `json:"completed"`
}

// CheckpointStore persists crawl snapshots. Load returns (nil, nil)
// when no snapshot exists.
type CheckpointStore interface {
	Save(ctx context.Context, crawlID string, snap *Snapshot) error
	Load(ctx context.Context, crawlID string) (*Snapshot, error)
	Delete(ctx context.Context, crawlID string) error
}

// MemoryCheckpoints keeps snapshots in process memory.
type MemoryCheckpoints struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryCheckpoints) Save(_ context.Context, crawlID string, snap *Snapshot) error {
	m.mu.Lock()
	m.snaps[crawlID] = snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryCheckpoints) Load(_ context.Context, crawlID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[crawlID], nil
}

func (m *MemoryCheckpoints) Delete(_ context.Context, crawlID string) error {
	m.mu.Lock()
	delete(m.snaps, crawlID)
	m.mu.Unlock()
	return nil
}

// RedisCheckpoints persists snapshots as JSON under versioned keys, so
// a crawl survives process restarts.
type RedisCheckpoints struct {
	client *redis.Client
}

func NewRedisCheckpoints(client *redis.Client) *RedisCheckpoints {
	return &RedisCheckpoints{client: client}
}

func (r *RedisCheckpoints) key(crawlID string) string { return CheckpointPrefix + crawlID }

func (r *RedisCheckpoints) Save(ctx context.Context, crawlID string, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode checkpoint")
	}
	if err := r.client.Set(ctx, r.key(crawlID), raw, CheckpointTTL).Err(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "save checkpoint")
	}
	return nil
}

func (r *RedisCheckpoints) Load(ctx context.Context, crawlID string) (*Snapshot, error) {
	raw, err := r.client.Get(ctx, r.key(crawlID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "load checkpoint")
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "decode checkpoint")
	}
	return &snap, nil
}

func (r *RedisCheckpoints) Delete(ctx context.Context, crawlID string) error {
	return r.client.Del(ctx, r.key(crawlID)).Err()
}
