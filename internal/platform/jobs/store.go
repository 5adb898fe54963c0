package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists task state for the lifetime of a job.
type Store interface {
	Put(ctx context.Context, s Status) error
	Get(ctx context.Context, id string) (*Status, error)
}

// MemoryStore is a concurrency-safe, in-memory Store. Entries older than the
// TTL are dropped on read.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

type memoryEntry struct {
	status    Status
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore. A ttl of zero keeps entries
// until the process exits.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]memoryEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put stores a copy of s, replacing any earlier state for the same task.
func (s *MemoryStore) Put(_ context.Context, st Status) error {
	if st.TaskID == "" {
		return fmt.Errorf("job status without task id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{status: st}
	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}
	s.jobs[st.TaskID] = entry
	return nil
}

// Get returns a copy of the state of task id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Status, error) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	cp := entry.status
	return &cp, nil
}

// RedisStore keeps task state as JSON strings with an expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore writing keys under prefix.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":job:" + id
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", st.TaskID, err)
	}
	if err := s.client.Set(ctx, s.key(st.TaskID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", st.TaskID, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Status, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &st, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
