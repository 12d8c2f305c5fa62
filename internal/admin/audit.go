package admin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	auditLogsKey     = "audit:logs"
	defaultAuditKeep = 1000
)

type AuditLog struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func newAuditLog(action, target, message string) AuditLog {
	return AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		Target:    target,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// AuditStore keeps audit entries newest first.
type AuditStore interface {
	Add(ctx context.Context, entry AuditLog) error
	// List returns up to limit newest entries and the total stored.
	List(ctx context.Context, limit int) ([]AuditLog, int64, error)
}

type InMemoryAuditStore struct {
	mu   sync.Mutex
	keep int
	logs []AuditLog // oldest first
}

var _ AuditStore = (*InMemoryAuditStore)(nil)

// NewInMemoryAuditStore keeps at most keep entries (default 1000).
func NewInMemoryAuditStore(keep int) *InMemoryAuditStore {
	if keep <= 0 {
		keep = defaultAuditKeep
	}
	return &InMemoryAuditStore{keep: keep}
}

func (s *InMemoryAuditStore) Add(_ context.Context, entry AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if over := len(s.logs) - s.keep; over > 0 {
		s.logs = append([]AuditLog(nil), s.logs[over:]...)
	}
	return nil
}

func (s *InMemoryAuditStore) List(_ context.Context, limit int) ([]AuditLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := len(s.logs)
	if limit <= 0 || limit > total {
		limit = total
	}
	out := make([]AuditLog, 0, limit)
	for i := total - 1; i >= total-limit; i-- {
		out = append(out, s.logs[i])
	}
	return out, int64(total), nil
}

// RedisAuditStore keeps entries as JSON in one Redis list.
type RedisAuditStore struct {
	c    *redis.Client
	key  string
	keep int64
}

var _ AuditStore = (*RedisAuditStore)(nil)

func NewRedisAuditStore(c *redis.Client, keyPrefix string, keep int) *RedisAuditStore {
	if keep <= 0 {
		keep = defaultAuditKeep
	}
	return &RedisAuditStore{c: c, key: keyPrefix + auditLogsKey, keep: int64(keep)}
}

func (s *RedisAuditStore) Add(ctx context.Context, entry AuditLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.c.TxPipeline()
	pipe.LPush(ctx, s.key, string(data))
	pipe.LTrim(ctx, s.key, 0, s.keep-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisAuditStore) List(ctx context.Context, limit int) ([]AuditLog, int64, error) {
	count, err := s.c.LLen(ctx, s.key).Result()
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = int(count)
	}
	if limit == 0 {
		return nil, 0, nil
	}
	raw, err := s.c.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, 0, err
	}
	logs := make([]AuditLog, 0, len(raw))
	for _, item := range raw {
		var entry AuditLog
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			// Skip entries written in another format.
			continue
		}
		logs = append(logs, entry)
	}
	return logs, count, nil
}
