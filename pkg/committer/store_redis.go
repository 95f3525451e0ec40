package committer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arome3/ciel/pkg/contracts"
)

// RedisStore keeps commit state in Redis for deployments where replicas
// share no database but still need one idempotency index. Entries expire
// after TTL; pair with a durable store if commits must outlive it.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store over the given client. A zero ttl keeps
// entries forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "ciel:commit:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(reportID, firingID string) string {
	return s.prefix + reportID + ":" + firingID
}

func (s *RedisStore) Get(ctx context.Context, reportID, firingID string) (*contracts.Commit, error) {
	data, err := s.client.Get(ctx, s.key(reportID, firingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("committer: redis get %s: %w", firingID, err)
	}
	var c contracts.Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("committer: corrupt commit record %s: %w", firingID, err)
	}
	return &c, nil
}

func (s *RedisStore) Put(ctx context.Context, commit *contracts.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("committer: encode commit %s: %w", commit.FiringID, err)
	}
	if err := s.client.Set(ctx, s.key(commit.ReportID, commit.FiringID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("committer: redis set %s: %w", commit.FiringID, err)
	}
	return nil
}
