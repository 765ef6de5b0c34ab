package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store mirrors which stations this simulator instance holds a live session
// for. Keys expire after ttl unless refreshed.
type Store struct {
	rdb        redis.UniversalClient
	prefix     string
	ttl        time.Duration
	instanceId string
}

func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl, instanceId: uuid.NewString()}
}

func (s *Store) InstanceID() string { return s.instanceId }

func (s *Store) key(identity string) string {
	return s.prefix + ":" + identity
}

func (s *Store) Touch(ctx context.Context, identity string) error {
	return s.rdb.Set(ctx, s.key(identity), s.instanceId, s.ttl).Err()
}

// Remove deletes the key only while it still belongs to this instance.
func (s *Store) Remove(ctx context.Context, identity string) error {
	return removeIfOwner.Run(ctx, s.rdb, []string{s.key(identity)}, s.instanceId).Err()
}

// owner returns the instance holding identity, or "" when none does.
func (s *Store) owner(ctx context.Context, identity string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(identity)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

var removeIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
