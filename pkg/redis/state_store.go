package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrStateExists = errors.New("state already stored")

// StateStore keeps one-time OAuth state nonces in Redis.
type StateStore struct {
	client *redis.Client
}

// NewStateStore creates a new state store with the given Redis client
func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client}
}

func stateKey(nonce string) string {
	return fmt.Sprintf("oauth_state:%s", nonce)
}

// Save stores the nonce until ttl elapses. Storing the same nonce twice fails.
func (s *StateStore) Save(ctx context.Context, nonce string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, stateKey(nonce), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	if !ok {
		return ErrStateExists
	}

	return nil
}

// Consume removes the nonce and reports whether it was present.
func (s *StateStore) Consume(ctx context.Context, nonce string) (bool, error) {
	_, err := s.client.GetDel(ctx, stateKey(nonce)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume state: %w", err)
	}

	return true, nil
}
