// Package idempotency remembers which order an Idempotency-Key produced.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	Header       = "Idempotency-Key"
	pendingValue = "pending"
	maxKeyLength = 255
)

var (
	ErrInFlight   = errors.New("a request with this idempotency key is in progress")
	ErrInvalidKey = errors.New("invalid idempotency key")
)

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewStore(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Claim reserves key for a new request. If the key already produced an
// order, that order id is returned with claimed=false.
func (s *Store) Claim(ctx context.Context, key string) (orderID string, claimed bool, err error) {
	if key == "" || len(key) > maxKeyLength {
		return "", false, ErrInvalidKey
	}

	ok, err := s.client.SetNX(ctx, s.redisKey(key), pendingValue, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	value, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, ErrInFlight
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}

	if value == pendingValue {
		return "", false, ErrInFlight
	}

	return value, false, nil
}

func (s *Store) Complete(ctx context.Context, key, orderID string) error {
	return s.client.Set(ctx, s.redisKey(key), orderID, s.ttl).Err()
}

// Release drops a claim whose request failed so the client can retry.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func (s *Store) redisKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.prefix, key)
}
