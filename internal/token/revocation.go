package token

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vantagetrade/authcore/internal/breaker"
)

const revokedKeyPrefix = "revoked:"

// RedisRevocationStore keeps revoked jtis in Redis with a TTL equal to the
// token's remaining lifetime, so memory never grows unbounded. All calls go
// through the cache circuit breaker.
type RedisRevocationStore struct {
	client   *redis.Client
	breakers *breaker.Facade
}

func NewRedisRevocationStore(client *redis.Client, breakers *breaker.Facade) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, breakers: breakers}
}

// Revoke sets the jti marker if absent. SETNX gives the atomicity the
// one-time-use refresh contract needs: exactly one caller wins.
func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	return breaker.Do(ctx, s.breakers, breaker.Cache, func(ctx context.Context) (bool, error) {
		won, err := s.client.SetNX(ctx, revokedKeyPrefix+jti, "1", ttl).Result()
		if err != nil {
			return false, fmt.Errorf("revocation setnx failed: %w", err)
		}
		return won, nil
	})
}

const cutoffKeyPrefix = "revoked:user:"

// SetUserCutoff records the instant before which all of a user's tokens
// are invalid.
func (s *RedisRevocationStore) SetUserCutoff(ctx context.Context, userID int64, at time.Time, ttl time.Duration) error {
	_, err := breaker.Do(ctx, s.breakers, breaker.Cache, func(ctx context.Context) (any, error) {
		key := cutoffKeyPrefix + strconv.FormatInt(userID, 10)
		if err := s.client.Set(ctx, key, at.Unix(), ttl).Err(); err != nil {
			return nil, fmt.Errorf("cutoff set failed: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *RedisRevocationStore) UserCutoff(ctx context.Context, userID int64) (time.Time, bool, error) {
	type cutoff struct {
		at time.Time
		ok bool
	}
	c, err := breaker.Do(ctx, s.breakers, breaker.Cache, func(ctx context.Context) (cutoff, error) {
		key := cutoffKeyPrefix + strconv.FormatInt(userID, 10)
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return cutoff{}, nil
		}
		if err != nil {
			return cutoff{}, fmt.Errorf("cutoff lookup failed: %w", err)
		}
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cutoff{}, fmt.Errorf("cutoff value malformed: %w", err)
		}
		return cutoff{at: time.Unix(sec, 0), ok: true}, nil
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return c.at, c.ok, nil
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return breaker.Do(ctx, s.breakers, breaker.Cache, func(ctx context.Context) (bool, error) {
		n, err := s.client.Exists(ctx, revokedKeyPrefix+jti).Result()
		if err != nil {
			return false, fmt.Errorf("revocation lookup failed: %w", err)
		}
		return n > 0, nil
	})
}
