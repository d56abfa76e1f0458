package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vantagetrade/authcore/internal/breaker"
)

const (
	sessionKeyPrefix = "session:"
	userSetPrefix    = "user_sessions:"
	deviceSetPrefix  = "device_sessions:"
)

// Mirror is the Redis read-through copy of the session store. Every
// operation is best-effort: a cold or unavailable mirror degrades reads to
// Postgres, it never fails the request.
type Mirror struct {
	client   *redis.Client
	breakers *breaker.Facade
	logger   *slog.Logger
}

func NewMirror(client *redis.Client, breakers *breaker.Facade, logger *slog.Logger) *Mirror {
	return &Mirror{client: client, breakers: breakers, logger: logger}
}

// Put mirrors a session with a TTL matching its expiry and indexes it by
// user and device.
func (m *Mirror) Put(ctx context.Context, s *Session) {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		m.logger.Warn("session_mirror_encode_failed", "err", err)
		return
	}
	_, err = m.breakers.Execute(ctx, breaker.Cache, func(ctx context.Context) (any, error) {
		pipe := m.client.Pipeline()
		pipe.Set(ctx, sessionKeyPrefix+s.ID, payload, ttl)
		pipe.SAdd(ctx, userSetPrefix+itoa(s.UserID), s.ID)
		pipe.Expire(ctx, userSetPrefix+itoa(s.UserID), ttl)
		pipe.SAdd(ctx, deviceSetPrefix+s.FingerprintHash, s.ID)
		pipe.Expire(ctx, deviceSetPrefix+s.FingerprintHash, ttl)
		return pipe.Exec(ctx)
	})
	if err != nil {
		m.logger.Warn("session_mirror_put_failed", "session_id", s.ID, "err", err)
	}
}

// Get returns the mirrored session and whether the mirror had it.
func (m *Mirror) Get(ctx context.Context, id string) (*Session, bool) {
	s, err := breaker.Do(ctx, m.breakers, breaker.Cache, func(ctx context.Context) (*Session, error) {
		raw, err := m.client.Get(ctx, sessionKeyPrefix+id).Bytes()
		if err != nil {
			return nil, err
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
	if err != nil {
		return nil, false
	}
	return s, true
}

// Delete drops a session from the mirror, including its membership in the
// user and device index sets. The indexes need the mirrored payload to name
// their keys; a cold mirror deletes the value key only.
func (m *Mirror) Delete(ctx context.Context, id string) {
	_, err := m.breakers.Execute(ctx, breaker.Cache, func(ctx context.Context) (any, error) {
		raw, getErr := m.client.Get(ctx, sessionKeyPrefix+id).Bytes()

		pipe := m.client.Pipeline()
		pipe.Del(ctx, sessionKeyPrefix+id)
		if getErr == nil {
			var s Session
			if json.Unmarshal(raw, &s) == nil {
				pipe.SRem(ctx, userSetPrefix+itoa(s.UserID), id)
				pipe.SRem(ctx, deviceSetPrefix+s.FingerprintHash, id)
			}
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		m.logger.Warn("session_mirror_delete_failed", "session_id", id, "err", err)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
