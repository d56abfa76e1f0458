package mfa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vantagetrade/authcore/internal/breaker"
)

// RedisReplayGuard remembers verified (user, step) pairs via SETNX so only
// the first presentation of a code succeeds. Calls go through the cache
// circuit breaker.
type RedisReplayGuard struct {
	client   *redis.Client
	breakers *breaker.Facade
}

func NewRedisReplayGuard(client *redis.Client, breakers *breaker.Facade) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, breakers: breakers}
}

func (g *RedisReplayGuard) MarkUsed(ctx context.Context, userID int64, step int64, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("mfa:used:%d:%d", userID, step)
	return breaker.Do(ctx, g.breakers, breaker.Cache, func(ctx context.Context) (bool, error) {
		won, err := g.client.SetNX(ctx, key, "1", ttl).Result()
		if err != nil {
			return false, fmt.Errorf("mfa replay setnx failed: %w", err)
		}
		return won, nil
	})
}

// PostgresStore persists MFA configs and hashed backup codes. Pool I/O runs
// through the database circuit breaker; a missing config is benign.
type PostgresStore struct {
	pool     *pgxpool.Pool
	breakers *breaker.Facade
}

func NewPostgresStore(pool *pgxpool.Pool, breakers *breaker.Facade) *PostgresStore {
	return &PostgresStore{pool: pool, breakers: breakers}
}

func (s *PostgresStore) GetConfig(ctx context.Context, userID int64) (*Config, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (*Config, error) {
		cfg := &Config{}
		err := s.pool.QueryRow(ctx, `
			SELECT user_id, mfa_type, encrypted_secret, enabled
			FROM mfa_configs WHERE user_id = $1`, userID,
		).Scan(&cfg.UserID, &cfg.Type, &cfg.EncryptedSecret, &cfg.Enabled)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, breaker.Benign(ErrConfigNotFound)
			}
			return nil, fmt.Errorf("failed to load mfa config: %w", err)
		}
		return cfg, nil
	})
}

func (s *PostgresStore) SaveConfig(ctx context.Context, cfg *Config) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO mfa_configs (user_id, mfa_type, encrypted_secret, enabled, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				mfa_type = EXCLUDED.mfa_type,
				encrypted_secret = EXCLUDED.encrypted_secret,
				enabled = EXCLUDED.enabled,
				updated_at = NOW()`,
			cfg.UserID, cfg.Type, cfg.EncryptedSecret, cfg.Enabled); err != nil {
			return nil, fmt.Errorf("failed to save mfa config: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) SetEnabled(ctx context.Context, userID int64, enabled bool) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE mfa_configs SET enabled = $2, updated_at = NOW() WHERE user_id = $1`,
			userID, enabled)
		if err != nil {
			return nil, fmt.Errorf("failed to update mfa state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, breaker.Benign(ErrConfigNotFound)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) ReplaceBackupCodes(ctx context.Context, userID int64, hashes []string) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return nil, fmt.Errorf("failed to clear backup codes: %w", err)
		}
		for _, h := range hashes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO mfa_backup_codes (user_id, code_hash) VALUES ($1, $2)`,
				userID, h); err != nil {
				return nil, fmt.Errorf("failed to insert backup code: %w", err)
			}
		}
		return nil, tx.Commit(ctx)
	})
	return err
}

func (s *PostgresStore) ConsumeBackupCode(ctx context.Context, userID int64, hash string) (bool, int, error) {
	type result struct {
		used      bool
		remaining int
	}
	r, err := breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (result, error) {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM mfa_backup_codes WHERE user_id = $1 AND code_hash = $2`,
			userID, hash)
		if err != nil {
			return result{}, fmt.Errorf("failed to consume backup code: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return result{}, nil
		}
		var remaining int
		if err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM mfa_backup_codes WHERE user_id = $1`, userID,
		).Scan(&remaining); err != nil {
			return result{used: true}, fmt.Errorf("failed to count backup codes: %w", err)
		}
		return result{used: true, remaining: remaining}, nil
	})
	return r.used, r.remaining, err
}

// MemoryStore is the in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	configs map[int64]*Config
	codes   map[int64]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[int64]*Config),
		codes:   make(map[int64]map[string]struct{}),
	}
}

func (s *MemoryStore) GetConfig(ctx context.Context, userID int64) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[userID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) SaveConfig(ctx context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.configs[cfg.UserID] = &cp
	return nil
}

func (s *MemoryStore) SetEnabled(ctx context.Context, userID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[userID]
	if !ok {
		return ErrConfigNotFound
	}
	cfg.Enabled = enabled
	return nil
}

func (s *MemoryStore) ReplaceBackupCodes(ctx context.Context, userID int64, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	s.codes[userID] = set
	return nil
}

func (s *MemoryStore) ConsumeBackupCode(ctx context.Context, userID int64, hash string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.codes[userID]
	if _, ok := set[hash]; !ok {
		return false, 0, nil
	}
	delete(set, hash)
	return true, len(set), nil
}
