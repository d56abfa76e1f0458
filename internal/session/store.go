package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantagetrade/authcore/internal/breaker"
)

// PostgresStore is the authoritative session persistence. Pool I/O runs
// through the database circuit breaker; a missing row is benign.
type PostgresStore struct {
	pool     *pgxpool.Pool
	breakers *breaker.Facade
}

func NewPostgresStore(pool *pgxpool.Pool, breakers *breaker.Facade) *PostgresStore {
	return &PostgresStore{pool: pool, breakers: breakers}
}

const sessionColumns = `id, user_id, fingerprint_hash, ip_address, user_agent,
	location, created_at, last_activity, expires_at, active`

func (s *PostgresStore) Insert(ctx context.Context, sess *Session) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sess.ID, sess.UserID, sess.FingerprintHash, sess.IPAddress,
			sess.UserAgent, sess.Location, sess.CreatedAt, sess.LastActivity,
			sess.ExpiresAt, sess.Active); err != nil {
			return nil, fmt.Errorf("failed to insert session: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (*Session, error) {
		row := s.pool.QueryRow(ctx, `
			SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
		sess, err := scanSession(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, breaker.Benign(ErrNotFound)
			}
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		return sess, nil
	})
}

func (s *PostgresStore) ListActiveByUser(ctx context.Context, userID int64) ([]*Session, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) ([]*Session, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE user_id = $1 AND active ORDER BY last_activity DESC`, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		defer rows.Close()

		var out []*Session
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, sess)
		}
		return out, rows.Err()
	})
}

func (s *PostgresStore) CountActive(ctx context.Context, userID int64) (int, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (int, error) {
		var n int
		err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND active`, userID,
		).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count sessions: %w", err)
		}
		return n, nil
	})
}

func (s *PostgresStore) OldestActive(ctx context.Context, userID int64) (*Session, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (*Session, error) {
		row := s.pool.QueryRow(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE user_id = $1 AND active
			ORDER BY last_activity ASC, id ASC LIMIT 1`, userID)
		sess, err := scanSession(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, breaker.Benign(ErrNotFound)
			}
			return nil, fmt.Errorf("failed to find oldest session: %w", err)
		}
		return sess, nil
	})
}

func (s *PostgresStore) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions SET last_activity = $2, expires_at = $3
			WHERE id = $1 AND active`, id, lastActivity, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to touch session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, breaker.Benign(ErrNotFound)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) Terminate(ctx context.Context, id string) (bool, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (bool, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions SET active = FALSE WHERE id = $1 AND active`, id)
		if err != nil {
			return false, fmt.Errorf("failed to terminate session: %w", err)
		}
		return tag.RowsAffected() > 0, nil
	})
}

func (s *PostgresStore) TerminateAllForUser(ctx context.Context, userID int64) (int, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (int, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions SET active = FALSE WHERE user_id = $1 AND active`, userID)
		if err != nil {
			return 0, fmt.Errorf("failed to terminate sessions: %w", err)
		}
		return int(tag.RowsAffected()), nil
	})
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (int, error) {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM sessions WHERE expires_at < $1`, before)
		if err != nil {
			return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
		}
		return int(tag.RowsAffected()), nil
	})
}

func scanSession(row pgx.Row) (*Session, error) {
	sess := &Session{}
	err := row.Scan(&sess.ID, &sess.UserID, &sess.FingerprintHash,
		&sess.IPAddress, &sess.UserAgent, &sess.Location, &sess.CreatedAt,
		&sess.LastActivity, &sess.ExpiresAt, &sess.Active)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// MemoryStore backs tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Insert(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListActiveByUser(ctx context.Context, userID int64) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) OldestActive(ctx context.Context, userID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || !sess.Active {
			continue
		}
		if oldest == nil ||
			sess.LastActivity.Before(oldest.LastActivity) ||
			(sess.LastActivity.Equal(oldest.LastActivity) && sess.ID < oldest.ID) {
			oldest = sess
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return ErrNotFound
	}
	sess.LastActivity = lastActivity
	sess.ExpiresAt = expiresAt
	return nil
}

func (s *MemoryStore) Terminate(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return false, nil
	}
	sess.Active = false
	return true, nil
}

func (s *MemoryStore) TerminateAllForUser(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			sess.Active = false
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}
