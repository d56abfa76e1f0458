package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantagetrade/authcore/internal/breaker"
)

// PostgresStore persists the audit chain. Record ids come from the table's
// identity column, so Walk order matches insertion order. Pool I/O runs
// through the database circuit breaker.
type PostgresStore struct {
	pool     *pgxpool.Pool
	breakers *breaker.Facade
}

func NewPostgresStore(pool *pgxpool.Pool, breakers *breaker.Facade) *PostgresStore {
	return &PostgresStore{pool: pool, breakers: breakers}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	_, err = s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO audit_events
				(user_id, event_type, status, ip_address, user_agent, location,
				 risk_score, details, previous_hash, integrity_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			rec.UserID, rec.Type, rec.Status, rec.IPAddress, rec.UserAgent,
			rec.Location, rec.RiskScore, details, rec.PreviousHash,
			rec.IntegrityHash, rec.CreatedAt,
		).Scan(&rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert audit record: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) LastHash(ctx context.Context) (string, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (string, error) {
		var hash string
		err := s.pool.QueryRow(ctx, `
			SELECT integrity_hash FROM audit_events ORDER BY id DESC LIMIT 1`,
		).Scan(&hash)
		if err != nil {
			if err == pgx.ErrNoRows {
				return GenesisHash, nil
			}
			return "", fmt.Errorf("failed to load last hash: %w", err)
		}
		return hash, nil
	})
}

func (s *PostgresStore) Walk(ctx context.Context, fromID, toID int64, fn func(*Record) bool) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, user_id, event_type, status, ip_address, user_agent,
			       location, risk_score, details, previous_hash, integrity_hash, created_at
			FROM audit_events
			WHERE ($1::bigint = 0 OR id >= $1) AND ($2::bigint = 0 OR id <= $2)
			ORDER BY id ASC`, fromID, toID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit chain: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return nil, err
			}
			if !fn(rec) {
				return nil, nil
			}
		}
		return nil, rows.Err()
	})
	return err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Record, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) ([]*Record, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, user_id, event_type, status, ip_address, user_agent,
			       location, risk_score, details, previous_hash, integrity_hash, created_at
			FROM audit_events WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
			userID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list audit records: %w", err)
		}
		defer rows.Close()

		var out []*Record
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, rows.Err()
	})
}

func scanRecord(rows pgx.Rows) (*Record, error) {
	rec := &Record{}
	var details []byte
	if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Status,
		&rec.IPAddress, &rec.UserAgent, &rec.Location, &rec.RiskScore,
		&details, &rec.PreviousHash, &rec.IntegrityHash, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
	}
	return rec, nil
}

// MemoryStore keeps the chain in memory for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records []*Record
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) LastHash(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return GenesisHash, nil
	}
	return s.records[len(s.records)-1].IntegrityHash, nil
}

func (s *MemoryStore) Walk(ctx context.Context, fromID, toID int64, fn func(*Record) bool) error {
	s.mu.Lock()
	snapshot := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		if (fromID != 0 && r.ID < fromID) || (toID != 0 && r.ID > toID) {
			continue
		}
		cp := *r
		snapshot = append(snapshot, &cp)
	}
	s.mu.Unlock()

	for _, rec := range snapshot {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if r.UserID != nil && *r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Corrupt overwrites a stored record's hash. Test helper for verification
// scenarios.
func (s *MemoryStore) Corrupt(id int64, integrityHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			r.IntegrityHash = integrityHash
			return
		}
	}
}
