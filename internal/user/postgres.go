package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantagetrade/authcore/internal/breaker"
)

// PostgresStore backs accounts with pgx. All pool I/O runs through the
// database circuit breaker; domain outcomes such as a missing row or a
// duplicate email are marked benign so they never count toward tripping.
type PostgresStore struct {
	pool     *pgxpool.Pool
	breakers *breaker.Facade
}

func NewPostgresStore(pool *pgxpool.Pool, breakers *breaker.Facade) *PostgresStore {
	return &PostgresStore{pool: pool, breakers: breakers}
}

const userColumns = `id, email, password_hash, first_name, last_name, role,
	account_status, kyc_status, subscription_tier, email_verified,
	phone_verified, enabled, failed_login_attempts, locked_until,
	password_changed_at, last_login_at, last_login_ip,
	last_device_fingerprint, created_at, updated_at`

func (s *PostgresStore) Register(ctx context.Context, reg *Registration) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		return nil, s.register(ctx, reg)
	})
	return err
}

func (s *PostgresStore) register(ctx context.Context, reg *Registration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	u := reg.User
	err = tx.QueryRow(ctx, `
		INSERT INTO users
			(email, password_hash, first_name, last_name, role,
			 account_status, kyc_status, subscription_tier, email_verified,
			 phone_verified, enabled, password_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING id`,
		u.Email, u.PasswordHash, u.FirstName, u.LastName, reg.Role,
		u.AccountStatus, u.KYCStatus, u.SubscriptionTier, u.EmailVerified,
		u.PhoneVerified, u.Enabled, u.PasswordChangedAt, u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return breaker.Benign(ErrEmailTaken)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	if reg.Profile != nil {
		reg.Profile.UserID = u.ID
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_profiles (user_id, date_of_birth, phone_number, address)
			VALUES ($1, $2, $3, $4)`,
			u.ID, reg.Profile.DateOfBirth, reg.Profile.PhoneNumber, reg.Profile.Address); err != nil {
			return fmt.Errorf("failed to insert profile: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		reg.Role); err != nil {
		return fmt.Errorf("failed to ensure role: %w", err)
	}

	if reg.Token != nil {
		reg.Token.UserID = u.ID
		if err := issueToken(ctx, tx, reg.Token); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, canonicalEmail string) (*User, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (*User, error) {
		row := s.pool.QueryRow(ctx, `
			SELECT `+userColumns+` FROM users WHERE email = $1`, canonicalEmail)
		return scanUser(row)
	})
}

func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*User, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (*User, error) {
		row := s.pool.QueryRow(ctx, `
			SELECT `+userColumns+` FROM users WHERE id = $1`, id)
		return scanUser(row)
	})
}

func (s *PostgresStore) IncrementFailedAttempts(ctx context.Context, id int64) (int, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (int, error) {
		var n int
		err := s.pool.QueryRow(ctx, `
			UPDATE users SET failed_login_attempts = failed_login_attempts + 1,
				updated_at = NOW()
			WHERE id = $1
			RETURNING failed_login_attempts`, id).Scan(&n)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, breaker.Benign(ErrNotFound)
			}
			return 0, fmt.Errorf("failed to bump attempt counter: %w", err)
		}
		return n, nil
	})
}

func (s *PostgresStore) ResetFailedAttempts(ctx context.Context, id int64) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE users SET failed_login_attempts = 0, updated_at = NOW()
			WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("failed to reset attempt counter: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) Lock(ctx context.Context, id int64, until time.Time) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE users SET account_status = $2, locked_until = $3,
				failed_login_attempts = 0, updated_at = NOW()
			WHERE id = $1`, id, StatusLocked, until); err != nil {
			return nil, fmt.Errorf("failed to lock account: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) Unlock(ctx context.Context, id int64) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE users SET account_status = $2, locked_until = NULL,
				failed_login_attempts = 0, updated_at = NOW()
			WHERE id = $1 AND account_status = $3`, id, StatusActive, StatusLocked); err != nil {
			return nil, fmt.Errorf("failed to unlock account: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) SetEmailVerified(ctx context.Context, id int64) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE users SET email_verified = TRUE, enabled = TRUE, updated_at = NOW()
			WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("failed to mark email verified: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, id int64, hash string, changedAt time.Time) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE users SET password_hash = $2, password_changed_at = $3,
				updated_at = NOW()
			WHERE id = $1`, id, hash, changedAt); err != nil {
			return nil, fmt.Errorf("failed to update password: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *PostgresStore) RecordLogin(ctx context.Context, id int64, at time.Time, ip, fingerprintHash string) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		if _, err := s.pool.Exec(ctx, `
			UPDATE users SET last_login_at = $2, last_login_ip = $3,
				last_device_fingerprint = $4, updated_at = NOW()
			WHERE id = $1`, id, at, ip, fingerprintHash); err != nil {
			return nil, fmt.Errorf("failed to record login: %w", err)
		}
		return nil, nil
	})
	return err
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName,
		&u.LastName, &u.Role, &u.AccountStatus, &u.KYCStatus,
		&u.SubscriptionTier, &u.EmailVerified, &u.PhoneVerified, &u.Enabled,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.PasswordChangedAt,
		&u.LastLoginAt, &u.LastLoginIP, &u.LastDeviceFingerprint,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, breaker.Benign(ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// PostgresTokenStore persists verification tokens.
type PostgresTokenStore struct {
	pool     *pgxpool.Pool
	breakers *breaker.Facade
}

func NewPostgresTokenStore(pool *pgxpool.Pool, breakers *breaker.Facade) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool, breakers: breakers}
}

func (s *PostgresTokenStore) Issue(ctx context.Context, t *VerificationToken) error {
	_, err := s.breakers.Execute(ctx, breaker.Database, func(ctx context.Context) (any, error) {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to begin tx: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := issueToken(ctx, tx, t); err != nil {
			return nil, err
		}
		return nil, tx.Commit(ctx)
	})
	return err
}

func issueToken(ctx context.Context, tx pgx.Tx, t *VerificationToken) error {
	// A fresh token supersedes all live tokens of its type.
	if _, err := tx.Exec(ctx, `
		UPDATE verification_tokens SET used_at = NOW()
		WHERE user_id = $1 AND token_type = $2 AND used_at IS NULL`,
		t.UserID, t.Type); err != nil {
		return fmt.Errorf("failed to supersede tokens: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO verification_tokens
			(token, user_id, token_type, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.Token, t.UserID, t.Type, t.ExpiresAt, t.IPAddress, t.UserAgent); err != nil {
		return fmt.Errorf("failed to insert verification token: %w", err)
	}
	return nil
}

func (s *PostgresTokenStore) Consume(ctx context.Context, token string, typ TokenType) (*VerificationToken, error) {
	return breaker.Do(ctx, s.breakers, breaker.Database, func(ctx context.Context) (*VerificationToken, error) {
		t := &VerificationToken{}
		err := s.pool.QueryRow(ctx, `
			UPDATE verification_tokens SET used_at = NOW()
			WHERE token = $1 AND token_type = $2 AND used_at IS NULL AND expires_at > NOW()
			RETURNING token, user_id, token_type, expires_at, used_at, ip_address, user_agent`,
			token, typ,
		).Scan(&t.Token, &t.UserID, &t.Type, &t.ExpiresAt, &t.UsedAt, &t.IPAddress, &t.UserAgent)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, breaker.Benign(ErrTokenInvalid)
			}
			return nil, fmt.Errorf("failed to consume verification token: %w", err)
		}
		return t, nil
	})
}
