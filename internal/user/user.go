// Package user is the account system of record: identity, status, security
// counters and verification tokens. Accounts are never hard-deleted.
package user

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrEmailTaken   = errors.New("email is already registered")
	ErrTokenInvalid = errors.New("verification token is invalid or used")
)

// AccountStatus lifecycle. DEACTIVATED is terminal.
type AccountStatus string

const (
	StatusActive      AccountStatus = "ACTIVE"
	StatusSuspended   AccountStatus = "SUSPENDED"
	StatusLocked      AccountStatus = "LOCKED"
	StatusDeactivated AccountStatus = "DEACTIVATED"
)

// KYCStatus of identity verification.
type KYCStatus string

const (
	KYCPending    KYCStatus = "PENDING"
	KYCInProgress KYCStatus = "IN_PROGRESS"
	KYCApproved   KYCStatus = "APPROVED"
	KYCRejected   KYCStatus = "REJECTED"
)

// Tier of subscription.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
)

// RoleUser is the default role assigned at registration.
const RoleUser = "USER"

// User is an account row.
type User struct {
	ID                    int64
	Email                 string // canonical form
	PasswordHash          string
	FirstName             string
	LastName              string
	Role                  string
	AccountStatus         AccountStatus
	KYCStatus             KYCStatus
	SubscriptionTier      Tier
	EmailVerified         bool
	PhoneVerified         bool
	Enabled               bool
	FailedLoginAttempts   int
	LockedUntil           *time.Time
	PasswordChangedAt     time.Time
	LastLoginAt           *time.Time
	LastLoginIP           string
	LastDeviceFingerprint string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Profile carries the optional registration details.
type Profile struct {
	UserID      int64
	DateOfBirth *time.Time
	PhoneNumber *string
	Address     *string
}

// TokenType of a verification token.
type TokenType string

const (
	TokenEmailVerification TokenType = "EMAIL_VERIFICATION"
	TokenPasswordReset     TokenType = "PASSWORD_RESET"
)

// VerificationToken is a single-use out-of-band proof.
type VerificationToken struct {
	Token     string
	UserID    int64
	Type      TokenType
	ExpiresAt time.Time
	UsedAt    *time.Time
	IPAddress string
	UserAgent string
}

// CanonicalEmail lowercases and trims an address. All storage and lookup
// go through this form; uniqueness is case-insensitive.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Locked reports whether the account is currently lock-expired or live
// locked. A past locked_until means the lock has lapsed.
func (u *User) Locked(now time.Time) bool {
	return u.AccountStatus == StatusLocked && u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Registration bundles the rows persisted atomically when an account is
// created.
type Registration struct {
	User    *User
	Profile *Profile
	Role    string
	Token   *VerificationToken
}

// Store is the account persistence port.
type Store interface {
	// Register persists user, profile, role and verification token in one
	// transaction. ErrEmailTaken on a case-insensitive duplicate.
	Register(ctx context.Context, reg *Registration) error
	GetByEmail(ctx context.Context, canonicalEmail string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)

	// IncrementFailedAttempts returns the new counter value.
	IncrementFailedAttempts(ctx context.Context, id int64) (int, error)
	ResetFailedAttempts(ctx context.Context, id int64) error
	Lock(ctx context.Context, id int64, until time.Time) error
	// Unlock restores ACTIVE status and clears the counter; used when a
	// lapsed lock is observed.
	Unlock(ctx context.Context, id int64) error

	SetEmailVerified(ctx context.Context, id int64) error
	UpdatePassword(ctx context.Context, id int64, hash string, changedAt time.Time) error
	RecordLogin(ctx context.Context, id int64, at time.Time, ip, fingerprintHash string) error
}

// TokenStore is the verification token persistence port.
type TokenStore interface {
	// Issue stores a token, invalidating all prior unused tokens of the
	// same type for the user.
	Issue(ctx context.Context, t *VerificationToken) error
	// Consume atomically marks a live token used and returns it.
	// ErrTokenInvalid when unknown, expired or already used.
	Consume(ctx context.Context, token string, typ TokenType) (*VerificationToken, error)
}
