package user

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store and TokenStore in memory for tests and
// local development.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[int64]*User
	emails map[string]int64
	tokens map[string]*VerificationToken
	nextID int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*User),
		emails: make(map[string]int64),
		tokens: make(map[string]*VerificationToken),
		nextID: 1,
		now:    time.Now,
	}
}

func (s *MemoryStore) Register(ctx context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.emails[reg.User.Email]; taken {
		return ErrEmailTaken
	}
	u := *reg.User
	u.ID = s.nextID
	u.Role = reg.Role
	s.nextID++
	s.users[u.ID] = &u
	s.emails[u.Email] = u.ID
	reg.User.ID = u.ID
	reg.User.Role = reg.Role

	if reg.Token != nil {
		reg.Token.UserID = u.ID
		s.issueLocked(reg.Token)
	}
	return nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, canonicalEmail string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[canonicalEmail]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) IncrementFailedAttempts(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (s *MemoryStore) ResetFailedAttempts(ctx context.Context, id int64) error {
	return s.update(id, func(u *User) {
		u.FailedLoginAttempts = 0
	})
}

func (s *MemoryStore) Lock(ctx context.Context, id int64, until time.Time) error {
	return s.update(id, func(u *User) {
		u.AccountStatus = StatusLocked
		u.LockedUntil = &until
		u.FailedLoginAttempts = 0
	})
}

func (s *MemoryStore) Unlock(ctx context.Context, id int64) error {
	return s.update(id, func(u *User) {
		if u.AccountStatus == StatusLocked {
			u.AccountStatus = StatusActive
			u.LockedUntil = nil
			u.FailedLoginAttempts = 0
		}
	})
}

func (s *MemoryStore) SetEmailVerified(ctx context.Context, id int64) error {
	return s.update(id, func(u *User) {
		u.EmailVerified = true
		u.Enabled = true
	})
}

func (s *MemoryStore) UpdatePassword(ctx context.Context, id int64, hash string, changedAt time.Time) error {
	return s.update(id, func(u *User) {
		u.PasswordHash = hash
		u.PasswordChangedAt = changedAt
	})
}

func (s *MemoryStore) RecordLogin(ctx context.Context, id int64, at time.Time, ip, fingerprintHash string) error {
	return s.update(id, func(u *User) {
		at := at
		u.LastLoginAt = &at
		u.LastLoginIP = ip
		u.LastDeviceFingerprint = fingerprintHash
	})
}

func (s *MemoryStore) update(id int64, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Issue(ctx context.Context, t *VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueLocked(t)
	return nil
}

func (s *MemoryStore) issueLocked(t *VerificationToken) {
	now := s.now()
	for _, prior := range s.tokens {
		if prior.UserID == t.UserID && prior.Type == t.Type && prior.UsedAt == nil {
			used := now
			prior.UsedAt = &used
		}
	}
	cp := *t
	s.tokens[t.Token] = &cp
}

// LiveToken returns a user's unexpired, unused token of the given type.
// Test helper.
func (s *MemoryStore) LiveToken(userID int64, typ TokenType) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, t := range s.tokens {
		if t.UserID == userID && t.Type == typ && t.UsedAt == nil && t.ExpiresAt.After(s.now()) {
			return tok
		}
	}
	return ""
}

func (s *MemoryStore) Consume(ctx context.Context, token string, typ TokenType) (*VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.Type != typ || t.UsedAt != nil || !t.ExpiresAt.After(s.now()) {
		return nil, ErrTokenInvalid
	}
	used := s.now()
	t.UsedAt = &used
	cp := *t
	return &cp, nil
}
