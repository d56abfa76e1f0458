// Package session manages device-bound user sessions: a Postgres system of
// record with a Redis read-through mirror, a concurrent-session cap with
// oldest-first eviction, and idle-timeout enforcement.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vantagetrade/authcore/internal/events"
	"github.com/vantagetrade/authcore/internal/geoip"
	"github.com/vantagetrade/authcore/internal/metrics"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session has expired")
)

// Session is one authenticated device context. Only the fingerprint hash is
// stored; the raw fingerprint never leaves the request path.
type Session struct {
	ID              string    `json:"id"`
	UserID          int64     `json:"user_id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	IPAddress       string    `json:"ip_address"`
	UserAgent       string    `json:"user_agent"`
	Location        string    `json:"location"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	ExpiresAt       time.Time `json:"expires_at"`
	Active          bool      `json:"active"`
}

// Settings governs session lifecycle.
type Settings struct {
	MaxConcurrent    int
	Timeout          time.Duration
	ExtendOnActivity bool
}

// Store is the authoritative session persistence.
type Store interface {
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ListActiveByUser(ctx context.Context, userID int64) ([]*Session, error)
	CountActive(ctx context.Context, userID int64) (int, error)
	// OldestActive returns the active session with the earliest last
	// activity, ties broken by lowest id.
	OldestActive(ctx context.Context, userID int64) (*Session, error)
	Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error
	// Terminate deactivates a session and reports whether it was active.
	Terminate(ctx context.Context, id string) (bool, error)
	TerminateAllForUser(ctx context.Context, userID int64) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// NewDevice is the input to Create.
type NewDevice struct {
	UserID          int64
	FingerprintHash string
	IPAddress       string
	UserAgent       string
}

// lockStripes bounds lock memory; creation for a user is serialized by
// stripe so the concurrency cap cannot be raced past.
const lockStripes = 64

// Manager owns session lifecycle.
type Manager struct {
	store    Store
	mirror   *Mirror
	geo      geoip.Resolver
	bus      *events.Bus
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	locks [lockStripes]sync.Mutex
}

func NewManager(store Store, mirror *Mirror, geo geoip.Resolver, bus *events.Bus, settings Settings, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		mirror:   mirror,
		geo:      geo,
		bus:      bus,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

func (m *Manager) lockFor(userID int64) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", userID)
	return &m.locks[h.Sum32()%lockStripes]
}

// Create opens a session for a device. When the user is at the concurrent
// cap, the session with the oldest activity is evicted first.
func (m *Manager) Create(ctx context.Context, dev NewDevice) (*Session, error) {
	lock := m.lockFor(dev.UserID)
	lock.Lock()
	defer lock.Unlock()

	count, err := m.store.CountActive(ctx, dev.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	for count >= m.settings.MaxConcurrent {
		oldest, err := m.store.OldestActive(ctx, dev.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find eviction candidate: %w", err)
		}
		if _, err := m.terminate(ctx, oldest.ID); err != nil {
			return nil, fmt.Errorf("failed to evict session: %w", err)
		}
		metrics.SessionEvictions.Inc()
		m.logger.Info("session_evicted", "user_id", dev.UserID, "session_id", oldest.ID)
		m.bus.Publish(events.Event{
			Topic: events.TopicSession, Name: "session.evicted", UserID: &dev.UserID,
			Payload: map[string]any{"session_id": oldest.ID},
		})
		count--
	}

	location := geoip.Unknown
	if loc, err := m.geo.Resolve(ctx, dev.IPAddress); err == nil {
		location = loc
	} else {
		m.logger.Warn("geoip_unavailable", "err", err)
	}

	now := m.now().UTC()
	s := &Session{
		ID:              uuid.NewString(),
		UserID:          dev.UserID,
		FingerprintHash: dev.FingerprintHash,
		IPAddress:       dev.IPAddress,
		UserAgent:       dev.UserAgent,
		Location:        location,
		CreatedAt:       now,
		LastActivity:    now,
		ExpiresAt:       now.Add(m.settings.Timeout),
		Active:          true,
	}
	if err := m.store.Insert(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	m.mirror.Put(ctx, s)

	m.bus.Publish(events.Event{
		Topic: events.TopicSession, Name: "session.created", UserID: &dev.UserID,
		Payload: map[string]any{"session_id": s.ID, "location": location},
	})
	return s, nil
}

// Get loads a session, serving from the mirror when warm. Expired sessions
// are terminated on sight.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.mirror.Get(ctx, id); ok {
		return m.checkLive(ctx, s)
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Active {
		m.mirror.Put(ctx, s)
	}
	return m.checkLive(ctx, s)
}

func (m *Manager) checkLive(ctx context.Context, s *Session) (*Session, error) {
	if !s.Active {
		return nil, ErrNotFound
	}
	if m.now().After(s.ExpiresAt) {
		if _, err := m.terminate(ctx, s.ID); err != nil {
			m.logger.Warn("expired_session_cleanup_failed", "session_id", s.ID, "err", err)
		}
		return nil, ErrExpired
	}
	return s, nil
}

// Touch records activity on a session, sliding the expiry forward when the
// policy extends on activity.
func (m *Manager) Touch(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	s.LastActivity = now
	if m.settings.ExtendOnActivity {
		s.ExpiresAt = now.Add(m.settings.Timeout)
	}
	if err := m.store.Touch(ctx, s.ID, s.LastActivity, s.ExpiresAt); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	m.mirror.Put(ctx, s)
	return nil
}

// Terminate ends a session. Terminating a session that is already gone is
// not an error.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	was, err := m.terminate(ctx, id)
	if err != nil {
		return err
	}
	if was {
		m.bus.Publish(events.Event{
			Topic: events.TopicSession, Name: "session.terminated",
			Payload: map[string]any{"session_id": id},
		})
	}
	return nil
}

func (m *Manager) terminate(ctx context.Context, id string) (bool, error) {
	was, err := m.store.Terminate(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to terminate session: %w", err)
	}
	m.mirror.Delete(ctx, id)
	return was, nil
}

// TerminateAllForUser ends every active session, as after a password change.
func (m *Manager) TerminateAllForUser(ctx context.Context, userID int64) (int, error) {
	sessions, err := m.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	n, err := m.store.TerminateAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate sessions: %w", err)
	}
	for _, s := range sessions {
		m.mirror.Delete(ctx, s.ID)
	}
	return n, nil
}

// List returns the user's active sessions, newest activity first.
func (m *Manager) List(ctx context.Context, userID int64) ([]*Session, error) {
	return m.store.ListActiveByUser(ctx, userID)
}

// purgeRetention keeps expired rows around for incident review before the
// sweeper deletes them. Expired sessions stop serving immediately either
// way; this only governs row deletion.
const purgeRetention = 7 * 24 * time.Hour

// PurgeExpired deletes sessions whose expiry passed more than purgeRetention
// ago. Run periodically by the sweeper.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.now().UTC().Add(-purgeRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("sessions_purged", "count", n)
	}
	return n, nil
}
