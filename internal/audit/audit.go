// Package audit records security-relevant events in a tamper-evident
// hash-chained log with risk scoring and high-risk alert dispatch.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/vantagetrade/authcore/internal/events"
	"github.com/vantagetrade/authcore/internal/metrics"
	"github.com/vantagetrade/authcore/internal/worker"
)

// Status classifies the outcome an event records.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusBlocked Status = "BLOCKED"
	StatusPending Status = "PENDING"
)

// Well-known event types. Free-form types are allowed; these cover the
// authentication core.
const (
	EventLogin              = "auth.login"
	EventLoginFailed        = "auth.login_failed"
	EventAccountLocked      = "auth.account_locked"
	EventLogout             = "auth.logout"
	EventRegister           = "auth.register"
	EventPasswordReset      = "auth.password_reset"
	EventPasswordChanged    = "auth.password_changed"
	EventEmailVerified      = "auth.email_verified"
	EventEmailSendPending   = "auth.email_send_pending"
	EventMFAEnrolled        = "mfa.enrolled"
	EventMFAVerified        = "mfa.verified"
	EventMFAFailed          = "mfa.failed"
	EventBackupCodeUsed     = "mfa.backup_code_used"
	EventSessionCreated     = "session.created"
	EventSessionEvicted     = "session.evicted"
	EventSessionTerminated  = "session.terminated"
	EventSecurityViolation  = "security.violation"
	EventCredentialAccessed = "credential.accessed"
)

// Risk severity thresholds.
const (
	HighRiskThreshold     = 80
	CriticalRiskThreshold = 95
)

// Event is the caller-supplied description of something that happened.
type Event struct {
	UserID        *int64
	Type          string
	Status        Status
	IPAddress     string
	UserAgent     string
	Location      string
	FailedAttempt int  // consecutive failed attempts, for risk scoring
	NewDevice     bool // fingerprint never seen for this user
	LocationShift bool // geolocation differs from the previous event
	Details       map[string]any
}

// Record is a persisted, chained audit entry.
type Record struct {
	ID            int64
	UserID        *int64
	Type          string
	Status        Status
	IPAddress     string
	UserAgent     string
	Location      string
	RiskScore     int
	Details       map[string]any
	PreviousHash  string
	IntegrityHash string
	CreatedAt     time.Time
}

// Store persists audit records in insertion order.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	// LastHash returns the integrity hash of the most recent record, or
	// GenesisHash when the log is empty.
	LastHash(ctx context.Context) (string, error)
	// Walk iterates records with id in [fromID, toID] in id order, stopping
	// when fn returns false. A zero bound is unbounded on that side.
	Walk(ctx context.Context, fromID, toID int64, fn func(*Record) bool) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Record, error)
}

// ErrEventMalformed rejects events that cannot enter the chain.
var ErrEventMalformed = errors.New("malformed audit event")

// ParseStatus resolves a status string to its enum value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSuccess, StatusFailed, StatusBlocked, StatusPending:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrEventMalformed, s)
}

// validate gates the append pipeline. UserID may be nil: pre-authentication
// failures and system events have no account to attribute.
func (ev Event) validate() error {
	if ev.Type == "" {
		return fmt.Errorf("%w: event type is required", ErrEventMalformed)
	}
	if _, err := ParseStatus(string(ev.Status)); err != nil {
		return err
	}
	if ev.IPAddress == "" {
		return fmt.Errorf("%w: ip address is required", ErrEventMalformed)
	}
	return nil
}

// GenesisHash anchors an empty chain.
var GenesisHash = hexZeros(sha256.Size)

func hexZeros(n int) string {
	return hex.EncodeToString(make([]byte, n))
}

// RiskScore computes the 0..100 risk of an event. Scores are clamped.
func RiskScore(ev Event) int {
	var score int
	switch ev.Status {
	case StatusBlocked:
		score = 90
	case StatusFailed:
		score = 10
		if ev.FailedAttempt > 3 {
			score += 20
		}
		if ev.NewDevice {
			score += 15
		}
	case StatusPending:
		score = 5
	case StatusSuccess:
		if ev.LocationShift {
			score += 25
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

// ComputeIntegrityHash derives a record's chain hash from its identifying
// fields and the previous record's hash. The input layout is fixed; any
// change breaks verification of existing chains.
func ComputeIntegrityHash(userID *int64, eventType string, createdAt time.Time, previousHash string) string {
	uid := "0"
	if userID != nil {
		uid = strconv.FormatInt(*userID, 10)
	}
	payload := uid + "|" + eventType + "|" + createdAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00") + "|" + previousHash
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Trail is the audit service. Appends are serialized so each record links
// to the true chain tip.
type Trail struct {
	store  Store
	pool   *worker.Pool
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex // guards tip + append ordering
	tip     string
	tipInit bool
}

func NewTrail(store Store, pool *worker.Pool, bus *events.Bus, logger *slog.Logger) *Trail {
	return &Trail{
		store:  store,
		pool:   pool,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Append validates, scores, chains and persists an event. High-risk records
// are dispatched for alerting off the hot path; the append itself never
// waits on alert delivery.
func (t *Trail) Append(ctx context.Context, ev Event) (*Record, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tipInit {
		tip, err := t.store.LastHash(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load chain tip: %w", err)
		}
		t.tip = tip
		t.tipInit = true
	}

	rec := &Record{
		UserID:       ev.UserID,
		Type:         ev.Type,
		Status:       ev.Status,
		IPAddress:    ev.IPAddress,
		UserAgent:    ev.UserAgent,
		Location:     ev.Location,
		RiskScore:    RiskScore(ev),
		Details:      ev.Details,
		PreviousHash: t.tip,
		CreatedAt:    t.now().UTC(),
	}
	rec.IntegrityHash = ComputeIntegrityHash(rec.UserID, rec.Type, rec.CreatedAt, rec.PreviousHash)

	if err := t.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append audit record: %w", err)
	}
	t.tip = rec.IntegrityHash

	if rec.RiskScore >= HighRiskThreshold {
		t.dispatchHighRisk(rec)
	}
	return rec, nil
}

func (t *Trail) dispatchHighRisk(rec *Record) {
	severity := "high"
	if rec.RiskScore >= CriticalRiskThreshold {
		severity = "critical"
	}
	metrics.AuditHighRisk.WithLabelValues(severity).Inc()

	cp := *rec
	err := t.pool.Submit(func(ctx context.Context) {
		attrs := []any{
			"event", cp.Type, "status", cp.Status,
			"risk_score", cp.RiskScore, "ip", cp.IPAddress,
		}
		if cp.UserID != nil {
			attrs = append(attrs, "user_id", *cp.UserID)
		}
		if severity == "critical" {
			t.logger.Error("critical_risk_event", attrs...)
			sentry.CaptureMessage(fmt.Sprintf("critical risk event %s (score %d)", cp.Type, cp.RiskScore))
		} else {
			t.logger.Warn("high_risk_event", attrs...)
		}
		t.bus.Publish(events.Event{
			Topic:  events.TopicAudit,
			Name:   "audit.high_risk",
			UserID: cp.UserID,
			Payload: map[string]any{
				"event_type": cp.Type,
				"risk_score": cp.RiskScore,
				"severity":   severity,
			},
		})
	})
	if err != nil {
		t.logger.Warn("high_risk_dispatch_skipped", "err", err)
	}
}

// VerifyChain recomputes every link with id in [fromID, toID]; a zero bound
// is unbounded on that side. It returns the id of the first inconsistent
// record, or 0 when the range is intact. A range starting past the first
// record seeds from that record's stored previous hash, so it proves
// internal consistency; only a walk from the start proves anchoring to the
// genesis hash.
func (t *Trail) VerifyChain(ctx context.Context, fromID, toID int64) (int64, error) {
	var (
		prev   string
		seeded bool
		badID  int64
	)
	err := t.store.Walk(ctx, fromID, toID, func(rec *Record) bool {
		if !seeded {
			if fromID <= 1 && rec.PreviousHash != GenesisHash {
				badID = rec.ID
				return false
			}
			prev = rec.PreviousHash
			seeded = true
		}
		if rec.PreviousHash != prev ||
			rec.IntegrityHash != ComputeIntegrityHash(rec.UserID, rec.Type, rec.CreatedAt, rec.PreviousHash) {
			badID = rec.ID
			return false
		}
		prev = rec.IntegrityHash
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("chain verification failed: %w", err)
	}
	return badID, nil
}

// History returns the newest records for a user.
func (t *Trail) History(ctx context.Context, userID int64, limit int) ([]*Record, error) {
	return t.store.ListByUser(ctx, userID, limit)
}
