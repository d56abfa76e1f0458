// Package security is the single entry point for privileged operations.
// Every invocation is authenticated, authorised, validated, executed and
// audited, in that order; concrete services are never exposed to callers.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

// RoleAdmin short-circuits role checks.
const RoleAdmin = "ADMIN"

// Operation is a privileged action registered with the façade. Inputs and
// outputs are opaque to callers.
type Operation struct {
	Name         string
	RequiredRole string // empty means any authenticated principal
	Validate     func(input any) *outcome.Error
	Execute      func(ctx context.Context, claims *token.Claims, input any) (any, *outcome.Error)
}

// Caller describes the request origin for auditing.
type Caller struct {
	BearerToken string
	IPAddress   string
	UserAgent   string
}

// Facade mediates privileged operations.
type Facade struct {
	tokens *token.Service
	trail  *audit.Trail
	logger *slog.Logger

	mu  sync.RWMutex
	ops map[string]Operation
}

func NewFacade(tokens *token.Service, trail *audit.Trail, logger *slog.Logger) *Facade {
	return &Facade{
		tokens: tokens,
		trail:  trail,
		logger: logger,
		ops:    make(map[string]Operation),
	}
}

// Register adds an operation. Registering the same name twice is a
// programming error.
func (f *Facade) Register(op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.ops[op.Name]; dup {
		return fmt.Errorf("operation %q already registered", op.Name)
	}
	f.ops[op.Name] = op
	return nil
}

// Invoke runs a registered operation for a caller. The audit record is
// written on every path, success or failure.
func (f *Facade) Invoke(ctx context.Context, caller Caller, opName string, input any) outcome.Result[any] {
	f.mu.RLock()
	op, known := f.ops[opName]
	f.mu.RUnlock()
	if !known {
		return outcome.Failf[any](outcome.KindNotFound, "unknown operation %q", opName)
	}

	var userID *int64
	res := f.run(ctx, &op, caller, input, &userID)

	status := audit.StatusSuccess
	details := map[string]any{"operation": opName}
	if !res.IsOK() {
		status = audit.StatusFailed
		details["error_kind"] = string(res.Err().Kind)
	}
	if _, err := f.trail.Append(ctx, audit.Event{
		UserID:    userID,
		Type:      audit.EventCredentialAccessed,
		Status:    status,
		IPAddress: caller.IPAddress,
		UserAgent: caller.UserAgent,
		Details:   details,
	}); err != nil {
		f.logger.Error("audit_append_failed", "operation", opName, "err", err)
	}
	return res
}

func (f *Facade) run(ctx context.Context, op *Operation, caller Caller, input any, userID **int64) outcome.Result[any] {
	claims, err := f.tokens.Validate(ctx, caller.BearerToken)
	if err != nil {
		return outcome.Fail[any](outcome.Wrap(tokenKind(err), "authentication failed", err))
	}
	if claims.UserID != 0 {
		uid := claims.UserID
		*userID = &uid
	}

	if !authorized(claims, op.RequiredRole) {
		return outcome.Failf[any](outcome.KindForbidden, "role %q required", op.RequiredRole)
	}
	if op.Validate != nil {
		if verr := op.Validate(input); verr != nil {
			return outcome.Fail[any](verr)
		}
	}

	out, oerr := op.Execute(ctx, claims, input)
	if oerr != nil {
		return outcome.Fail[any](oerr)
	}
	return outcome.OK(out)
}

// authorized checks the caller's role against the operation's requirement.
// ADMIN passes everything; service principals carry the SERVICE role.
func authorized(claims *token.Claims, required string) bool {
	if required == "" {
		return true
	}
	return claims.Role == required || claims.Role == RoleAdmin
}

func tokenKind(err error) outcome.Kind {
	switch {
	case errors.Is(err, token.ErrExpired):
		return outcome.KindTokenExpired
	case errors.Is(err, token.ErrRevoked):
		return outcome.KindTokenRevoked
	case errors.Is(err, token.ErrBadSignature), errors.Is(err, token.ErrMalformed):
		return outcome.KindUnauthorized
	default:
		return outcome.KindUnauthorized
	}
}
