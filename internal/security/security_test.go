package security

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/events"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/worker"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

func testFacade(t *testing.T) (*Facade, *token.Service, *audit.MemoryStore) {
	t.Helper()
	logger := slog.Default()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	breakers := breaker.New(breaker.Config{
		FailureRateThreshold: 50,
		SlidingWindow:        10,
		MinimumCalls:         100,
		OpenDuration:         time.Minute,
		HalfOpenCalls:        1,
		CallTimeout:          time.Second,
	}, logger)

	tokens, err := token.NewService(token.Config{
		SigningKeys: map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")},
		ActiveKid:   "k1",
		Issuer:      "vantagetrade-auth",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
	}, token.NewRedisRevocationStore(client, breakers))
	if err != nil {
		t.Fatal(err)
	}

	store := audit.NewMemoryStore()
	pool := worker.NewPool(2, logger)
	t.Cleanup(pool.Shutdown)
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	trail := audit.NewTrail(store, pool, bus, logger)

	return NewFacade(tokens, trail, logger), tokens, store
}

func countAudits(t *testing.T, store *audit.MemoryStore) int {
	t.Helper()
	n := 0
	store.Walk(context.Background(), 0, 0, func(*audit.Record) bool { n++; return true })
	return n
}

func TestInvokePipeline(t *testing.T) {
	facade, tokens, store := testFacade(t)
	ctx := context.Background()

	executed := false
	err := facade.Register(Operation{
		Name: "credentials.read",
		Validate: func(input any) *outcome.Error {
			if input == nil {
				return outcome.E(outcome.KindValidation, "input required")
			}
			return nil
		},
		Execute: func(ctx context.Context, claims *token.Claims, input any) (any, *outcome.Error) {
			executed = true
			return claims.UserID, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	access, _, _ := tokens.Issue(42, "fp", token.KindAccess)
	caller := Caller{BearerToken: access, IPAddress: "203.0.113.5", UserAgent: "test/1.0"}

	res := facade.Invoke(ctx, caller, "credentials.read", "broker-1")
	if !res.IsOK() || res.Value().(int64) != 42 || !executed {
		t.Fatalf("Invoke: %v", res.Err())
	}
	if countAudits(t, store) != 1 {
		t.Error("success path not audited")
	}

	// Validation failures are audited too.
	res = facade.Invoke(ctx, caller, "credentials.read", nil)
	if res.IsOK() || res.Err().Kind != outcome.KindValidation {
		t.Fatalf("validation: %v", res.Err())
	}
	if countAudits(t, store) != 2 {
		t.Error("validation failure not audited")
	}
}

func TestInvokeRejectsBadToken(t *testing.T) {
	facade, _, store := testFacade(t)
	facade.Register(Operation{
		Name:    "noop",
		Execute: func(context.Context, *token.Claims, any) (any, *outcome.Error) { return nil, nil },
	})

	res := facade.Invoke(context.Background(), Caller{BearerToken: "garbage", IPAddress: "203.0.113.5"}, "noop", nil)
	if res.IsOK() || res.Err().Kind != outcome.KindUnauthorized {
		t.Fatalf("got %v", res.Err())
	}
	if countAudits(t, store) != 1 {
		t.Error("auth failure not audited")
	}
}

func TestInvokeEnforcesRole(t *testing.T) {
	facade, tokens, _ := testFacade(t)
	facade.Register(Operation{
		Name:         "users.suspend",
		RequiredRole: RoleAdmin,
		Execute:      func(context.Context, *token.Claims, any) (any, *outcome.Error) { return "done", nil },
	})

	access, _, _ := tokens.Issue(7, "fp", token.KindAccess)
	res := facade.Invoke(context.Background(), Caller{BearerToken: access}, "users.suspend", nil)
	if res.IsOK() || res.Err().Kind != outcome.KindForbidden {
		t.Fatalf("non-admin: %v", res.Err())
	}

	// Service principals pass SERVICE-gated operations.
	facade.Register(Operation{
		Name:         "internal.sync",
		RequiredRole: "SERVICE",
		Execute:      func(context.Context, *token.Claims, any) (any, *outcome.Error) { return "ok", nil },
	})
	svc, _ := tokens.IssueService("portfolio-engine")
	if res := facade.Invoke(context.Background(), Caller{BearerToken: svc}, "internal.sync", nil); !res.IsOK() {
		t.Fatalf("service call: %v", res.Err())
	}
}

func TestInvokeUnknownOperation(t *testing.T) {
	facade, tokens, _ := testFacade(t)
	access, _, _ := tokens.Issue(1, "fp", token.KindAccess)
	res := facade.Invoke(context.Background(), Caller{BearerToken: access}, "nope", nil)
	if res.IsOK() || res.Err().Kind != outcome.KindNotFound {
		t.Fatalf("got %v", res.Err())
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	facade, _, _ := testFacade(t)
	op := Operation{Name: "x", Execute: func(context.Context, *token.Claims, any) (any, *outcome.Error) { return nil, nil }}
	if err := facade.Register(op); err != nil {
		t.Fatal(err)
	}
	if err := facade.Register(op); err == nil {
		t.Error("duplicate registration accepted")
	}
}
