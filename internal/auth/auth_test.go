package auth

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/events"
	"github.com/vantagetrade/authcore/internal/geoip"
	"github.com/vantagetrade/authcore/internal/mfa"
	"github.com/vantagetrade/authcore/internal/notify"
	"github.com/vantagetrade/authcore/internal/session"
	"github.com/vantagetrade/authcore/internal/social"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/internal/worker"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

// stack is the fully wired authentication service graph over in-memory
// stores and miniredis.
type stack struct {
	registry   *Registry
	registrar  *Registrar
	passwords  *PasswordManager
	users      *user.MemoryStore
	sessions   *session.Manager
	tokens     *token.Service
	mfa        *mfa.Service
	auditStore *audit.MemoryStore
	verifier   *social.StaticVerifier
}

func newStack(t *testing.T) *stack {
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

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	pool := worker.NewPool(4, logger)
	t.Cleanup(pool.Shutdown)

	auditStore := audit.NewMemoryStore()
	trail := audit.NewTrail(auditStore, pool, bus, logger)

	tokens, err := token.NewService(token.Config{
		SigningKeys: map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")},
		ActiveKid:   "k1",
		Issuer:      "vantagetrade-auth",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  14 * 24 * time.Hour,
	}, token.NewRedisRevocationStore(client, breakers))
	if err != nil {
		t.Fatal(err)
	}

	users := user.NewMemoryStore()
	sessions := session.NewManager(session.NewMemoryStore(),
		session.NewMirror(client, breakers, logger),
		&geoip.StaticResolver{}, bus,
		session.Settings{MaxConcurrent: 3, Timeout: 30 * time.Minute, ExtendOnActivity: true},
		logger)

	mfaSvc := mfa.NewService(mfa.NewMemoryStore(),
		mfa.NewRedisReplayGuard(client, breakers),
		passthroughCodec{}, bus, "VantageTrade", logger)

	verifier := &social.StaticVerifier{
		Providers:  map[string]bool{"google": true},
		Identities: map[string]*social.Identity{},
	}

	d := Deps{
		Users:    users,
		Hasher:   NewHasher(),
		Tokens:   tokens,
		Sessions: sessions,
		MFA:      mfaSvc,
		Trail:    trail,
		Verifier: verifier,
		Breakers: breakers,
		Mailer:   &notify.DevMailer{Logger: logger},
		Policy:   Policy{MaxFailedAttempts: 5, LockDuration: 30 * time.Minute},
		Logger:   logger,
	}

	return &stack{
		registry: NewRegistry(logger, NewStrategies(d, map[string]string{
			"portfolio-engine": "c6654f69ea7f87396d17eb9e2ccbf95f22452cd6ecb7168ed410812af0d61611",
		})...),
		registrar:  NewRegistrar(d, users, "https://app.vantagetrade.io"),
		passwords:  NewPasswordManager(d, users, "https://app.vantagetrade.io"),
		users:      users,
		sessions:   sessions,
		tokens:     tokens,
		mfa:        mfaSvc,
		auditStore: auditStore,
		verifier:   verifier,
	}
}

type passthroughCodec struct{}

func (passthroughCodec) Encrypt(ctx context.Context, s string) (string, error) { return s, nil }
func (passthroughCodec) Decrypt(ctx context.Context, s string) (string, error) { return s, nil }

func (s *stack) register(t *testing.T, email, password string) *user.User {
	t.Helper()
	res := s.registrar.Register(context.Background(), &RegisterRequest{
		Email: email, Password: password,
		FirstName: "Alice", LastName: "Liddell",
		IPAddress: "203.0.113.5", UserAgent: "test/1.0",
	})
	if !res.IsOK() {
		t.Fatalf("Register: %v", res.Err())
	}
	return res.Value()
}

func loginReq(email, password string) *Request {
	return &Request{
		Email: email, Password: password,
		IPAddress: "203.0.113.5", UserAgent: "test/1.0", Fingerprint: "device-1",
	}
}

// totpNow generates the code the authenticator app would show at
// now+offset.
func totpNow(t *testing.T, secret string, offset time.Duration) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, time.Now().Add(offset), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func (s *stack) findVerificationToken(t *testing.T, userID int64) string {
	t.Helper()
	tok := s.users.LiveToken(userID, user.TokenEmailVerification)
	if tok == "" {
		t.Fatal("no live verification token")
	}
	return tok
}

func (s *stack) findResetToken(t *testing.T, userID int64) string {
	t.Helper()
	tok := s.users.LiveToken(userID, user.TokenPasswordReset)
	if tok == "" {
		t.Fatal("no live reset token")
	}
	return tok
}

func TestStrategySelection(t *testing.T) {
	s := newStack(t)
	cases := []struct {
		name string
		req  *Request
		want string
	}{
		{"api key wins", &Request{APIKey: "k", MFACode: "123456", Email: "a@b.c"}, "api_key"},
		{"social over mfa", &Request{SocialProvider: "google", SocialToken: "t", MFACode: "1"}, "social"},
		{"mfa over password", &Request{Email: "a@b.c", Password: "x", MFACode: "123456"}, "mfa"},
		{"password fallback", &Request{Email: "a@b.c", Password: "x"}, "password"},
	}
	for _, tc := range cases {
		if got := s.registry.Select(tc.req).Name(); got != tc.want {
			t.Errorf("%s: selected %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPasswordLoginHappyPath(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	u := s.register(t, "alice@example.com", "Str0ng!Passw0rd")

	res := s.registry.Authenticate(ctx, loginReq("alice@example.com", "Str0ng!Passw0rd"))
	if !res.IsOK() {
		t.Fatalf("login: %v", res.Err())
	}
	resp := res.Value()
	if resp.RequiresMFA || resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Errorf("response: %+v", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type: %q", resp.TokenType)
	}

	claims, err := s.tokens.Validate(ctx, resp.AccessToken)
	if err != nil || claims.UserID != u.ID {
		t.Fatalf("access token: %v", err)
	}
	if sessions, _ := s.sessions.List(ctx, u.ID); len(sessions) != 1 {
		t.Errorf("%d sessions, want 1", len(sessions))
	}

	// Email casing and whitespace do not matter.
	if res := s.registry.Authenticate(ctx, loginReq("  ALICE@Example.com ", "Str0ng!Passw0rd")); !res.IsOK() {
		t.Errorf("canonicalised login: %v", res.Err())
	}
}

func TestAccountLockout(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	u := s.register(t, "bob@example.com", "Str0ng!Passw0rd")

	// Five wrong passwords: all generic bad-credentials failures.
	for i := 0; i < 5; i++ {
		res := s.registry.Authenticate(ctx, loginReq("bob@example.com", "wrong-password"))
		if res.IsOK() || res.Err().Kind != outcome.KindBadCredentials {
			t.Fatalf("attempt %d: %v", i+1, res.Err())
		}
	}

	// Sixth attempt hits the lock, even with the right password.
	res := s.registry.Authenticate(ctx, loginReq("bob@example.com", "Str0ng!Passw0rd"))
	if res.IsOK() || res.Err().Kind != outcome.KindAccountLocked {
		t.Fatalf("locked attempt: %v", res.Err())
	}

	locked, _ := s.users.GetByID(ctx, u.ID)
	if locked.FailedLoginAttempts != 0 {
		t.Errorf("counter not reset on lock: %d", locked.FailedLoginAttempts)
	}
	if locked.LockedUntil == nil || !locked.LockedUntil.After(time.Now().Add(29*time.Minute)) {
		t.Errorf("locked_until: %v", locked.LockedUntil)
	}

	// Five FAILED records and one BLOCKED, plus the registration record.
	var failed, blocked int
	s.auditStore.Walk(ctx, 0, 0, func(rec *audit.Record) bool {
		if rec.Type == audit.EventLoginFailed {
			switch rec.Status {
			case audit.StatusFailed:
				failed++
			case audit.StatusBlocked:
				blocked++
			}
		}
		return true
	})
	if failed != 5 || blocked != 1 {
		t.Errorf("audit: %d FAILED, %d BLOCKED; want 5 and 1", failed, blocked)
	}
}

func TestUnknownEmailIsIndistinguishable(t *testing.T) {
	s := newStack(t)
	s.register(t, "carol@example.com", "Str0ng!Passw0rd")

	unknown := s.registry.Authenticate(context.Background(), loginReq("ghost@example.com", "whatever-pass"))
	badPass := s.registry.Authenticate(context.Background(), loginReq("carol@example.com", "whatever-pass"))
	if unknown.Err().Kind != badPass.Err().Kind {
		t.Errorf("enumeration oracle: %v vs %v", unknown.Err().Kind, badPass.Err().Kind)
	}
	if unknown.Err().Msg != badPass.Err().Msg {
		t.Errorf("message oracle: %q vs %q", unknown.Err().Msg, badPass.Err().Msg)
	}
}

func TestMFARequiredThenVerified(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	u := s.register(t, "dora@example.com", "Str0ng!Passw0rd")

	enr, err := s.mfa.Enroll(ctx, u.ID, u.Email)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.mfa.Activate(ctx, u.ID, totpNow(t, enr.SecretKey, 0)); err != nil {
		t.Fatal(err)
	}

	// Plain password login reports that MFA is required, without tokens.
	res := s.registry.Authenticate(ctx, loginReq("dora@example.com", "Str0ng!Passw0rd"))
	if !res.IsOK() || !res.Value().RequiresMFA || res.Value().AccessToken != "" {
		t.Fatalf("expected requires-mfa response: %+v, err %v", res.Value(), res.Err())
	}

	// The same credentials plus a fresh code complete the login.
	req := loginReq("dora@example.com", "Str0ng!Passw0rd")
	req.MFACode = totpNow(t, enr.SecretKey, 30*time.Second)
	res = s.registry.Authenticate(ctx, req)
	if !res.IsOK() || res.Value().AccessToken == "" {
		t.Fatalf("mfa login: %v", res.Err())
	}

	// A bad code is a BAD_MFA failure.
	req = loginReq("dora@example.com", "Str0ng!Passw0rd")
	req.MFACode = "000000"
	res = s.registry.Authenticate(ctx, req)
	if res.IsOK() || res.Err().Kind != outcome.KindBadMFA {
		t.Fatalf("bad code: %v", res.Err())
	}
}

func TestBackupCodeLogin(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	u := s.register(t, "erin@example.com", "Str0ng!Passw0rd")

	enr, _ := s.mfa.Enroll(ctx, u.ID, u.Email)
	if err := s.mfa.Activate(ctx, u.ID, totpNow(t, enr.SecretKey, 0)); err != nil {
		t.Fatal(err)
	}

	req := loginReq("erin@example.com", "Str0ng!Passw0rd")
	req.MFACode = enr.BackupCodes[0]
	if res := s.registry.Authenticate(ctx, req); !res.IsOK() {
		t.Fatalf("backup code login: %v", res.Err())
	}
	// Single use.
	if res := s.registry.Authenticate(ctx, req); res.IsOK() {
		t.Fatal("backup code accepted twice")
	}
}

func TestSocialLoginProvisionsUser(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.verifier.Identities["valid-token"] = &social.Identity{
		Email: "Frank@Example.com", FirstName: "Frank", LastName: "Ocean",
	}

	req := &Request{
		SocialProvider: "google", SocialToken: "valid-token",
		IPAddress: "203.0.113.5", UserAgent: "test/1.0", Fingerprint: "device-9",
	}
	res := s.registry.Authenticate(ctx, req)
	if !res.IsOK() {
		t.Fatalf("social login: %v", res.Err())
	}

	u, err := s.users.GetByEmail(ctx, "frank@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !u.EmailVerified {
		t.Error("provider-vouched email not marked verified")
	}

	// Second login reuses the account.
	res = s.registry.Authenticate(ctx, req)
	if !res.IsOK() || res.Value().User.ID != u.ID {
		t.Errorf("second social login: %v", res.Err())
	}
}

func TestSocialLoginRejections(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res := s.registry.Authenticate(ctx, &Request{SocialProvider: "myspace", SocialToken: "t"})
	if res.IsOK() || res.Err().Kind != outcome.KindValidation {
		t.Errorf("unsupported provider: %v", res.Err())
	}

	res = s.registry.Authenticate(ctx, &Request{SocialProvider: "google", SocialToken: "forged"})
	if res.IsOK() || res.Err().Kind != outcome.KindBadCredentials {
		t.Errorf("rejected token: %v", res.Err())
	}
}

func TestAPIKeyStrategy(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	// SHA-256("portfolio-engine-key") matches the provisioned digest.
	res := s.registry.Authenticate(ctx, &Request{APIKey: "portfolio-engine-key"})
	if !res.IsOK() {
		t.Fatalf("api key login: %v", res.Err())
	}
	claims, err := s.tokens.Validate(ctx, res.Value().AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.ServiceID != "portfolio-engine" || claims.Role != "SERVICE" {
		t.Errorf("service claims: %+v", claims)
	}

	if res := s.registry.Authenticate(ctx, &Request{APIKey: "wrong"}); res.IsOK() {
		t.Error("unknown api key accepted")
	}
}

func TestRegistrationDuplicateEmail(t *testing.T) {
	s := newStack(t)
	s.register(t, "alice@example.com", "Str0ng!Passw0rd")

	res := s.registrar.Register(context.Background(), &RegisterRequest{
		Email: "ALICE@example.com", Password: "Other1!Passw0rd",
		FirstName: "Alice", LastName: "Clone",
		IPAddress: "203.0.113.5", UserAgent: "test/1.0",
	})
	if res.IsOK() || res.Err().Kind != outcome.KindConflict {
		t.Fatalf("duplicate: %v", res.Err())
	}
}

func TestRegistrationValidation(t *testing.T) {
	s := newStack(t)
	cases := []*RegisterRequest{
		{Email: "not-an-email", Password: "Str0ng!Passw0rd", FirstName: "A", LastName: "B"},
		{Email: "a@b.co", Password: "short1", FirstName: "A", LastName: "B"},
		{Email: "a@b.co", Password: "alllowercase", FirstName: "A", LastName: "B"},
		{Email: "a@b.co", Password: "Str0ng!Passw0rd", FirstName: "", LastName: "B"},
	}
	for i, req := range cases {
		res := s.registrar.Register(context.Background(), req)
		if res.IsOK() || res.Err().Kind != outcome.KindValidation {
			t.Errorf("case %d: %v", i, res.Err())
		}
	}
}

func TestEmailVerification(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	u := s.register(t, "gina@example.com", "Str0ng!Passw0rd")

	// The registrar stored exactly one live verification token; find it.
	tok := s.findVerificationToken(t, u.ID)
	res := s.registrar.VerifyEmail(ctx, tok, "203.0.113.5", "test/1.0")
	if !res.IsOK() || res.Value() != u.ID {
		t.Fatalf("VerifyEmail: %v", res.Err())
	}
	verified, _ := s.users.GetByID(ctx, u.ID)
	if !verified.EmailVerified || !verified.Enabled {
		t.Errorf("user after verification: %+v", verified)
	}

	// The token is single-use.
	if res := s.registrar.VerifyEmail(ctx, tok, "203.0.113.5", "test/1.0"); res.IsOK() || res.Err().Kind != outcome.KindNotFound {
		t.Fatalf("reused token: %v", res.Err())
	}
}

func TestPasswordChangeRevokesCredentials(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	u := s.register(t, "hana@example.com", "Str0ng!Passw0rd")

	login := s.registry.Authenticate(ctx, loginReq("hana@example.com", "Str0ng!Passw0rd"))
	if !login.IsOK() {
		t.Fatal(login.Err())
	}

	// Wrong current password is refused.
	res := s.passwords.Change(ctx, u.ID, "not-the-password", "N3w!Passw0rdX", "203.0.113.5", "test/1.0")
	if res.IsOK() || res.Err().Kind != outcome.KindBadCredentials {
		t.Fatalf("bad proof: %v", res.Err())
	}

	res = s.passwords.Change(ctx, u.ID, "Str0ng!Passw0rd", "N3w!Passw0rdX", "203.0.113.5", "test/1.0")
	if !res.IsOK() {
		t.Fatalf("Change: %v", res.Err())
	}

	if sessions, _ := s.sessions.List(ctx, u.ID); len(sessions) != 0 {
		t.Errorf("%d sessions survived the change", len(sessions))
	}
	if res := s.registry.Authenticate(ctx, loginReq("hana@example.com", "Str0ng!Passw0rd")); res.IsOK() {
		t.Error("old password still works")
	}
	if res := s.registry.Authenticate(ctx, loginReq("hana@example.com", "N3w!Passw0rdX")); !res.IsOK() {
		t.Errorf("new password rejected: %v", res.Err())
	}
}

func TestPasswordResetFlow(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	u := s.register(t, "iris@example.com", "Str0ng!Passw0rd")

	// Initiate responds identically for unknown addresses.
	if res := s.passwords.InitiateReset(ctx, "nobody@example.com", "", ""); !res.IsOK() {
		t.Fatalf("unknown email initiate: %v", res.Err())
	}
	if res := s.passwords.InitiateReset(ctx, "iris@example.com", "203.0.113.5", "test/1.0"); !res.IsOK() {
		t.Fatalf("InitiateReset: %v", res.Err())
	}

	tok := s.findResetToken(t, u.ID)
	res := s.passwords.CompleteReset(ctx, tok, "Res3t!Passw0rd", "203.0.113.5", "test/1.0")
	if !res.IsOK() {
		t.Fatalf("CompleteReset: %v", res.Err())
	}
	if res := s.registry.Authenticate(ctx, loginReq("iris@example.com", "Res3t!Passw0rd")); !res.IsOK() {
		t.Errorf("login with reset password: %v", res.Err())
	}
	// Token is single-use.
	if res := s.passwords.CompleteReset(ctx, tok, "An0ther!Pass1", "", ""); res.IsOK() {
		t.Error("reset token accepted twice")
	}
}
