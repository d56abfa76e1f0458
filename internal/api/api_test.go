package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/auth"
	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/crypto"
	"github.com/vantagetrade/authcore/internal/events"
	"github.com/vantagetrade/authcore/internal/geoip"
	"github.com/vantagetrade/authcore/internal/kms"
	"github.com/vantagetrade/authcore/internal/mfa"
	"github.com/vantagetrade/authcore/internal/notify"
	"github.com/vantagetrade/authcore/internal/session"
	"github.com/vantagetrade/authcore/internal/social"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/internal/worker"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type testServer struct {
	handler  http.Handler
	users    *user.MemoryStore
	sessions *session.Manager
	tokens   *token.Service
	mfa      *mfa.Service
}

func newTestServer(t *testing.T) *testServer {
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
	trail := audit.NewTrail(audit.NewMemoryStore(), pool, bus, logger)

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

	local, err := kms.NewLocal(testMasterKey)
	if err != nil {
		t.Fatal(err)
	}
	encryptor := crypto.NewFieldEncryptor(local, breakers, time.Hour, logger)

	mfaSvc := mfa.NewService(mfa.NewMemoryStore(),
		mfa.NewRedisReplayGuard(client, breakers),
		encryptor, bus, "VantageTrade", logger)

	d := auth.Deps{
		Users:    users,
		Hasher:   auth.NewHasher(),
		Tokens:   tokens,
		Sessions: sessions,
		MFA:      mfaSvc,
		Trail:    trail,
		Verifier: &social.StaticVerifier{Providers: map[string]bool{"google": true}},
		Breakers: breakers,
		Mailer:   &notify.DevMailer{Logger: logger},
		Policy:   auth.Policy{MaxFailedAttempts: 5, LockDuration: 30 * time.Minute},
		Logger:   logger,
	}

	srv := NewServer(Config{
		Registry:  auth.NewRegistry(logger, auth.NewStrategies(d, nil)...),
		Registrar: auth.NewRegistrar(d, users, "https://app.vantagetrade.io"),
		Passwords: auth.NewPasswordManager(d, users, "https://app.vantagetrade.io"),
		MFA:       mfaSvc,
		Sessions:  sessions,
		Tokens:    tokens,
		Users:     users,
		Encryptor: encryptor,
		Logger:    logger,
	})

	return &testServer{
		handler:  srv.Routes(),
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		mfa:      mfaSvc,
	}
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("User-Agent", "test/1.0")
	req.Header.Set("X-Device-Id", "device-1")
	req.RemoteAddr = "203.0.113.5:51000"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return m
}

func (ts *testServer) registerAndLogin(t *testing.T, email string) (accessToken, refreshToken string, userID int64) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "password": "Str0ng!Passw0rd",
		"firstName": "Alice", "lastName": "Liddell",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	userID = int64(decodeBody(t, rec)["user"].(map[string]any)["id"].(float64))

	rec = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": email, "password": "Str0ng!Passw0rd",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	return body["accessToken"].(string), body["refreshToken"].(string), userID
}

func TestRegisterAndLoginEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "alice@example.com", "password": "Str0ng!Passw0rd",
		"firstName": "Alice", "lastName": "Liddell",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	u := decodeBody(t, rec)["user"].(map[string]any)
	if u["email"] != "alice@example.com" || u["role"] != "USER" {
		t.Errorf("user dto: %v", u)
	}
	if _, leaked := u["passwordHash"]; leaked {
		t.Error("password hash leaked in response")
	}

	// Duplicate registration conflicts.
	rec = ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "ALICE@example.com", "password": "Other1!Passw0rd",
		"firstName": "Alice", "lastName": "Clone",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "Str0ng!Passw0rd",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["tokenType"] != "Bearer" || body["accessToken"] == "" {
		t.Errorf("login body: %v", body)
	}
	if body["deviceFingerprint"] == "" {
		t.Error("device fingerprint hash missing")
	}

	// Wrong password is a generic 401.
	rec = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong-password1",
	})
	if rec.Code != http.StatusUnauthorized || decodeBody(t, rec)["error"] != "bad_credentials" {
		t.Errorf("bad login: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoginValidationAndUnknownFields(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@b.co","bogus":1}`))
	req.RemoteAddr = "203.0.113.5:51000"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: %d", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, refresh, _ := ts.registerAndLogin(t, "bob@example.com")

	rec := ts.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["accessToken"] == "" {
		t.Error("no new access token")
	}

	// The old refresh token is burned.
	rec = ts.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if rec.Code != http.StatusUnauthorized || decodeBody(t, rec)["error"] != "invalid_token" {
		t.Errorf("reuse: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshRejectsOtherDevice(t *testing.T) {
	ts := newTestServer(t)
	_, refresh, _ := ts.registerAndLogin(t, "carol@example.com")

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh",
		strings.NewReader(fmt.Sprintf(`{"refreshToken":%q}`, refresh)))
	req.Header.Set("User-Agent", "other-browser/2.0")
	req.Header.Set("X-Device-Id", "device-2")
	req.RemoteAddr = "203.0.113.5:51000"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("device mismatch: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLogoutEndpoint(t *testing.T) {
	ts := newTestServer(t)
	access, refresh, _ := ts.registerAndLogin(t, "dora@example.com")

	rec := ts.do(t, http.MethodPost, "/auth/logout", access, map[string]string{"refreshToken": refresh})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d %s", rec.Code, rec.Body.String())
	}

	// Both tokens are dead afterwards.
	if _, err := ts.tokens.Validate(context.Background(), access); err == nil {
		t.Error("access token survived logout")
	}
	rec = ts.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh after logout: %d", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/auth/logout", "/auth/password/change", "/auth/mfa/enroll"} {
		rec := ts.do(t, http.MethodPost, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: %d", path, rec.Code)
		}
		rec = ts.do(t, http.MethodPost, path, "not-a-jwt", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with garbage token: %d", path, rec.Code)
		}
	}
}

func TestEmailVerificationEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, _, uid := ts.registerAndLogin(t, "erin@example.com")

	tok := ts.users.LiveToken(uid, user.TokenEmailVerification)
	if tok == "" {
		t.Fatal("no live verification token")
	}

	rec := ts.do(t, http.MethodGet, "/auth/verify/email/"+tok, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}

	// A second visit of the same link is Gone.
	rec = ts.do(t, http.MethodGet, "/auth/verify/email/"+tok, "", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("reused link: %d", rec.Code)
	}
}

func TestPasswordResetEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, _, uid := ts.registerAndLogin(t, "fay@example.com")

	// Accepted whether or not the address exists.
	for _, email := range []string{"fay@example.com", "nobody@example.com"} {
		rec := ts.do(t, http.MethodPost, "/auth/password/reset/initiate", "", map[string]string{"email": email})
		if rec.Code != http.StatusAccepted {
			t.Errorf("initiate %s: %d", email, rec.Code)
		}
	}

	tok := ts.users.LiveToken(uid, user.TokenPasswordReset)
	if tok == "" {
		t.Fatal("no live reset token")
	}
	rec := ts.do(t, http.MethodPost, "/auth/password/reset/complete", "", map[string]string{
		"token": tok, "newPassword": "Res3t!Passw0rd",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "fay@example.com", "password": "Res3t!Passw0rd",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("login with reset password: %d", rec.Code)
	}
}

func TestPasswordChangeEndpoint(t *testing.T) {
	ts := newTestServer(t)
	access, _, _ := ts.registerAndLogin(t, "gina@example.com")

	rec := ts.do(t, http.MethodPost, "/auth/password/change", access, map[string]string{
		"currentPassword": "wrong-password1", "newPassword": "N3w!Passw0rdX",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad proof: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/auth/password/change", access, map[string]string{
		"currentPassword": "Str0ng!Passw0rd", "newPassword": "N3w!Passw0rdX",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("change: %d %s", rec.Code, rec.Body.String())
	}
}

func totpAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func TestMFAEndpoints(t *testing.T) {
	ts := newTestServer(t)
	access, _, uid := ts.registerAndLogin(t, "hana@example.com")

	rec := ts.do(t, http.MethodPost, "/auth/mfa/enroll", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	secret := body["secretKey"].(string)
	if secret == "" || len(body["backupCodes"].([]any)) != 10 {
		t.Fatalf("enroll body: %v", body)
	}
	if !strings.HasPrefix(body["provisioningUri"].(string), "otpauth://totp/") {
		t.Errorf("provisioning uri: %v", body["provisioningUri"])
	}

	// Wrong code does not activate.
	rec = ts.do(t, http.MethodPost, "/auth/mfa/verify", access, map[string]string{"code": "000000"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad code: %d", rec.Code)
	}

	// Naming another account is rejected outright.
	rec = ts.do(t, http.MethodPost, "/auth/mfa/verify", access, map[string]any{
		"userId": uid + 1, "code": totpAt(t, secret, time.Now()),
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign userId: %d", rec.Code)
	}

	// The caller's own userId in the body is accepted.
	rec = ts.do(t, http.MethodPost, "/auth/mfa/verify", access, map[string]any{
		"userId": uid, "code": totpAt(t, secret, time.Now()),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}

	// Password-only login now demands the second factor.
	rec = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "hana@example.com", "password": "Str0ng!Passw0rd",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	lb := decodeBody(t, rec)
	if lb["requiresMfa"] != true {
		t.Errorf("requiresMfa missing: %v", lb)
	}
	if _, present := lb["accessToken"]; present {
		t.Error("tokens issued before second factor")
	}

	rec = ts.do(t, http.MethodPost, "/auth/mfa/disable", access, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("disable: %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	access, _, uid := ts.registerAndLogin(t, "iris@example.com")

	rec := ts.do(t, http.MethodGet, "/auth/sessions", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	list := decodeBody(t, rec)["sessions"].([]any)
	if len(list) != 1 {
		t.Fatalf("%d sessions, want 1", len(list))
	}
	first := list[0].(map[string]any)
	if first["current"] != true {
		t.Errorf("current flag: %v", first)
	}
	id := first["id"].(string)

	// Another user's token cannot see or kill it.
	otherAccess, _, _ := ts.registerAndLogin(t, "judy@example.com")
	rec = ts.do(t, http.MethodDelete, "/auth/sessions/"+id, otherAccess, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-user delete: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/auth/sessions/"+id, access, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if sessions, _ := ts.sessions.List(context.Background(), uid); len(sessions) != 0 {
		t.Errorf("session survived delete")
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/health/crypto", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("crypto health: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics: %d", rec.Code)
	}
}
