package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vantagetrade/authcore/internal/api"
	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/auth"
	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/config"
	"github.com/vantagetrade/authcore/internal/crypto"
	"github.com/vantagetrade/authcore/internal/events"
	"github.com/vantagetrade/authcore/internal/geoip"
	"github.com/vantagetrade/authcore/internal/kms"
	"github.com/vantagetrade/authcore/internal/mfa"
	"github.com/vantagetrade/authcore/internal/notify"
	"github.com/vantagetrade/authcore/internal/security"
	"github.com/vantagetrade/authcore/internal/session"
	"github.com/vantagetrade/authcore/internal/social"
	"github.com/vantagetrade/authcore/internal/storage"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/internal/worker"
	"github.com/vantagetrade/authcore/pkg/logger"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.Setup(cfg.Environment, "authcore")
	log.Info("application_startup", "env", cfg.Environment)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Environment,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()

	var (
		pool *pgxpool.Pool
		rdb  *redis.Client
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pool, err = storage.NewPostgres(gctx, cfg.DatabaseURL)
		return err
	})
	g.Go(func() error {
		var err error
		rdb, err = storage.NewRedis(gctx, cfg.RedisURL)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("storage_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	defer rdb.Close()
	log.Info("storage_connected")

	breakers := breaker.New(breaker.Config{
		FailureRateThreshold: cfg.BreakerFailureRatePercent,
		SlidingWindow:        cfg.BreakerSlidingWindowSize,
		MinimumCalls:         cfg.BreakerMinimumCalls,
		OpenDuration:         cfg.BreakerOpenDuration,
		HalfOpenCalls:        cfg.BreakerHalfOpenPermitted,
		CallTimeout:          cfg.BreakerCallTimeout,
	}, log)

	bus := events.NewBus(log)
	defer bus.Close()
	jobs := worker.NewPool(8, log)
	defer jobs.Shutdown()

	trail := audit.NewTrail(audit.NewPostgresStore(pool, breakers), jobs, bus, log)

	signingKey, err := hex.DecodeString(cfg.TokenSigningKey)
	if err != nil {
		log.Error("token_signing_key_invalid", "error", err)
		os.Exit(1)
	}
	tokens, err := token.NewService(token.Config{
		SigningKeys: map[string][]byte{cfg.TokenSigningKid: signingKey},
		ActiveKid:   cfg.TokenSigningKid,
		Issuer:      cfg.TokenIssuer,
		AccessTTL:   cfg.AccessTokenTTL,
		RefreshTTL:  cfg.RefreshTokenTTL,
	}, token.NewRedisRevocationStore(rdb, breakers))
	if err != nil {
		log.Error("token_service_init_failed", "error", err)
		os.Exit(1)
	}

	local, err := kms.NewLocal(cfg.MasterKey)
	if err != nil {
		log.Error("kms_init_failed", "error", err)
		os.Exit(1)
	}
	encryptor := crypto.NewFieldEncryptor(local, breakers, cfg.DataKeyCacheTTL, log)

	var geo geoip.Resolver = &geoip.StaticResolver{}
	if cfg.GeoIPEndpoint != "" {
		geo = geoip.NewHTTPResolver(cfg.GeoIPEndpoint, breakers)
	}

	users := user.NewPostgresStore(pool, breakers)
	verificationTokens := user.NewPostgresTokenStore(pool, breakers)
	sessions := session.NewManager(session.NewPostgresStore(pool, breakers),
		session.NewMirror(rdb, breakers, log), geo, bus,
		session.Settings{
			MaxConcurrent:    cfg.MaxConcurrentSessions,
			Timeout:          cfg.SessionTimeout,
			ExtendOnActivity: cfg.ExtendOnActivity,
		}, log)

	mfaSvc := mfa.NewService(mfa.NewPostgresStore(pool, breakers),
		mfa.NewRedisReplayGuard(rdb, breakers), encryptor, bus, cfg.MFAIssuer, log)

	var mailer notify.Mailer = &notify.DevMailer{Logger: log}
	if cfg.SMTPAddr != "" {
		mailer = notify.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPFrom)
	} else if cfg.IsProduction() {
		log.Warn("smtp_addr_missing", "details", "emails_logged_only")
	}

	d := auth.Deps{
		Users:    users,
		Hasher:   auth.NewHasher(),
		Tokens:   tokens,
		Sessions: sessions,
		MFA:      mfaSvc,
		Trail:    trail,
		Verifier: social.NewHTTPVerifier(cfg.SupportedProviders, breakers),
		Breakers: breakers,
		Mailer:   mailer,
		Policy: auth.Policy{
			MaxFailedAttempts: cfg.MaxFailedAttempts,
			LockDuration:      cfg.AccountLockDuration,
		},
		Logger: log,
	}

	facade := security.NewFacade(tokens, trail, log)
	if err := registerAdminOperations(facade, users, sessions, tokens); err != nil {
		log.Error("admin_operation_registration_failed", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(api.Config{
		Registry:  auth.NewRegistry(log, auth.NewStrategies(d, parseServiceKeys(cfg.ServiceAPIKeys))...),
		Registrar: auth.NewRegistrar(d, verificationTokens, cfg.AppURL),
		Passwords: auth.NewPasswordManager(d, verificationTokens, cfg.AppURL),
		MFA:       mfaSvc,
		Sessions:  sessions,
		Tokens:    tokens,
		Users:     users,
		Encryptor: encryptor,
		Facade:    facade,
		Logger:    log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      server.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}
		log.Info("server_shutdown_complete")
	}
}

// parseServiceKeys turns "name:sha256hex,name2:sha256hex" into the digest
// map the api-key strategy matches against.
func parseServiceKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, digest, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && name != "" && digest != "" {
			keys[name] = digest
		}
	}
	return keys
}

// registerAdminOperations exposes account recovery actions through the
// security facade's audited pipeline.
func registerAdminOperations(facade *security.Facade, users user.Store, sessions *session.Manager, tokens *token.Service) error {
	userIDInput := func(input any) (int64, *outcome.Error) {
		m, ok := input.(map[string]any)
		if !ok {
			return 0, outcome.E(outcome.KindValidation, "input object required")
		}
		id, ok := m["userId"].(float64)
		if !ok || id <= 0 {
			return 0, outcome.E(outcome.KindValidation, "userId is required")
		}
		return int64(id), nil
	}

	if err := facade.Register(security.Operation{
		Name:         "users.unlock",
		RequiredRole: security.RoleAdmin,
		Execute: func(ctx context.Context, _ *token.Claims, input any) (any, *outcome.Error) {
			id, verr := userIDInput(input)
			if verr != nil {
				return nil, verr
			}
			if err := users.Unlock(ctx, id); err != nil {
				return nil, outcome.Wrap(outcome.KindInternal, "unlock failed", err)
			}
			return map[string]any{"userId": id, "status": "unlocked"}, nil
		},
	}); err != nil {
		return err
	}

	return facade.Register(security.Operation{
		Name:         "sessions.terminate_user",
		RequiredRole: security.RoleAdmin,
		Execute: func(ctx context.Context, _ *token.Claims, input any) (any, *outcome.Error) {
			id, verr := userIDInput(input)
			if verr != nil {
				return nil, verr
			}
			n, err := sessions.TerminateAllForUser(ctx, id)
			if err != nil {
				return nil, outcome.Wrap(outcome.KindInternal, "termination failed", err)
			}
			if err := tokens.RevokeAllForUser(ctx, id); err != nil {
				return nil, outcome.Wrap(outcome.KindInternal, "token revocation failed", err)
			}
			return map[string]any{"userId": id, "terminated": n}, nil
		},
	})
}
