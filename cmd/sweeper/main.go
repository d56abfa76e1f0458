package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/config"
	"github.com/vantagetrade/authcore/internal/events"
	"github.com/vantagetrade/authcore/internal/geoip"
	"github.com/vantagetrade/authcore/internal/session"
	"github.com/vantagetrade/authcore/internal/storage"
	"github.com/vantagetrade/authcore/pkg/logger"
)

const sweepInterval = 5 * time.Minute

// The sweeper deletes session rows whose expiry aged past the retention
// window. Expired sessions stop serving on read regardless; this keeps the
// table from growing without bound.
func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.Setup(cfg.Environment, "authcore-sweeper")

	ctx := context.Background()
	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := storage.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

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

	sessions := session.NewManager(session.NewPostgresStore(pool, breakers),
		session.NewMirror(rdb, breakers, log),
		&geoip.StaticResolver{}, bus,
		session.Settings{
			MaxConcurrent:    cfg.MaxConcurrentSessions,
			Timeout:          cfg.SessionTimeout,
			ExtendOnActivity: cfg.ExtendOnActivity,
		}, log)

	log.Info("sweeper_started", "interval", sweepInterval.String())

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Run immediately so a restart catches up without waiting a full tick.
	sweep(ctx, sessions, log)

	for {
		select {
		case <-ticker.C:
			sweep(ctx, sessions, log)
		case <-quit:
			log.Info("sweeper_shutting_down")
			return
		}
	}
}

func sweep(ctx context.Context, sessions *session.Manager, log *slog.Logger) {
	n, err := sessions.PurgeExpired(ctx)
	if err != nil {
		log.Error("session_purge_failed", "error", err)
		return
	}
	if n > 0 {
		log.Info("sessions_purged", "count", n)
	}
}
