package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	rhythm "github.com/rhythmhq/rhythm"
	"github.com/rhythmhq/rhythm/internal/config"
	"github.com/rhythmhq/rhythm/observer"
	"github.com/rhythmhq/rhythm/runner"
	"github.com/rhythmhq/rhythm/store/postgres"
	"github.com/rhythmhq/rhythm/store/sqlite"
)

func main() {
	cfg := config.Load(os.Getenv("RHYTHM_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("rhythm: open store: %v", err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		log.Fatalf("rhythm: init schema: %v", err)
	}

	var tracer rhythm.Tracer = rhythm.NoopTracer{}
	if cfg.Observer.Enabled {
		if _, shutdown, err := observer.Init(ctx); err != nil {
			log.Fatalf("rhythm: init observer: %v", err)
		} else {
			defer shutdown(context.Background())
			tracer = observer.NewTracer()
		}
	}

	var handles []*runner.Handle
	for i := 0; i < cfg.Runner.WorkerCount; i++ {
		r := runner.New(store, cfg.Runner.Queues, cfg.Runner.StepBudget,
			runner.WithLogger(logger),
			runner.WithTracer(tracer),
			runner.WithPollBase(time.Duration(cfg.Runner.ClaimPollInterval)*time.Millisecond),
		)
		handles = append(handles, runner.Spawn(ctx, "runner", logger, r.Run))
	}

	poller := runner.NewPoller(store, time.Duration(cfg.Runner.ScheduledPollInterval)*time.Millisecond)
	handles = append(handles, runner.Spawn(ctx, "poller", logger, poller.Run))

	recovery := runner.NewRecovery(store, time.Duration(cfg.Runner.RecoveryInterval)*time.Millisecond)
	handles = append(handles, runner.Spawn(ctx, "recovery", logger, recovery.Run))

	logger.Info("rhythm started", "workers", cfg.Runner.WorkerCount, "queues", cfg.Runner.Queues, "driver", cfg.Database.Driver)

	<-ctx.Done()
	logger.Info("rhythm shutting down")

	for _, h := range handles {
		if err := h.Wait(context.Background()); err != nil {
			logger.Error("background loop exited with error", "name", h.Name(), "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (rhythm.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	default:
		return sqlite.New(cfg.Path), nil
	}
}
