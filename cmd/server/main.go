// Command server runs the Trellis engine: HTTP ingress, trigger workers,
// schedulers, pollers and the background sweepers, all over one storage
// gateway. It exits non-zero when initialization fails and zero after a
// clean signal-driven shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trellisflow/trellis/internal/authbridge"
	"github.com/trellisflow/trellis/internal/breaker"
	"github.com/trellisflow/trellis/internal/config"
	"github.com/trellisflow/trellis/internal/events"
	"github.com/trellisflow/trellis/internal/executor"
	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/ingress"
	"github.com/trellisflow/trellis/internal/join"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/middleware"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/orchestrator"
	"github.com/trellisflow/trellis/internal/poller"
	"github.com/trellisflow/trellis/internal/queue"
	"github.com/trellisflow/trellis/internal/schedule"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/stream"
	"github.com/trellisflow/trellis/internal/tokens"
	"github.com/trellisflow/trellis/internal/triage"
	"github.com/trellisflow/trellis/internal/vault"
	"github.com/trellisflow/trellis/internal/version"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file (env still wins)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("storage unavailable")
	}
	defer store.Close()

	m := metrics.New()

	// The in-process bus always exists; Pub/Sub, when configured, mirrors
	// every emit to the topic while subscribers keep reading locally.
	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.PubSubProject != "" {
		topic := cfg.PubSubTopic
		if topic == "" {
			topic = "trellis-events"
		}
		pb, err := events.NewPubSubBus(cfg.PubSubProject, topic, logging.WithComponent("pubsub"))
		if err != nil {
			log.Fatal().Err(err).Str("project", cfg.PubSubProject).Msg("pubsub bus unavailable")
		}
		defer pb.Close()
		bus = pb.Bus
		emitter = pb
	}

	v := vault.New(store)
	secrets := vault.NewSecrets(v, store)
	if cfg.VaultAutoUnlockSeed != "" {
		if err := v.Unlock(ctx, cfg.VaultAutoUnlockSeed); err != nil {
			log.Warn().Err(err).Msg("vault auto-unlock failed, staying locked")
		} else {
			log.Info().Msg("vault unlocked from configured seed")
		}
	}

	q, backend, err := openQueue(ctx, cfg, store, m)
	if err != nil {
		log.Fatal().Err(err).Msg("queue backend unavailable")
	}
	defer q.Close()
	log.Info().Str("backend", string(backend)).Msg("queue ready")

	toks := tokens.NewService(store, v, secrets, m, tokens.Config{
		RefreshSkew:    cfg.TokenRefreshSkew(),
		StuckThreshold: cfg.TokenStuckThreshold(),
	})
	go toks.RunSweeper(ctx)

	engine := expr.New()
	joins := join.NewStore(store, engine, m, emitter, cfg.JoinDefaultTimeout(), logging.WithComponent("join"))

	deps := &executor.Deps{
		Store:    store,
		Vault:    v,
		Secrets:  secrets,
		Tokens:   toks,
		Queue:    q,
		Joins:    joins,
		Breakers: breaker.NewManager(nil, m),
		Expr:     engine,
		DBs:      executor.NewDBPool(),
		HTTP:     &http.Client{Timeout: cfg.HTTPNodeTimeout()},
		Metrics:  m,
		Log:      logging.WithComponent("executor"),
	}
	defer deps.DBs.Close()

	reports := triage.New(store)
	orch := orchestrator.New(store, executor.Default(), deps, emitter, reports, m, orchestrator.Config{})

	for i := 0; i < cfg.WorkerCount; i++ {
		w := orchestrator.NewWorker(orch, q)
		if err := w.Start(ctx, "trellis-workers"); err != nil {
			log.Fatal().Err(err).Int("worker", i).Msg("trigger worker failed to start")
		}
	}

	sweeper := join.NewSweeper(store, m, emitter, func(ctx context.Context, state *model.JoinState, output model.Payload) {
		if _, err := orch.ResumeJoin(ctx, state, output); err != nil {
			log.Warn().Err(err).Str("join_id", state.ID).Msg("join resume failed")
		}
	}, join.SweeperConfig{Interval: cfg.JoinSweepInterval()}, logging.WithComponent("join-sweeper"))
	go sweeper.Run(ctx)

	sched := schedule.New(store, q)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler failed to start")
	}
	defer sched.Stop()

	pollers := poller.New(store, secrets, q, emitter, m, poller.Config{
		DefaultInterval: cfg.PollerDefaultInterval(),
		RingSize:        cfg.PollerFingerprintRingSize,
	})
	if err := pollers.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("poller failed to start")
	}
	defer pollers.Stop()

	versions := version.New(store, emitter)
	versions.OnDeploy(func(f *model.Flow) {
		sched.Sync(f)
		pollers.Sync(f)
	})

	streamer := stream.New(bus)
	go streamer.Run(ctx)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}
	limiter := middleware.NewLimiter(middleware.LimitConfig{MaxPerMinute: 300, Burst: 60}, rdb)

	srv := ingress.New(ingress.Deps{
		Store:    store,
		Orch:     orch,
		Queue:    q,
		Bus:      bus,
		Vault:    v,
		Secrets:  secrets,
		Tokens:   toks,
		Versions: versions,
		Reports:  reports,
		Schedule: sched,
		Pollers:  pollers,
		Streamer: streamer,
		Limiter:  limiter,
		Bridge:   authbridge.NewBridge(store, v, secrets),

		// Without a broker round-trip the caller can ask for the run inline.
		SyncExecute: backend == model.QueueInMemory,
	})

	log.Info().Str("port", cfg.Port).Int("workers", cfg.WorkerCount).Msg("trellis engine up")
	if err := srv.Start(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("ingress server failed")
	}
	log.Info().Msg("shutdown complete")
}

// openQueue resolves the effective backend and opens it. The persisted
// queue_config row wins over the environment so a PUT /api/queue/config
// switch survives restarts; first boot seeds the row from the environment.
func openQueue(ctx context.Context, cfg *config.Config, store storage.Gateway, m *metrics.Metrics) (queue.Queue, model.QueueBackend, error) {
	backend := model.QueueBackend(cfg.QueueBackend)

	qc, err := store.GetQueueConfig(ctx)
	switch {
	case err == nil && qc.Current != "":
		backend = qc.Current
	case errors.Is(err, storage.ErrNotFound):
		seed := &model.QueueConfig{Current: backend, UpdatedAt: time.Now().UTC()}
		if err := store.SaveQueueConfig(ctx, seed); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	}

	q, err := queue.Open(queue.Config{
		Backend:      backend,
		AMQPURL:      cfg.RabbitMQURL,
		KafkaBrokers: cfg.KafkaBrokers,
	}, m)
	if err != nil {
		return nil, "", err
	}
	return q, backend, nil
}
