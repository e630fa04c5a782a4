package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/obsidianstack/pulse/server/internal/alerts"
	"github.com/obsidianstack/pulse/server/internal/anomaly"
	"github.com/obsidianstack/pulse/server/internal/api"
	"github.com/obsidianstack/pulse/server/internal/auth"
	"github.com/obsidianstack/pulse/server/internal/baseline"
	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/correlation"
	"github.com/obsidianstack/pulse/server/internal/credentials"
	"github.com/obsidianstack/pulse/server/internal/delivery"
	"github.com/obsidianstack/pulse/server/internal/events"
	"github.com/obsidianstack/pulse/server/internal/jobs"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/receiver"
	"github.com/obsidianstack/pulse/server/internal/shaper"
	"github.com/obsidianstack/pulse/server/internal/sink"
	"github.com/obsidianstack/pulse/server/internal/store"
	"github.com/obsidianstack/pulse/server/internal/store/sqlite"
	"github.com/obsidianstack/pulse/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("pulse-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	s := cfg.Server

	slog.Info("config loaded",
		"version", cfg.Version,
		"http_port", s.HTTPPort,
		"auth_mode", s.Auth.Mode,
		"storage", s.Storage.Backend,
		"shaper", s.Shaper.Backend,
		"destinations", len(s.Destinations),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	holderID := instanceID()
	holder := config.NewHolder(cfg)
	m := metrics.New()

	st, err := openStore(ctx, s)
	if err != nil {
		slog.Error("failed to open store", "backend", s.Storage.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	bucket, closeBucket, err := openBucket(s.Shaper)
	if err != nil {
		slog.Error("failed to open token bucket", "backend", s.Shaper.Backend, "err", err)
		os.Exit(1)
	}
	defer closeBucket()

	sh := shaper.New(st, bucket, holder, m, holderID)
	if err := sh.Sync(ctx); err != nil {
		slog.Error("failed to configure destination buckets", "err", err)
		os.Exit(1)
	}

	creds, err := newResolver(ctx, holder)
	if err != nil {
		slog.Error("failed to set up credentials", "err", err)
		os.Exit(1)
	}

	// The hub serves the summary built by the API handler, which needs the
	// router, which publishes to the hub.
	var handler *api.Handler
	hub := ws.New(ws.SourceFunc(func(ctx context.Context) (api.HealthResponse, error) {
		return handler.Summary(ctx)
	}), 5*time.Second)

	pub := events.Multi{hub}
	if s.Events.NATSURL != "" {
		nc, err := events.Connect(s.Events.NATSURL, s.Events.SubjectPrefix)
		if err != nil {
			slog.Error("failed to connect to NATS", "url", s.Events.NATSURL, "err", err)
			os.Exit(1)
		}
		defer nc.Close()
		pub = append(pub, nc)
		slog.Info("publishing events to NATS", "url", s.Events.NATSURL, "prefix", s.Events.SubjectPrefix)
	}

	router := alerts.New(st, holder, sh, pub, m)
	bl := baseline.New(st, holder, m, holderID)
	detector := anomaly.New(st, holder, router, anomaly.HeuristicScorer{}, m, holderID)
	analyzer := correlation.New(st, holder, router, m, holderID)

	sinks := sink.NewBreaker(sink.Mux{
		Webhook: sink.NewWebhook(&http.Client{}),
		Log:     sink.Log{},
	}, sink.DefaultBreakerSettings)
	pool := delivery.New(st, sh, sinks, creds, holder, pub, m, holderID)

	sched := jobs.New(holder, m)
	sched.Register(baseline.JobName, func(j config.JobsConfig) time.Duration { return j.BaselineEvery }, bl.RecalculateAll)
	sched.Register(baseline.RetentionJobName, func(j config.JobsConfig) time.Duration { return j.RetentionEvery }, bl.PurgeExpired)
	sched.Register(anomaly.JobName, func(j config.JobsConfig) time.Duration { return j.AnomalyEvery }, detector.Run)
	sched.Register(correlation.JobName, func(j config.JobsConfig) time.Duration { return j.CorrelationEvery }, analyzer.Analyze)
	sched.Register(shaper.JobName, func(j config.JobsConfig) time.Duration { return j.RateEvery }, sh.AdjustAll)
	sched.Register(delivery.StaleJobName, func(j config.JobsConfig) time.Duration { return j.StaleEvery }, pool.EscalateStale)

	handler = api.New(api.Deps{
		Store:        st,
		Config:       holder,
		Alerts:       router,
		Destinations: sh,
		Escalations:  pool,
		Jobs:         sched,
		Stats:        m,
	})

	go func() {
		err := config.Watch(ctx, *configPath, holder, func(c *config.Config) {
			if err := sh.Sync(ctx); err != nil {
				slog.Warn("config: bucket sync after reload", "err", err)
			}
			slog.Info("config reloaded", "revision", c.Revision, "destinations", len(c.Server.Destinations))
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	go hub.Run(ctx)
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		sched.Run(ctx)
	}()

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws/stream", hub)
	mux.Group(func(r chi.Router) {
		r.Use(auth.APIKey(s.Auth.Mode, s.Auth.EffectiveHeader(), s.Auth.Key()))
		r.Handle("/api/v1/samples", receiver.New(bl, router))
		r.Mount("/", handler)
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", s.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("pulse-server shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck

	// The store closes on return, so in-flight deliveries must finish first.
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not stop before the shutdown deadline")
	}
}

func openStore(ctx context.Context, s config.ServerConfig) (store.Store, error) {
	switch s.Storage.Backend {
	case "sqlite":
		db, err := sqlite.Open(s.Storage.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		mem := store.NewMemory(s.Retention.Samples)
		go mem.Run(ctx)
		return mem, nil
	}
}

func openBucket(c config.ShaperConfig) (shaper.Bucket, func(), error) {
	if c.Backend != "redis" {
		return shaper.NewLocalBucket(c.MaxWait), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", c.RedisAddr, err)
	}
	return shaper.NewRedisBucket(client, c.RedisPrefix, c.MaxWait), func() { client.Close() }, nil
}

// newResolver tries url_env first, then envelope ciphertexts when a key is
// configured, then Secrets Manager when a region is set.
func newResolver(ctx context.Context, h *config.Holder) (*credentials.Resolver, error) {
	c := h.Current().Server.Credentials
	sources := []credentials.Source{credentials.Env{}}
	if key := c.EnvelopeKey(); key != "" {
		env, err := credentials.NewEnvelope(key)
		if err != nil {
			return nil, err
		}
		sources = append(sources, env)
	}
	if c.AWSRegion != "" {
		sm, err := credentials.NewSecretsManager(ctx, c.AWSRegion)
		if err != nil {
			return nil, err
		}
		sources = append(sources, sm)
	}
	return credentials.NewResolver(h, sources...), nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "pulse"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
