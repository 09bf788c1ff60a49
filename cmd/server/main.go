package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giftpulse/instance/internal/config"
	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/feed"
	"github.com/giftpulse/instance/internal/feed/mock"
	"github.com/giftpulse/instance/internal/feed/relay"
	"github.com/giftpulse/instance/internal/health"
	"github.com/giftpulse/instance/internal/logging"
	"github.com/giftpulse/instance/internal/recorder"
	"github.com/giftpulse/instance/internal/state"
	"github.com/giftpulse/instance/internal/supervisor"
	"github.com/giftpulse/instance/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: search config.yaml, $GIFTPULSE_CONFIG)")
	mockMode := flag.Bool("mock", false, "Use the synthetic feed regardless of config")
	port := flag.Int("port", 0, "Override server port")
	channel := flag.String("channel", "", "Override the live channel")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *channel != "" {
		cfg.Instance.Channel = *channel
	}
	if *mockMode {
		cfg.Feed.Mode = config.FeedModeMock
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("instance", cfg.Instance.ID).
		Str("channel", cfg.Instance.Channel).
		Str("feed", cfg.Feed.Mode).
		Msg("configuration loaded")

	sink, history := openSink(cfg.Recorder)
	rec := recorder.New(sink, recorder.Options{
		QueueSize: cfg.Recorder.QueueSize,
		OpTimeout: cfg.Recorder.OpTimeout,
		Breaker: recorder.BreakerOptions{
			ConsecutiveFailures: cfg.Recorder.Breaker.ConsecutiveFailures,
			Timeout:             cfg.Recorder.Breaker.Timeout,
			Interval:            cfg.Recorder.Breaker.Interval,
		},
	})

	hub := ws.NewHub(ws.HubOptions{
		QueueSize:    cfg.Hub.QueueSize,
		WriteTimeout: cfg.Hub.WriteTimeout,
		PingInterval: cfg.Hub.PingInterval,
		MaxObservers: cfg.Server.MaxObservers,
	})

	store := state.NewStore(cfg.State.Path)
	eng := newEngine(cfg, store, hub, rec)

	mgr := feed.NewManager(newFeed(cfg.Feed), eng, rec, feed.Options{
		InstanceID:     cfg.Instance.ID,
		Channel:        cfg.Instance.Channel,
		ConnectTimeout: cfg.Feed.ConnectTimeout,
		CatalogTimeout: cfg.Feed.CatalogTimeout,
	})

	reporter := health.New(health.Options{
		FeedState: func() string { return mgr.State().String() },
		Observers: hub.ObserverCount,
		Degraded:  []string{feed.Offline.String()},
	})

	opts := ws.ServerOptions{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		Username:           cfg.Auth.Username,
		Password:           cfg.Auth.Password,
		Token:              cfg.Auth.Token,
		ProtectObservers:   cfg.Auth.ProtectObservers,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		InstanceID:         cfg.Instance.ID,
		History:            history,
	}
	server := ws.NewServer(eng, mgr, hub, reporter, opts)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree("giftpulse", supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddDataService(rec)
	tree.AddAPIService(supervisor.NewFeedService(mgr, cfg.Instance.AutoConnect, cfg.Server.ShutdownTimeout))
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", httpServer.Addr).Msg("listening")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor stopped")
	}

	logging.Info().Msg("shutting down")
	hub.Close()
	// The feed service may have queued a session end after the recorder
	// stopped.
	rec.Flush()
	if err := sink.Close(); err != nil {
		logging.Warn().Err(err).Msg("closing session store failed")
	}
	if ctx.Err() == nil {
		os.Exit(1)
	}
}

func openSink(cfg config.RecorderConfig) (recorder.Sink, ws.History) {
	if !cfg.Enabled || cfg.Driver == config.RecorderDriverNone {
		logging.Info().Msg("session recording disabled")
		return recorder.NopSink{}, nil
	}
	sink, err := recorder.OpenSQLite(cfg.DSN)
	if err != nil {
		// Recording is best-effort; the live path runs without it.
		logging.Warn().Err(err).Str("dsn", cfg.DSN).Msg("session store unavailable, recording disabled")
		return recorder.NopSink{}, nil
	}
	return sink, sink
}

// newEngine restores saved settings when present, falling back to the
// configured seed groups when there are none or they no longer validate.
func newEngine(cfg *config.Config, store *state.Store, hub *ws.Hub, rec *recorder.Recorder) *engine.Engine {
	opts := engine.Options{
		Channel:          cfg.Instance.Channel,
		Target:           cfg.Engine.DefaultTarget,
		Groups:           cfg.SeedGroups(),
		MaxUniqueViewers: cfg.Engine.MaxUniqueViewers,
		Publisher:        hub,
		Events:           rec,
		Settings:         store,
	}

	saved, found, err := store.Load()
	if err != nil {
		logging.Warn().Err(err).Str("path", store.Path()).Msg("ignoring unreadable settings")
	}
	if found {
		restored := opts
		restored.Groups = saved.Groups
		if saved.Target > 0 {
			restored.Target = saved.Target
		}
		eng, err := engine.New(restored)
		if err == nil {
			logging.Info().Int("groups", len(saved.Groups)).Str("path", store.Path()).Msg("settings restored")
			return eng
		}
		logging.Warn().Err(err).Msg("saved settings invalid, using configured groups")
	}

	eng, err := engine.New(opts)
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid engine configuration")
	}
	return eng
}

func newFeed(cfg config.FeedConfig) feed.Feed {
	if cfg.Mode == config.FeedModeMock {
		logging.Info().Dur("interval", cfg.MockInterval).Msg("using synthetic feed")
		return mock.New(mock.Config{Interval: cfg.MockInterval, Seed: cfg.MockSeed})
	}
	return relay.New(relay.Config{
		RelayURL:   cfg.RelayURL,
		CatalogURL: cfg.CatalogURL,
	})
}
