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

	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/api"
	"github.com/repcam/backend/internal/config"
	"github.com/repcam/backend/internal/demo"
	"github.com/repcam/backend/internal/session"
	"github.com/repcam/backend/internal/stats"
	"github.com/repcam/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	demoMode := flag.Bool("demo", false, "Generate synthetic demo sessions")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		log = log.Level(level)
	}
	if cfg.Log.Pretty {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	store, err := stats.Open(cfg.Stats.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stats store")
	}
	defer store.Close()

	aggregator := stats.NewAggregator(store, cfg.Stats.CommitRetries, log)
	leaderboard, err := stats.NewLeaderboard(store, cfg.Stats.RankingMetric, cfg.Stats.LeaderboardTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid leaderboard config")
	}

	score, err := session.ScoreFuncFor(cfg.Session.ScorePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid score policy")
	}

	registry := session.NewRegistry(session.Options{
		IdleTimeout:     cfg.Session.IdleTimeout,
		EventBuffer:     cfg.Session.EventBuffer,
		GracePeriod:     cfg.Session.GracePeriod,
		TerminalTimeout: cfg.Session.TerminalTimeout,
		Score:           score,
		Committer:       aggregator,
		Logger:          log,
	})

	broadcaster := ws.NewBroadcaster(registry, cfg.Spectator.BroadcastThrottle, cfg.Spectator.SnapshotInterval, log)
	defer broadcaster.Close()
	registry.SetObservers(
		func(snap *session.Session) { broadcaster.QueueUpdate(snap) },
		func(snap *session.Session) { broadcaster.QueueCompletion(snap) },
	)

	server := api.New(
		registry,
		store,
		leaderboard,
		ws.Handler(broadcaster, cfg.Server.AllowedOrigins, log),
		cfg.Server.AuthToken,
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *demoMode {
		log.Info().Msg("starting in demo mode")
		demo.NewGenerator(registry, log).Start(ctx)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: server.Routes()}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Abort live sessions first so streaming handlers unblock, then drain
	// the HTTP server.
	registry.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
