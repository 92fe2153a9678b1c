package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Arena/internal/adapters/http"
	"github.com/dkeye/Arena/internal/adapters/memengine"
	"github.com/dkeye/Arena/internal/adapters/rtc"
	sig "github.com/dkeye/Arena/internal/adapters/signal"
	"github.com/dkeye/Arena/internal/app"
	"github.com/dkeye/Arena/internal/app/orch"
	"github.com/dkeye/Arena/internal/config"
	"github.com/dkeye/Arena/internal/core"
	"github.com/dkeye/Arena/internal/metrics"
)

func newEngine(cfg *config.Config) core.Engine {
	if cfg.Media.Engine == "memory" {
		log.Warn().Str("module", "main").Msg("memory media engine: signaling only, no media is forwarded")
		return memengine.New(memengine.Options{Codecs: cfg.Media.Codecs})
	}
	return rtc.New(rtc.Options{
		Codecs:      cfg.Media.Codecs,
		MinPort:     cfg.Media.RTCMinPort,
		MaxPort:     cfg.Media.RTCMaxPort,
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		VerboseLogs: cfg.LogLevel == "trace",
	})
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Err(err).Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	policy, err := app.PolicyFor(cfg.Policy.AudienceSendTransport)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid policy")
	}

	pool, err := app.NewWorkerPool(ctx, newEngine(cfg), cfg.Media.NumWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media workers")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	rooms := app.NewRoomRegistry(pool, m)
	o := &orch.Orchestrator{
		Rooms:                           rooms,
		Policy:                          policy,
		Metrics:                         m,
		MaxIncomingBitrate:              cfg.Media.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: cfg.Media.InitialAvailableOutgoingBitrate,
	}
	limiter := sig.NewRoomRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval)
	ctl := sig.NewSignalWSController(o, limiter, m, sig.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
		RPCTimeout: cfg.RPCTimeout,
		Dialect:    cfg.Dialect,
	})

	g, gctx := errgroup.WithContext(ctx)

	r := router.SetupRouter(gctx, cfg, router.Deps{Signal: ctl, Rooms: rooms, Workers: pool, Metrics: m})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Int("workers", pool.Size()).Msg("Arena server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return pool.Watch(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	ctl.Wait()
	rooms.CloseAll()

	if errors.Is(err, core.ErrWorkerDied) {
		log.Error().Err(err).Dur("delay", cfg.FatalExitDelay).Msg("media worker died, exiting")
		time.Sleep(cfg.FatalExitDelay)
		os.Exit(1)
	}
	pool.Close()
	if err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
