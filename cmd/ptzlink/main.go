package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/adapters/capture"
	router "github.com/dkeye/ptzlink/internal/adapters/http"
	"github.com/dkeye/ptzlink/internal/adapters/provision"
	ptzclient "github.com/dkeye/ptzlink/internal/adapters/ptz"
	"github.com/dkeye/ptzlink/internal/adapters/room"
	"github.com/dkeye/ptzlink/internal/adapters/rtc"
	sig "github.com/dkeye/ptzlink/internal/adapters/signal"
	"github.com/dkeye/ptzlink/internal/adapters/sink"
	"github.com/dkeye/ptzlink/internal/app"
	"github.com/dkeye/ptzlink/internal/app/events"
	"github.com/dkeye/ptzlink/internal/app/orch"
	"github.com/dkeye/ptzlink/internal/app/ptz"
	"github.com/dkeye/ptzlink/internal/app/relay"
	"github.com/dkeye/ptzlink/internal/config"
)

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
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	source, err := capture.NewSource(capture.Constraints{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init capture source")
	}
	transports, err := rtc.NewFactory(rtc.Config{
		ICEServers:    cfg.Media.ICEServers,
		Codecs:        source.Codecs(),
		LoggerFactory: rtc.LoggerFactory{Level: level},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init webrtc")
	}

	bus := events.NewBus(64)
	device := ptzclient.New(cfg.PTZ.URL, cfg.PTZ.Channel, cfg.PTZ.Magnitude, cfg.PTZ.Timeout)
	dispatcher := ptz.NewDispatcher(device, ptz.Options{
		RepeatInterval: cfg.PTZ.RepeatInterval,
		Limiter:        ptz.NewRateLimiter(cfg.PTZ.DragLimit, cfg.PTZ.DragWindow),
		Events:         bus,
		CommandTimeout: cfg.PTZ.Timeout,
	})

	o := orch.New(orch.Deps{
		Provisioner: provision.New(cfg.Provisioning.URL, cfg.Provisioning.Timeout),
		Media: &room.Provider{
			URL:        cfg.Media.URL,
			Transports: transports,
			Signal: sig.Options{
				PingPeriod: cfg.Signal.PingPeriod,
				ReadLimit:  cfg.Signal.ReadLimit,
			},
			JoinTimeout: 10 * time.Second,
		},
		Capture:    source,
		Surfaces:   sink.NewFactory(cfg.Media.RecordDir),
		Transports: transports,
		Registry:   app.NewRegistry(),
		Relays:     relay.NewManager(),
		Policy:     app.PolicyFor(cfg.Session.ConnectRetries, cfg.Session.RetryBase),
		Dispatcher: dispatcher,
		Events:     bus,
	})
	// The actor outlives the signal context so shutdown can still disconnect.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go o.Run(runCtx)

	r := router.SetupRouter(ctx, cfg, o, dispatcher, bus)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("ptzlink started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := o.Disconnect(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("disconnect on shutdown")
	}
	stopRun()
	<-o.Done()
	log.Info().Msg("Server exited gracefully")
}
