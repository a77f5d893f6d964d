package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/flowpbx/negotiator/internal/api"
	"github.com/flowpbx/negotiator/internal/config"
	"github.com/flowpbx/negotiator/internal/history"
	"github.com/flowpbx/negotiator/internal/mediastate"
	"github.com/flowpbx/negotiator/internal/metrics"
	"github.com/flowpbx/negotiator/internal/registry"
	"github.com/flowpbx/negotiator/internal/rtp"
	"github.com/flowpbx/negotiator/internal/session"
	sipserver "github.com/flowpbx/negotiator/internal/sip"
	"github.com/flowpbx/negotiator/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()

	slog.Info("starting negotiatord",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
	)

	// Open the negotiation event database and run migrations.
	events, err := history.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	pool, err := rtp.NewPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create rtp port pool", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Stream handlers: every media type that is allowed any streams gets a
	// handler that claims offered streams of that type. Types capped at zero
	// have no handler, so their streams are declined at dispatch.
	reg := registry.New()
	for _, typ := range []stream.Type{stream.TypeAudio, stream.TypeVideo, stream.TypeImage, stream.TypeText} {
		if cfg.StreamLimit(string(typ)) > 0 {
			reg.Register(typ, acceptAll{typ: typ})
		}
	}

	limiterCfg := sipserver.DefaultReinviteLimiterConfig()
	if cfg.ReinviteRateLimit > 0 {
		limiterCfg.Rate = rate.Limit(cfg.ReinviteRateLimit)
	} else {
		limiterCfg.Rate = rate.Inf
	}

	mediaIP := cfg.MediaIP()

	sipSrv, err := sipserver.NewServer(sipserver.ServerOptions{
		SIPPort: cfg.SIPPort,
		Host:    mediaIP,
		Limiter: limiterCfg,
		Logger:  logger,
		NewSessions: func(t session.Transport, onClosed func(callID string)) *session.Manager {
			return session.NewManager(session.ManagerOptions{
				Logger:          logger,
				OnSessionClosed: onClosed,
				Defaults: session.Options{
					Transport:     t,
					Media:         &mediaFactory{pool: pool, logger: logger},
					Events:        events,
					Registry:      reg,
					Policy:        cfg.CodecPolicy(),
					LocalFormats:  localFormats(),
					StreamLimit:   func(typ stream.Type) int { return cfg.StreamLimit(string(typ)) },
					BundleEnabled: cfg.BundleEnabled,
					LocalIP:       mediaIP,
					SessionName:   "negotiatord",
				},
			})
		},
	})
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Metrics are gathered at scrape time from the live components.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(sipSrv.Sessions(), pool, events, startTime))

	// HTTP server using the api package.
	handler := api.NewServer(api.Options{
		Sessions:    sipSrv.Sessions(),
		Events:      events,
		Metrics:     promReg,
		DialogCount: sipSrv.Dialogs().Count,
		Resume:      sipSrv.ResumeDeferred,
		StartTime:   startTime,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("negotiatord stopped")
}

// localFormats is the codec capability set offered per media type. Formats
// without a static payload type get their number assigned per offer.
func localFormats() map[stream.Type]stream.FormatSet {
	return map[stream.Type]stream.FormatSet{
		stream.TypeAudio: {
			{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
			{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
			{PayloadType: 9, Name: "G722", ClockRate: 8000},
			{PayloadType: -1, Name: "opus", ClockRate: 48000, Channels: 2},
			{PayloadType: -1, Name: "telephone-event", ClockRate: 8000},
		},
		stream.TypeVideo: {
			{PayloadType: -1, Name: "H264", ClockRate: 90000},
			{PayloadType: -1, Name: "VP8", ClockRate: 90000},
		},
		stream.TypeImage: {
			{PayloadType: -1, Name: "t38"},
		},
		stream.TypeText: {
			{PayloadType: -1, Name: "t140", ClockRate: 1000},
		},
	}
}

// mediaFactory adapts the RTP pool to the session layer's media allocator.
type mediaFactory struct {
	pool   *rtp.Pool
	logger *slog.Logger
}

func (f *mediaFactory) NewTransport() (mediastate.Transport, error) {
	return f.pool.NewInstance(f.logger)
}

// acceptAll claims every offered stream of its type.
type acceptAll struct {
	typ stream.Type
}

func (h acceptAll) Name() string { return "accept-" + string(h.typ) }

func (h acceptAll) Claim(st *stream.Stream) registry.Verdict { return registry.Accept }
