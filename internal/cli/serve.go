package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/aml-engine/internal/api"
	"github.com/rawblock/aml-engine/internal/stream"
)

const shutdownTimeout = 15 * time.Second

// ServeCmd runs the HTTP API, the websocket alert stream and the job manager.
func ServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and automation jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.serve(cmd.Context())
		},
	}
}

func (g *globals) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info("starting RawBlock AML graph engine", zap.String("port", cfg.Port))

	// Jobs outlive the signal context so Shutdown can cancel them cooperatively.
	st, err := buildStack(context.WithoutCancel(ctx), cfg, log, stackOptions{Fixture: g.fixture})
	if err != nil {
		return err
	}
	defer st.Close()

	hub := api.NewHub(cfg.AllowedOrigins, log)
	go hub.Run()
	defer hub.Close()
	st.service.Alerts().AddSink(hub.BroadcastAlert)

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := stream.NewAlertPublisher(cfg.KafkaBrokers, cfg.KafkaAlertTopic, log)
		if err != nil {
			log.Warn("kafka unavailable, alerts will not be published", zap.Error(err))
		} else {
			defer func() { _ = pub.Close() }()
			st.service.Alerts().AddSink(pub.Sink)
		}
	}

	if n, err := st.jobs.Recover(ctx); err != nil {
		log.Warn("job recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Info("marked interrupted jobs as failed", zap.Int("jobs", n))
	}

	limiter := api.NewRateLimiter(cfg.APIRatePerMin, cfg.APIBurst)
	defer limiter.Stop()

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.SetupRouter(st.service, st.jobs, hub, api.RouterOptions{
			AllowedOrigins: cfg.AllowedOrigins,
			Limiter:        limiter,
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("engine listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return st.jobs.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
