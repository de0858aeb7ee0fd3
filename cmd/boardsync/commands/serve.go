package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"board-sync/api"
	"board-sync/config"
)

var serveSeed string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the move, activity and stream API",
	Long: `Serve the HTTP API. Redis (REDIS_URL) is required for more than one
instance: it carries the per-list locks, the activity feed, the snapshot
cache, idempotency keys and the broadcast bus between instances.

Examples:
  # Local development against an in-memory store
  STORE_DRIVER=memory LOCAL_AUTH_MODE=hs256 LOCAL_AUTH_SHARED_SECRET=dev \
    boardsync serve --seed boards.json`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSeed, "seed", "", "JSON file with boards, lists and cards to load into the memory store")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Auth.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(newLogExporter(logger)))
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveSeed != "" {
		n, err := a.seed(serveSeed)
		if err != nil {
			return err
		}
		logger.Infof("seeded %d boards from %s", n, serveSeed)
	}

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		return err
	}
	var deduper api.Deduper
	if a.rdb != nil {
		deduper = api.NewRedisDeduper(a.rdb, cfg.Redis.DeduperTTL)
	}
	if cfg.HTTP.InternalToken == "" {
		logger.Warn("INTERNAL_TOKEN not set; the event ingest endpoint refuses all requests")
	}

	go a.hub.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(api.RequestLogger(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, api.Deps{
		Service:       a.coord,
		Snapshots:     a.store,
		Rooms:         a.hub,
		Auth:          auth,
		Deduper:       deduper,
		Health:        a.health,
		InternalToken: cfg.HTTP.InternalToken,
		Logger:        logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on :%s", cfg.HTTP.Port)
		if err := e.Start(":" + cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	opts := api.AuthOptions{LocalMode: cfg.LocalMode, LocalSecret: cfg.LocalSecret}
	if cfg.LocalMode != "" {
		return api.NewAuth(nil, cfg.Audience, cfg.Issuer(), opts)
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, cfg.Audience, cfg.Issuer(), opts)
}
