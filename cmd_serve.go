package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/cow-check/internal/auth"
	"github.com/example/cow-check/internal/classifier"
	"github.com/example/cow-check/internal/handlers"
	"github.com/example/cow-check/internal/logging"
	"github.com/example/cow-check/internal/metrics"
	"github.com/example/cow-check/internal/repository"
	"github.com/example/cow-check/internal/usecase"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve classification sessions over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, closePredictor, err := newPredictor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePredictor()

	var audit usecase.AuditRepository
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return err
		}
		repo := repository.NewPredictionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		audit = repo
	} else {
		logger.Info("database_dsn not set, run history disabled")
	}

	metricsManager := metrics.NewManager()
	runner := classifier.NewRunner(client, logger, classifier.WithRecorder(metricsManager))
	svc := usecase.NewSessionService(ctx, runner, audit, cfg.MaxImages, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize

	if cfg.JWTSecret == "" {
		logger.Warn("jwt_secret not set, every authenticated request will be rejected")
	}
	handlers.RegisterRoutes(r, svc, auth.Middleware(cfg.JWTSecret, cfg.JWTAudience), handlers.Options{
		Filter:  cfg.ImageFilter(),
		Metrics: metricsManager,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		logger.Info("cow-check API listening",
			zap.String("addr", cfg.Addr),
			zap.String("predictor_transport", cfg.PredictorTransport),
			zap.Bool("cache", cfg.RedisAddr != ""),
			zap.Bool("history", audit != nil),
		)
		return serveHTTPServer(server, cfg.ShutdownTimeout(), logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		svc.Wait()
		logger.Info("background runs drained")
		return nil
	})
	return g.Wait()
}
