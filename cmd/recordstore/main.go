package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/config"
	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/domain/records"
	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/platform/blobstore"
	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/platform/db"
	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/platform/envelope"
	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recordstore",
		Short: "Encrypted dual-backend patient record store",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the record store API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Back up document-store records missing a blob copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			svc, client, _, err := buildService(logger)
			if err != nil {
				return err
			}
			defer disconnect(client, logger)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			report, err := svc.Sync(ctx)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(report)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the blob store, document store, and encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			svc, client, _, err := buildService(logger)
			if err != nil {
				return err
			}
			defer disconnect(client, logger)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			report := svc.HealthCheck(ctx)
			if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("one or more dependencies unhealthy")
			}
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new 256-bit encryption key (hex)",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func newBlobStore(cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "ipfs":
		return blobstore.NewIPFSStore(blobstore.IPFSConfig{
			APIURL:     cfg.IPFSAPIURL,
			APIKey:     cfg.IPFSAPIKey,
			APISecret:  cfg.IPFSAPISecret,
			GatewayURL: cfg.IPFSGatewayURL,
			Timeout:    cfg.BlobTimeout(),
		})
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return blobstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region)
	case "memory":
		return blobstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

func newCodec(cfg *config.Config) (*envelope.Codec, error) {
	var (
		key []byte
		err error
	)
	if cfg.EncryptionKey != "" {
		key, err = envelope.KeyFromHex(cfg.EncryptionKey)
	} else {
		key, err = envelope.KeyFromPassphrase(cfg.EncryptionPassphrase)
	}
	if err != nil {
		return nil, err
	}
	return envelope.New(key)
}

// buildService wires the full orchestrator stack from configuration. The
// returned client must be disconnected by the caller.
func buildService(logger zerolog.Logger) (*records.Service, *mongo.Client, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, database, err := db.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to document store: %w", err)
	}
	if err := db.EnsureIndexes(ctx, database); err != nil {
		logger.Warn().Err(err).Msg("index creation failed")
	}

	blobs, err := newBlobStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	codec, err := newCodec(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	svc := records.NewService(
		records.NewPatientRepoMongo(database),
		records.NewAnalysisRepoMongo(database),
		blobs,
		codec,
		db.ClientPinger{Client: client},
		logger,
		records.Options{
			BlobTimeout:   cfg.BlobTimeout(),
			SyncBatchSize: cfg.SyncBatchSize,
		},
	)
	return svc, client, cfg, nil
}

func disconnect(client *mongo.Client, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Warn().Err(err).Msg("document store disconnect failed")
	}
}

func runServer() error {
	logger := newLogger()

	svc, client, cfg, err := buildService(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build service")
	}
	defer disconnect(client, logger)
	logger.Info().Str("blob_backend", cfg.BlobBackend).Msg("connected to backends")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{cfg.CORSOrigin},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", "X-Admin-Key"},
	}))

	apiV1 := e.Group("/api/v1")
	admin := apiV1.Group("/admin", middleware.AdminKey(cfg.AdminKey))

	handler := records.NewHandler(svc)
	handler.RegisterRoutes(apiV1, admin)

	// Liveness only; the admin health endpoint probes dependencies.
	e.GET("/health", db.HealthHandler(db.ClientPinger{Client: client}))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
