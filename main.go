package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/vrclassify/internal/apperror"
	"github.com/example/vrclassify/internal/auth"
	"github.com/example/vrclassify/internal/config"
	"github.com/example/vrclassify/internal/grpcclient"
	"github.com/example/vrclassify/internal/handlers"
	"github.com/example/vrclassify/internal/inference"
	"github.com/example/vrclassify/internal/logging"
	"github.com/example/vrclassify/internal/modelstore"
	"github.com/example/vrclassify/internal/repository"
	"github.com/example/vrclassify/internal/resolver"
	"github.com/example/vrclassify/internal/session"
	"github.com/example/vrclassify/internal/usecase"
	"github.com/example/vrclassify/internal/visualrecognition"
	"github.com/example/vrclassify/internal/visualrecognition/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	uc, cleanup, err := buildUseCase(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer cleanup()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	go func() {
		// Failures are recorded in the session and reported through /v1/status.
		_ = uc.Configure(appCtx)
	}()

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware, cfg.Inference.CaptureThreshold, logger)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("classification API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// buildUseCase reads the credentials before touching the database, the cache
// or the remote service. Without credentials none of them is opened and the
// session fails on every configuration attempt.
func buildUseCase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*usecase.ClassificationUseCase, func(), error) {
	opts := []usecase.Option{usecase.WithGracePeriod(cfg.VisualRecognition.GracePeriod)}

	creds, err := config.LoadCredentials(cfg.VisualRecognition.CredentialsPath)
	if err != nil {
		alert := apperror.From(err).Alert()
		logger.Error(alert.Title, zap.String("message", alert.Message), zap.Error(err))
		uc := usecase.NewClassificationUseCase(session.New(), failedResolver{err: err}, nil, nil, nil, logger, opts...)
		return uc, func() {}, nil
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := initDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, func() { _ = sqlDB.Close() })
	}
	repo := repository.NewModelRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := initRedis(redisCtx, cfg.RedisAddr)
		redisCancel()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		cache = usecase.NewRedisCache(client)
	} else {
		logger.Info("redis address not set, result cache disabled")
	}

	remote, closeRemote, err := newRemote(ctx, cfg.VisualRecognition, creds.APIKey, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect to visual recognition: %w", err)
	}
	closers = append(closers, closeRemote)

	runtime := inference.NewONNXRuntime(cfg.Inference.RuntimeLibrary)
	closers = append(closers, func() { _ = runtime.Close() })
	engine := inference.NewEngine(runtime, inference.Options{
		InputSize: cfg.Inference.InputSize,
		Softmax:   cfg.Inference.Softmax,
	}, logger)

	models := modelstore.New(repo, remote, cfg.Inference.ModelDir, logger)
	classifierResolver := resolver.New(remote, models, cfg.VisualRecognition.DefaultClassifier, logger)

	uc := usecase.NewClassificationUseCase(session.New(), classifierResolver, models, engine, cache, logger, opts...)
	return uc, cleanup, nil
}

// failedResolver reports the credential error on every configuration attempt.
type failedResolver struct {
	err error
}

func (f failedResolver) Resolve(context.Context) (session.Selected, error) {
	return session.Selected{}, f.err
}

func newRemote(ctx context.Context, cfg config.VisualRecognitionConfig, apiKey string, logger *zap.Logger) (visualrecognition.Service, func(), error) {
	if cfg.Transport == "grpc" {
		client, conn, err := grpcclient.DialVisualRecognition(ctx, cfg.GRPCAddr, apiKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = conn.Close() }, nil
	}
	client := rest.New(cfg.APIURL, apiKey, cfg.APIVersion, logger, rest.WithTimeout(cfg.RequestTimeout))
	return client, func() {}, nil
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
