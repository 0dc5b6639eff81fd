package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/account-service/internal/api/http"
	"github.com/spec-kit/account-service/internal/api/http/handlers"
	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/mail"
	"github.com/spec-kit/account-service/internal/observability"
	"github.com/spec-kit/account-service/internal/persistence"
	"github.com/spec-kit/account-service/internal/repository"
	"github.com/spec-kit/account-service/internal/service"
	"github.com/spec-kit/account-service/internal/session"
	"github.com/spec-kit/account-service/internal/validation"
	"github.com/spec-kit/account-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	pool := pg.PoolHandle()
	issuer := auth.NewTokenIssuer()
	userRepo := repository.NewUserRepository(pool)
	resetRepo := repository.NewPasswordResetRepository(pool, issuer, cfg.Auth.PasswordResetTTL())
	verificationRepo := repository.NewEmailVerificationRepository(pool, issuer, cfg.Auth.EmailVerificationTTL())

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	sessions := session.NewRedisBridge(redis.Client, issuer, cfg.Session.TTL(), cfg.Auth.RequireEmailVerification).
		WithAccountTTL(cfg.Auth.AccessTokenTTL())

	templates, err := mail.NewTemplates(cfg.App.Name, cfg.App.PublicURL)
	if err != nil {
		logger.Fatal("failed to parse mail templates", zap.Error(err))
	}
	mailQueue := worker.NewMailQueue(mail.NewSender(cfg.Mail, logger), logger, cfg.Mail.QueueSize, cfg.Mail.Workers)
	mailQueue.Start(ctx)

	dispatcher := events.NewInMemoryDispatcher(logger)
	worker.StartNotificationWorker(service.NewNotificationService(dispatcher, templates, mailQueue, logger))

	janitor := worker.NewTokenJanitor(cfg.Auth.TokenCleanupInterval(), logger, map[string]worker.ExpiredTokenPurger{
		"password_reset_tokens":     resetRepo,
		"email_verification_tokens": verificationRepo,
	})
	janitor.Start(ctx)

	validator := validation.New()
	authService := service.NewAuthService(cfg.Auth, service.AuthDependencies{
		UserRepo:              userRepo,
		PasswordResetRepo:     resetRepo,
		EmailVerificationRepo: verificationRepo,
		Transactor:            repository.NewTransactor(pool),
		Hasher:                auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		AccessTokens:          tokenManager,
		Sessions:              sessions,
		Dispatcher:            dispatcher,
		Validator:             validator,
		Metrics:               metrics,
		Logger:                logger,
	})
	authMiddleware := auth.NewAuthMiddleware(tokenManager, sessions, cfg.Session.CookieName)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Auth: handlers.NewAuthHandler(authService, validator, handlers.CookieConfig{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.CookieSecure,
			TTL:    cfg.Session.TTL(),
		}),
		AuthMiddleware: authMiddleware,
		Metrics:        metrics.Handler(),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	janitor.Stop()
	mailQueue.Stop()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
