package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kwam1na/athena-sub007/internal/cache"
	"github.com/kwam1na/athena-sub007/internal/config"
	"github.com/kwam1na/athena-sub007/internal/httpapi"
	"github.com/kwam1na/athena-sub007/internal/messaging/kafka"
	"github.com/kwam1na/athena-sub007/internal/payment"
	"github.com/kwam1na/athena-sub007/internal/service"
	"github.com/kwam1na/athena-sub007/internal/store"
	"github.com/kwam1na/athena-sub007/internal/store/memory"
	pgstore "github.com/kwam1na/athena-sub007/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close dependency", zap.Error(err))
			}
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(startCtx); err != nil {
			return errors.Wrap(err, "migrate")
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	opts := []service.Option{
		service.WithLogger(logger.Named("service")),
		service.WithPaymentGateway(payment.Offline{}),
	}

	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisAvailabilityCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(startCtx); err != nil {
			logger.Warn("redis unavailable, availability reads go to the ledger", zap.Error(err))
			_ = redisCache.Close()
		} else {
			opts = append(opts, service.WithAvailabilityCache(redisCache))
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	}

	var broker *kafka.Broker
	if len(cfg.KafkaBrokers) > 0 {
		broker = kafka.NewBroker(cfg.KafkaBrokers, logger.Named("kafka"))
		opts = append(opts, service.WithPublisher(broker))
		closers = append(closers, broker.Close)
		logger.Info("messaging: kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	svc := service.New(repo, service.Settings{
		DefaultStoreID:        cfg.StoreID,
		SessionTTL:            cfg.SessionTTL,
		CheckoutLease:         cfg.CheckoutLease,
		AvailabilityCacheTTL:  cfg.AvailabilityCacheTTL,
		TaxRatePercent:        cfg.TaxRatePercent,
		PointsPerCurrencyUnit: cfg.PointsPerCurrencyUnit,
		PointValueCents:       cfg.PointValueCents,
		SalesTopic:            cfg.KafkaSalesTopic,
	}, opts...)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN)
	api := httpapi.New(svc, auth, logger.Named("http"), cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("POS core listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx, cfg.SessionSweepInterval)
	})
	if broker != nil {
		g.Go(func() error {
			broker.Consume(gctx, cfg.KafkaFulfillmentTopic, cfg.KafkaGroupID, svc.HandleOrderItemReadyEvent)
			return nil
		})
	}

	return g.Wait()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return errors.New("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return errors.Wrap(err, "MANAGER_PIN is too weak")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return errors.New("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return errors.New("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return errors.New("sequential PIN not allowed")
	}

	return nil
}
