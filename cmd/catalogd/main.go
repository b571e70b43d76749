package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/agatticelli/storefront-catalog/internal/api"
	"github.com/agatticelli/storefront-catalog/internal/catalog"
	"github.com/agatticelli/storefront-catalog/internal/notification"
	"github.com/agatticelli/storefront-catalog/internal/platform/aws"
	"github.com/agatticelli/storefront-catalog/internal/platform/cache"
	"github.com/agatticelli/storefront-catalog/internal/platform/config"
	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/resilience"
	"github.com/agatticelli/storefront-catalog/internal/source"
)

const serviceName = "storefront-catalog"

// invalidationPublisher is implemented by both notification publishers.
type invalidationPublisher interface {
	catalog.Listener
	api.PublisherHealth
	Close()
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config/config.yaml or ./config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("catalogd: %v", err)
	}
}

// run returns instead of exiting so deferred cleanup always runs.
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	log.Println("Loading configuration...")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup observability (foundational - must be first)
	log.Println("Setting up observability...")
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetricsWithConfig(ctx, observability.MetricsConfig{
		ServiceName:    serviceName,
		Enabled:        cfg.Observability.Metrics.Enabled,
		OTLPEndpoint:   cfg.Observability.Metrics.OTLPEndpoint,
		ExportInterval: cfg.Observability.Metrics.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	tracerProvider, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: serviceName,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Sampler:     cfg.Observability.Tracing.Sampler,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	tracer := observability.NewTracer(serviceName)

	logger.Info("observability setup complete")

	// Persisted tier
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create %s store: %w", cfg.Cache.Backend, err)
	}
	defer store.Close()

	// Product source
	sourceClient, err := newSourceClient(cfg, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to create product source client: %w", err)
	}

	// Catalog
	catalogCache := catalog.NewCache(catalog.CacheConfig{
		Store:        store,
		KeyPrefix:    cfg.Cache.KeyPrefix,
		PersistTTL:   cfg.Cache.PersistTTL,
		MemoryMaxAge: cfg.Catalog.MemoryMaxAge,
		Logger:       logger,
		Metrics:      metrics,
	})

	grouper := catalog.NewGrouper(catalog.GrouperConfig{
		DefaultCategory:     cfg.Catalog.DefaultCategory,
		DescriptionTemplate: cfg.Catalog.DescriptionTemplate,
		PlaceholderImage:    cfg.Catalog.PlaceholderImage,
		DefaultRating:       cfg.Catalog.DefaultRating,
	})

	loader := catalog.NewLoader(sourceClient, grouper, catalogCache, catalog.LoaderConfig{
		FreshTTL:         cfg.Catalog.FreshTTL,
		MinFetchInterval: cfg.Catalog.MinFetchInterval,
		Mode:             catalog.Mode(cfg.Catalog.ConcurrentMode),
		EchoWindow:       cfg.Cache.WatchEchoWindow,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})

	// Invalidation fan-out
	publisher, err := newPublisher(ctx, cfg, catalogCache.Keys(), logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to create notification publisher: %w", err)
	}
	defer publisher.Close()
	unsubscribe := loader.Subscribe(publisher)
	defer unsubscribe()

	// Removals performed by other processes
	if watcher, ok := store.(cache.DeleteWatcher); ok && cfg.Cache.WatchDeletes {
		go func() {
			err := watcher.WatchDeletes(ctx, catalogCache.Keys(), func(key string) {
				loader.HandleExternalRemoval(ctx, key)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.LogError(ctx, "persisted key watcher stopped", err)
			}
		}()
	}

	// Warm the catalog before taking traffic
	if cfg.HTTP.Warmup {
		warmer := cache.NewWarmer(logger, cache.DefaultWarmupConfig())
		warmer.RegisterProvider(loader)
		if results := warmer.Warmup(ctx); results.HasErrors() {
			// Not fatal: the API answers 503 until a load succeeds
			logger.Warn("catalog warmup failed, starting cold")
		}
	}

	// Only network-backed stores are pinged by /health
	pinger, _ := store.(cache.Pinger)

	srv, err := api.NewServer(api.Config{
		Catalog:   loader,
		Source:    sourceClient,
		Publisher: publisher,
		Store:     pinger,
		Aliases:   config.NormalizeAliases(cfg.Catalog.CategoryAliases),

		MaxConcurrentRefreshes: cfg.HTTP.MaxConcurrentRefreshes,

		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or a server failure
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully stopping...")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "HTTP shutdown failed", err)
	}
	// Flush queued invalidations while tracing is still up
	unsubscribe()
	publisher.Close()
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "tracer shutdown failed", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "metrics shutdown failed", err)
	}

	logger.Info("application stopped")
	return runErr
}

// newStore builds the persisted tier selected by cache.backend.
func newStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		logger.Info("connecting to Redis...", "address", cfg.Redis.Address)
		return cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:                 cfg.Redis.Address,
			Password:             cfg.Redis.Password,
			DB:                   cfg.Redis.DB,
			PoolSize:             cfg.Redis.PoolSize,
			EnableKeyspaceEvents: cfg.Cache.WatchDeletes,
		})

	case config.BackendDynamoDB:
		awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
			Region:   cfg.AWS.Region,
			Endpoint: cfg.AWS.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		logger.Info("using DynamoDB store", "table", cfg.AWS.DynamoDBTable)
		return cache.NewDynamoStore(aws.NewDynamoDBClient(awsCfg), cfg.AWS.DynamoDBTable), nil

	default:
		return cache.NewMemoryStore(cfg.Cache.MemoryMaxSize)
	}
}

func newSourceClient(
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer observability.Tracer,
) (*source.Client, error) {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "product-source",
		FailureThreshold: cfg.Source.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Source.Breaker.SuccessThreshold,
		Timeout:          cfg.Source.Breaker.Timeout,
		IsFailure:        source.IsOutage,
		OnStateChange: func(from, to resilience.State) {
			logger.Info("product source circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
			metrics.SetCircuitBreakerState(context.Background(), "product-source", int64(to))
		},
	})

	var oauthCfg *clientcredentials.Config
	if cfg.Source.OAuth2.Enabled() {
		oauthCfg = &clientcredentials.Config{
			ClientID:     cfg.Source.OAuth2.ClientID,
			ClientSecret: cfg.Source.OAuth2.ClientSecret,
			TokenURL:     cfg.Source.OAuth2.TokenURL,
			Scopes:       cfg.Source.OAuth2.Scopes,
		}
	}

	return source.NewClient(source.ClientConfig{
		BaseURL:        cfg.Source.BaseURL,
		Timeout:        cfg.Source.Timeout,
		MaxPages:       cfg.Source.MaxPages,
		UserAgent:      cfg.Source.UserAgent,
		OAuth2:         oauthCfg,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		CircuitBreaker: breaker,
	})
}

// newPublisher returns an SNS publisher when a topic is configured and a
// logging one otherwise.
func newPublisher(
	ctx context.Context,
	cfg *config.Config,
	keys []string,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer observability.Tracer,
) (invalidationPublisher, error) {
	if cfg.AWS.SNSTopicARN == "" {
		logger.Info("SNS topic not configured, invalidations are logged only")
		return notification.NewNoOpPublisher(logger), nil
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	snsClient := aws.NewSNSClient(aws.SNSClientConfig{
		AWSConfig: awsCfg,
		Logger:    logger,
		Metrics:   metrics,
	})

	return notification.NewPublisher(notification.PublisherConfig{
		SNSClient: snsClient,
		TopicARN:  cfg.AWS.SNSTopicARN,
		Keys:      keys,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
}
