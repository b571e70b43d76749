package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/agatticelli/storefront-catalog/internal/catalog"
	"github.com/agatticelli/storefront-catalog/internal/notification"
	"github.com/agatticelli/storefront-catalog/internal/platform/cache"
	"github.com/agatticelli/storefront-catalog/internal/platform/config"
	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/worker"
)

// keyDeleter is the part of cache.Store the handler needs.
type keyDeleter interface {
	Delete(ctx context.Context, keys ...string) error
}

// handler removes the persisted catalog for every "catalog invalidated"
// message in an SQS batch so all instances refetch.
type handler struct {
	store       keyDeleter
	defaultKeys []string
	concurrency int
	logger      *observability.Logger
}

// snsEnvelope is the SNS notification as delivered through an SQS subscription.
type snsEnvelope struct {
	Message string `json:"Message"`
}

// Handle processes the batch and reports failed records so SQS retries only
// those.
func (h *handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	h.logger.LogInfo(ctx, "processing SQS records", "count", len(sqsEvent.Records))

	pool := worker.NewPool(ctx, h.concurrency, len(sqsEvent.Records))
	defer pool.Close()

	jobs := make([]worker.Job, 0, len(sqsEvent.Records))
	for _, record := range sqsEvent.Records {
		jobs = append(jobs, worker.Job{
			ID: record.MessageId,
			Execute: func(ctx context.Context) (any, error) {
				return nil, h.processRecord(ctx, record)
			},
		})
	}

	var failures []events.SQSBatchItemFailure
	for _, result := range pool.SubmitAndWait(jobs) {
		if result.Err != nil {
			h.logger.LogError(ctx, "failed to process record", result.Err, "message_id", result.JobID)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: result.JobID})
		}
	}

	h.logger.LogInfo(ctx, "batch processed",
		"records", len(sqsEvent.Records),
		"failed", len(failures),
	)

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (h *handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var envelope snsEnvelope
	if err := json.Unmarshal([]byte(record.Body), &envelope); err != nil {
		return fmt.Errorf("failed to parse SQS body: %w", err)
	}

	event, err := notification.ParseCatalogEvent(envelope.Message)
	if err != nil {
		return err
	}

	keys := event.Keys
	if len(keys) == 0 {
		keys = h.defaultKeys
	}

	if err := h.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete catalog keys: %w", err)
	}

	h.logger.LogInfo(ctx, "persisted catalog removed",
		"event_id", event.ID,
		"source", event.Source,
		"keys", keys,
	)
	return nil
}

func main() {
	ctx := context.Background()

	cfg := config.MustLoad(os.Getenv("CATALOG_CONFIG"))
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format).
		Component("lambda-invalidate")

	store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.LogError(ctx, "failed to connect to Redis", err)
		os.Exit(1)
	}

	concurrency := 4
	if v, err := strconv.Atoi(os.Getenv("WORKERS")); err == nil && v > 0 {
		concurrency = v
	}

	h := &handler{
		store: store,
		defaultKeys: []string{
			cfg.Cache.KeyPrefix + catalog.ProductsKey,
			cfg.Cache.KeyPrefix + catalog.TimestampKey,
		},
		concurrency: concurrency,
		logger:      logger,
	}

	logger.Info("invalidation lambda initialized", "redis", cfg.Redis.Address)
	lambda.Start(h.Handle)
}
