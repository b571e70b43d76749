// Package notification announces catalog invalidations to other processes.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agatticelli/storefront-catalog/internal/catalog"
	"github.com/agatticelli/storefront-catalog/internal/platform/aws"
	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/worker"
)

// Publisher publishes catalog invalidations to SNS. It implements
// catalog.Listener; publishing happens on a small worker pool so the
// invalidating caller never waits on SNS.
type Publisher struct {
	snsClient *aws.SNSClient
	topicARN  string
	keys      []string
	timeout   time.Duration
	pool      *worker.Pool
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
}

// Health is the publisher section of the health endpoint.
type Health struct {
	Enabled      bool   `json:"enabled"`
	CircuitState string `json:"circuit_state"`
	Queued       int    `json:"queued"`
	Published    int64  `json:"published"`
	Failed       int64  `json:"failed"`
	Dropped      int64  `json:"dropped"`
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string

	// Keys are the persisted keys carried in every event.
	Keys []string

	// PublishTimeout bounds one publish including retries. Default 10s.
	PublishTimeout time.Duration

	// Workers and QueueSize size the publish pool. Defaults 1 and 32.
	Workers   int
	QueueSize int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// NewPublisher creates a publisher. Call Close to flush queued events.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetrics()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}

	return &Publisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		keys:      cfg.Keys,
		timeout:   cfg.PublishTimeout,
		pool: worker.NewPoolWithConfig(context.Background(), worker.PoolConfig{
			Workers:    cfg.Workers,
			QueueSize:  cfg.QueueSize,
			DropPolicy: worker.DropPolicyNewest,
		}),
		logger:  cfg.Logger.Component("publisher"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}, nil
}

// CatalogInvalidated queues an event for ev. Removals observed on the shared
// store were caused by someone else's event and are not re-announced.
func (p *Publisher) CatalogInvalidated(ctx context.Context, ev catalog.InvalidationEvent) {
	if ev.Source == catalog.SourceExternal {
		return
	}

	event := NewCatalogEvent(ev, p.keys)
	spanCtx := trace.SpanContextFromContext(ctx)

	err := p.pool.Submit(worker.Job{
		ID: event.ID,
		Execute: func(poolCtx context.Context) (any, error) {
			jobCtx, cancel := context.WithTimeout(trace.ContextWithSpanContext(poolCtx, spanCtx), p.timeout)
			defer cancel()
			return nil, p.Publish(jobCtx, event)
		},
	})
	if err != nil {
		if errors.Is(err, worker.ErrBackpressure) {
			p.metrics.RecordError(ctx, "publish_dropped")
		}
		p.logger.LogError(ctx, "invalidation event not queued", err, "event_id", event.ID)
	}
}

// Publish sends event to SNS synchronously.
func (p *Publisher) Publish(ctx context.Context, event CatalogEvent) error {
	ctx, span := p.tracer.StartSpan(
		ctx,
		"Publisher.Publish",
		observability.WithSpanKind(trace.SpanKindProducer),
		observability.WithAttributes(
			attribute.String("event_id", event.ID),
			attribute.String("source", event.Source),
			attribute.String("topic_arn", p.topicARN),
		),
	)
	defer span.End()

	// Attributes allow SNS subscription filter policies
	attributes := map[string]string{
		"type":   event.Type,
		"source": event.Source,
	}

	// One group keeps invalidations ordered on FIFO topics
	msgID, err := p.snsClient.Publish(ctx, aws.Message{
		TopicARN:        p.topicARN,
		Body:            event,
		Attributes:      attributes,
		GroupID:         "catalog",
		DeduplicationID: event.ID,
	})
	if err != nil {
		span.NoticeError(err)
		p.logger.LogError(ctx, "failed to publish invalidation", err,
			"event_id", event.ID,
			"topic_arn", p.topicARN,
		)
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	p.logger.LogInfo(ctx, "published invalidation",
		"event_id", event.ID,
		"message_id", msgID,
		"source", event.Source,
		"topic_arn", p.topicARN,
	)
	return nil
}

// Health reports the SNS breaker and the publish queue.
func (p *Publisher) Health() Health {
	stats := p.pool.Stats()
	return Health{
		Enabled:      true,
		CircuitState: p.snsClient.CircuitBreakerState().String(),
		Queued:       stats.QueueLen,
		Published:    stats.JobsCompleted,
		Failed:       stats.JobsFailed,
		Dropped:      stats.JobsDropped,
	}
}

// Close waits for queued events to be published.
func (p *Publisher) Close() {
	p.pool.Close()
}
