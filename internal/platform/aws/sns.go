package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/resilience"
)

// SNSAPI is the part of the SDK client the catalog calls.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Message is one SNS publish. Body is sent as JSON.
type Message struct {
	TopicARN   string
	Body       any
	Attributes map[string]string

	// GroupID and DeduplicationID apply to FIFO topics only. An empty
	// GroupID becomes "default".
	GroupID         string
	DeduplicationID string
}

// IsFIFOTopic reports whether arn names a FIFO topic.
func IsFIFOTopic(arn string) bool {
	return strings.HasSuffix(arn, ".fifo")
}

// SNSClientConfig configures NewSNSClient. Zero fields get defaults.
type SNSClientConfig struct {
	AWSConfig aws.Config

	// API replaces the SDK client built from AWSConfig.
	API SNSAPI

	Logger         *observability.Logger
	Metrics        *observability.Metrics
	RetryConfig    *resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreaker
}

// SNSClient publishes through a circuit breaker with retries inside it, so a
// whole retried publish counts once against the breaker.
type SNSClient struct {
	api     SNSAPI
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewSNSClient(cfg SNSClientConfig) *SNSClient {
	c := &SNSClient{
		api:     cfg.API,
		breaker: cfg.CircuitBreaker,
		retry:   resilience.DefaultRetryConfig(),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if c.logger == nil {
		c.logger = observability.NewNopLogger()
	}
	c.logger = c.logger.Component("sns")
	if c.metrics == nil {
		c.metrics = observability.NewNoopMetrics()
	}
	if c.api == nil {
		c.api = sns.NewFromConfig(cfg.AWSConfig)
	}
	if cfg.RetryConfig != nil {
		c.retry = *cfg.RetryConfig
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "sns",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			OnStateChange:    c.breakerChanged,
		})
	}
	return c
}

func (c *SNSClient) breakerChanged(from, to resilience.State) {
	c.logger.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
	c.metrics.SetCircuitBreakerState(context.Background(), "sns", int64(to))
}

// Publish sends msg and returns the SNS message id.
func (c *SNSClient) Publish(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	input := buildPublishInput(msg, string(body))

	start := time.Now()
	id, err := resilience.ExecuteWithResult(c.breaker, ctx, func(ctx context.Context) (string, error) {
		return resilience.RetryIfWithResult(ctx, c.retry, resilience.IsRetryable, func(ctx context.Context) (string, error) {
			return c.publishOnce(ctx, input)
		})
	})
	took := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		c.metrics.RecordError(ctx, "sns_publish")
		c.logger.LogError(ctx, "SNS publish failed", err,
			"topic_arn", msg.TopicARN, "duration_ms", took.Milliseconds())
	}
	c.metrics.RecordExternalCall(ctx, "sns", "publish", status, took)
	return id, err
}

func buildPublishInput(msg Message, body string) *sns.PublishInput {
	in := &sns.PublishInput{
		TopicArn: aws.String(msg.TopicARN),
		Message:  aws.String(body),
	}
	if len(msg.Attributes) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(msg.Attributes))
		for k, v := range msg.Attributes {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	if IsFIFOTopic(msg.TopicARN) {
		group := msg.GroupID
		if group == "" {
			group = "default"
		}
		in.MessageGroupId = aws.String(group)
		if msg.DeduplicationID != "" {
			in.MessageDeduplicationId = aws.String(msg.DeduplicationID)
		}
	}
	return in
}

func (c *SNSClient) publishOnce(ctx context.Context, in *sns.PublishInput) (string, error) {
	out, err := c.api.Publish(ctx, in)
	if err != nil {
		err = fmt.Errorf("SNS publish failed: %w", err)
		if isRejected(err) {
			return "", resilience.Permanent(err)
		}
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

// isRejected reports SNS errors that another attempt cannot fix.
func isRejected(err error) bool {
	var (
		notFound *types.NotFoundException
		badParam *types.InvalidParameterException
		badValue *types.InvalidParameterValueException
		denied   *types.AuthorizationErrorException
	)
	return errors.As(err, &notFound) || errors.As(err, &badParam) ||
		errors.As(err, &badValue) || errors.As(err, &denied)
}

// CircuitBreakerState returns the breaker state.
func (c *SNSClient) CircuitBreakerState() resilience.State {
	return c.breaker.State()
}
