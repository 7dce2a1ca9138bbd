package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/rail-service/custody_service/internal/domain/services/events"
)

// SNSConfig holds AWS SNS configuration
type SNSConfig struct {
	Region   string
	TopicARN string
}

// SNSPublishAPI is the slice of the SNS client used here
type SNSPublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSEventPublisher forwards custody events to an SNS topic for downstream
// consumers (notifications, analytics).
type SNSEventPublisher struct {
	client   SNSPublishAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSEventPublisher loads the default AWS config for the region
func NewSNSEventPublisher(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSEventPublisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSNSEventPublisherWithClient(sns.NewFromConfig(awsCfg), cfg.TopicARN, logger), nil
}

// NewSNSEventPublisherWithClient wraps an existing client
func NewSNSEventPublisherWithClient(client SNSPublishAPI, topicARN string, logger *zap.Logger) *SNSEventPublisher {
	return &SNSEventPublisher{client: client, topicARN: topicARN, logger: logger}
}

// Handle publishes one event; it is registered on the bus for every event type
func (p *SNSEventPublisher) Handle(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(event.Type))},
			"event_id":   {DataType: aws.String("String"), StringValue: aws.String(event.ID.String())},
		},
	})
	if err != nil {
		p.logger.Warn("Failed to publish event to SNS",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	p.logger.Debug("Event published to SNS",
		zap.String("event_type", string(event.Type)),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// Register subscribes the publisher to every custody event type
func (p *SNSEventPublisher) Register(bus *events.Bus) {
	for _, t := range []events.Type{
		events.DepositDetected,
		events.MonitoringStarted,
		events.MonitoringStopped,
		events.ScanError,
		events.ConsolidationCompleted,
	} {
		bus.Subscribe(t, "sns", p.Handle)
	}
}
