package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/listing-auditor/api/internal/services"
)

// PubSubAuditPublisher publishes finished audit reports to a Pub/Sub topic.
type PubSubAuditPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.AuditReportPublisher = (*PubSubAuditPublisher)(nil)

// NewPubSubAuditPublisher constructs a Pub/Sub backed report publisher.
func NewPubSubAuditPublisher(topic *pubsub.Topic) (*PubSubAuditPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub audit publisher: topic is required")
	}
	return &PubSubAuditPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishAuditReport sends message and waits for the server-assigned id.
// Attributes allow subscriptions to filter by shop or by whether anything
// was changed.
func (p *PubSubAuditPublisher) PublishAuditReport(ctx context.Context, message services.AuditReportMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub audit publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal audit report: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "runId", message.RunID)
	setAttr(attrs, "shopDomain", message.ShopDomain)
	attrs["productId"] = strconv.FormatInt(message.ProductID, 10)
	attrs["changed"] = strconv.FormatBool(message.UpdateApplied || len(message.TagsAdded) > 0)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish audit report: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
