package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/listing-auditor/api/internal/services"
)

func TestPubSubAuditPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "audit-reports")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	publisher, err := NewPubSubAuditPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubAuditPublisher: %v", err)
	}

	started := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	msg := services.AuditReportMessage{
		RunID:      "01HZX3M4J5K6",
		ShopDomain: "acme.myshopify.com",
		ProductID:  42,
		Outcomes: []services.AuditOutcomeMessage{
			{Rule: "variant_weight", Status: "applied", Tags: []string{"Validation-Error: Missing Weight"}},
		},
		TagsAdded:  []string{"Validation-Error: Missing Weight"},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}

	if _, err := publisher.PublishAuditReport(ctx, msg); err != nil {
		t.Fatalf("PublishAuditReport: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.AuditReportMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.RunID != msg.RunID || payload.ProductID != 42 || len(payload.Outcomes) != 1 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["shopDomain"] != "acme.myshopify.com" || attrs["productId"] != "42" || attrs["changed"] != "true" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestNewPubSubAuditPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubAuditPublisher(nil); err == nil {
		t.Fatal("expected error without topic")
	}
}
