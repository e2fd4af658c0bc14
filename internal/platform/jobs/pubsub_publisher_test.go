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

	"github.com/tophelanke/api/internal/services"
)

func newTestTopic(t *testing.T, name string) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, name)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return topic, srv
}

func TestPubSubMailPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	topic, srv := newTestTopic(t, "mail-jobs")

	publisher, err := NewPubSubMailPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubMailPublisher: %v", err)
	}

	queuedAt := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	msg := services.MailJobMessage{
		Kind:        "order-confirmation",
		Recipient:   "kupac@example.com",
		OrderID:     "order-1",
		OrderNumber: "TH-2025-000042",
		Totals:      services.MailTotalsPayload{Subtotal: 5000, GrandTotal: 5400, Currency: "RSD"},
		QueuedAt:    queuedAt,
	}

	if _, err := publisher.PublishMailJob(ctx, msg); err != nil {
		t.Fatalf("PublishMailJob: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.MailJobMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Recipient != msg.Recipient || payload.OrderNumber != msg.OrderNumber {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["kind"]; attr != "order-confirmation" {
		t.Fatalf("expected kind attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "order-1" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["recipient"]; ok {
		t.Fatalf("recipient must not leak into attributes")
	}
}

func TestPubSubStockEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	topic, srv := newTestTopic(t, "stock-events")

	publisher, err := NewPubSubStockEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubStockEventPublisher: %v", err)
	}

	msg := services.StockAlertMessage{
		Kind:        "stock.low",
		ItemID:      "item-1",
		VariationID: "var-1",
		Size:        "m",
		Color:       "crna",
		Remaining:   2,
		OccurredAt:  time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}

	if _, err := publisher.PublishStockEvent(ctx, msg); err != nil {
		t.Fatalf("PublishStockEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.StockAlertMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ItemID != msg.ItemID || payload.Remaining != msg.Remaining {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["kind"]; attr != "stock.low" {
		t.Fatalf("expected kind attribute, got %q", attr)
	}
}

func TestNewPublishersRequireTopic(t *testing.T) {
	if _, err := NewPubSubMailPublisher(nil); err == nil {
		t.Fatal("expected error for nil mail topic")
	}
	if _, err := NewPubSubStockEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil stock topic")
	}
}
