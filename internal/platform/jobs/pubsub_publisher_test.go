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

	"github.com/marigold-commerce/api/internal/services"
)

func newTestTopic(t *testing.T, name string) (*pubsub.Topic, func()) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		srv.Close()
		t.Fatalf("pubsub.NewClient: %v", err)
	}

	topic, err := client.CreateTopic(ctx, name)
	if err != nil {
		_ = client.Close()
		srv.Close()
		t.Fatalf("CreateTopic: %v", err)
	}

	cleanup := func() {
		_ = client.Close()
		srv.Close()
	}
	return topic, cleanup
}

func TestPubSubEventPublisherPublishesMessage(t *testing.T) {
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

	topic, err := client.CreateTopic(ctx, "commerce-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	event := services.CommerceEvent{
		ID:         "evt-1",
		Type:       "order.placed",
		OccurredAt: occurredAt,
		UserID:     "user-1",
		OrderID:    "order-1",
		Payload:    map[string]any{"total": 599.0},
	}

	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.CommerceEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID != event.ID || payload.Type != event.Type {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.placed" {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "order-1" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
}

func TestPubSubNotifierPublishesNotification(t *testing.T) {
	ctx := context.Background()
	topic, cleanup := newTestTopic(t, "notifications")
	defer cleanup()

	notifier, err := NewPubSubNotifier(topic)
	if err != nil {
		t.Fatalf("NewPubSubNotifier: %v", err)
	}

	notification := services.Notification{
		UserID:  "user-2",
		Kind:    "order_cancelled",
		Subject: "Your order was cancelled",
		Body:    "Order MG-000007 has been cancelled and your items restocked.",
		Metadata: map[string]any{
			"orderNumber": "MG-000007",
		},
	}

	if err := notifier.Notify(ctx, notification); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestNewPubSubEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
	if _, err := NewPubSubNotifier(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
