package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalBusDispatch(t *testing.T) {
	bus := NewLocalBus(testLogger())
	defer bus.Close()

	var billing []Event
	var audit []Event
	unsubBilling, err := bus.Subscribe(SubjectBilling, func(e Event) { billing = append(billing, e) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := bus.Subscribe(SubjectAudit, func(e Event) { audit = append(audit, e) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, SubjectBilling, BillingMinutes("acme", "s1", "c1", 2.5)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, SubjectAudit, AuditTurn("acme", "s1", "merhaba", "Merhaba!", "local_llm", "simple_intent")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(billing) != 1 || len(audit) != 1 {
		t.Fatalf("expected one event per subject, got billing=%d audit=%d", len(billing), len(audit))
	}
	if billing[0].Type != TypeBillingMinutes || billing[0].Data["minutes"] != 2.5 {
		t.Fatalf("unexpected billing event %+v", billing[0])
	}
	if billing[0].Timestamp.IsZero() {
		t.Fatal("publish must stamp the event time")
	}

	// After unsubscribe, no further delivery.
	unsubBilling()
	if err := bus.Publish(ctx, SubjectBilling, BillingMinutes("acme", "s1", "c1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(billing) != 1 {
		t.Fatal("unsubscribed handler still receiving events")
	}
}

func TestLocalBusMultipleSubscribers(t *testing.T) {
	bus := NewLocalBus(testLogger())
	defer bus.Close()

	count := 0
	for i := 0; i < 3; i++ {
		if _, err := bus.Subscribe(SubjectHandoff, func(Event) { count++ }); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := bus.Publish(context.Background(), SubjectHandoff, HandoffRequested("acme", "s1", "c1", "h1", "human_request", "high")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 deliveries, got %d", count)
	}
}

func TestLocalBusClosedDropsEvents(t *testing.T) {
	bus := NewLocalBus(testLogger())
	delivered := false
	if _, err := bus.Subscribe(SubjectBreaker, func(Event) { delivered = true }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Close()
	if err := bus.Publish(context.Background(), SubjectBreaker, BreakerTransition("remote_llm", "closed", "open")); err != nil {
		t.Fatalf("publish after close should not error: %v", err)
	}
	if delivered {
		t.Fatal("closed bus must not deliver")
	}
}

func TestEventConstructors(t *testing.T) {
	evt := BillingTokens("acme", "s1", "remote_llm", 120)
	if evt.Type != TypeBillingTokens || evt.Data["tokens"] != 120 {
		t.Fatalf("unexpected event %+v", evt)
	}
	evt = HandoffRequested("acme", "s1", "c1", "h9", "forbidden_topic:x", "high")
	if evt.Data["handoffId"] != "h9" || evt.Data["priority"] != "high" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Timestamp != (time.Time{}) {
		t.Fatal("constructors leave stamping to the publisher")
	}
}
