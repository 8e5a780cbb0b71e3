package logging_test

import (
	"context"
	"testing"
	"time"

	"gemfall/server/logging"
	"gemfall/server/logging/sinks"
	syncevents "gemfall/server/logging/sync"
)

func closeRouter(t *testing.T, router *logging.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}
}

func TestRouterDeliversToNamedSink(t *testing.T) {
	sink := sinks.NewMemorySink()
	clock := logging.ClockFunc(func() time.Time {
		return time.Unix(1700000000, 0)
	})
	router, err := logging.NewRouter(clock, logging.Config{BufferSize: 16}, []logging.NamedSink{
		{Name: "memory", Sink: sink},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	syncevents.StepAcked(context.Background(), router,
		logging.EntityRef{ID: "sync-1", Kind: logging.EntityKindSession},
		syncevents.AckPayload{StepIndex: 3, ClientMs: 950, DriftMs: -50, HashedGrid: true},
		nil)
	closeRouter(t, router)

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.Type != syncevents.EventStepAcked {
		t.Fatalf("unexpected type %q", event.Type)
	}
	if event.Step != 3 || event.Actor.ID != "sync-1" || event.Actor.Kind != logging.EntityKindSession {
		t.Fatalf("unexpected event %+v", event)
	}
	if !event.Time.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("router did not stamp clock time: %v", event.Time)
	}
	stats := router.Stats()
	if stats.EventsTotal != 1 || stats.DroppedTotal != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRouterIgnoresUntypedEvents(t *testing.T) {
	sink := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{}, []logging.NamedSink{
		{Name: "memory", Sink: sink},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Step: 9})
	closeRouter(t, router)
	if got := len(sink.Events()); got != 0 {
		t.Fatalf("expected no events, got %d", got)
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	sink := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{MinimumSeverity: logging.SeverityWarn}, []logging.NamedSink{
		{Name: "memory", Sink: sink},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	ctx := context.Background()
	actor := logging.EntityRef{ID: "sync-1", Kind: logging.EntityKindSession}
	syncevents.StepAcked(ctx, router, actor, syncevents.AckPayload{StepIndex: 0}, nil)
	syncevents.DesyncDetected(ctx, router, actor, syncevents.DesyncPayload{
		StepIndex:  1,
		DesyncType: "hash_mismatch",
	}, nil)
	closeRouter(t, router)

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected only the warning, got %d events", len(events))
	}
	if events[0].Type != syncevents.EventDesyncDetected || events[0].Category != logging.CategoryValidation {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestRouterAttachesConfiguredFields(t *testing.T) {
	sink := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{
		Fields: map[string]any{"node": "test-1"},
	}, []logging.NamedSink{
		{Name: "memory", Sink: sink},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	syncevents.StepOutOfOrder(context.Background(), router,
		logging.EntityRef{ID: "sync-1", Kind: logging.EntityKindSession},
		syncevents.OutOfOrderPayload{Expected: 1, Received: 4},
		map[string]any{"spin": "spin-9"})
	closeRouter(t, router)

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	extra := events[0].Extra
	if extra["node"] != "test-1" || extra["spin"] != "spin-9" {
		t.Fatalf("unexpected extra fields %+v", extra)
	}
}

func TestRouterSinkLookup(t *testing.T) {
	sink := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{}, []logging.NamedSink{
		{Name: "memory", Sink: sink},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	defer closeRouter(t, router)
	if router.Sink("memory") == nil {
		t.Fatalf("named sink not found")
	}
	if router.Sink("missing") != nil {
		t.Fatalf("unexpected sink for unknown name")
	}
}

func TestWithFieldsDoesNotOverrideEventExtra(t *testing.T) {
	var captured logging.Event
	pub := logging.WithFields(logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		captured = event
	}), map[string]any{"node": "test-1", "env": "ci"})

	pub.Publish(context.Background(), logging.Event{
		Type:  "sync.step_acked",
		Extra: map[string]any{"node": "explicit"},
	})
	if captured.Extra["node"] != "explicit" {
		t.Fatalf("field publisher overrode explicit extra: %+v", captured.Extra)
	}
	if captured.Extra["env"] != "ci" {
		t.Fatalf("missing configured field: %+v", captured.Extra)
	}
}
