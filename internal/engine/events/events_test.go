package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{
		Type:      EventProposalCreated,
		Component: "proposals",
		EntityID:  "0",
		Message:   "created",
	})

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}

	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}
	if recent[0].Component != "proposals" {
		t.Errorf("Component = %q, want 'proposals'", recent[0].Component)
	}
	if recent[0].ID == "" {
		t.Error("ID should be auto-generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)

	for i := 0; i < 10; i++ {
		rb.Log(Event{
			Type:    EventUpgradeScheduled,
			Message: string(rune('A' + i)),
		})
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5 (capped)", rb.Count())
	}

	recent := rb.Recent(5)
	expected := []string{"J", "I", "H", "G", "F"}
	for i, e := range recent {
		if e.Message != expected[i] {
			t.Errorf("recent[%d].Message = %q, want %q", i, e.Message, expected[i])
		}
	}
}

func TestRingBuffer_Filters(t *testing.T) {
	rb := NewRingBuffer(20)
	rb.Log(Event{Type: EventDependencyRegistered, Component: "dependencies", EntityID: "AAAAA->BBBBB"})
	rb.Log(Event{Type: EventProposalCreated, Component: "proposals", EntityID: "0"})
	rb.Log(Event{Type: EventProposalVote, Component: "proposals", EntityID: "0"})
	rb.Log(Event{Type: EventProposalCreated, Component: "proposals", EntityID: "1"})

	if got := len(rb.Query(Match{Component: "proposals"}, 10)); got != 3 {
		t.Errorf("Query(component) = %d, want 3", got)
	}
	if got := len(rb.RecentByType(EventProposalCreated, 10)); got != 2 {
		t.Errorf("RecentByType = %d, want 2", got)
	}
	if got := len(rb.Query(Match{Component: "proposals", EntityID: "0"}, 10)); got != 2 {
		t.Errorf("Query(entity) = %d, want 2", got)
	}
	if got := len(rb.Query(Match{Component: "proposals"}, 1)); got != 1 {
		t.Errorf("Query limit = %d, want 1", got)
	}
	if rb.Recent(0) != nil {
		t.Error("Recent(0) should be nil")
	}
}

func TestRingBuffer_QueryCombinesFields(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Log(Event{Type: EventProposalCreated, Component: "proposals", EntityID: "0"})
	rb.Log(Event{Type: EventProposalCreated, Component: "proposals", EntityID: "1"})
	rb.Log(Event{Type: EventProposalApproved, Component: "proposals", EntityID: "1"})
	rb.Log(Event{Type: EventUpgradeScheduled, Component: "timelock", EntityID: "1"})

	got := rb.Query(Match{Component: "proposals", EntityID: "1", Type: EventProposalCreated}, 10)
	if len(got) != 1 || got[0].EntityID != "1" {
		t.Fatalf("Query = %+v, want the created event for proposal 1", got)
	}
	// The first event was overwritten.
	if got := rb.Query(Match{Component: "proposals", EntityID: "0"}, 10); len(got) != 0 {
		t.Errorf("evicted event still returned: %+v", got)
	}
	if !(Match{EntityID: "1"}).Matches(Event{EntityID: "2"}) {
		t.Error("EntityID without Component should not filter")
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var count int32
	unsubscribe := rb.Subscribe(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	rb.Log(Event{Type: EventUpgradeScheduled})
	rb.Log(Event{Type: EventUpgradeExecuted})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("handler called %d times, want 2", count)
	}

	unsubscribe()
	rb.Log(Event{Type: EventUpgradeCancelled})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("handler called %d times after unsubscribe, want 2", count)
	}
}

func TestRingBuffer_SubscribeFiltered(t *testing.T) {
	rb := NewRingBuffer(10)

	var errors int32
	rb.SubscribeFiltered(
		func(e Event) bool { return e.Severity == SeverityError },
		func(e Event) { atomic.AddInt32(&errors, 1) },
	)

	rb.Log(Event{Type: EventImplementationApplied, Severity: SeverityInfo})
	rb.Log(Event{Type: EventImplementationApplyErr, Severity: SeverityError})

	if atomic.LoadInt32(&errors) != 1 {
		t.Errorf("filtered handler called %d times, want 1", errors)
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.Log(Event{Type: EventProposalVote})
			}
		}()
	}
	wg.Wait()

	if rb.Count() != 100 {
		t.Errorf("Count() = %d, want 100", rb.Count())
	}
}

func TestRingBuffer_EmitCarriesRequestID(t *testing.T) {
	rb := NewRingBuffer(10)
	ctx := WithRequestID(context.Background(), "req-1")

	rb.Emit(ctx, Event{Type: EventProposalCreated})
	rb.Emit(ctx, Event{Type: EventProposalApproved, RequestID: "explicit"})

	recent := rb.Recent(2)
	if recent[1].RequestID != "req-1" {
		t.Errorf("request id = %q, want req-1", recent[1].RequestID)
	}
	if recent[0].RequestID != "explicit" {
		t.Errorf("request id = %q, want explicit", recent[0].RequestID)
	}
	if got := RequestIDFrom(context.Background()); got != "" {
		t.Errorf("RequestIDFrom(empty) = %q", got)
	}
}

func TestEventBuilder(t *testing.T) {
	ts := time.Unix(3600, 0)
	e := NewEvent(EventUpgradeExecuted).
		Component("timelock").
		Entity("0").
		Transition("scheduled", "executed").
		Actor("0xabc").
		At(ts).
		Metadata("proxy", "0x01").
		Build()

	if e.Type != EventUpgradeExecuted {
		t.Errorf("Type = %v", e.Type)
	}
	if e.OldState != "scheduled" || e.NewState != "executed" {
		t.Errorf("transition = %s -> %s", e.OldState, e.NewState)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, ts)
	}
	if e.Metadata["proxy"] != "0x01" {
		t.Errorf("Metadata[proxy] = %q", e.Metadata["proxy"])
	}
	if e.ID == "" {
		t.Error("ID should be generated")
	}
	if e.Severity != SeverityInfo {
		t.Errorf("Severity = %v, want info", e.Severity)
	}
}

func TestEventBuilder_ErrorFrom(t *testing.T) {
	e := NewEvent(EventImplementationApplyErr).ErrorFrom(context.Canceled).Build()
	if e.Severity != SeverityError || e.Message != context.Canceled.Error() {
		t.Errorf("got severity %v message %q", e.Severity, e.Message)
	}
}

func TestFanout(t *testing.T) {
	a, b := NewRingBuffer(5), NewRingBuffer(5)
	f := NewFanout(a, nil, b)
	if len(f) != 2 {
		t.Fatalf("len(fanout) = %d, want 2", len(f))
	}
	NewEvent(EventProposalCreated).EmitTo(context.Background(), f)
	if a.Count() != 1 || b.Count() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", a.Count(), b.Count())
	}
}

func TestFanout_StampsOnce(t *testing.T) {
	a, b := NewRingBuffer(5), NewRingBuffer(5)
	ctx := WithRequestID(context.Background(), "req-7")

	NewFanout(a, b).Emit(ctx, Event{Type: EventUpgradeScheduled})

	ea, eb := a.Recent(1)[0], b.Recent(1)[0]
	if ea.ID == "" || ea.ID != eb.ID {
		t.Errorf("ids = %q/%q, want equal and set", ea.ID, eb.ID)
	}
	if !ea.Timestamp.Equal(eb.Timestamp) {
		t.Errorf("timestamps differ: %v / %v", ea.Timestamp, eb.Timestamp)
	}
	if ea.RequestID != "req-7" {
		t.Errorf("request id = %q, want req-7", ea.RequestID)
	}
}
