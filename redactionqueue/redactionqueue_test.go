package redactionqueue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/redactionqueue"
	"github.com/hazelmoon/warden/scheduler"
)

const testRoom = id.RoomID("!room:example.org")
const testUser = id.UserID("@spammer:example.org")

type fakeSource struct {
	events []id.EventID
}

func (f *fakeSource) RecentEventsBySender(ctx context.Context, roomID id.RoomID, sender id.UserID, maxScanned int) ([]id.EventID, error) {
	if maxScanned < len(f.events) {
		return f.events[:maxScanned], nil
	}
	return f.events, nil
}

type fakeRedactor struct {
	mu        sync.Mutex
	redacted  []id.EventID
	failFirst int
}

func (f *fakeRedactor) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return fmt.Errorf("temporary failure redacting %s", eventID)
	}
	f.redacted = append(f.redacted, eventID)
	return nil
}

func newEvents(n int) []id.EventID {
	events := make([]id.EventID, n)
	for i := range events {
		events[i] = id.EventID(fmt.Sprintf("$event%d:example.org", i))
	}
	return events
}

func TestEnqueueUserInRoom_BatchesAndRespectsLimit(t *testing.T) {
	source := &fakeSource{events: newEvents(12)}
	redactor := &fakeRedactor{}
	sched := scheduler.New(scheduler.Config{MinDelay: time.Millisecond})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	}()
	log := zerolog.Nop()

	q := redactionqueue.New(redactionqueue.Config{
		MaxRedactionCheckMembers: 100,
		MaxRedactionEvents:       5,
		BatchLinger:              time.Millisecond,
	}, source, redactor, sched, &log)

	result, err := q.EnqueueUserInRoom(context.Background(), testRoom, testUser, "spam", 10)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if result.Submitted != 10 {
		t.Fatalf("expected 10 redactions submitted (limit), got %d", result.Submitted)
	}
	for _, future := range result.Futures {
		if _, err := future.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	redactor.mu.Lock()
	defer redactor.mu.Unlock()
	if len(redactor.redacted) != 10 {
		t.Fatalf("expected 10 events redacted, got %d", len(redactor.redacted))
	}
}

func TestEnqueueUserInRoom_ScanBoundedByMaxCheckMembers(t *testing.T) {
	source := &fakeSource{events: newEvents(50)}
	redactor := &fakeRedactor{}
	sched := scheduler.New(scheduler.Config{MinDelay: time.Millisecond})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	}()
	log := zerolog.Nop()

	q := redactionqueue.New(redactionqueue.Config{
		MaxRedactionCheckMembers: 5,
		MaxRedactionEvents:       10,
		BatchLinger:              time.Millisecond,
	}, source, redactor, sched, &log)

	// limit (1000) exceeds MaxRedactionCheckMembers (5), so the scan bound wins.
	result, err := q.EnqueueUserInRoom(context.Background(), testRoom, testUser, "spam", 1000)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if result.Submitted != 5 {
		t.Fatalf("expected scan bound of 5 to cap submissions, got %d", result.Submitted)
	}
}

func TestEnqueueUserInRoom_RetriesTransientRedactionFailure(t *testing.T) {
	source := &fakeSource{events: newEvents(1)}
	redactor := &fakeRedactor{failFirst: 2}
	sched := scheduler.New(scheduler.Config{MinDelay: time.Millisecond, MaxRetries: 3})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	}()
	log := zerolog.Nop()

	q := redactionqueue.New(redactionqueue.Config{}, source, redactor, sched, &log)
	result, err := q.EnqueueUserInRoom(context.Background(), testRoom, testUser, "spam", 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(result.Futures) != 1 {
		t.Fatalf("expected 1 task, got %d", len(result.Futures))
	}
	// Two transient failures back off 2s then 4s before the third attempt.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := result.Futures[0].Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Outcome != scheduler.OutcomeOK {
		t.Fatalf("expected eventual success after retries, got %v (%v)", res.Outcome, res.Err)
	}
}
