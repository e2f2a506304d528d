// Package redactionqueue batches per-room message redaction for a user
// being actioned on, scanning recent history up to a configured limit and
// dispatching the redactions through a scheduler.Scheduler in bounded
// batches so a single takedown can't monopolize the action scheduler.
package redactionqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/scheduler"
)

// EventSource lists the most recent events a user sent in a room, newest
// first, up to maxScanned messages scanned (regardless of how many of them
// belong to the user). Implementations may be backed by the chat server's
// message-pagination API or by a direct read replica, as long as the
// ordering and scan-bound contract holds.
type EventSource interface {
	RecentEventsBySender(ctx context.Context, roomID id.RoomID, sender id.UserID, maxScanned int) ([]id.EventID, error)
}

// Redactor performs a single event redaction. Implementations must be safe
// to call twice for the same event (redacting an already-redacted event is
// a no-op on the chat server side).
type Redactor interface {
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error
}

// Config controls batching behavior.
type Config struct {
	// MaxRedactionCheckMembers bounds how many recent messages are scanned
	// per room when looking for events to redact.
	MaxRedactionCheckMembers int
	// MaxRedactionEvents bounds how many redactions are dispatched in one
	// batch before waiting BatchLinger.
	MaxRedactionEvents int
	// BatchLinger is the delay between dispatching successive batches.
	BatchLinger time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRedactionCheckMembers <= 0 {
		c.MaxRedactionCheckMembers = 1000
	}
	if c.MaxRedactionEvents <= 0 {
		c.MaxRedactionEvents = 50
	}
	if c.BatchLinger <= 0 {
		c.BatchLinger = 500 * time.Millisecond
	}
	return c
}

// Queue dispatches batched redaction work onto a shared scheduler.
type Queue struct {
	cfg       Config
	source    EventSource
	redactor  Redactor
	scheduler *scheduler.Scheduler
	log       *zerolog.Logger
}

// New creates a redaction queue. sched is shared with the rest of the
// reconciler so overall server load stays globally throttled.
func New(cfg Config, source EventSource, redactor Redactor, sched *scheduler.Scheduler, log *zerolog.Logger) *Queue {
	return &Queue{
		cfg:       cfg.withDefaults(),
		source:    source,
		redactor:  redactor,
		scheduler: sched,
		log:       log,
	}
}

// Result summarizes the outcome of an EnqueueUserInRoom call, returned once
// every batch has been submitted to the scheduler (not necessarily executed
// yet — callers that need completion should Wait on the returned futures).
type Result struct {
	RoomID    id.RoomID
	UserID    id.UserID
	Submitted int
	Futures   []*scheduler.Future
}

// EnqueueUserInRoom scans up to limit of the user's recent messages in
// room_id (bounded further by MaxRedactionCheckMembers), and submits
// redaction tasks to the scheduler in batches of MaxRedactionEvents, with
// BatchLinger between batch submissions.
func (q *Queue) EnqueueUserInRoom(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string, limit int) (Result, error) {
	scanBound := q.cfg.MaxRedactionCheckMembers
	if limit > 0 && limit < scanBound {
		scanBound = limit
	}
	events, err := q.source.RecentEventsBySender(ctx, roomID, userID, scanBound)
	if err != nil {
		return Result{}, fmt.Errorf("scanning recent events: %w", err)
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	result := Result{RoomID: roomID, UserID: userID}
	for batchStart := 0; batchStart < len(events); batchStart += q.cfg.MaxRedactionEvents {
		batchEnd := min(batchStart+q.cfg.MaxRedactionEvents, len(events))
		batch := events[batchStart:batchEnd]
		if batchStart > 0 {
			select {
			case <-time.After(q.cfg.BatchLinger):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
		for _, eventID := range batch {
			eventID := eventID
			task := &scheduler.Task{
				Key:  fmt.Sprintf("redact:%s:%s", roomID, eventID),
				Kind: scheduler.KindRedact,
				Run: func(taskCtx context.Context) scheduler.Result {
					if err := q.redactor.RedactEvent(taskCtx, roomID, eventID, reason); err != nil {
						return classifyRedactError(err)
					}
					return scheduler.OK()
				},
			}
			future, err := q.scheduler.Submit(ctx, task)
			if err != nil {
				return result, fmt.Errorf("submitting redaction for %s: %w", eventID, err)
			}
			result.Submitted++
			result.Futures = append(result.Futures, future)
		}
	}
	q.log.Debug().
		Stringer("room_id", roomID).
		Stringer("user_id", userID).
		Int("submitted", result.Submitted).
		Msg("Enqueued redactions")
	return result, nil
}

// classifyRedactError gives a redaction failure a scheduler outcome. The
// redactor is expected to return errors wrapping the transport's closed
// failure classification; callers that can't classify more precisely than
// "it failed" should treat unknown errors as transient so a flaky
// connection doesn't strand redactions.
func classifyRedactError(err error) scheduler.Result {
	type classifier interface {
		Permanent() bool
	}
	if c, ok := err.(classifier); ok && c.Permanent() {
		return scheduler.Permanent(err)
	}
	return scheduler.Transient(err)
}
