// Package erroragg collects per-room failures produced by a reconcile pass
// and deduplicates them by (room, kind) within a cooldown window, so that a
// flapping dependency doesn't spam the management room on every pass.
package erroragg

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"maunium.net/go/mautrix/id"
)

// Kind classifies a recorded error for cooldown and reporting purposes.
type Kind string

const (
	KindPermission Kind = "permission"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
)

// DefaultCooldown returns the cooldown window assigned to a kind.
func DefaultCooldown(kind Kind) time.Duration {
	switch kind {
	case KindPermission:
		return 3 * time.Hour
	case KindFatal:
		return 15 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// Record is a single recorded error.
type Record struct {
	RoomID    id.RoomID
	Kind      Kind
	Message   string
	Timestamp time.Time
}

type dedupeKey struct {
	RoomID id.RoomID
	Kind   Kind
}

var surfacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_erroragg_surfaced_total",
	Help: "Number of errors that passed the dedupe cooldown and were surfaced in a report",
}, []string{"kind"})

// Cooldowns overrides the default per-kind cooldown; kinds missing from the map fall back to DefaultCooldown.
type Cooldowns map[Kind]time.Duration

// Aggregator accumulates error records across a reconcile pass and emits a
// deduplicated, human-readable report on Drain.
type Aggregator struct {
	cooldowns Cooldowns

	mu          sync.Mutex
	pending     map[dedupeKey]*Record
	lastSurface map[dedupeKey]time.Time

	now func() time.Time
}

// New creates an aggregator with the given cooldown overrides (may be nil to
// use the defaults for every kind).
func New(cooldowns Cooldowns) *Aggregator {
	return &Aggregator{
		cooldowns:   cooldowns,
		pending:     make(map[dedupeKey]*Record),
		lastSurface: make(map[dedupeKey]time.Time),
		now:         time.Now,
	}
}

func (a *Aggregator) cooldown(kind Kind) time.Duration {
	if d, ok := a.cooldowns[kind]; ok {
		return d
	}
	return DefaultCooldown(kind)
}

// Record stores an error for the current pass. Within the cooldown window, a
// second error with the same (room, kind) replaces the message but does not
// produce a second notice.
func (a *Aggregator) Record(roomID id.RoomID, kind Kind, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := dedupeKey{RoomID: roomID, Kind: kind}
	a.pending[key] = &Record{
		RoomID:    roomID,
		Kind:      kind,
		Message:   message,
		Timestamp: a.now(),
	}
}

// Recordf is Record with fmt.Sprintf-style formatting.
func (a *Aggregator) Recordf(roomID id.RoomID, kind Kind, format string, args ...any) {
	a.Record(roomID, kind, fmt.Sprintf(format, args...))
}

// Report is the grouped, human-readable summary returned by Drain.
type Report struct {
	Entries []ReportEntry
}

// ReportEntry is one (room, kind) group that passed its cooldown this drain.
type ReportEntry struct {
	RoomID  id.RoomID
	Kind    Kind
	Message string
}

// Empty reports whether the drain produced nothing worth notifying about.
func (r Report) Empty() bool {
	return len(r.Entries) == 0
}

// String renders the report as Markdown bullet points, one line per room/kind.
func (r Report) String() string {
	if r.Empty() {
		return ""
	}
	lines := make([]string, 0, len(r.Entries))
	for _, entry := range r.Entries {
		lines = append(lines, fmt.Sprintf("* [%s] %s: %s", entry.Kind, entry.RoomID, entry.Message))
	}
	return strings.Join(lines, "\n")
}

// Drain returns a report containing only the (room, kind) groups whose
// cooldown has elapsed since they were last surfaced, then resets those
// groups' cooldowns to start now. Pending records that are still within
// their cooldown are kept silently and may surface on a future drain.
func (a *Aggregator) Drain() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var entries []ReportEntry
	for key, rec := range a.pending {
		last, seenBefore := a.lastSurface[key]
		if seenBefore && now.Sub(last) < a.cooldown(key.Kind) {
			continue
		}
		entries = append(entries, ReportEntry{RoomID: rec.RoomID, Kind: rec.Kind, Message: rec.Message})
		a.lastSurface[key] = now
		surfacedTotal.WithLabelValues(string(rec.Kind)).Inc()
	}
	for _, e := range entries {
		delete(a.pending, dedupeKey{RoomID: e.RoomID, Kind: e.Kind})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RoomID != entries[j].RoomID {
			return entries[i].RoomID < entries[j].RoomID
		}
		return entries[i].Kind < entries[j].Kind
	})
	return Report{Entries: entries}
}
