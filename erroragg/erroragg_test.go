package erroragg_test

import (
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/erroragg"
)

const roomA = id.RoomID("!a:example.org")
const roomB = id.RoomID("!b:example.org")

func TestDrain_DedupesWithinCooldown(t *testing.T) {
	agg := erroragg.New(erroragg.Cooldowns{erroragg.KindPermission: time.Hour})
	agg.Record(roomA, erroragg.KindPermission, "missing ban power")
	agg.Record(roomA, erroragg.KindPermission, "missing ban power (again)")

	report := agg.Drain()
	if len(report.Entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d: %+v", len(report.Entries), report.Entries)
	}

	// A second pass that reports the same (room, kind) within the cooldown
	// must not produce a second notice.
	agg.Record(roomA, erroragg.KindPermission, "missing ban power")
	report = agg.Drain()
	if !report.Empty() {
		t.Fatalf("expected no entries within cooldown, got %+v", report.Entries)
	}
}

func TestDrain_DifferentRoomsOrKindsSurfaceIndependently(t *testing.T) {
	agg := erroragg.New(nil)
	agg.Record(roomA, erroragg.KindPermission, "a")
	agg.Record(roomB, erroragg.KindPermission, "b")
	agg.Record(roomA, erroragg.KindFatal, "c")

	report := agg.Drain()
	if len(report.Entries) != 3 {
		t.Fatalf("expected 3 independent entries, got %d", len(report.Entries))
	}
}

func TestDrain_EmptyWhenNothingRecorded(t *testing.T) {
	agg := erroragg.New(nil)
	if !agg.Drain().Empty() {
		t.Fatal("expected empty report")
	}
}
