package permcheck_test

import (
	"context"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/erroragg"
	"github.com/hazelmoon/warden/permcheck"
)

const testRoom = id.RoomID("!room:example.org")

var botUser = id.UserID("@bot:example.org")

type fakeFetcher struct {
	pls *event.PowerLevelsEventContent
	err error
}

func (f *fakeFetcher) GetPowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	return f.pls, f.err
}

func TestVerifyRoom_ReportsDeficitsBelowDefaults(t *testing.T) {
	fetcher := &fakeFetcher{pls: &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{botUser: 0},
	}}
	checker := permcheck.New(fetcher, botUser)

	deficits, err := checker.VerifyRoom(context.Background(), testRoom, true)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(deficits) == 0 {
		t.Fatal("expected deficits for a user with power level 0 against default moderator levels")
	}
	seen := map[permcheck.Action]bool{}
	for _, d := range deficits {
		seen[d.Action] = true
		if d.Have != 0 {
			t.Fatalf("expected Have=0, got %d", d.Have)
		}
	}
	for _, want := range []permcheck.Action{permcheck.ActionBan, permcheck.ActionKick, permcheck.ActionRedact, permcheck.ActionServerACL} {
		if !seen[want] {
			t.Fatalf("expected a deficit for %s", want)
		}
	}
}

func TestVerifyRoom_NoDeficitsWhenSufficientlyPowered(t *testing.T) {
	fetcher := &fakeFetcher{pls: &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{botUser: 100},
	}}
	checker := permcheck.New(fetcher, botUser)

	deficits, err := checker.VerifyRoom(context.Background(), testRoom, true)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(deficits) != 0 {
		t.Fatalf("expected no deficits for a level-100 user, got %+v", deficits)
	}
}

func TestVerifyRoom_SkipsServerACLWhenNotRequired(t *testing.T) {
	fetcher := &fakeFetcher{pls: &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{botUser: 0},
	}}
	checker := permcheck.New(fetcher, botUser)

	deficits, err := checker.VerifyRoom(context.Background(), testRoom, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	for _, d := range deficits {
		if d.Action == permcheck.ActionServerACL {
			t.Fatal("expected server ACL check to be skipped")
		}
	}
}

func TestVerifyAll_FeedsErrorAggregator(t *testing.T) {
	fetcher := &fakeFetcher{pls: &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{botUser: 0},
	}}
	checker := permcheck.New(fetcher, botUser)
	agg := erroragg.New(nil)

	_, err := checker.VerifyAll(context.Background(), []id.RoomID{testRoom}, map[id.RoomID]bool{testRoom: true}, agg)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	report := agg.Drain()
	if report.Empty() {
		t.Fatal("expected the permission deficits to be recorded in the aggregator")
	}
}
