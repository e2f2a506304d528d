package policyeval

import (
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/config"
)

func newTestEvaluatorWithLists(untrusted bool, lists map[id.RoomID]*config.WatchedPolicyList) *PolicyEvaluator {
	pe := newTestEvaluator()
	pe.Untrusted = untrusted
	pe.watchedListsMap = lists
	return pe
}

func TestIsWatchingList(t *testing.T) {
	inRoom := id.RoomID("!in-room:example.org")
	notInRoom := id.RoomID("!not-in-room:example.org")
	lists := map[id.RoomID]*config.WatchedPolicyList{
		inRoom:    {RoomID: inRoom, InRoom: true},
		notInRoom: {RoomID: notInRoom, InRoom: false},
	}

	trusted := newTestEvaluatorWithLists(false, lists)
	if !trusted.IsWatchingList(notInRoom) {
		t.Fatal("expected a trusted evaluator to watch a list it isn't joined to")
	}

	untrusted := newTestEvaluatorWithLists(true, lists)
	if !untrusted.IsWatchingList(inRoom) {
		t.Fatal("expected an untrusted evaluator to watch a joined list")
	}
	if untrusted.IsWatchingList(notInRoom) {
		t.Fatal("expected an untrusted evaluator to refuse a list it hasn't joined")
	}
	if untrusted.IsWatchingList("!unknown:example.org") {
		t.Fatal("expected an unknown room to not be watched")
	}
}

func TestGetWatchedListMeta_HidesUnjoinedListsWhenUntrusted(t *testing.T) {
	notInRoom := id.RoomID("!not-in-room:example.org")
	lists := map[id.RoomID]*config.WatchedPolicyList{
		notInRoom: {RoomID: notInRoom, InRoom: false},
	}
	pe := newTestEvaluatorWithLists(true, lists)

	if meta := pe.GetWatchedListMeta(notInRoom); meta != nil {
		t.Fatal("expected an untrusted evaluator to hide metadata for an unjoined list")
	}
	if meta := pe.GetWatchedListMetaEvenIfNotInRoom(notInRoom); meta == nil {
		t.Fatal("expected the unfiltered accessor to still return the metadata")
	}
}

func TestFindListByShortcode_CaseInsensitive(t *testing.T) {
	roomID := id.RoomID("!list:example.org")
	lists := map[id.RoomID]*config.WatchedPolicyList{
		roomID: {RoomID: roomID, Shortcode: "BadActors", InRoom: true},
	}
	pe := newTestEvaluatorWithLists(false, lists)

	meta := pe.FindListByShortcode("badactors")
	if meta == nil || meta.RoomID != roomID {
		t.Fatal("expected shortcode lookup to be case-insensitive")
	}
	if pe.FindListByShortcode("nonexistent") != nil {
		t.Fatal("expected lookup of an unknown shortcode to return nil")
	}
}

func TestGetWatchedListsForMatch_OnlyForUntrusted(t *testing.T) {
	roomID := id.RoomID("!list:example.org")
	pe := newTestEvaluator()
	pe.watchedListsList = []id.RoomID{roomID}

	if got := pe.GetWatchedListsForMatch(); got != nil {
		t.Fatalf("expected a trusted evaluator to return nil for match-scoped lists, got %v", got)
	}

	pe.Untrusted = true
	got := pe.GetWatchedListsForMatch()
	if len(got) != 1 || got[0] != roomID {
		t.Fatalf("expected an untrusted evaluator to return its watched lists, got %v", got)
	}
}
