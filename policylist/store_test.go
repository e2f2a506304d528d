package policylist_test

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/policylist"
)

func TestStore_MatchAcrossRooms(t *testing.T) {
	store := policylist.NewStore()
	roomA := id.RoomID("!a:example.org")
	roomB := id.RoomID("!b:example.org")
	store.Add(roomA, nil)
	store.Add(roomB, nil)

	store.Update(banPolicy(roomA, "rule1", "@spammer:evil.org", "spam", 1))
	store.Update(banPolicy(roomB, "rule1", "@other:evil.org", "spam", 1))

	match := store.MatchUser(nil, "@spammer:evil.org")
	if len(match) != 1 {
		t.Fatalf("expected exactly one cross-room match, got %d", len(match))
	}

	scoped := store.MatchUser([]id.RoomID{roomB}, "@spammer:evil.org")
	if len(scoped) != 0 {
		t.Fatalf("expected no match when scoped to a room that doesn't have the rule, got %d", len(scoped))
	}
}

func TestStore_IPLiteralServerAlwaysBanned(t *testing.T) {
	store := policylist.NewStore()
	match := store.MatchServer(nil, "123.45.67.89")
	if len(match) != 1 {
		t.Fatal("expected IP literal server names to be synthetically banned")
	}
	if match[0].Recommendation != event.PolicyRecommendationBan {
		t.Fatalf("expected a ban recommendation, got %q", match[0].Recommendation)
	}
}

func TestStore_ServerPortSuffixStrippedBeforeMatch(t *testing.T) {
	store := policylist.NewStore()
	roomA := id.RoomID("!a:example.org")
	store.Add(roomA, nil)
	evt := banPolicy(roomA, "rule1", "evil.org", "spam server", 1)
	evt.Type = event.StatePolicyServer
	store.Update(evt)

	match := store.MatchServer(nil, "evil.org:8448")
	if len(match) != 1 {
		t.Fatalf("expected the port suffix to be stripped before matching, got %d matches", len(match))
	}
}

func TestStore_UpdateIgnoresEventsForUntrackedRooms(t *testing.T) {
	store := policylist.NewStore()
	untracked := id.RoomID("!untracked:example.org")
	added, removed := store.Update(banPolicy(untracked, "rule1", "@spammer:evil.org", "spam", 1))
	if added != nil || removed != nil {
		t.Fatal("expected updates for rooms the store doesn't track to be dropped")
	}
}

func TestStore_SearchMatchesByGlobAndLiteral(t *testing.T) {
	store := policylist.NewStore()
	roomA := id.RoomID("!a:example.org")
	store.Add(roomA, nil)
	store.Update(banPolicy(roomA, "rule1", "*.evil.org", "glob rule", 1))
	store.Update(banPolicy(roomA, "rule2", "@exact:example.org", "literal rule", 2))

	byGlobQuery := store.Search(nil, "sub.evil.org")
	if len(byGlobQuery) == 0 {
		t.Fatal("expected the search to find the glob rule for a matching literal query")
	}
	byLiteralQuery := store.Search(nil, "@exact:example.org")
	if len(byLiteralQuery) == 0 {
		t.Fatal("expected the search to find the literal rule")
	}
}
