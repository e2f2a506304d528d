package policylist_test

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/policylist"
)

func stateKey(s string) *string { return &s }

func banPolicy(roomID id.RoomID, stateKeyStr, entity, reason string, seq int64) *event.Event {
	return &event.Event{
		Type:      event.StatePolicyUser,
		RoomID:    roomID,
		StateKey:  stateKey(stateKeyStr),
		Sender:    id.UserID("@admin:example.org"),
		Timestamp: seq,
		ID:        id.EventID("$event" + stateKeyStr),
		Content: event.Content{
			Parsed: &event.ModPolicyContent{
				Entity:         entity,
				Reason:         reason,
				Recommendation: event.PolicyRecommendationBan,
			},
		},
	}
}

func newRoom() *policylist.Room {
	return policylist.NewRoom(id.RoomID("!policy:example.org"))
}

func TestList_AddIsIdempotent(t *testing.T) {
	r := newRoom()
	evt := banPolicy(r.RoomID, "rule1", "@spammer:evil.org", "spam", 1)

	added1, removed1 := r.Update(evt)
	if added1 == nil || removed1 != nil {
		t.Fatalf("expected first update to add with no removal, got added=%v removed=%v", added1, removed1)
	}
	added2, removed2 := r.Update(evt)
	if added2 == nil || removed2 == nil {
		t.Fatalf("expected re-applying the same event to report an update with the previous value removed")
	}
	match := r.UserRules.Match("@spammer:evil.org")
	if len(match) != 1 {
		t.Fatalf("expected exactly one match after re-applying the identical rule, got %d", len(match))
	}
}

func TestList_RemoveOnEmptyEntityIsTombstone(t *testing.T) {
	r := newRoom()
	evt := banPolicy(r.RoomID, "rule1", "@spammer:evil.org", "spam", 1)
	r.Update(evt)

	removalEvt := &event.Event{
		Type:     event.StatePolicyUser,
		RoomID:   r.RoomID,
		StateKey: stateKey("rule1"),
		Sender:   id.UserID("@admin:example.org"),
		ID:       id.EventID("$event-removal"),
		Content: event.Content{
			Parsed: &event.ModPolicyContent{},
		},
	}
	added, removed := r.Update(removalEvt)
	if added != nil {
		t.Fatalf("expected a tombstone event to add nothing, got %v", added)
	}
	if removed == nil {
		t.Fatal("expected the tombstone to report the removed policy")
	}
	if match := r.UserRules.Match("@spammer:evil.org"); len(match) != 0 {
		t.Fatalf("expected no matches after tombstoning the rule, got %d", len(match))
	}
}

func TestList_BetterTypeWinsOnSameStateKey(t *testing.T) {
	r := newRoom()
	legacy := banPolicy(r.RoomID, "rule1", "@spammer:evil.org", "legacy reason", 1)
	legacy.Type = event.StateLegacyPolicyUser
	r.Update(legacy)

	stable := banPolicy(r.RoomID, "rule1", "@spammer:evil.org", "stable reason", 2)
	r.Update(stable)

	olderLegacyUpdate := banPolicy(r.RoomID, "rule1", "@spammer:evil.org", "ignored reason", 3)
	olderLegacyUpdate.Type = event.StateLegacyPolicyUser
	r.Update(olderLegacyUpdate)

	match := r.UserRules.Match("@spammer:evil.org")
	if len(match) != 1 {
		t.Fatalf("expected exactly one surviving rule, got %d", len(match))
	}
	if match[0].Reason != "stable reason" {
		t.Fatalf("expected the higher-quality event type to win, got reason %q", match[0].Reason)
	}
}

func TestList_GlobPatternMatchesCaseInsensitively(t *testing.T) {
	r := newRoom()
	evt := banPolicy(r.RoomID, "rule1", "*:evil.org", "spam domain", 1)
	r.Update(evt)

	match := r.UserRules.Match("@spammer:EVIL.ORG")
	if len(match) != 1 {
		t.Fatalf("expected the glob pattern to match case-insensitively, got %d matches", len(match))
	}
}

func TestList_IgnoredRuleIsRetainedButNotMatched(t *testing.T) {
	r := newRoom()

	// Simulate an operator marking a rule Ignored via the hacky rule
	// filter: it's added directly through the list rather than via Update,
	// since Update always parses fresh content without an Ignored bit.
	r.UserRules.Add(&policylist.Policy{
		ModPolicyContent: &event.ModPolicyContent{
			Entity:         "@spammer:evil.org",
			Recommendation: event.PolicyRecommendationBan,
		},
		RoomID:   r.RoomID,
		StateKey: "rule1",
		Type:     event.StatePolicyUser,
		Ignored:  true,
	})

	if match := r.UserRules.Match("@spammer:evil.org"); len(match) != 0 {
		t.Fatalf("expected an ignored rule to not match, got %d matches", len(match))
	}
}
