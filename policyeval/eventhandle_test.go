package policyeval

import (
	"context"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
)

func TestAddActionString(t *testing.T) {
	cases := map[event.PolicyRecommendation]string{
		event.PolicyRecommendationBan:             "banned",
		event.PolicyRecommendationUnstableTakedown: "banned",
		event.PolicyRecommendationUnban:           "added a ban exclusion for",
		event.PolicyRecommendation("m.mute"):      "added a `m.mute` rule for",
	}
	for rec, want := range cases {
		if got := addActionString(rec); got != want {
			t.Errorf("addActionString(%s) = %q, want %q", rec, got, want)
		}
	}
}

func TestChangeActionString(t *testing.T) {
	cases := map[event.PolicyRecommendation]string{
		event.PolicyRecommendationBan:   "ban",
		event.PolicyRecommendationUnban: "ban exclusion",
		event.PolicyRecommendation("m.mute"): "`m.mute`",
	}
	for rec, want := range cases {
		if got := changeActionString(rec); got != want {
			t.Errorf("changeActionString(%s) = %q, want %q", rec, got, want)
		}
	}
}

func TestRemoveActionString(t *testing.T) {
	cases := map[event.PolicyRecommendation]string{
		event.PolicyRecommendationBan:   "unbanned",
		event.PolicyRecommendationUnban: "removed a ban exclusion for",
		event.PolicyRecommendation("m.mute"): "removed a `m.mute` rule for",
	}
	for rec, want := range cases {
		if got := removeActionString(rec); got != want {
			t.Errorf("removeActionString(%s) = %q, want %q", rec, got, want)
		}
	}
}

func TestNoopSendNotice(t *testing.T) {
	if got := noopSendNotice(context.Background(), "ignored %s", "arg"); got != "" {
		t.Fatalf("expected noopSendNotice to return an empty event ID, got %q", got)
	}
}

func TestOldEventNotice_RecentEventIsSilent(t *testing.T) {
	if got := oldEventNotice(time.Now().UnixMilli()); got != "" {
		t.Fatalf("expected no suffix for a recent event, got %q", got)
	}
}

func TestOldEventNotice_StaleEventIncludesAge(t *testing.T) {
	timestamp := time.Now().Add(-2 * time.Hour).UnixMilli()
	got := oldEventNotice(timestamp)
	if got == "" {
		t.Fatal("expected a non-empty suffix for an event older than 5 minutes")
	}
}

func TestMarkdownMentionRoom_FallsBackToRoomIDWithoutMeta(t *testing.T) {
	pe := newTestEvaluator()
	mention := pe.markdownMentionRoom(context.Background(), "!unknown:example.org")
	if mention == "" {
		t.Fatal("expected a non-empty mention even for an unknown room")
	}
}
