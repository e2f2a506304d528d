package database

import (
	"fmt"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// fakeRow emulates the handful of dbutil.Scannable destination types that
// TakenAction.Scan cares about, without requiring a live database connection.
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("expected %d destinations, got %d", len(r.values), len(dest))
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *id.UserID:
			*ptr = r.values[i].(id.UserID)
		case *id.RoomID:
			*ptr = r.values[i].(id.RoomID)
		case *TakenActionType:
			*ptr = r.values[i].(TakenActionType)
		case *string:
			*ptr = r.values[i].(string)
		case *event.PolicyRecommendation:
			*ptr = r.values[i].(event.PolicyRecommendation)
		case *int64:
			*ptr = r.values[i].(int64)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

func TestTakenAction_ScanRoundTrip(t *testing.T) {
	takenAt := time.UnixMilli(1700000000000)
	row := fakeRow{values: []any{
		id.UserID("@abuser:example.org"),
		id.RoomID("!protected:example.org"),
		TakenActionTypeBanOrUnban,
		id.RoomID("!policies:example.org"),
		"@abuser:example.org",
		event.PolicyRecommendationBan,
		takenAt.UnixMilli(),
	}}

	ta, err := (&TakenAction{}).Scan(row)
	if err != nil {
		t.Fatalf("Scan returned an error: %v", err)
	}
	if ta.TargetUser != "@abuser:example.org" {
		t.Errorf("unexpected TargetUser: %s", ta.TargetUser)
	}
	if ta.ActionType != TakenActionTypeBanOrUnban {
		t.Errorf("unexpected ActionType: %s", ta.ActionType)
	}
	if !ta.TakenAt.Equal(takenAt) {
		t.Errorf("unexpected TakenAt: %s, want %s", ta.TakenAt, takenAt)
	}
}

func TestTakenAction_SqlVariablesOrderMatchesInsertQuery(t *testing.T) {
	takenAt := time.UnixMilli(1700000000000)
	ta := &TakenAction{
		TargetUser: "@abuser:example.org",
		InRoomID:   "!protected:example.org",
		ActionType: TakenActionTypeBanOrUnban,
		PolicyList: "!policies:example.org",
		RuleEntity: "@abuser:example.org",
		Action:     event.PolicyRecommendationBan,
		TakenAt:    takenAt,
	}
	vars := ta.sqlVariables()
	if len(vars) != 7 {
		t.Fatalf("expected 7 bind variables to match insertTakenActionQuery, got %d", len(vars))
	}
	if vars[0] != ta.TargetUser || vars[1] != ta.InRoomID || vars[2] != ta.ActionType {
		t.Fatalf("unexpected leading bind variables: %v", vars[:3])
	}
	if vars[6] != takenAt.UnixMilli() {
		t.Fatalf("expected the final bind variable to be the millisecond timestamp, got %v", vars[6])
	}
}
