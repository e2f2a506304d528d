// Package permcheck verifies that the daemon's bot account holds a
// sufficient power level in every protected room to carry out the actions
// the reconciler may need: banning, kicking, redacting, and writing the
// room's server-ACL-equivalent state event. Deficits are reported through
// an erroragg.Aggregator so they're deduplicated the same way any other
// reconcile failure is.
package permcheck

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/erroragg"
)

// PowerLevelsFetcher fetches the current power-levels state event for a
// room. Implementations wrap the chat-server transport adapter.
type PowerLevelsFetcher interface {
	GetPowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error)
}

// Action identifies one of the privileged operations the daemon performs.
type Action string

const (
	ActionBan       Action = "ban"
	ActionKick      Action = "kick"
	ActionRedact    Action = "redact"
	ActionServerACL Action = "server_acl"
)

// Deficit is a single action the bot does not currently have power for.
type Deficit struct {
	RoomID id.RoomID
	Action Action
	Have   int
	Need   int
}

func (d Deficit) String() string {
	return fmt.Sprintf("missing %s power in %s (have %d, need %d)", d.Action, d.RoomID, d.Have, d.Need)
}

// Checker runs the verification pass.
type Checker struct {
	fetcher PowerLevelsFetcher
	botUser id.UserID
	// RequireServerACL is not read by VerifyRoom or VerifyAll: whether the
	// server ACL event's level is checked is decided per room by
	// VerifyRoom's requireACL argument (VerifyAll's aclRooms map).
	RequireServerACL bool
}

// New creates a Checker for the given bot account.
func New(fetcher PowerLevelsFetcher, botUser id.UserID) *Checker {
	return &Checker{fetcher: fetcher, botUser: botUser}
}

// VerifyRoom fetches power levels for a single room and returns every
// deficit found, if any.
func (c *Checker) VerifyRoom(ctx context.Context, roomID id.RoomID, requireACL bool) ([]Deficit, error) {
	pls, err := c.fetcher.GetPowerLevels(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetching power levels for %s: %w", roomID, err)
	}
	own := pls.GetUserLevel(c.botUser)
	var deficits []Deficit
	checks := []struct {
		action Action
		need   int
	}{
		{ActionBan, pls.Ban()},
		{ActionKick, pls.Kick()},
		{ActionRedact, pls.Redact()},
	}
	if requireACL {
		checks = append(checks, struct {
			action Action
			need   int
		}{ActionServerACL, pls.GetEventLevel(event.StateServerACL)})
	}
	for _, check := range checks {
		if own < check.need {
			deficits = append(deficits, Deficit{RoomID: roomID, Action: check.action, Have: own, Need: check.need})
		}
	}
	return deficits, nil
}

// VerifyAll runs VerifyRoom over every given room, recording any deficit
// found into agg under erroragg.KindPermission, and returns the full set of
// deficits across all rooms for callers that want the raw detail too.
func (c *Checker) VerifyAll(ctx context.Context, rooms []id.RoomID, aclRooms map[id.RoomID]bool, agg *erroragg.Aggregator) ([]Deficit, error) {
	var all []Deficit
	for _, roomID := range rooms {
		deficits, err := c.VerifyRoom(ctx, roomID, aclRooms[roomID])
		if err != nil {
			agg.Recordf(roomID, erroragg.KindTransient, "permission check failed: %v", err)
			continue
		}
		for _, d := range deficits {
			agg.Recordf(d.RoomID, erroragg.KindPermission, "%s", d)
		}
		all = append(all, deficits...)
	}
	return all, nil
}
