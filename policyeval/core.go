package policyeval

import (
	"context"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/config"
	"github.com/hazelmoon/warden/policylist"
)

// Core is the collaborator surface a PolicyEvaluator exposes to things
// outside the evaluation pipeline itself: management commands, HTTP
// endpoints, or anything else that needs to inspect or reconfigure a running
// evaluator without reaching into its internal state directly.
type Core interface {
	AddProtectedRoom(ctx context.Context, roomID id.RoomID) string
	RemoveProtectedRoom(ctx context.Context, roomID id.RoomID) string
	WatchList(ctx context.Context, roomID id.RoomID, meta config.WatchedPolicyList) string
	UnwatchList(ctx context.Context, roomID id.RoomID) string
	DumpRules(listRoomID id.RoomID) []*policylist.Policy
	SyncNow(ctx context.Context)
	VerifyPermissions(ctx context.Context)
	SetProtectionEnabled(roomID id.RoomID, enabled bool)
	RedactUserInRoom(ctx context.Context, userID id.UserID, roomID id.RoomID, reason string)
	IsProtected(roomID id.RoomID) bool
	ListByShortcode(shortcode string) *config.WatchedPolicyList
}

var _ Core = (*PolicyEvaluator)(nil)

// IsProtected reports whether roomID is currently in the protected room set.
func (pe *PolicyEvaluator) IsProtected(roomID id.RoomID) bool {
	return pe.IsProtectedRoom(roomID)
}

// ListByShortcode looks up a watched policy list by its configured shortcode.
func (pe *PolicyEvaluator) ListByShortcode(shortcode string) *config.WatchedPolicyList {
	return pe.FindListByShortcode(shortcode)
}

// DumpRules returns every rule currently compiled from the given policy list.
func (pe *PolicyEvaluator) DumpRules(listRoomID id.RoomID) []*policylist.Policy {
	return pe.Store.ListAllRules([]id.RoomID{listRoomID})
}

// SyncNow forces an immediate re-evaluation of every protected user and a
// server ACL recompile, as if every watched list had just changed.
func (pe *PolicyEvaluator) SyncNow(ctx context.Context) {
	pe.EvaluateAll(ctx)
}

// VerifyPermissions re-checks that the bot still has the power levels it
// needs in every protected room, reporting any shortfall through ErrorAgg.
func (pe *PolicyEvaluator) VerifyPermissions(ctx context.Context) {
	pe.verifyPermissions(ctx)
}

// SetProtectionEnabled toggles whether server ACL updates are applied to
// roomID (its ApplyACL flag), without removing it from protection entirely.
// Bans, membership tracking and evaluation are not affected by it.
func (pe *PolicyEvaluator) SetProtectionEnabled(roomID id.RoomID, enabled bool) {
	pe.protectedRoomsLock.Lock()
	defer pe.protectedRoomsLock.Unlock()
	meta, ok := pe.protectedRooms[roomID]
	if !ok {
		return
	}
	meta.ApplyACL = enabled
}

// RedactUserInRoom enqueues redaction of a single user's recent messages in
// a single protected room.
func (pe *PolicyEvaluator) RedactUserInRoom(ctx context.Context, userID id.UserID, roomID id.RoomID, reason string) {
	_, err := pe.RedactionQueue.EnqueueUserInRoom(ctx, roomID, userID, reason, 0)
	if err != nil {
		pe.sendNotice(ctx, "Failed to enqueue redaction of %s in %s: %v", userID, roomID, err)
	}
}

// AddProtectedRoom adds roomID to the protected room set by updating and
// persisting the management room's protected-rooms state event. It returns
// an empty string on success, or a human-readable error otherwise.
func (pe *PolicyEvaluator) AddProtectedRoom(ctx context.Context, roomID id.RoomID) string {
	pe.configLock.Lock()
	defer pe.configLock.Unlock()
	var content config.ProtectedRoomsEventContent
	if pe.protectedRoomsEvent != nil {
		content = *pe.protectedRoomsEvent
	}
	if slices.Contains(content.Rooms, roomID) {
		return fmt.Sprintf("%s is already protected", roomID)
	}
	content.Rooms = append(slices.Clone(content.Rooms), roomID)
	_, err := pe.Chat.SendStateEvent(ctx, pe.ManagementRoom, config.StateProtectedRooms, "", &content)
	if err != nil {
		return fmt.Sprintf("Failed to update protected rooms: %v", err)
	}
	return ""
}

// RemoveProtectedRoom removes roomID from the protected room set the same
// way AddProtectedRoom adds one.
func (pe *PolicyEvaluator) RemoveProtectedRoom(ctx context.Context, roomID id.RoomID) string {
	pe.configLock.Lock()
	defer pe.configLock.Unlock()
	if pe.protectedRoomsEvent == nil || !slices.Contains(pe.protectedRoomsEvent.Rooms, roomID) {
		return fmt.Sprintf("%s is not protected", roomID)
	}
	content := *pe.protectedRoomsEvent
	content.Rooms = slices.DeleteFunc(slices.Clone(content.Rooms), func(r id.RoomID) bool { return r == roomID })
	content.SkipACL = slices.DeleteFunc(slices.Clone(content.SkipACL), func(r id.RoomID) bool { return r == roomID })
	_, err := pe.Chat.SendStateEvent(ctx, pe.ManagementRoom, config.StateProtectedRooms, "", &content)
	if err != nil {
		return fmt.Sprintf("Failed to update protected rooms: %v", err)
	}
	return ""
}

// WatchList adds roomID (with the given metadata) to the watched policy
// list set, persisting the change to the management room.
func (pe *PolicyEvaluator) WatchList(ctx context.Context, roomID id.RoomID, meta config.WatchedPolicyList) string {
	pe.configLock.Lock()
	defer pe.configLock.Unlock()
	var content config.WatchedListsEventContent
	if pe.watchedListsEvent != nil {
		content = *pe.watchedListsEvent
	}
	for _, existing := range content.Lists {
		if existing.RoomID == roomID {
			return fmt.Sprintf("%s is already watched", roomID)
		}
	}
	meta.RoomID = roomID
	content.Lists = append(slices.Clone(content.Lists), meta)
	_, err := pe.Chat.SendStateEvent(ctx, pe.ManagementRoom, config.StateWatchedLists, "", &content)
	if err != nil {
		return fmt.Sprintf("Failed to update watched lists: %v", err)
	}
	return ""
}

// UnwatchList removes roomID from the watched policy list set.
func (pe *PolicyEvaluator) UnwatchList(ctx context.Context, roomID id.RoomID) string {
	pe.configLock.Lock()
	defer pe.configLock.Unlock()
	if pe.watchedListsEvent == nil {
		return fmt.Sprintf("%s is not watched", roomID)
	}
	content := *pe.watchedListsEvent
	newLists := make([]config.WatchedPolicyList, 0, len(content.Lists))
	found := false
	for _, existing := range content.Lists {
		if existing.RoomID == roomID {
			found = true
			continue
		}
		newLists = append(newLists, existing)
	}
	if !found {
		return fmt.Sprintf("%s is not watched", roomID)
	}
	content.Lists = newLists
	_, err := pe.Chat.SendStateEvent(ctx, pe.ManagementRoom, config.StateWatchedLists, "", &content)
	if err != nil {
		return fmt.Sprintf("Failed to update watched lists: %v", err)
	}
	return ""
}
