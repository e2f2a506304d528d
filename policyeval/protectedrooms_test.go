package policyeval

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newTestEvaluator() *PolicyEvaluator {
	return &PolicyEvaluator{
		protectedRooms:       make(map[id.RoomID]*protectedRoomMeta),
		wantToProtect:        make(map[id.RoomID]struct{}),
		isJoining:            make(map[id.RoomID]struct{}),
		protectedRoomMembers: make(map[id.UserID][]id.RoomID),
		memberHashes:         make(map[[32]byte]id.UserID),
	}
}

func TestIsInRoom(t *testing.T) {
	cases := map[event.Membership]bool{
		event.MembershipJoin:   true,
		event.MembershipInvite: true,
		event.MembershipKnock:  true,
		event.MembershipLeave:  false,
		event.MembershipBan:    false,
	}
	for membership, want := range cases {
		if got := isInRoom(membership); got != want {
			t.Errorf("isInRoom(%s) = %v, want %v", membership, got, want)
		}
	}
}

func TestUpdateUser_IgnoresUnprotectedRoom(t *testing.T) {
	pe := newTestEvaluator()
	roomID := id.RoomID("!unprotected:example.org")
	if pe.updateUser("@user:example.org", roomID, event.MembershipJoin) {
		t.Fatal("expected no rule re-check for a room that is not protected")
	}
	if len(pe.protectedRoomMembers) != 0 {
		t.Fatal("expected no member bookkeeping for an unprotected room")
	}
}

func TestUpdateUser_JoinThenLeaveInProtectedRoom(t *testing.T) {
	pe := newTestEvaluator()
	roomID := id.RoomID("!protected:example.org")
	userID := id.UserID("@user:example.org")
	pe.protectedRooms[roomID] = &protectedRoomMeta{Name: "Protected"}

	if !pe.updateUser(userID, roomID, event.MembershipJoin) {
		t.Fatal("expected first join to trigger a rule re-check")
	}
	if rooms := pe.protectedRoomMembers[userID]; len(rooms) != 1 || rooms[0] != roomID {
		t.Fatalf("expected user to be recorded in %s, got %v", roomID, rooms)
	}

	// Joining again while already present should not re-trigger evaluation.
	if pe.updateUser(userID, roomID, event.MembershipJoin) {
		t.Fatal("expected duplicate join to not trigger a re-check")
	}

	// Leaving removes the room from the member's list but does not itself
	// ask the caller to re-run rules (only joins do).
	if pe.updateUser(userID, roomID, event.MembershipLeave) {
		t.Fatal("expected leave to not trigger a re-check")
	}
	if rooms := pe.protectedRoomMembers[userID]; len(rooms) != 0 {
		t.Fatalf("expected room to be removed from member list, got %v", rooms)
	}
}

func TestUnlockedUpdateUser_BanWithoutPriorMembershipIsNotTracked(t *testing.T) {
	pe := newTestEvaluator()
	roomID := id.RoomID("!protected:example.org")
	userID := id.UserID("@ghost:example.org")

	pe.unlockedUpdateUser(userID, roomID, event.MembershipBan)

	if _, ok := pe.protectedRoomMembers[userID]; ok {
		t.Fatal("expected a ban with no prior membership record to not add an empty entry")
	}
}

func TestUnlockedUpdateUser_LeaveWithoutPriorMembershipIsTrackedEmpty(t *testing.T) {
	pe := newTestEvaluator()
	roomID := id.RoomID("!protected:example.org")
	userID := id.UserID("@former:example.org")

	pe.unlockedUpdateUser(userID, roomID, event.MembershipLeave)

	rooms, ok := pe.protectedRoomMembers[userID]
	if !ok {
		t.Fatal("expected a leave with no prior membership to still be tracked, so a later ban can still be redacted")
	}
	if len(rooms) != 0 {
		t.Fatalf("expected no rooms recorded, got %v", rooms)
	}
}

func TestMarkAsProtectedRoom_AppliesACLUnlessSkipped(t *testing.T) {
	pe := newTestEvaluator()
	skipRoom := id.RoomID("!skip:example.org")
	protectRoom := id.RoomID("!protect:example.org")
	pe.skipACLForRooms = []id.RoomID{skipRoom}
	pe.wantToProtect[skipRoom] = struct{}{}
	pe.wantToProtect[protectRoom] = struct{}{}

	pe.markAsProtectedRoom(skipRoom, "Skip", &event.ServerACLEventContent{}, nil)
	pe.markAsProtectedRoom(protectRoom, "Protect", &event.ServerACLEventContent{}, nil)

	if pe.protectedRooms[skipRoom].ApplyACL {
		t.Fatal("expected ACL to not be applied for a room listed in skipACLForRooms")
	}
	if !pe.protectedRooms[protectRoom].ApplyACL {
		t.Fatal("expected ACL to be applied for a room not listed in skipACLForRooms")
	}
	if _, stillWanted := pe.wantToProtect[protectRoom]; stillWanted {
		t.Fatal("expected room to be removed from wantToProtect once protected")
	}
}

func TestLockJoin_PreventsConcurrentJoinsOfSameRoom(t *testing.T) {
	pe := newTestEvaluator()
	roomID := id.RoomID("!joining:example.org")

	unlock := pe.lockJoin(roomID)
	if unlock == nil {
		t.Fatal("expected first lockJoin call to succeed")
	}
	if second := pe.lockJoin(roomID); second != nil {
		t.Fatal("expected concurrent lockJoin on the same room to be rejected")
	}
	unlock()
	if third := pe.lockJoin(roomID); third == nil {
		t.Fatal("expected lockJoin to succeed again after unlock")
	}
}

func TestGetProtectedRooms_AndIsProtectedRoom(t *testing.T) {
	pe := newTestEvaluator()
	roomID := id.RoomID("!protected:example.org")
	pe.protectedRooms[roomID] = &protectedRoomMeta{Name: "Protected"}

	if !pe.IsProtectedRoom(roomID) {
		t.Fatal("expected room to be reported as protected")
	}
	if pe.IsProtectedRoom("!other:example.org") {
		t.Fatal("expected unrelated room to not be reported as protected")
	}
	rooms := pe.GetProtectedRooms()
	if len(rooms) != 1 || rooms[0] != roomID {
		t.Fatalf("expected GetProtectedRooms to return [%s], got %v", roomID, rooms)
	}
}
