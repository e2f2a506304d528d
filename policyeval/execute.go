package policyeval

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/bot"
	"github.com/hazelmoon/warden/database"
	"github.com/hazelmoon/warden/erroragg"
	"github.com/hazelmoon/warden/policylist"
	"github.com/hazelmoon/warden/scheduler"
)

func (pe *PolicyEvaluator) getRoomsUserIsIn(userID id.UserID) []id.RoomID {
	pe.protectedRoomsLock.RLock()
	rooms := slices.Clone(pe.protectedRoomMembers[userID])
	pe.protectedRoomsLock.RUnlock()
	return rooms
}

func (pe *PolicyEvaluator) ApplyPolicy(ctx context.Context, userID id.UserID, policy policylist.Match, isNew bool) {
	if userID == pe.Bot.UserID {
		return
	}
	recs := policy.Recommendations()
	rooms := pe.getRoomsUserIsIn(userID)
	if !isNew && len(rooms) == 0 {
		// Don't apply policies to left users when re-evaluating rules,
		// because it would lead to unnecessarily scanning for events to redact.
		// Left users do need to be scanned when a new rule is added though
		// in case they spammed and left right before getting banned.
		return
	}
	if recs.BanOrUnban == nil {
		return
	}
	if recs.BanOrUnban.Recommendation != event.PolicyRecommendationBan &&
		recs.BanOrUnban.Recommendation != event.PolicyRecommendationUnstableTakedown {
		return
	}
	zerolog.Ctx(ctx).Info().
		Stringer("user_id", userID).
		Any("matches", policy).
		Msg("Applying ban recommendation")
	for _, room := range rooms {
		pe.ApplyBan(ctx, userID, room, recs.BanOrUnban)
	}
	shouldRedact := recs.BanOrUnban.Recommendation == event.PolicyRecommendationUnstableTakedown
	if !shouldRedact && recs.BanOrUnban.Reason != "" {
		for _, pattern := range pe.autoRedactPatterns {
			if pattern.Match(recs.BanOrUnban.Reason) {
				shouldRedact = true
				break
			}
		}
	}
	if shouldRedact {
		pe.RedactUser(ctx, userID, recs.BanOrUnban.Reason)
	}
}

func filterReason(reason string) string {
	if reason == "<no reason supplied>" {
		return ""
	}
	return reason
}

// ApplyBan submits a scheduled ban task for the given room through the
// action scheduler instead of calling the chat client directly: this gives
// the ban the same throttling, retry-with-backoff, and error-aggregation
// treatment as every other mutating action the daemon takes.
func (pe *PolicyEvaluator) ApplyBan(ctx context.Context, userID id.UserID, roomID id.RoomID, policy *policylist.Policy) {
	ta := &database.TakenAction{
		TargetUser: userID,
		InRoomID:   roomID,
		ActionType: database.TakenActionTypeBanOrUnban,
		PolicyList: policy.RoomID,
		RuleEntity: policy.EntityOrHash(),
		Action:     policy.Recommendation,
		TakenAt:    time.Now(),
	}
	reason := filterReason(policy.Reason)
	task := &scheduler.Task{
		Key:  fmt.Sprintf("ban:%s:%s", roomID, userID),
		Kind: scheduler.KindBan,
		Run: func(ctx context.Context) scheduler.Result {
			if pe.DryRun {
				return scheduler.OK()
			}
			err := pe.Chat.Ban(ctx, roomID, userID, reason)
			if err != nil {
				return outcomeForCallError(err)
			}
			if err := pe.DB.TakenAction.Put(ctx, ta); err != nil {
				zerolog.Ctx(ctx).Err(err).Any("taken_action", ta).Msg("Failed to save taken action")
			}
			return scheduler.OK()
		},
	}
	future, err := pe.Scheduler.Submit(ctx, task)
	if err != nil {
		pe.ErrorAgg.Recordf(roomID, erroragg.KindFatal, "Failed to schedule ban of %s: %v", userID, err)
		return
	}
	go pe.awaitBan(ctx, future, userID, roomID)
}

func (pe *PolicyEvaluator) awaitBan(ctx context.Context, future *scheduler.Future, userID id.UserID, roomID id.RoomID) {
	res, err := future.Wait(ctx)
	if err != nil {
		return
	}
	if res.Err != nil {
		pe.ErrorAgg.Recordf(roomID, kindForCallError(res.Err), "Failed to ban %s: %v", userID, res.Err)
	}
}

// UndoBan reverses a ban applied by ApplyBan. It returns true once the
// unban either succeeded or was unnecessary (the user wasn't banned).
func (pe *PolicyEvaluator) UndoBan(ctx context.Context, userID id.UserID, roomID id.RoomID) bool {
	if !pe.DryRun && !pe.Chat.IsMember(ctx, roomID, userID, event.MembershipBan) {
		zerolog.Ctx(ctx).Trace().Msg("User is not banned in room, skipping unban")
		return true
	}
	if pe.DryRun {
		return true
	}
	err := pe.Chat.Unban(ctx, roomID, userID)
	if err != nil {
		pe.ErrorAgg.Recordf(roomID, kindForCallError(err), "Failed to unban %s: %v", userID, err)
		return false
	}
	zerolog.Ctx(ctx).Debug().Msg("Unbanned user")
	return true
}

// RedactUser enqueues redaction of a user's recent messages across every
// protected room via the redaction queue (component F), with one enqueue
// call per room. The calls run one after another, so a room whose scan or
// batching takes long delays the enqueueing for the rooms after it.
func (pe *PolicyEvaluator) RedactUser(ctx context.Context, userID id.UserID, reason string) {
	reason = filterReason(reason)
	for _, roomID := range pe.GetProtectedRooms() {
		result, err := pe.RedactionQueue.EnqueueUserInRoom(ctx, roomID, userID, reason, 0)
		if err != nil {
			pe.ErrorAgg.Recordf(roomID, erroragg.KindTransient, "Failed to enqueue redaction for %s: %v", userID, err)
			continue
		}
		if result.Submitted > 0 {
			zerolog.Ctx(ctx).Info().
				Stringer("user_id", userID).
				Stringer("room_id", roomID).
				Int("submitted", result.Submitted).
				Msg("Enqueued redaction batch")
		}
	}
}

func kindForCallError(err error) erroragg.Kind {
	var callErr *bot.CallError
	if ok := callErrorAs(err, &callErr); ok {
		switch callErr.Kind {
		case bot.FailureForbidden:
			return erroragg.KindPermission
		case bot.FailureNotFound:
			return erroragg.KindFatal
		default:
			return erroragg.KindTransient
		}
	}
	return erroragg.KindFatal
}

func outcomeForCallError(err error) scheduler.Result {
	var callErr *bot.CallError
	if ok := callErrorAs(err, &callErr); ok {
		if callErr.Permanent() {
			return scheduler.Permanent(err)
		}
		if callErr.RetryAfter > 0 {
			return scheduler.TransientAfter(err, callErr.RetryAfter)
		}
		return scheduler.Transient(err)
	}
	return scheduler.Permanent(err)
}

func callErrorAs(err error, target **bot.CallError) bool {
	ce, ok := err.(*bot.CallError)
	if ok {
		*target = ce
	}
	return ok
}
