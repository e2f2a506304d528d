package policyeval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/config"
)

func (pe *PolicyEvaluator) writableLists(ctx context.Context) map[id.RoomID]*config.WatchedPolicyList {
	lists := make(map[id.RoomID]*config.WatchedPolicyList)
	for roomID, list := range pe.watchedListsMap {
		if list.Shortcode == "" {
			continue
		}
		pl, err := pe.Bot.StateStore.GetPowerLevels(ctx, roomID)
		if err != nil || pl.GetEventLevel(event.StatePolicyUser) > pl.GetUserLevel(pe.Bot.UserID) {
			continue
		}
		lists[roomID] = list
	}
	return lists
}

// propagateBan notifies the management room that a ban observed directly in
// a protected room (rather than via a policy list) could be copied onto one
// of the writable policy lists, so an operator can add the rule manually.
func (pe *PolicyEvaluator) propagateBan(ctx context.Context, banEvent *event.Event) {
	content := banEvent.Content.AsMember()
	userID := id.UserID(banEvent.GetStateKey())
	writable := pe.writableLists(ctx)
	if len(writable) == 0 {
		zerolog.Ctx(ctx).Debug().Msg("No writable policy lists to propagate ban to")
		return
	}
	pe.sendNotice(ctx,
		"%s was banned from %s by %s%s for %s. Add a matching rule to one of the watched policy lists if this should propagate.",
		format.MarkdownMention(userID),
		format.MarkdownMentionRoomID("", banEvent.RoomID),
		format.MarkdownMention(banEvent.Sender),
		oldEventNotice(banEvent.Timestamp),
		format.SafeMarkdownCode(content.Reason),
	)
}

func (pe *PolicyEvaluator) propagateUnban(ctx context.Context, unbanEvent *event.Event) {
	content := unbanEvent.Content.AsMember()
	userID := id.UserID(unbanEvent.GetStateKey())

	match := pe.Store.MatchUser(pe.GetWatchedLists(), userID)
	if len(match) == 0 {
		zerolog.Ctx(ctx).Debug().Msg("No matching policies to propagate unban to")
		return
	}

	writable := pe.writableLists(ctx)
	msg := fmt.Sprintf(
		"%s was unbanned from %s by %s%s for %s, but is still banned by %d polic%s.\n",
		format.MarkdownMention(userID),
		format.MarkdownMentionRoomID("", unbanEvent.RoomID),
		format.MarkdownMention(unbanEvent.Sender),
		oldEventNotice(unbanEvent.Timestamp),
		format.SafeMarkdownCode(content.Reason),
		len(match),
		pluralSuffix(len(match)),
	)
	n := 0
	for _, policy := range match {
		meta, ok := writable[policy.RoomID]
		if !ok {
			continue
		}
		n++
		msg += fmt.Sprintf(
			"%d. [%s] %s set recommendation %s for %s at %s for %s",
			n,
			format.EscapeMarkdown(meta.Shortcode),
			format.MarkdownMention(policy.Sender),
			format.SafeMarkdownCode(policy.Recommendation),
			format.SafeMarkdownCode(policy.EntityOrHash()),
			format.EscapeMarkdown(time.UnixMilli(policy.Timestamp).String()),
			format.SafeMarkdownCode(policy.Reason),
		)
	}
	if n == 0 {
		return
	}
	pe.sendNotice(ctx, "%s", msg)
}

func pluralSuffix(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
