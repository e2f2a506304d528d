package policyeval

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// HandleReport surfaces an abuse report submitted through the HTTP ingress
// to the management room. It does not take any moderation action itself;
// an operator reviewing the notice decides whether to add a policy rule.
func (pe *PolicyEvaluator) HandleReport(ctx context.Context, reporter, targetUserID id.UserID, roomID id.RoomID, eventID id.EventID, reason string) error {
	if eventID != "" {
		evt, err := pe.Bot.GetEvent(ctx, roomID, eventID)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to fetch reported event")
			pe.sendNotice(
				ctx, `%s reported an event in %s, but it could not be fetched: %v`,
				format.MarkdownMention(reporter), pe.markdownMentionRoom(ctx, roomID), err,
			)
			return fmt.Errorf("failed to fetch reported event: %w", err)
		}
		pe.sendNotice(
			ctx, `%s reported [an event](%s) from %s for %s`,
			format.MarkdownMention(reporter), roomID.EventURI(eventID).MatrixToURL(),
			format.MarkdownMention(evt.Sender), format.SafeMarkdownCode(reason),
		)
		return nil
	}
	if targetUserID != "" {
		pe.sendNotice(
			ctx, `%s reported %s for %s`,
			format.MarkdownMention(reporter), format.MarkdownMention(targetUserID), format.SafeMarkdownCode(reason),
		)
		return nil
	}
	pe.sendNotice(
		ctx, `%s reported %s for %s`,
		format.MarkdownMention(reporter), pe.markdownMentionRoom(ctx, roomID), format.SafeMarkdownCode(reason),
	)
	return nil
}
