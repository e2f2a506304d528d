package bot

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MessagesEventSource implements redactionqueue.EventSource by paginating a
// room's /messages history backwards over the Client-Server API. It's the
// fallback used when the daemon has no direct database connection to the
// homeserver (see synapsedb.SynapseDB for the faster alternative).
type MessagesEventSource struct {
	Bot *Bot
}

func (s *MessagesEventSource) RecentEventsBySender(ctx context.Context, roomID id.RoomID, sender id.UserID, maxScanned int) ([]id.EventID, error) {
	var pls event.PowerLevelsEventContent
	err := s.Bot.StateEvent(ctx, roomID, event.StatePowerLevels, "", &pls)
	if err != nil {
		return nil, err
	}
	var sinceToken string
	var scanned int
	var out []id.EventID
	for scanned < maxScanned {
		events, err := s.Bot.Messages(ctx, roomID, sinceToken, "", mautrix.DirectionBackward, nil, 50)
		if err != nil {
			return out, err
		}
		if len(events.Chunk) == 0 {
			break
		}
		for _, evt := range events.Chunk {
			if scanned >= maxScanned {
				break
			}
			scanned++
			if evt.Sender != sender ||
				evt.Type == event.EventRedaction ||
				evt.Unsigned.RedactedBecause != nil ||
				pls.GetUserLevel(evt.Sender) >= pls.Redact() {
				continue
			}
			out = append(out, evt.ID)
			if scanned >= maxScanned {
				break
			}
		}
		sinceToken = events.End
		if sinceToken == "" {
			break
		}
	}
	return out, nil
}
