package main

import (
	"context"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/hazelmoon/warden/config"
)

func (m *Meowlnir) AddEventHandlers() {
	m.EventProcessor.On(event.StatePolicyUser, m.UpdatePolicyList)
	m.EventProcessor.On(event.StatePolicyRoom, m.UpdatePolicyList)
	m.EventProcessor.On(event.StatePolicyServer, m.UpdatePolicyList)
	m.EventProcessor.On(event.StateLegacyPolicyUser, m.UpdatePolicyList)
	m.EventProcessor.On(event.StateLegacyPolicyRoom, m.UpdatePolicyList)
	m.EventProcessor.On(event.StateLegacyPolicyServer, m.UpdatePolicyList)
	m.EventProcessor.On(event.StateUnstablePolicyUser, m.UpdatePolicyList)
	m.EventProcessor.On(event.StateUnstablePolicyRoom, m.UpdatePolicyList)
	m.EventProcessor.On(event.StateUnstablePolicyServer, m.UpdatePolicyList)
	m.EventProcessor.On(event.StateMember, m.HandleMember)
	m.EventProcessor.On(config.StateWatchedLists, m.Evaluator.HandleConfigChange)
	m.EventProcessor.On(config.StateProtectedRooms, m.Evaluator.HandleConfigChange)
	m.EventProcessor.On(event.StatePowerLevels, m.Evaluator.HandleConfigChange)
	m.EventProcessor.On(event.StateRoomName, m.Evaluator.HandleProtectedRoomMeta)
	m.EventProcessor.On(event.StateServerACL, m.Evaluator.HandleProtectedRoomMeta)
}

func (m *Meowlnir) UpdatePolicyList(ctx context.Context, evt *event.Event) {
	added, removed := m.PolicyStore.Update(evt)
	m.Evaluator.HandlePolicyListChange(ctx, evt.RoomID, added, removed)
}

// HandleMember routes membership changes to the single evaluator, and
// separately makes sure the bot accepts an invite to the configured
// management room even before the evaluator has finished loading.
func (m *Meowlnir) HandleMember(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if evt.GetStateKey() == m.Bot.UserID.String() && evt.RoomID == m.Config.Daemon.ManagementRoom {
		if content.Membership == event.MembershipInvite {
			_, err := m.Bot.JoinRoomByID(ctx, evt.RoomID)
			if err != nil {
				zerolog.Ctx(ctx).Err(err).
					Stringer("room_id", evt.RoomID).
					Stringer("inviter", evt.Sender).
					Msg("Failed to join management room after invite")
			} else {
				zerolog.Ctx(ctx).Info().
					Stringer("room_id", evt.RoomID).
					Stringer("inviter", evt.Sender).
					Msg("Joined management room after invite, loading state")
				go m.Evaluator.Load(ctx)
			}
		}
		return
	}
	m.Evaluator.HandleMember(ctx, evt)
}
