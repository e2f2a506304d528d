package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

type reqReport struct {
	Reason string `json:"reason"`
}

// PostReport implements the abuse-report webhook: it accepts a report body
// shaped like the client-server report API and forwards it to the
// evaluator as a management room notice. It does not verify the reporter's
// identity against the homeserver; callers authenticate with the shared
// management secret instead.
func (m *Meowlnir) PostReport(w http.ResponseWriter, r *http.Request) {
	var req reqReport
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		mautrix.MBadJSON.WithMessage("Invalid JSON").Write(w)
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	eventID := id.EventID(r.PathValue("eventID"))
	reportedUserID := id.UserID(r.PathValue("userID"))
	reporter := id.UserID(r.Header.Get("X-Reporter"))
	log := hlog.FromRequest(r).With().
		Stringer("report_room_id", roomID).
		Stringer("report_event_id", eventID).
		Stringer("reported_user_id", reportedUserID).
		Stringer("reporter", reporter).
		Str("action", "handle report").
		Logger()
	ctx := log.WithContext(r.Context())
	err = m.Evaluator.HandleReport(ctx, reporter, reportedUserID, roomID, eventID, req.Reason)
	if err != nil {
		log.Err(err).Msg("Failed to handle report")
		mautrix.MUnknown.WithMessage(err.Error()).Write(w)
	} else {
		exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
	}
}
