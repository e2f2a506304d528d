package policyeval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/glob"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hazelmoon/warden/bot"
	"github.com/hazelmoon/warden/config"
	"github.com/hazelmoon/warden/database"
	"github.com/hazelmoon/warden/erroragg"
	"github.com/hazelmoon/warden/permcheck"
	"github.com/hazelmoon/warden/policylist"
	"github.com/hazelmoon/warden/redactionqueue"
	"github.com/hazelmoon/warden/scheduler"
	"github.com/hazelmoon/warden/synapsedb"
)

type protectedRoomMeta struct {
	Name     string
	ACL      *event.ServerACLEventContent
	Create   *event.CreateEventContent
	ApplyACL bool
}

// PolicyEvaluator owns one protected-room set for one appservice bot
// identity: it reconciles watched policy lists and protected rooms against
// current membership, and drives bans, redactions and server ACL updates
// through the scheduler and redaction queue components.
type PolicyEvaluator struct {
	Bot       *bot.Bot
	Chat      bot.ChatClient
	Store     *policylist.Store
	SynapseDB *synapsedb.SynapseDB
	DB        *database.Database
	DryRun    bool

	Scheduler      *scheduler.Scheduler
	RedactionQueue *redactionqueue.Queue
	ErrorAgg       *erroragg.Aggregator
	Permcheck      *permcheck.Checker

	ManagementRoom             id.RoomID
	Admins                     *exsync.Set[id.UserID]
	Untrusted                  bool
	VerifyPermissionsOnStartup bool
	SyncOnStartup              bool

	watchedListsEvent   *config.WatchedListsEventContent
	watchedListsMap     map[id.RoomID]*config.WatchedPolicyList
	watchedListsList    []id.RoomID
	watchedListsNA      []id.RoomID
	watchedListsForACLs []id.RoomID
	watchedListsLock    sync.RWMutex

	configLock sync.Mutex
	aclLock    sync.Mutex

	aclDeferChan chan struct{}

	protectedRoomsEvent  *config.ProtectedRoomsEventContent
	protectedRooms       map[id.RoomID]*protectedRoomMeta
	wantToProtect        map[id.RoomID]struct{}
	isJoining            map[id.RoomID]struct{}
	protectedRoomMembers map[id.UserID][]id.RoomID
	memberHashes         map[[32]byte]id.UserID
	skipACLForRooms      []id.RoomID
	protectedRoomsLock   sync.RWMutex

	autoRedactPatterns []glob.Glob
}

func NewPolicyEvaluator(
	b *bot.Bot,
	chat bot.ChatClient,
	store *policylist.Store,
	managementRoom id.RoomID,
	untrusted bool,
	db *database.Database,
	synapseDB *synapsedb.SynapseDB,
	sched *scheduler.Scheduler,
	redactQueue *redactionqueue.Queue,
	errAgg *erroragg.Aggregator,
	dryRun bool,
	hackyAutoRedactPatterns []glob.Glob,
	verifyPermissionsOnStartup bool,
	syncOnStartup bool,
) *PolicyEvaluator {
	pe := &PolicyEvaluator{
		Bot:                        b,
		Chat:                       chat,
		DB:                         db,
		SynapseDB:                  synapseDB,
		Store:                      store,
		Scheduler:                  sched,
		RedactionQueue:             redactQueue,
		ErrorAgg:                   errAgg,
		Permcheck:                  permcheck.New(b.StateStore, b.UserID),
		ManagementRoom:             managementRoom,
		Untrusted:                  untrusted,
		VerifyPermissionsOnStartup: verifyPermissionsOnStartup,
		SyncOnStartup:              syncOnStartup,
		Admins:                     exsync.NewSet[id.UserID](),
		protectedRoomMembers:       make(map[id.UserID][]id.RoomID),
		memberHashes:               make(map[[32]byte]id.UserID),
		watchedListsMap:            make(map[id.RoomID]*config.WatchedPolicyList),
		protectedRooms:             make(map[id.RoomID]*protectedRoomMeta),
		wantToProtect:              make(map[id.RoomID]struct{}),
		isJoining:                  make(map[id.RoomID]struct{}),
		aclDeferChan:               make(chan struct{}, 1),
		DryRun:                     dryRun,
		autoRedactPatterns:         hackyAutoRedactPatterns,
	}
	go pe.aclDeferLoop()
	go pe.errorAggLoop()
	return pe
}

const errorAggDrainInterval = time.Minute

// errorAggLoop periodically surfaces deduplicated erroragg reports to the
// management room, so a flapping dependency doesn't spam the room but
// persistent failures still get reported.
func (pe *PolicyEvaluator) errorAggLoop() {
	ctx := pe.Bot.Log.With().
		Str("action", "error aggregate drain").
		Stringer("management_room", pe.ManagementRoom).
		Logger().
		WithContext(context.Background())
	ticker := time.NewTicker(errorAggDrainInterval)
	defer ticker.Stop()
	for range ticker.C {
		report := pe.ErrorAgg.Drain()
		if !report.Empty() {
			pe.sendNotice(ctx, "%s", report.String())
		}
	}
}

func (pe *PolicyEvaluator) sendNotice(ctx context.Context, message string, args ...any) id.EventID {
	return pe.Bot.SendNotice(ctx, pe.ManagementRoom, message, args...)
}

func (pe *PolicyEvaluator) sendReactions(ctx context.Context, eventID id.EventID, reactions ...string) {
	if eventID == "" {
		return
	}
	for _, react := range reactions {
		_, err := pe.Bot.SendReaction(ctx, pe.ManagementRoom, eventID, react)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).
				Stringer("event_id", eventID).
				Str("reaction", react).
				Msg("Failed to send reaction")
		}
	}
}

func (pe *PolicyEvaluator) Load(ctx context.Context) {
	err := pe.tryLoad(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to load initial state")
		pe.sendNotice(ctx, "Failed to load initial state: %v", err)
	} else {
		zerolog.Ctx(ctx).Info().Msg("Loaded initial state")
	}
}

func (pe *PolicyEvaluator) tryLoad(ctx context.Context) error {
	pe.sendNotice(ctx, "Loading initial state...")
	pe.configLock.Lock()
	defer pe.configLock.Unlock()
	start := time.Now()
	state, err := pe.Bot.State(ctx, pe.ManagementRoom)
	if err != nil {
		return fmt.Errorf("failed to get management room state: %w", err)
	}
	var errors []string
	var pls *event.PowerLevelsEventContent
	var errMsg string
	if evt, ok := state[event.StatePowerLevels][""]; !ok {
		return fmt.Errorf("no power level event found in management room")
	} else if pls, errMsg = pe.handlePowerLevels(ctx, evt); errMsg != "" {
		errors = append(errors, errMsg)
	}
	if evt, ok := state[config.StateWatchedLists][""]; !ok {
		zerolog.Ctx(ctx).Info().Msg("No watched lists event found in management room")
	} else {
		_, errorMsgs := pe.handleWatchedLists(ctx, evt, true)
		errors = append(errors, errorMsgs...)
	}
	if evt, ok := state[config.StateProtectedRooms][""]; !ok {
		zerolog.Ctx(ctx).Info().Msg("No protected rooms event found in management room")
	} else {
		_, errorMsgs := pe.handleProtectedRooms(ctx, evt, true)
		errors = append(errors, errorMsgs...)
	}
	if pe.VerifyPermissionsOnStartup {
		pe.verifyPermissions(ctx)
	}
	initDuration := time.Since(start)
	start = time.Now()
	if pe.SyncOnStartup {
		pe.EvaluateAll(ctx)
	}
	evalDuration := time.Since(start)
	pe.protectedRoomsLock.Lock()
	userCount := len(pe.protectedRoomMembers)
	var joinedUserCount int
	for _, rooms := range pe.protectedRoomMembers {
		if len(rooms) > 0 {
			joinedUserCount++
		}
	}
	protectedRoomsCount := len(pe.protectedRooms)
	pe.protectedRoomsLock.Unlock()
	var msg string
	if len(errors) > 0 {
		msg = fmt.Sprintf("Errors occurred during initialization:\n\n%s\n\nProtecting %d rooms with %d users (%d all time) using %d lists.",
			strings.Join(errors, "\n"), protectedRoomsCount, joinedUserCount, userCount, len(pe.GetWatchedLists()))
	} else {
		msg = fmt.Sprintf("Initialization completed successfully (took %s to load data and %s to evaluate rules). "+
			"Protecting %d rooms with %d users (%d all time) using %d lists.",
			initDuration, evalDuration, protectedRoomsCount, joinedUserCount, userCount, len(pe.GetWatchedLists()))
	}
	if pe.DryRun {
		msg += "\n\n**Dry run mode is enabled, no actions will be taken.**"
	}
	pe.sendNotice(ctx, msg)
	return nil
}

func (pe *PolicyEvaluator) handlePowerLevels(ctx context.Context, evt *event.Event) (*event.PowerLevelsEventContent, string) {
	content, ok := evt.Content.Parsed.(*event.PowerLevelsEventContent)
	if !ok {
		return nil, "* Failed to parse power level event"
	}
	err := pe.Bot.Intent.FillPowerLevelCreateEvent(ctx, evt.RoomID, content)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).
			Stringer("room_id", evt.RoomID).
			Msg("Failed to get create event for power levels in management room power level handler")
	}
	adminLevel := content.GetEventLevel(config.StateWatchedLists)
	admins := exsync.NewSet[id.UserID]()
	if content.CreateEvent != nil && content.CreateEvent.Content.AsCreate().SupportsCreatorPower() {
		admins.Add(content.CreateEvent.Sender)
		for _, creator := range content.CreateEvent.Content.AsCreate().AdditionalCreators {
			admins.Add(creator)
		}
	}
	for user, level := range content.Users {
		if level >= adminLevel {
			admins.Add(user)
		}
	}
	pe.Admins.ReplaceAll(admins)
	return content, ""
}

// verifyPermissions checks that the bot still holds sufficient power in
// every protected room, recording any deficit through the error aggregator
// instead of failing startup outright.
func (pe *PolicyEvaluator) verifyPermissions(ctx context.Context) {
	pe.protectedRoomsLock.RLock()
	rooms := make([]id.RoomID, 0, len(pe.protectedRooms))
	aclRooms := make(map[id.RoomID]bool, len(pe.protectedRooms))
	for roomID, meta := range pe.protectedRooms {
		rooms = append(rooms, roomID)
		aclRooms[roomID] = meta.ApplyACL
	}
	pe.protectedRoomsLock.RUnlock()
	_, err := pe.Permcheck.VerifyAll(ctx, rooms, aclRooms, pe.ErrorAgg)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to verify permissions")
	}
}
