package bot

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/synapseadmin"

	"github.com/hazelmoon/warden/config"
	"github.com/hazelmoon/warden/database"
)

// Meta holds the identity fields of the appservice bot user, populated
// from the daemon's static config. Nothing changes them after NewBot.
type Meta struct {
	Username    string
	Displayname string
	AvatarURL   id.ContentURI
}

type Bot struct {
	Meta *Meta
	Log  zerolog.Logger
	*mautrix.Client
	Intent         *appservice.IntentAPI
	SynapseAdmin   *synapseadmin.Client
	ServerName     string
	eventProcessor *appservice.EventProcessor
	mainDB         *database.Database
}

func NewBot(
	cfg config.BotConfig,
	intent *appservice.IntentAPI,
	log zerolog.Logger,
	db *database.Database,
	ep *appservice.EventProcessor,
) *Bot {
	client := intent.Client
	client.SetAppServiceDeviceID = true
	return &Bot{
		Meta: &Meta{
			Username:    cfg.Username,
			Displayname: cfg.Displayname,
			AvatarURL:   cfg.AvatarURL,
		},
		Client:         client,
		Intent:         intent,
		Log:            log,
		SynapseAdmin:   &synapseadmin.Client{Client: client},
		ServerName:     client.UserID.Homeserver(),
		eventProcessor: ep,
		mainDB:         db,
	}
}

var MinSpecVersion = mautrix.SpecV111

func (bot *Bot) Init(ctx context.Context) {
	for {
		resp, err := bot.Client.Versions(ctx)
		if err != nil {
			if errors.Is(err, mautrix.MForbidden) {
				bot.Log.Debug().Msg("M_FORBIDDEN in /versions, trying to register before retrying")
				bot.ensureRegistered(ctx)
			}
			bot.Log.Err(err).Msg("Failed to connect to homeserver, retrying in 10 seconds...")
			time.Sleep(10 * time.Second)
		} else if !resp.ContainsGreaterOrEqual(MinSpecVersion) {
			bot.Log.WithLevel(zerolog.FatalLevel).
				Stringer("minimum_required_spec", MinSpecVersion).
				Stringer("latest_supported_spec", resp.GetLatest()).
				Msg("Homeserver is outdated")
			os.Exit(31)
		} else {
			break
		}
	}
	bot.ensureRegistered(ctx)

	if bot.Meta.Displayname != "" {
		err := bot.Intent.SetDisplayName(ctx, bot.Meta.Displayname)
		if err != nil {
			bot.Log.Err(err).Msg("Failed to set displayname")
		}
	}
	if !bot.Meta.AvatarURL.IsEmpty() {
		err := bot.Intent.SetAvatarURL(ctx, bot.Meta.AvatarURL)
		if err != nil {
			bot.Log.Err(err).Msg("Failed to set avatar")
		}
	}
}

func (bot *Bot) ensureRegistered(ctx context.Context) {
	err := bot.Intent.EnsureRegistered(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, mautrix.MUnknownToken) {
		bot.Log.WithLevel(zerolog.FatalLevel).Msg("The as_token was not accepted. Is the registration file installed in your homeserver correctly?")
		bot.Log.Info().Msg("See https://docs.mau.fi/faq/as-token for more info")
	} else if errors.Is(err, mautrix.MExclusive) {
		bot.Log.WithLevel(zerolog.FatalLevel).Msg("The as_token was accepted, but the /register request was not. Are the homeserver domain, bot username and username template in the config correct, and do they match the values in the registration?")
		bot.Log.Info().Msg("See https://docs.mau.fi/faq/as-register for more info")
	} else {
		bot.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to register")
	}
	os.Exit(30)
}
