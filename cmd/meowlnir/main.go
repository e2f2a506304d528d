package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exslices"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/glob"
	"go.mau.fi/util/ptr"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/sqlstatestore"

	"github.com/hazelmoon/warden/bot"
	"github.com/hazelmoon/warden/config"
	"github.com/hazelmoon/warden/database"
	"github.com/hazelmoon/warden/erroragg"
	"github.com/hazelmoon/warden/policyeval"
	"github.com/hazelmoon/warden/policylist"
	"github.com/hazelmoon/warden/redactionqueue"
	"github.com/hazelmoon/warden/scheduler"
	"github.com/hazelmoon/warden/synapsedb"
	"github.com/hazelmoon/warden/util"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

// Meowlnir is the daemon's top-level object. It owns a single appservice bot
// identity that runs a single protected-room set rooted at one management
// room: the concurrency model assumes exactly one instance owns the
// account, so there is no multi-tenant room-claiming to arbitrate.
type Meowlnir struct {
	Config     *config.Config
	Log        *zerolog.Logger
	DB         *database.Database
	SynapseDB  *synapsedb.SynapseDB
	StateStore *sqlstatestore.SQLStateStore
	AS         *appservice.AppService

	Bot            *bot.Bot
	Chat           bot.ChatClient
	Scheduler      *scheduler.Scheduler
	RedactionQueue *redactionqueue.Queue
	EventProcessor *appservice.EventProcessor

	PolicyStore             *policylist.Store
	Evaluator               *policyeval.PolicyEvaluator
	HackyAutoRedactPatterns []glob.Glob
}

func (m *Meowlnir) loadSecret(secret string) *[32]byte {
	if len(secret) == 0 || (strings.Contains(secret, "disable") && len(secret) < 10) {
		return nil
	}
	if strings.HasPrefix(secret, "sha256:") {
		var decoded []byte
		var err error
		decoded, err = hex.DecodeString(strings.TrimPrefix(secret, "sha256:"))
		if err != nil {
			m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to decode secret hash")
			os.Exit(10)
		} else if len(decoded) != 32 {
			m.Log.WithLevel(zerolog.FatalLevel).Msg("Secret hash is not 32 bytes long")
			os.Exit(10)
		}
		return (*[32]byte)(decoded)
	}
	return ptr.Ptr(util.SHA256String(secret))
}

func (m *Meowlnir) Init(configPath string, noSaveConfig bool) {
	var err error
	m.Config = loadConfig(configPath, noSaveConfig)

	policylist.HackyRuleFilter = m.Config.Daemon.HackyRuleFilter
	policylist.HackyRuleFilterHashes = exslices.CastFunc(policylist.HackyRuleFilter, func(s string) [32]byte {
		return util.SHA256String(s)
	})

	m.Log, err = m.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(m.Log)

	m.Log.Info().
		Str("version", VersionWithCommit).
		Time("built_at", ParsedBuildTime).
		Str("go_version", runtime.Version()).
		Msg("Initializing Meowlnir")

	var mainDB, synapseDB *dbutil.Database
	mainDB, err = dbutil.NewFromConfig("meowlnir", m.Config.Database, dbutil.ZeroLogger(m.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to Meowlnir database")
		os.Exit(12)
	}
	if m.Config.SynapseDB.URI != "" {
		synapseDB, err = dbutil.NewFromConfig("", m.Config.SynapseDB, dbutil.ZeroLogger(m.Log.With().Str("db_section", "synapse").Logger()))
		if err != nil {
			m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to Synapse database")
			os.Exit(12)
		}
	}

	m.DB = database.New(mainDB)
	m.StateStore = sqlstatestore.NewSQLStateStore(mainDB, dbutil.ZeroLogger(m.Log.With().Str("db_section", "matrix_state").Logger()), false)
	if synapseDB != nil {
		m.SynapseDB = &synapsedb.SynapseDB{DB: synapseDB}
	}

	m.Log.Debug().Msg("Preparing Matrix client")
	m.AS, err = appservice.CreateFull(appservice.CreateOpts{
		Registration: &appservice.Registration{
			ID:                  m.Config.Appservice.ID,
			URL:                 m.Config.Server.Address,
			AppToken:            m.Config.Appservice.ASToken,
			ServerToken:         m.Config.Appservice.HSToken,
			RateLimited:         ptr.Ptr(false),
			SoruEphemeralEvents: true,
			EphemeralEvents:     true,
			MSC3202:             true,
			MSC4190:             true,
		},
		HomeserverDomain: m.Config.Homeserver.Domain,
		HomeserverURL:    m.Config.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: m.Config.Server.Hostname,
			Port:     m.Config.Server.Port,
		},
	})
	if err != nil {
		m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to create Matrix appservice")
		os.Exit(13)
	}
	m.AS.Log = m.Log.With().Str("component", "matrix").Logger()
	m.AS.StateStore = m.StateStore
	m.EventProcessor = appservice.NewEventProcessor(m.AS)

	intent := m.AS.Intent(id.NewUserID(m.Config.Appservice.Bot.Username, m.AS.HomeserverDomain))
	intent.EnsureAppserviceConnection(context.Background())
	m.Bot = bot.NewBot(m.Config.Appservice.Bot, intent, m.Log.With().Str("component", "bot").Logger(), m.DB, m.EventProcessor)
	m.Chat = bot.NewChatClient(m.Bot)

	m.Scheduler = scheduler.New(scheduler.Config{
		MinDelay:   time.Duration(m.Config.Scheduler.BackgroundDelayMillis) * time.Millisecond,
		MaxRetries: 5,
	})
	m.RedactionQueue = redactionqueue.New(
		redactionqueue.Config{
			MaxRedactionCheckMembers: m.Config.Scheduler.MaxRedactionCheckMembers,
			MaxRedactionEvents:       m.Config.Scheduler.MaxRedactionEvents,
			BatchLinger:              time.Duration(m.Config.Scheduler.RedactionBatchLingerMillis) * time.Millisecond,
		},
		m.redactionEventSource(),
		m.Chat,
		m.Scheduler,
		m.Log,
	)

	m.AddHTTPEndpoints()

	m.PolicyStore = policylist.NewStore()

	var compiledGlobs []glob.Glob
	for _, pattern := range m.Config.Daemon.HackyRedactPatterns {
		compiled := glob.Compile(pattern)
		compiledGlobs = append(compiledGlobs, compiled)
	}
	m.HackyAutoRedactPatterns = compiledGlobs

	if m.Config.Daemon.ManagementRoom == "" {
		m.Log.WithLevel(zerolog.FatalLevel).Msg("No management room configured")
		os.Exit(16)
	}
	m.Evaluator = m.newPolicyEvaluator(m.Config.Daemon.ManagementRoom)
	m.AddEventHandlers()

	m.Log.Info().Msg("Initialization complete")
}

// redactionEventSource prefers a direct Synapse database connection (faster,
// no homeserver round trip) and falls back to Client-Server API pagination
// when none is configured.
func (m *Meowlnir) redactionEventSource() redactionqueue.EventSource {
	if m.SynapseDB != nil {
		return m.SynapseDB
	}
	return &bot.MessagesEventSource{Bot: m.Bot}
}

func (m *Meowlnir) newPolicyEvaluator(roomID id.RoomID) *policyeval.PolicyEvaluator {
	return policyeval.NewPolicyEvaluator(
		m.Bot,
		m.Chat,
		m.PolicyStore,
		roomID,
		false,
		m.DB,
		m.SynapseDB,
		m.Scheduler,
		m.RedactionQueue,
		erroragg.New(nil),
		m.Config.Daemon.DryRun,
		m.HackyAutoRedactPatterns,
		m.Config.Daemon.VerifyPermissionsOnStartup,
		m.Config.Daemon.SyncOnStartup,
	)
}

func (m *Meowlnir) Run(ctx context.Context) {
	if m.SynapseDB != nil {
		err := m.SynapseDB.CheckVersion(ctx)
		if err != nil {
			m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to check Synapse database schema version")
			os.Exit(14)
		}
	}
	err := m.DB.Upgrade(ctx)
	if err != nil {
		m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade main db")
		os.Exit(14)
	}
	err = m.StateStore.Upgrade(ctx)
	if err != nil {
		m.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade state store")
		os.Exit(14)
	}

	go m.AS.Start()

	m.Bot.Init(ctx)
	m.EventProcessor.Start(ctx)

	m.Evaluator.Load(ctx)

	m.Log.Info().Msg("Startup complete")
	m.AS.Ready = true

	<-ctx.Done()
	err = m.Scheduler.Shutdown(context.Background())
	if err != nil {
		m.Log.Err(err).Msg("Failed to shut down scheduler")
	}
	err = m.DB.Close()
	if err != nil {
		m.Log.Err(err).Msg("Failed to close database")
	}
	if m.SynapseDB != nil {
		err = m.SynapseDB.Close()
		if err != nil {
			m.Log.Err(err).Msg("Failed to close Synapse database")
		}
	}
}

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	return &cfg
}

func main() {
	initVersion()
	flag.SetHelpTitles(
		"meowlnir - An opinionated Matrix moderation bot.",
		"meowlnir [-hnve] [-c <path>]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	} else if *writeExampleConfig {
		if *configPath != "-" && *configPath != "/dev/stdout" && *configPath != "/dev/stderr" {
			if _, err = os.Stat(*configPath); !errors.Is(err, os.ErrNotExist) {
				_, _ = fmt.Fprintln(os.Stderr, *configPath, "already exists, please remove it if you want to generate a new example")
				os.Exit(1)
			}
		}
		if *configPath == "-" {
			fmt.Print(config.ExampleConfig)
		} else {
			exerrors.PanicIfNotNil(os.WriteFile(*configPath, []byte(config.ExampleConfig), 0600))
			fmt.Println("Wrote example config to", *configPath)
		}
		os.Exit(0)
	}
	var m Meowlnir
	ctx, cancel := context.WithCancel(context.Background())
	m.Init(*configPath, *noSaveConfig)
	ctx = m.Log.WithContext(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	m.Run(ctx)
	m.Log.Info().Msg("Meowlnir stopped")
}
