package config

import (
	_ "embed"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type BotConfig struct {
	Username    string        `yaml:"username"`
	Displayname string        `yaml:"displayname"`
	AvatarURL   id.ContentURI `yaml:"avatar_url"`
}

type AppserviceConfig struct {
	ID      string    `yaml:"id"`
	ASToken string    `yaml:"as_token"`
	HSToken string    `yaml:"hs_token"`
	Bot     BotConfig `yaml:"bot"`
}

type ServerConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
}

// DaemonConfig holds the settings specific to this daemon's own operation,
// as opposed to generic appservice/homeserver wiring.
type DaemonConfig struct {
	ManagementRoom   id.RoomID `yaml:"management_room"`
	ManagementSecret string    `yaml:"management_secret"`
	DryRun           bool      `yaml:"dry_run"`

	HackyRuleFilter     []string `yaml:"hacky_rule_filter"`
	HackyRedactPatterns []string `yaml:"hacky_redact_patterns"`

	VerifyPermissionsOnStartup bool `yaml:"verify_permissions_on_startup"`
	SyncOnStartup              bool `yaml:"sync_on_startup"`
}

// SchedulerConfig tunes the action scheduler (scheduler.Config) and the
// redaction queue (redactionqueue.Config) that sit on top of it.
type SchedulerConfig struct {
	BackgroundDelayMillis      int `yaml:"background_delay_ms"`
	MaxRedactionCheckMembers   int `yaml:"max_redaction_check_members"`
	RedactionBatchLingerMillis int `yaml:"redaction_batch_linger_millis"`
	MaxRedactionEvents         int `yaml:"max_redaction_events"`
}

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	Server     ServerConfig      `yaml:"server"`
	Daemon     DaemonConfig      `yaml:"daemon"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Database   dbutil.Config     `yaml:"database"`
	SynapseDB  dbutil.Config     `yaml:"synapse_db"`
	Logging    zeroconfig.Config `yaml:"logging"`
}
