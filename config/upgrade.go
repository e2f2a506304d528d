package config

import (
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func generateOrCopy(helper up.Helper, path ...string) {
	if secret, ok := helper.Get(up.Str, path...); !ok || secret == "generate" {
		helper.Set(up.Str, random.String(64), path...)
	} else {
		helper.Copy(up.Str, path...)
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "id")
	generateOrCopy(helper, "appservice", "as_token")
	generateOrCopy(helper, "appservice", "hs_token")
	helper.Copy(up.Str, "appservice", "bot", "username")
	helper.Copy(up.Str, "appservice", "bot", "displayname")
	helper.Copy(up.Str, "appservice", "bot", "avatar_url")

	helper.Copy(up.Str, "server", "address")
	helper.Copy(up.Str, "server", "hostname")
	helper.Copy(up.Int, "server", "port")

	helper.Copy(up.Str, "daemon", "management_room")
	generateOrCopy(helper, "daemon", "management_secret")
	helper.Copy(up.Bool, "daemon", "dry_run")
	helper.Copy(up.List, "daemon", "hacky_rule_filter")
	helper.Copy(up.List, "daemon", "hacky_redact_patterns")
	helper.Copy(up.Bool, "daemon", "verify_permissions_on_startup")
	helper.Copy(up.Bool, "daemon", "sync_on_startup")

	helper.Copy(up.Int, "scheduler", "background_delay_ms")
	helper.Copy(up.Int, "scheduler", "max_redaction_check_members")
	helper.Copy(up.Int, "scheduler", "redaction_batch_linger_millis")
	helper.Copy(up.Int, "scheduler", "max_redaction_events")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Str, "synapse_db", "type")
	helper.Copy(up.Str, "synapse_db", "uri")
	helper.Copy(up.Int, "synapse_db", "max_open_conns")
	helper.Copy(up.Int, "synapse_db", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "synapse_db", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "synapse_db", "max_conn_lifetime")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"appservice"},
	{"server"},
	{"daemon"},
	{"scheduler"},
	{"database"},
	{"synapse_db"},
	{"logging"},
}
