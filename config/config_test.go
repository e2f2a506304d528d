package config_test

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/hazelmoon/warden/config"
)

func TestExampleConfig_Unmarshals(t *testing.T) {
	var cfg config.Config
	err := yaml.Unmarshal([]byte(config.ExampleConfig), &cfg)
	if err != nil {
		t.Fatalf("failed to unmarshal example config: %v", err)
	}
	if cfg.Daemon.ManagementSecret != "generate" {
		t.Fatalf("expected example config's management_secret placeholder to be \"generate\", got %q", cfg.Daemon.ManagementSecret)
	}
	if !cfg.Daemon.SyncOnStartup {
		t.Fatal("expected the example config to enable sync_on_startup by default")
	}
	if !cfg.Daemon.VerifyPermissionsOnStartup {
		t.Fatal("expected the example config to enable verify_permissions_on_startup by default")
	}
	if len(cfg.Daemon.HackyRuleFilter) != 0 {
		t.Fatal("expected hacky_rule_filter to default to an empty list")
	}
}

func TestSpacedBlocks_MatchTopLevelConfigSections(t *testing.T) {
	want := map[string]bool{
		"appservice": true,
		"server":     true,
		"daemon":     true,
		"scheduler":  true,
		"database":   true,
		"synapse_db": true,
		"logging":    true,
	}
	for _, block := range config.SpacedBlocks {
		if len(block) != 1 {
			t.Fatalf("expected each spaced block to name exactly one top-level section, got %v", block)
		}
		if !want[block[0]] {
			t.Fatalf("unexpected spaced block section %q", block[0])
		}
		delete(want, block[0])
	}
	if len(want) != 0 {
		t.Fatalf("expected every top-level section to have a spaced block, missing %v", want)
	}
}
