package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/eniac111/plumbdeploy/internal/types"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

var appEnv = map[string]string{
	"DEPLOY_HOST":       "203.0.113.10",
	"DEPLOY_USER":       "root",
	"DEPLOY_CREDENTIAL": "agent",
}

func TestFromLookupDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := FromLookup(lookupFrom(appEnv), "")
	if err != nil {
		t.Fatalf("FromLookup returned error: %v", err)
	}

	if cfg.SyncTimeout != DefaultSyncTimeout || cfg.CommandTimeout != DefaultCommandTimeout {
		t.Fatalf("unexpected timeouts: %v / %v", cfg.SyncTimeout, cfg.CommandTimeout)
	}
	if cfg.Retries != 1 {
		t.Fatalf("Expected 1 retry by default, got %d", cfg.Retries)
	}
	if cfg.LogLines != 50 {
		t.Fatalf("Expected 50 log lines by default, got %d", cfg.LogLines)
	}
	if cfg.DatabasePath != "/opt/jarvis-bot/bot_database.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.Units.BotService != "jarvis-bot" || cfg.Units.AdminService != "jarvis-admin" {
		t.Fatalf("unexpected units: %+v", cfg.Units)
	}
	if !reflect.DeepEqual(cfg.Units.Excludes, DefaultExcludes) {
		t.Fatalf("unexpected excludes: %v", cfg.Units.Excludes)
	}
}

func TestFromLookupOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"SYNC_TIMEOUT":    "90s",
		"COMMAND_TIMEOUT": "20",
		"DEPLOY_RETRIES":  "3",
		"SYNC_EXCLUDES":   "*.pyc, node_modules ,",
		"BOT_SERVICE":     "bot.service",
		"JARVIS_DB_PATH":  "/data/bot.db",
	}
	for k, v := range appEnv {
		env[k] = v
	}

	cfg, err := FromLookup(lookupFrom(env), "")
	if err != nil {
		t.Fatalf("FromLookup returned error: %v", err)
	}
	if cfg.SyncTimeout != 90*time.Second || cfg.CommandTimeout != 20*time.Second {
		t.Fatalf("unexpected timeouts: %v / %v", cfg.SyncTimeout, cfg.CommandTimeout)
	}
	if cfg.Retries != 3 {
		t.Fatalf("Expected 3 retries, got %d", cfg.Retries)
	}
	if want := []string{"*.pyc", "node_modules"}; !reflect.DeepEqual(cfg.Units.Excludes, want) {
		t.Fatalf("Excludes = %v, want %v", cfg.Units.Excludes, want)
	}
	if cfg.Units.BotService != "bot.service" || cfg.DatabasePath != "/data/bot.db" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestFromLookupRejectsBadValues(t *testing.T) {
	t.Parallel()

	for _, kv := range [][2]string{
		{"SYNC_TIMEOUT", "soon"},
		{"COMMAND_TIMEOUT", "-5s"},
		{"DEPLOY_RETRIES", "-1"},
		{"LOG_LINES", "0"},
	} {
		env := map[string]string{kv[0]: kv[1]}
		for k, v := range appEnv {
			env[k] = v
		}
		_, err := FromLookup(lookupFrom(env), "")
		if types.KindOf(err) != types.InvalidConfiguration {
			t.Fatalf("%s=%s: expected InvalidConfiguration, got %v", kv[0], kv[1], err)
		}
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	data := "DEPLOY_HOST=dotenv.example.org\nDEPLOY_USER=root\nDEPLOY_CREDENTIAL=env:DEPLOY_PASSWORD\nDEPLOY_PASSWORD=hunter2\n"
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write dotenv file: %v", err)
	}
	t.Setenv("DEPLOY_USER", "deploy")

	cfg, err := Load(Options{EnvFile: p})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	bot, err := cfg.Registry.Resolve("bot")
	if err != nil {
		t.Fatalf("Resolve(bot): %v", err)
	}
	if bot.Host != "dotenv.example.org" {
		t.Fatalf("expected host from dotenv, got %q", bot.Host)
	}
	if bot.User != "deploy" {
		t.Fatalf("process environment should win over dotenv, got %q", bot.User)
	}
	if got := cfg.Secret("DEPLOY_PASSWORD"); got != "hunter2" {
		t.Fatalf("Secret = %q", got)
	}
}

func TestLoadMissingDotenvIsIgnored(t *testing.T) {
	cfg, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Registry == nil {
		t.Fatalf("expected a registry")
	}
}
