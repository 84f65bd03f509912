// Package config builds the immutable run configuration once at startup.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/eniac111/plumbdeploy/internal/inventory"
	"github.com/eniac111/plumbdeploy/internal/types"
)

const (
	DefaultSyncTimeout    = 60 * time.Second
	DefaultCommandTimeout = 15 * time.Second
	DefaultRetries        = 1
	DefaultRetryDelay     = 2 * time.Second
	DefaultLogLines       = 50
)

// DefaultExcludes are never pushed to the bot host.
var DefaultExcludes = []string{
	".git", "__pycache__", "*.pyc", ".env", "venv", ".venv", "*.db", "*.log", ".DS_Store",
}

// Units names the services and sources being deployed.
type Units struct {
	BotService   string
	AdminService string
	VPNService   string
	BotSource    string
	AdminSource  string
	Excludes     []string
}

// Config is shared by reference and never modified after Load.
type Config struct {
	Registry       *inventory.Registry
	Units          Units
	SyncTimeout    time.Duration
	CommandTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration
	LogLines       int
	DatabasePath   string
	Lookup         inventory.LookupFunc
}

// Options tells Load where to look.
type Options struct {
	EnvFile     string // optional dotenv file; a missing file is ignored
	TargetsFile string // optional YAML/TOML targets file
}

// Load merges the dotenv file and the process environment (process wins),
// then builds the registry and the run settings.
func Load(opts Options) (*Config, error) {
	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		m, err := godotenv.Read(opts.EnvFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, types.Wrap(types.InvalidConfiguration, err, "failed to read %s", opts.EnvFile)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	return FromLookup(lookup, opts.TargetsFile)
}

// FromLookup is Load without touching the filesystem for dotenv.
func FromLookup(lookup inventory.LookupFunc, targetsFile string) (*Config, error) {
	reg, err := inventory.Load(lookup, targetsFile)
	if err != nil {
		return nil, err
	}

	get := func(k, def string) string {
		if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Registry: reg,
		Units: Units{
			BotService:   get("BOT_SERVICE", "jarvis-bot"),
			AdminService: get("ADMIN_SERVICE", "jarvis-admin"),
			VPNService:   get("VPN_SERVICE", "xray"),
			BotSource:    get("BOT_SOURCE", "."),
			AdminSource:  get("ADMIN_SOURCE", "admin-panel/main.py"),
			Excludes:     DefaultExcludes,
		},
		RetryDelay: DefaultRetryDelay,
		Lookup:     lookup,
	}
	if v := get("SYNC_EXCLUDES", ""); v != "" {
		cfg.Units.Excludes = splitList(v)
	}

	base := inventory.DefaultAppPath
	if bot, err := reg.Resolve("bot"); err == nil {
		base = bot.BasePath
	}
	cfg.DatabasePath = get("JARVIS_DB_PATH", base+"/bot_database.db")

	if cfg.SyncTimeout, err = duration(get("SYNC_TIMEOUT", ""), DefaultSyncTimeout, "SYNC_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.CommandTimeout, err = duration(get("COMMAND_TIMEOUT", ""), DefaultCommandTimeout, "COMMAND_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.Retries, err = count(get("DEPLOY_RETRIES", ""), DefaultRetries, "DEPLOY_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.LogLines, err = count(get("LOG_LINES", ""), DefaultLogLines, "LOG_LINES", 1); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Secret resolves an "env:NAME" credential reference.
func (c *Config) Secret(name string) string {
	if c.Lookup == nil {
		return ""
	}
	v, _ := c.Lookup(name)
	return v
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func duration(v string, def time.Duration, key string) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, types.Errorf(types.InvalidConfiguration, "%s: invalid duration %q", key, v)
	}
	return d, nil
}

func count(v string, def int, key string, min int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, types.Errorf(types.InvalidConfiguration, "%s: invalid value %q", key, v)
	}
	return n, nil
}
