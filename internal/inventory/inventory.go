// Package inventory is the target registry: connection descriptors for every
// deployable unit, loaded once at startup and never mutated afterwards.
package inventory

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/eniac111/plumbdeploy/internal/types"
)

const (
	DefaultAppPath = "/opt/jarvis-bot"
	DefaultVPNPath = "/usr/local/etc/xray"
)

// LookupFunc resolves configuration keys, os.LookupEnv style.
type LookupFunc func(key string) (string, bool)

// File is the on-disk targets file layout.
type File struct {
	Targets []types.Target `yaml:"targets" toml:"targets"`
}

// Registry holds the loaded targets.
type Registry struct {
	targets map[string]types.Target
}

// Load builds the registry from the environment and, if targetsFile is not
// empty, from a YAML or TOML file whose entries override env-derived ones.
func Load(lookup LookupFunc, targetsFile string) (*Registry, error) {
	r := &Registry{targets: map[string]types.Target{}}

	fromEnv, err := targetsFromEnv(lookup)
	if err != nil {
		return nil, err
	}
	for _, t := range fromEnv {
		r.targets[t.ID] = t
	}

	if targetsFile != "" {
		fromFile, err := readFile(targetsFile)
		if err != nil {
			return nil, err
		}
		for _, t := range fromFile {
			r.targets[t.ID] = t
		}
	}

	for _, id := range r.IDs() {
		t, err := normalize(r.targets[id], lookup)
		if err != nil {
			return nil, err
		}
		r.targets[id] = t
	}
	return r, nil
}

// New builds a registry from already-validated targets. Used by tests and
// callers that assemble targets themselves.
func New(targets ...types.Target) (*Registry, error) {
	r := &Registry{targets: map[string]types.Target{}}
	for _, t := range targets {
		t, err := normalize(t, nil)
		if err != nil {
			return nil, err
		}
		if _, dup := r.targets[t.ID]; dup {
			return nil, types.Errorf(types.InvalidConfiguration, "duplicate target %q", t.ID)
		}
		r.targets[t.ID] = t
	}
	return r, nil
}

// Resolve returns the target registered under id.
func (r *Registry) Resolve(id string) (types.Target, error) {
	t, ok := r.targets[id]
	if !ok {
		return types.Target{}, types.Errorf(types.UnknownTarget, "no target %q configured", id)
	}
	return t, nil
}

// IDs lists registered target IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ByRole returns the first target (by ID) with the given role.
func (r *Registry) ByRole(role types.Role) (types.Target, bool) {
	for _, id := range r.IDs() {
		if t := r.targets[id]; t.Role == role {
			return t, true
		}
	}
	return types.Target{}, false
}

func targetsFromEnv(lookup LookupFunc) ([]types.Target, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}

	var out []types.Target
	if host := get("DEPLOY_HOST"); host != "" {
		port, err := parsePort("DEPLOY_PORT", get("DEPLOY_PORT"))
		if err != nil {
			return nil, err
		}
		base := get("DEPLOY_PATH")
		if base == "" {
			base = DefaultAppPath
		}
		app := types.Target{
			Host:          host,
			Port:          port,
			User:          get("DEPLOY_USER"),
			CredentialRef: get("DEPLOY_CREDENTIAL"),
		}
		bot := app
		bot.ID, bot.Role, bot.BasePath = "bot", types.RoleBot, base
		admin := app
		admin.ID, admin.Role, admin.BasePath = "admin", types.RoleAdminPanel, path.Join(base, "admin-panel")
		out = append(out, bot, admin)
	}

	if host := get("VPN_HOST"); host != "" {
		port, err := parsePort("VPN_PORT", get("VPN_PORT"))
		if err != nil {
			return nil, err
		}
		base := get("VPN_PATH")
		if base == "" {
			base = DefaultVPNPath
		}
		out = append(out, types.Target{
			ID:            "vpn",
			Host:          host,
			Port:          port,
			User:          get("VPN_USER"),
			CredentialRef: get("VPN_CREDENTIAL"),
			BasePath:      base,
			Role:          types.RoleVPNNode,
		})
	}
	return out, nil
}

func parsePort(key, v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(v)
	if err != nil || p <= 0 || p > 65535 {
		return 0, types.Errorf(types.InvalidConfiguration, "%s: invalid port %q", key, v)
	}
	return p, nil
}

func readFile(p string) ([]types.Target, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, types.Wrap(types.InvalidConfiguration, err, "failed to read targets file")
	}

	var f File
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return nil, types.Errorf(types.InvalidConfiguration, "targets file %s: unsupported extension", p)
	}
	if err != nil {
		return nil, types.Wrap(types.InvalidConfiguration, err, "failed to parse targets file %s", p)
	}
	return f.Targets, nil
}

// normalize validates required fields and resolves env: credential refs early
// so a missing password fails before any connection attempt.
func normalize(t types.Target, lookup LookupFunc) (types.Target, error) {
	if t.ID == "" {
		return t, types.Errorf(types.InvalidConfiguration, "target without id")
	}
	missing := func(field string) error {
		return types.Errorf(types.InvalidConfiguration, "target %q: missing %s", t.ID, field)
	}
	switch {
	case t.Host == "":
		return t, missing("host")
	case t.User == "":
		return t, missing("user")
	case t.CredentialRef == "":
		return t, missing("credential")
	}

	role, err := types.ParseRole(string(t.Role))
	if err != nil {
		return t, types.Wrap(types.InvalidConfiguration, err, "target %q", t.ID)
	}
	t.Role = role

	if name, ok := strings.CutPrefix(t.CredentialRef, "env:"); ok && lookup != nil {
		if v, _ := lookup(name); v == "" {
			return t, types.Errorf(types.InvalidConfiguration, "target %q: credential variable %s is empty", t.ID, name)
		}
	}
	if t.Port < 0 || t.Port > 65535 {
		return t, types.Errorf(types.InvalidConfiguration, "target %q: invalid port %d", t.ID, t.Port)
	}
	return t, nil
}

// String is used in verbose output.
func (r *Registry) String() string {
	var b strings.Builder
	for _, id := range r.IDs() {
		fmt.Fprintf(&b, "%s\n", r.targets[id])
	}
	return b.String()
}
