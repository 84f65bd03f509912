package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eniac111/plumbdeploy/internal/types"
)

func lookupFrom(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Parallel()

	reg, err := Load(lookupFrom(map[string]string{
		"DEPLOY_HOST":       "203.0.113.10",
		"DEPLOY_USER":       "root",
		"DEPLOY_CREDENTIAL": "~/.ssh/deploy",
	}), "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	bot, err := reg.Resolve("bot")
	if err != nil {
		t.Fatalf("Resolve(bot): %v", err)
	}
	if bot.BasePath != DefaultAppPath || bot.Role != types.RoleBot {
		t.Fatalf("unexpected bot target: %+v", bot)
	}

	admin, err := reg.Resolve("admin")
	if err != nil {
		t.Fatalf("Resolve(admin): %v", err)
	}
	if admin.BasePath != DefaultAppPath+"/admin-panel" || admin.Role != types.RoleAdminPanel {
		t.Fatalf("unexpected admin target: %+v", admin)
	}
	if admin.Addr() != bot.Addr() {
		t.Fatalf("bot and admin should share a host")
	}

	if _, ok := reg.ByRole(types.RoleVPNNode); ok {
		t.Fatalf("vpn target should be absent without VPN_HOST")
	}
}

func TestLoadRejectsMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing user", map[string]string{"DEPLOY_HOST": "h", "DEPLOY_CREDENTIAL": "agent"}},
		{"missing credential", map[string]string{"DEPLOY_HOST": "h", "DEPLOY_USER": "root"}},
		{"vpn missing credential", map[string]string{"VPN_HOST": "v", "VPN_USER": "root"}},
		{"bad port", map[string]string{"DEPLOY_HOST": "h", "DEPLOY_USER": "root", "DEPLOY_CREDENTIAL": "agent", "DEPLOY_PORT": "ssh"}},
		{"empty password variable", map[string]string{"DEPLOY_HOST": "h", "DEPLOY_USER": "root", "DEPLOY_CREDENTIAL": "env:DEPLOY_PASSWORD"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(lookupFrom(tt.env), "")
			if err == nil {
				t.Fatalf("expected error")
			}
			if kind := types.KindOf(err); kind != types.InvalidConfiguration {
				t.Fatalf("expected InvalidConfiguration, got %q (%v)", kind, err)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()

	reg, err := Load(lookupFrom(nil), "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	_, err = reg.Resolve("bot")
	if types.KindOf(err) != types.UnknownTarget {
		t.Fatalf("expected UnknownTarget, got %v", err)
	}
}

func TestLoadYAMLOverridesEnv(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "targets.yaml")
	data := `targets:
  - id: bot
    host: bot.example.org
    port: 2222
    user: deploy
    credential: agent
    base_path: /srv/bot
    role: bot
  - id: vpn
    host: vpn.example.org
    user: root
    credential: /keys/vpn
    base_path: /usr/local/etc/xray
    role: vpn-node
`
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write targets file: %v", err)
	}

	reg, err := Load(lookupFrom(map[string]string{
		"DEPLOY_HOST": "old.example.org", "DEPLOY_USER": "root", "DEPLOY_CREDENTIAL": "agent",
	}), p)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	bot, _ := reg.Resolve("bot")
	if bot.Host != "bot.example.org" || bot.Port != 2222 || bot.BasePath != "/srv/bot" {
		t.Fatalf("file entry should override env: %+v", bot)
	}
	admin, _ := reg.Resolve("admin")
	if admin.Host != "old.example.org" {
		t.Fatalf("env-only entry should survive: %+v", admin)
	}
	vpn, ok := reg.ByRole(types.RoleVPNNode)
	if !ok || vpn.ID != "vpn" {
		t.Fatalf("expected vpn target from file")
	}
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "targets.toml")
	data := `[[targets]]
id = "bot"
host = "bot.example.org"
user = "deploy"
credential = "agent"
base_path = "/srv/bot"
role = "bot"
`
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write targets file: %v", err)
	}

	reg, err := Load(lookupFrom(nil), p)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := reg.IDs(); len(got) != 1 || got[0] != "bot" {
		t.Fatalf("IDs() = %v", got)
	}
}

func TestLoadFileRejectsUnknownRole(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "targets.yml")
	data := "targets:\n  - {id: db, host: h, user: u, credential: agent, role: database}\n"
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write targets file: %v", err)
	}
	if _, err := Load(lookupFrom(nil), p); types.KindOf(err) != types.InvalidConfiguration {
		t.Fatalf("expected InvalidConfiguration, got %v", err)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	t.Parallel()

	tgt := types.Target{ID: "bot", Host: "h", User: "u", CredentialRef: "agent", Role: types.RoleBot}
	if _, err := New(tgt, tgt); types.KindOf(err) != types.InvalidConfiguration {
		t.Fatalf("expected InvalidConfiguration, got %v", err)
	}
}
