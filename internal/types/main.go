package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Role tells which deployable unit a target hosts.
type Role string

const (
	RoleBot        Role = "bot"
	RoleAdminPanel Role = "admin-panel"
	RoleVPNNode    Role = "vpn-node"
)

// ParseRole accepts the role names used in targets files.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.TrimSpace(s)); r {
	case RoleBot, RoleAdminPanel, RoleVPNNode:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Target represents one deployable unit on a remote machine.
type Target struct {
	ID            string `yaml:"id"             toml:"id"`
	Host          string `yaml:"host"           toml:"host"`
	Port          int    `yaml:"port,omitempty" toml:"port,omitempty"`
	User          string `yaml:"user"           toml:"user"`
	CredentialRef string `yaml:"credential"     toml:"credential"` // key path, "agent" or "env:NAME"
	BasePath      string `yaml:"base_path"      toml:"base_path"`
	Role          Role   `yaml:"role"           toml:"role"`
}

// Addr returns host:port, defaulting to port 22.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%s@%s)", t.ID, t.User, t.Addr())
}

// ActionKind discriminates the Action variants.
type ActionKind string

const (
	KindSyncFiles      ActionKind = "sync"
	KindRemoteCommand  ActionKind = "command"
	KindServiceControl ActionKind = "service"
)

// Action is a stateless description of one remote operation.
// It is one of SyncFiles, RemoteCommand or ServiceControl.
type Action interface {
	Kind() ActionKind
	Describe() string
}

// SyncFiles copies a local file or tree to Dest on the target.
type SyncFiles struct {
	Source   string
	Dest     string
	Excludes []string
}

func (SyncFiles) Kind() ActionKind { return KindSyncFiles }

func (a SyncFiles) Describe() string {
	return fmt.Sprintf("sync %s -> %s", a.Source, a.Dest)
}

// RemoteCommand runs Argv on the target. Stdin, if set, is fed to the command.
type RemoteCommand struct {
	Argv  []string
	Stdin string
}

func (RemoteCommand) Kind() ActionKind { return KindRemoteCommand }

func (a RemoteCommand) Describe() string {
	return "run " + strings.Join(a.Argv, " ")
}

// ServiceVerb is what ServiceControl asks of the service manager.
type ServiceVerb string

const (
	ServiceRestart ServiceVerb = "restart"
	ServiceStatus  ServiceVerb = "status"
)

// ServiceControl restarts or queries a service unit on the target.
type ServiceControl struct {
	Unit string
	Verb ServiceVerb
}

func (ServiceControl) Kind() ActionKind { return KindServiceControl }

func (a ServiceControl) Describe() string {
	return fmt.Sprintf("%s %s", a.Verb, a.Unit)
}

// ExecutionResult is what the executor reports for one action.
type ExecutionResult struct {
	ActionRef string        `json:"action"`
	Kind      ActionKind    `json:"kind"`
	TargetRef string        `json:"target"`
	Succeeded bool          `json:"succeeded"`
	Changed   bool          `json:"changed"`
	Output    string        `json:"output"`
	Stderr    string        `json:"stderr,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// Step is one action inside a plan.
type Step struct {
	Action     Action
	BestEffort bool
}

// IsBestEffort reports whether a failure of the step must not abort its plan.
// Status queries are always best-effort.
func (s Step) IsBestEffort() bool {
	if sc, ok := s.Action.(ServiceControl); ok && sc.Verb == ServiceStatus {
		return true
	}
	return s.BestEffort
}

// Plan holds an ordered list of steps for one deployable unit.
type Plan struct {
	Name  string
	Steps []Step
}
