package shell

import (
	"errors"
	"strconv"
	"strings"

	"github.com/eniac111/plumbdeploy/internal/types"
)

// Argv returns the remote argv for a command or service action.
// SyncFiles has no argv and yields an error.
func Argv(action types.Action) ([]string, string, error) {
	switch a := action.(type) {
	case types.RemoteCommand:
		if len(a.Argv) == 0 {
			return nil, "", errors.New("missing command")
		}
		return a.Argv, a.Stdin, nil
	case types.ServiceControl:
		argv, err := Service(a.Unit, a.Verb)
		return argv, "", err
	default:
		return nil, "", errors.New("action has no command form: " + action.Describe())
	}
}

// Service builds the systemctl invocation for unit.
func Service(unit string, verb types.ServiceVerb) ([]string, error) {
	if unit == "" {
		return nil, errors.New("missing unit")
	}
	switch verb {
	case types.ServiceRestart:
		return []string{"systemctl", "restart", unit}, nil
	case types.ServiceStatus:
		return []string{"systemctl", "status", unit, "--no-pager"}, nil
	}
	return nil, errors.New("unknown service verb " + string(verb))
}

// Logs tails the journal of unit.
func Logs(unit string, lines int) types.RemoteCommand {
	return types.RemoteCommand{
		Argv: []string{"journalctl", "-u", unit, "-n", strconv.Itoa(lines), "--no-pager"},
	}
}

// Passthrough runs an operator-typed command line through the remote shell,
// so pipes and globs behave as typed.
func Passthrough(args []string) types.RemoteCommand {
	return types.RemoteCommand{Argv: []string{"sh", "-c", strings.Join(args, " ")}}
}

// SQLite feeds script to the sqlite3 CLI on the remote database, stopping at
// the first error.
func SQLite(dbPath, script string) types.RemoteCommand {
	return types.RemoteCommand{Argv: []string{"sqlite3", "-bail", dbPath}, Stdin: script}
}
