package plan

import (
	"path"

	"github.com/eniac111/plumbdeploy/internal/config"
	"github.com/eniac111/plumbdeploy/internal/modules/shell"
	"github.com/eniac111/plumbdeploy/internal/types"
)

// BotDeploy syncs the bot tree into the target's base path, restarts the bot
// and shows its status. Sync and restart are not a transaction: a failed
// restart leaves the new files in place.
func BotDeploy(u config.Units, t types.Target) types.Plan {
	return types.Plan{
		Name: "bot",
		Steps: []types.Step{
			{Action: types.SyncFiles{Source: u.BotSource, Dest: t.BasePath, Excludes: u.Excludes}},
			{Action: types.ServiceControl{Unit: u.BotService, Verb: types.ServiceRestart}},
			{Action: types.ServiceControl{Unit: u.BotService, Verb: types.ServiceStatus}},
		},
	}
}

// AdminDeploy pushes the single admin panel file and restarts the panel.
func AdminDeploy(u config.Units, t types.Target) types.Plan {
	return types.Plan{
		Name: "admin",
		Steps: []types.Step{
			{Action: types.SyncFiles{Source: u.AdminSource, Dest: path.Clean(t.BasePath) + "/"}},
			{Action: types.ServiceControl{Unit: u.AdminService, Verb: types.ServiceRestart}},
			{Action: types.ServiceControl{Unit: u.AdminService, Verb: types.ServiceStatus}},
		},
	}
}

func Status(name string, units ...string) types.Plan {
	p := types.Plan{Name: name}
	for _, unit := range units {
		p.Steps = append(p.Steps, types.Step{Action: types.ServiceControl{Unit: unit, Verb: types.ServiceStatus}})
	}
	return p
}

func Restart(name string, units ...string) types.Plan {
	p := types.Plan{Name: name}
	for _, unit := range units {
		p.Steps = append(p.Steps, types.Step{Action: types.ServiceControl{Unit: unit, Verb: types.ServiceRestart}})
	}
	return p
}

// Logs tails a unit's journal; never fails the run.
func Logs(name, unit string, lines int) types.Plan {
	return types.Plan{
		Name:  name,
		Steps: []types.Step{{Action: shell.Logs(unit, lines), BestEffort: true}},
	}
}

// Command runs an operator-supplied command line.
func Command(args []string) types.Plan {
	return types.Plan{
		Name:  "cmd",
		Steps: []types.Step{{Action: shell.Passthrough(args)}},
	}
}
