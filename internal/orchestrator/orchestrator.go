// Package orchestrator maps CLI verbs to deployment plans, runs them and
// collects a single report.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eniac111/plumbdeploy/internal/config"
	"github.com/eniac111/plumbdeploy/internal/migrate"
	"github.com/eniac111/plumbdeploy/internal/plan"
	"github.com/eniac111/plumbdeploy/internal/types"
)

// Executor runs actions and interactive shells. *executor.Executor satisfies it.
type Executor interface {
	plan.Executor
	Interactive(ctx context.Context, target types.Target, in *os.File, out, errOut io.Writer) error
}

// Terminal is what interactive verbs attach to.
type Terminal struct {
	In  *os.File
	Out io.Writer
	Err io.Writer
}

// Orchestrator is safe for one Dispatch at a time.
type Orchestrator struct {
	cfg    *config.Config
	exec   Executor
	runner *plan.Runner
	term   Terminal
	logger *log.Logger
}

func New(cfg *config.Config, exec Executor, term Terminal, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{
		cfg:  cfg,
		exec: exec,
		runner: &plan.Runner{
			Exec:     exec,
			Timeouts: plan.Timeouts{Sync: cfg.SyncTimeout, Command: cfg.CommandTimeout},
			Logger:   logger,
		},
		term:   term,
		logger: logger,
	}
}

// Verb describes one CLI verb.
type Verb struct {
	Name  string
	Args  string
	Short string
	run   func(o *Orchestrator, ctx context.Context, args []string, r *Report)
}

var verbs = []Verb{
	{Name: "bot", Short: "Sync the bot tree and restart the bot", run: (*Orchestrator).bot},
	{Name: "admin", Short: "Sync the admin panel file and restart the panel", run: (*Orchestrator).admin},
	{Name: "all", Short: "Deploy bot, then admin, then show status", run: (*Orchestrator).all},
	{Name: "status", Short: "Show the status of every unit", run: (*Orchestrator).status},
	{Name: "logs", Args: "[n]", Short: "Tail the bot log (default 50 lines)", run: (*Orchestrator).logsBot},
	{Name: "logs-admin", Args: "[n]", Short: "Tail the admin panel log", run: (*Orchestrator).logsAdmin},
	{Name: "migrate", Short: "Apply pending database migrations on the bot host", run: (*Orchestrator).migrateRemote},
	{Name: "migrate-local", Args: "<db>", Short: "Apply pending migrations to a local database file", run: (*Orchestrator).migrateLocal},
	{Name: "ssh", Short: "Open a shell on the bot host", run: (*Orchestrator).sshBot},
	{Name: "ssh-vpn", Short: "Open a shell on the VPN node", run: (*Orchestrator).sshVPN},
	{Name: "restart", Short: "Restart bot and admin panel", run: (*Orchestrator).restart},
	{Name: "cmd", Args: "<command...>", Short: "Run a command on the bot host", run: (*Orchestrator).command},
	{Name: "vpn-status", Short: "Show the status of the VPN relay", run: (*Orchestrator).vpnStatus},
}

// Verbs lists the known verbs in usage order.
func Verbs() []Verb {
	out := make([]Verb, len(verbs))
	copy(out, verbs)
	return out
}

// Known reports whether verb is in the verb table.
func Known(verb string) bool {
	for _, v := range verbs {
		if v.Name == verb {
			return true
		}
	}
	return false
}

// Usage is printed for "help" and for any verb not in the table.
func Usage() string {
	var b strings.Builder
	b.WriteString("Usage: plumbdeploy <command> [args]\n\nCommands:\n")
	for _, v := range verbs {
		name := v.Name
		if v.Args != "" {
			name += " " + v.Args
		}
		fmt.Fprintf(&b, "  %-22s %s\n", name, v.Short)
	}
	fmt.Fprintf(&b, "  %-22s %s\n", "help", "Show this message")
	return b.String()
}

// Dispatch runs verb. Unknown verbs are not an error: they produce the usage
// text and exit code 0.
func (o *Orchestrator) Dispatch(ctx context.Context, verb string, args []string) *Report {
	r := &Report{RunID: uuid.NewString(), Verb: verb, Started: time.Now()}
	defer func() { r.Duration = time.Since(r.Started) }()

	for _, v := range verbs {
		if v.Name == verb {
			o.logger.Printf("run %s: %s %s", r.RunID, verb, strings.Join(args, " "))
			v.run(o, ctx, args, r)
			return r
		}
	}
	r.Usage = Usage()
	return r
}

type job struct {
	plan   types.Plan
	target types.Target
}

func (o *Orchestrator) resolve(r *Report, ids ...string) ([]types.Target, bool) {
	targets := make([]types.Target, 0, len(ids))
	for _, id := range ids {
		t, err := o.cfg.Registry.Resolve(id)
		if err != nil {
			r.Err = err
			return nil, false
		}
		targets = append(targets, t)
	}
	return targets, true
}

// runJobs runs jobs on distinct hosts concurrently and jobs sharing a host in
// declared order. A failed job never stops the others.
func (o *Orchestrator) runJobs(ctx context.Context, r *Report, jobs []job) {
	var order []string
	byHost := map[string][]int{}
	for i, j := range jobs {
		key := j.target.User + "@" + j.target.Addr()
		if _, ok := byHost[key]; !ok {
			order = append(order, key)
		}
		byHost[key] = append(byHost[key], i)
	}

	col := newCollector(len(jobs))
	var g errgroup.Group
	for _, key := range order {
		idx := byHost[key]
		g.Go(func() error {
			for _, i := range idx {
				col.put(i, o.runner.Run(ctx, jobs[i].plan, jobs[i].target))
			}
			return nil
		})
	}
	_ = g.Wait()
	r.Outcomes = append(r.Outcomes, col.outcomes()...)
}

func (o *Orchestrator) statusJobs() []job {
	u := o.cfg.Units
	var jobs []job
	if t, err := o.cfg.Registry.Resolve("bot"); err == nil {
		jobs = append(jobs, job{plan.Status("status-bot", u.BotService), t})
	}
	if t, err := o.cfg.Registry.Resolve("admin"); err == nil {
		jobs = append(jobs, job{plan.Status("status-admin", u.AdminService), t})
	}
	if t, ok := o.cfg.Registry.ByRole(types.RoleVPNNode); ok {
		jobs = append(jobs, job{plan.Status("status-vpn", u.VPNService), t})
	}
	return jobs
}

func (o *Orchestrator) bot(ctx context.Context, _ []string, r *Report) {
	ts, ok := o.resolve(r, "bot")
	if !ok {
		return
	}
	o.runJobs(ctx, r, []job{{plan.BotDeploy(o.cfg.Units, ts[0]), ts[0]}})
}

func (o *Orchestrator) admin(ctx context.Context, _ []string, r *Report) {
	ts, ok := o.resolve(r, "admin")
	if !ok {
		return
	}
	o.runJobs(ctx, r, []job{{plan.AdminDeploy(o.cfg.Units, ts[0]), ts[0]}})
}

func (o *Orchestrator) all(ctx context.Context, _ []string, r *Report) {
	ts, ok := o.resolve(r, "bot", "admin")
	if !ok {
		return
	}
	jobs := []job{
		{plan.BotDeploy(o.cfg.Units, ts[0]), ts[0]},
		{plan.AdminDeploy(o.cfg.Units, ts[1]), ts[1]},
	}
	o.runJobs(ctx, r, append(jobs, o.statusJobs()...))
}

func (o *Orchestrator) status(ctx context.Context, _ []string, r *Report) {
	jobs := o.statusJobs()
	if len(jobs) == 0 {
		r.Err = types.Errorf(types.UnknownTarget, "no targets configured")
		return
	}
	o.runJobs(ctx, r, jobs)
}

func (o *Orchestrator) vpnStatus(ctx context.Context, _ []string, r *Report) {
	t, ok := o.cfg.Registry.ByRole(types.RoleVPNNode)
	if !ok {
		r.Err = types.Errorf(types.UnknownTarget, "no vpn-node target configured")
		return
	}
	o.runJobs(ctx, r, []job{{plan.Status("status-vpn", o.cfg.Units.VPNService), t}})
}

func (o *Orchestrator) restart(ctx context.Context, _ []string, r *Report) {
	ts, ok := o.resolve(r, "bot", "admin")
	if !ok {
		return
	}
	o.runJobs(ctx, r, []job{
		{plan.Restart("restart-bot", o.cfg.Units.BotService), ts[0]},
		{plan.Restart("restart-admin", o.cfg.Units.AdminService), ts[1]},
	})
}

func (o *Orchestrator) logsBot(ctx context.Context, args []string, r *Report) {
	o.logs(ctx, "bot", o.cfg.Units.BotService, args, r)
}

func (o *Orchestrator) logsAdmin(ctx context.Context, args []string, r *Report) {
	o.logs(ctx, "admin", o.cfg.Units.AdminService, args, r)
}

func (o *Orchestrator) logs(ctx context.Context, id, unit string, args []string, r *Report) {
	lines, err := lineCount(args, o.cfg.LogLines)
	if err != nil {
		r.Err = err
		return
	}
	ts, ok := o.resolve(r, id)
	if !ok {
		return
	}
	r.Raw = true
	o.runJobs(ctx, r, []job{{plan.Logs("logs-"+id, unit, lines), ts[0]}})
}

func lineCount(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, types.Errorf(types.InvalidConfiguration, "invalid line count %q", args[0])
	}
	return n, nil
}

func (o *Orchestrator) command(ctx context.Context, args []string, r *Report) {
	if len(args) == 0 {
		r.Err = types.Errorf(types.InvalidConfiguration, "cmd: missing command")
		return
	}
	ts, ok := o.resolve(r, "bot")
	if !ok {
		return
	}
	r.Raw = true
	o.runJobs(ctx, r, []job{{plan.Command(args), ts[0]}})
}

func (o *Orchestrator) migrateRemote(ctx context.Context, _ []string, r *Report) {
	ts, ok := o.resolve(r, "bot")
	if !ok {
		return
	}
	store := &migrate.RemoteStore{
		Exec:    o.exec,
		Target:  ts[0],
		DBPath:  o.cfg.DatabasePath,
		Timeout: o.cfg.CommandTimeout,
	}
	r.Migrations, r.Err = migrate.Run(ctx, store, migrate.Steps)
}

func (o *Orchestrator) migrateLocal(ctx context.Context, args []string, r *Report) {
	if len(args) != 1 {
		r.Err = types.Errorf(types.InvalidConfiguration, "migrate-local: expected exactly one database path")
		return
	}
	store, err := migrate.OpenLocal(args[0])
	if err != nil {
		r.Err = err
		return
	}
	defer store.Close()
	r.Migrations, r.Err = migrate.Run(ctx, store, migrate.Steps)
}

func (o *Orchestrator) sshBot(ctx context.Context, _ []string, r *Report) {
	ts, ok := o.resolve(r, "bot")
	if !ok {
		return
	}
	o.shell(ctx, ts[0], r)
}

func (o *Orchestrator) sshVPN(ctx context.Context, _ []string, r *Report) {
	t, ok := o.cfg.Registry.ByRole(types.RoleVPNNode)
	if !ok {
		r.Err = types.Errorf(types.UnknownTarget, "no vpn-node target configured")
		return
	}
	o.shell(ctx, t, r)
}

func (o *Orchestrator) shell(ctx context.Context, t types.Target, r *Report) {
	r.Interactive = true
	if o.term.In == nil {
		r.Err = fmt.Errorf("ssh: no terminal attached")
		return
	}
	r.Err = o.exec.Interactive(ctx, t, o.term.In, o.term.Out, o.term.Err)
}
