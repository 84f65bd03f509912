package migrate

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eniac111/plumbdeploy/internal/types"
)

func openTemp(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocal(filepath.Join(t.TempDir(), "bot_database.db"))
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func statuses(results []Result) map[string]Status {
	m := map[string]Status{}
	for _, r := range results {
		m[r.Step] = r.Status
	}
	return m
}

func TestRunAppliesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTemp(t)

	for _, ddl := range []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY)",
		"CREATE TABLE habits (id INTEGER PRIMARY KEY, user_id INTEGER)",
		"CREATE TABLE tasks (id INTEGER PRIMARY KEY, user_id INTEGER)",
	} {
		if _, err := store.db.Exec(ddl); err != nil {
			t.Fatalf("seed schema: %v", err)
		}
	}

	results, err := Run(ctx, store, Steps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != len(Steps) {
		t.Fatalf("got %d results, want %d", len(results), len(Steps))
	}
	got := statuses(results)
	for name, want := range map[string]Status{
		"0001_ix_tasks_user_id":                    StatusApplied,
		"0002_ix_diary_entries_user_id":            StatusSkipped, // no such table
		"0008_habits_reminder_interval_minutes":    StatusApplied,
		"0009_scheduled_reminders":                 StatusApplied,
		"0013_users_vpn_reminder_3d_sent":          StatusApplied,
		"0015_subscriptions_reminder_3d_sent":      StatusSkipped,
		"0017_daily_usages_calendar_tasks_created": StatusSkipped,
	} {
		if got[name] != want {
			t.Fatalf("%s: status %q, want %q", name, got[name], want)
		}
	}

	var n int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('habits') WHERE name = 'ignored_count'").Scan(&n); err != nil || n != 1 {
		t.Fatalf("habits.ignored_count missing (n=%d, err=%v)", n, err)
	}

	again, err := Run(ctx, store, Steps)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	for _, r := range again {
		if r.Status != StatusAlreadyApplied {
			t.Fatalf("%s: second run status %q, want already-applied", r.Step, r.Status)
		}
	}
}

func TestRunRecordsHandAppliedColumn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTemp(t)

	if _, err := store.db.Exec("CREATE TABLE habits (id INTEGER PRIMARY KEY, learned_times TEXT)"); err != nil {
		t.Fatalf("seed schema: %v", err)
	}
	results, err := Run(ctx, store, []Step{addColumn("0010_habits_learned_times", "habits", "learned_times", "TEXT")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Status != StatusSkipped {
		t.Fatalf("status %q, want skipped", results[0].Status)
	}
	applied, err := store.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if !applied["0010_habits_learned_times"] {
		t.Fatalf("a guarded skip should still be recorded")
	}
}

func TestRunStopsAtFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTemp(t)

	steps := []Step{
		{Name: "0001_ok", SQL: "CREATE TABLE a (id INTEGER)"},
		{Name: "0002_broken", SQL: "CREATE TABLE b (id INTEGER); ALTER TABLE missing ADD COLUMN x INTEGER"},
		{Name: "0003_never", SQL: "CREATE TABLE c (id INTEGER)"},
	}
	results, err := Run(ctx, store, steps)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if len(results) != 2 || results[1].Status != StatusFailed {
		t.Fatalf("unexpected results: %+v", results)
	}

	applied, _ := store.Applied(ctx)
	if !applied["0001_ok"] || applied["0002_broken"] || applied["0003_never"] {
		t.Fatalf("unexpected tracking rows: %v", applied)
	}
	var n int
	store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'b'").Scan(&n)
	if n != 0 {
		t.Fatalf("failed step left table b behind")
	}
}

func TestRunRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	steps := []Step{{Name: "x", SQL: "SELECT 1"}, {Name: "x", SQL: "SELECT 2"}}
	if _, err := Run(context.Background(), nil, steps); err == nil {
		t.Fatalf("expected an error for duplicate names")
	}
}

// sqliteCLI stands in for the remote sqlite3 binary.
type sqliteCLI struct {
	scripts []string
	argv    [][]string
	answer  func(script string) (string, bool)
}

func (f *sqliteCLI) Execute(_ context.Context, a types.Action, t types.Target, _ time.Duration) types.ExecutionResult {
	cmd := a.(types.RemoteCommand)
	f.scripts = append(f.scripts, cmd.Stdin)
	f.argv = append(f.argv, cmd.Argv)
	out, ok := f.answer(cmd.Stdin)
	res := types.ExecutionResult{ActionRef: a.Describe(), TargetRef: t.ID, Output: out, Succeeded: ok}
	if !ok {
		res.Stderr = "Error: near line 2: no such table: habits\n"
		res.Err = &types.Error{Kind: types.RemoteCommandFailed, ExitCode: 1, Msg: a.Describe()}
	}
	return res
}

func TestRemoteStoreScripts(t *testing.T) {
	t.Parallel()

	cli := &sqliteCLI{answer: func(script string) (string, bool) {
		switch {
		case strings.Contains(script, "SELECT name FROM "+TrackingTable):
			return "0001_first\n", true
		case strings.HasPrefix(script, "SELECT ("):
			return "0\n", true
		}
		return "", true
	}}
	store := &RemoteStore{Exec: cli, Target: types.Target{ID: "bot"}, DBPath: "/opt/jarvis-bot/bot_database.db"}

	steps := []Step{
		{Name: "0001_first", SQL: "CREATE TABLE a (id INTEGER)"},
		addColumn("0002_second", "habits", "ignored_count", "INTEGER DEFAULT 0"),
	}
	results, err := Run(context.Background(), store, steps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Status != StatusAlreadyApplied || results[1].Status != StatusApplied {
		t.Fatalf("unexpected results: %+v", results)
	}

	if want := []string{"sqlite3", "-bail", "/opt/jarvis-bot/bot_database.db"}; strings.Join(cli.argv[0], " ") != strings.Join(want, " ") {
		t.Fatalf("argv = %v", cli.argv[0])
	}
	apply := cli.scripts[len(cli.scripts)-1]
	for _, part := range []string{
		"BEGIN;\n",
		"ALTER TABLE habits ADD COLUMN ignored_count INTEGER DEFAULT 0;\n",
		"INSERT OR IGNORE INTO schema_migrations (name) VALUES ('0002_second');\n",
		"COMMIT;\n",
	} {
		if !strings.Contains(apply, part) {
			t.Fatalf("apply script missing %q:\n%s", part, apply)
		}
	}
}

func TestRemoteStoreSurfacesStderr(t *testing.T) {
	t.Parallel()

	cli := &sqliteCLI{answer: func(script string) (string, bool) {
		return "", !strings.HasPrefix(script, "BEGIN;")
	}}
	store := &RemoteStore{Exec: cli, Target: types.Target{ID: "bot"}, DBPath: "db"}

	_, err := Run(context.Background(), store, []Step{{Name: "0001", SQL: "ALTER TABLE habits ADD COLUMN x INTEGER"}})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !strings.Contains(err.Error(), "no such table: habits") {
		t.Fatalf("error should carry sqlite3 stderr: %v", err)
	}
	if types.ExitCodeOf(err) != 1 {
		t.Fatalf("exit code = %d, want 1", types.ExitCodeOf(err))
	}
}
