package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eniac111/plumbdeploy/internal/modules/shell"
	"github.com/eniac111/plumbdeploy/internal/plan"
	"github.com/eniac111/plumbdeploy/internal/types"
)

// RemoteStore drives the sqlite3 CLI on the target with SQL on stdin.
type RemoteStore struct {
	Exec    plan.Executor
	Target  types.Target
	DBPath  string
	Timeout time.Duration
}

func (s *RemoteStore) run(ctx context.Context, script string) (string, error) {
	res := s.Exec.Execute(ctx, shell.SQLite(s.DBPath, script), s.Target, s.Timeout)
	if !res.Succeeded {
		if msg := strings.TrimSpace(res.Stderr); msg != "" {
			return res.Output, fmt.Errorf("%w: %s", res.Err, msg)
		}
		return res.Output, res.Err
	}
	return res.Output, nil
}

func (s *RemoteStore) Applied(ctx context.Context) (map[string]bool, error) {
	out, err := s.run(ctx, createTracking+";\nSELECT name FROM "+TrackingTable+";\n")
	if err != nil {
		return nil, err
	}
	applied := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			applied[line] = true
		}
	}
	return applied, nil
}

func (s *RemoteStore) Guarded(ctx context.Context, guard string) (bool, error) {
	out, err := s.run(ctx, "SELECT ("+guard+");\n")
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("unexpected guard output %q", strings.TrimSpace(out))
	}
	return n != 0, nil
}

// Apply relies on sqlite3 -bail: an error exits before COMMIT and the open
// transaction is rolled back when the CLI closes the database.
func (s *RemoteStore) Apply(ctx context.Context, step Step) error {
	script := "BEGIN;\n" + strings.TrimRight(strings.TrimSpace(step.SQL), ";") + ";\n" +
		recordSQL(step.Name) + ";\nCOMMIT;\n"
	_, err := s.run(ctx, script)
	return err
}

func (s *RemoteStore) Record(ctx context.Context, name string) error {
	_, err := s.run(ctx, recordSQL(name)+";\n")
	return err
}

// LocalStore applies steps to a local database file, e.g. a development copy.
type LocalStore struct {
	db *sql.DB
}

// OpenLocal opens (or creates) the SQLite database at path.
func OpenLocal(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error { return s.db.Close() }

func (s *LocalStore) Applied(ctx context.Context) (map[string]bool, error) {
	if _, err := s.db.ExecContext(ctx, createTracking); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM "+TrackingTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *LocalStore) Guarded(ctx context.Context, guard string) (bool, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT ("+guard+")").Scan(&n); err != nil {
		return false, err
	}
	return n.Valid && n.Int64 != 0, nil
}

func (s *LocalStore) Apply(ctx context.Context, step Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, recordSQL(step.Name)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LocalStore) Record(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, recordSQL(name))
	return err
}
