// Package migrate applies the bot database's schema changes once each, in
// order, recording them in a schema_migrations table. There are no down
// migrations.
package migrate

import (
	"context"
	"fmt"
	"strings"
)

// TrackingTable records applied step names.
const TrackingTable = "schema_migrations"

const createTracking = "CREATE TABLE IF NOT EXISTS " + TrackingTable +
	" (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL DEFAULT (datetime('now')))"

// Step is one named schema change.
type Step struct {
	Name string
	SQL  string
	// Guard is an optional SELECT yielding non-zero when the change is
	// already present, e.g. a column added by hand before tracking existed.
	Guard string
}

// Store is a database the steps can be applied to.
type Store interface {
	Applied(ctx context.Context) (map[string]bool, error)
	Guarded(ctx context.Context, guard string) (bool, error)
	// Apply runs the step body and records it in one transaction.
	Apply(ctx context.Context, step Step) error
	Record(ctx context.Context, name string) error
}

// Status tells what happened to a step.
type Status string

const (
	StatusApplied        Status = "applied"
	StatusSkipped        Status = "skipped"
	StatusAlreadyApplied Status = "already-applied"
	StatusFailed         Status = "failed"
)

// Result is the outcome for one step.
type Result struct {
	Step   string
	Status Status
	Err    error
}

// Run applies every step not yet recorded, stopping at the first failure.
func Run(ctx context.Context, store Store, steps []Step) ([]Result, error) {
	if err := validate(steps); err != nil {
		return nil, err
	}
	applied, err := store.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TrackingTable, err)
	}

	results := make([]Result, 0, len(steps))
	for _, step := range steps {
		if applied[step.Name] {
			results = append(results, Result{Step: step.Name, Status: StatusAlreadyApplied})
			continue
		}

		if step.Guard != "" {
			present, err := store.Guarded(ctx, step.Guard)
			if err != nil {
				results = append(results, Result{Step: step.Name, Status: StatusFailed, Err: err})
				return results, fmt.Errorf("migration %s: guard: %w", step.Name, err)
			}
			if present {
				if err := store.Record(ctx, step.Name); err != nil {
					results = append(results, Result{Step: step.Name, Status: StatusFailed, Err: err})
					return results, fmt.Errorf("migration %s: record: %w", step.Name, err)
				}
				results = append(results, Result{Step: step.Name, Status: StatusSkipped})
				continue
			}
		}

		if err := store.Apply(ctx, step); err != nil {
			results = append(results, Result{Step: step.Name, Status: StatusFailed, Err: err})
			return results, fmt.Errorf("migration %s: %w", step.Name, err)
		}
		results = append(results, Result{Step: step.Name, Status: StatusApplied})
	}
	return results, nil
}

func validate(steps []Step) error {
	seen := map[string]bool{}
	for i, s := range steps {
		if s.Name == "" || strings.TrimSpace(s.SQL) == "" {
			return fmt.Errorf("migration #%d: name and SQL are required", i+1)
		}
		if seen[s.Name] {
			return fmt.Errorf("migration %s: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// quote renders s as an SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func recordSQL(name string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (name) VALUES (%s)", TrackingTable, quote(name))
}
