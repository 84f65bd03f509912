package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/eniac111/plumbdeploy/internal/migrate"
	"github.com/eniac111/plumbdeploy/internal/plan"
	"github.com/eniac111/plumbdeploy/internal/types"
)

// Report is everything one Dispatch produced.
type Report struct {
	RunID       string
	Verb        string
	Started     time.Time
	Duration    time.Duration
	Usage       string // set when the verb was help or unknown
	Outcomes    []*plan.Outcome
	Migrations  []migrate.Result
	Raw         bool // pass remote stdout through unmodified
	Interactive bool
	Err         error
}

// ExitCode is 1 when any plan failed or the run itself errored, else 0.
func (r *Report) ExitCode() int {
	if r.Err != nil {
		return 1
	}
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			return 1
		}
	}
	return 0
}

// Failed returns the plans that did not succeed.
func (r *Report) Failed() []*plan.Outcome {
	var out []*plan.Outcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// collector gathers outcomes from concurrent branches. Slots are written once
// each; reading happens after the branches have been joined.
type collector struct {
	mu    sync.Mutex
	slots []*plan.Outcome
}

func newCollector(n int) *collector {
	return &collector{slots: make([]*plan.Outcome, n)}
}

func (c *collector) put(i int, o *plan.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[i] = o
}

func (c *collector) outcomes() []*plan.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*plan.Outcome, 0, len(c.slots))
	for _, o := range c.slots {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// RenderOptions controls output.
type RenderOptions struct {
	Color bool
}

type palette struct {
	ok, fail, warn, dim, bold *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed, color.Bold),
		warn: color.New(color.FgYellow),
		dim:  color.New(color.Faint),
		bold: color.New(color.Bold),
	}
	for _, c := range []*color.Color{p.ok, p.fail, p.warn, p.dim, p.bold} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// Render writes the report. stdout receives usage, raw passthrough output and
// the summary; stderr receives errors.
func (r *Report) Render(stdout, stderr io.Writer, opts RenderOptions) {
	p := newPalette(opts.Color)

	if r.Usage != "" {
		fmt.Fprint(stdout, r.Usage)
		return
	}

	if r.Raw {
		r.renderRaw(stdout, stderr, p)
	} else if len(r.Outcomes) > 0 {
		r.renderOutcomes(stdout, p)
	}

	if len(r.Migrations) > 0 {
		r.renderMigrations(stdout, p)
	}

	if r.Err != nil {
		fmt.Fprintf(stderr, "%s %v\n", p.fail.Sprint("error:"), r.Err)
	}
}

func (r *Report) renderRaw(stdout, stderr io.Writer, p palette) {
	for _, o := range r.Outcomes {
		for _, res := range o.Results {
			io.WriteString(stdout, res.Output)
			if res.Stderr != "" {
				io.WriteString(stderr, res.Stderr)
			}
			if res.Err != nil {
				fmt.Fprintf(stderr, "%s %v\n", p.fail.Sprint("error:"), res.Err)
			}
		}
	}
}

func (r *Report) renderOutcomes(w io.Writer, p palette) {
	fmt.Fprintf(w, "%s %s %s\n", p.bold.Sprint("plumbdeploy"), r.Verb, p.dim.Sprintf("(run %s)", r.RunID))
	for _, o := range r.Outcomes {
		mark := p.ok.Sprint("✓")
		if !o.Succeeded() {
			mark = p.fail.Sprint("✗")
		}
		fmt.Fprintf(w, "\n%s %s on %s: %s\n", mark, p.bold.Sprint(o.Plan), o.Target.ID, o.State)

		for _, res := range o.Results {
			switch {
			case res.Succeeded:
				fmt.Fprintf(w, "  %s %s %s\n", p.ok.Sprint("ok  "), res.ActionRef, p.dim.Sprint(res.Duration.Round(time.Millisecond)))
			case res.BestEffort:
				fmt.Fprintf(w, "  %s %s %s\n", p.warn.Sprint("warn"), res.ActionRef, p.dim.Sprint("(best-effort)"))
			default:
				fmt.Fprintf(w, "  %s %s\n", p.fail.Sprint("FAIL"), res.ActionRef)
			}
			if res.Err != nil {
				fmt.Fprintf(w, "       %v\n", res.Err)
			}
			if res.BestEffort || !res.Succeeded || res.Kind == types.KindSyncFiles {
				writeIndented(w, res.Output)
				if !res.Succeeded {
					writeIndented(w, res.Stderr)
				}
			}
		}
		if o.Skipped > 0 {
			fmt.Fprintf(w, "  %s\n", p.dim.Sprintf("%d step(s) skipped", o.Skipped))
		}
	}

	failed := len(r.Failed())
	summary := fmt.Sprintf("%d plan(s) succeeded, %d failed", len(r.Outcomes)-failed, failed)
	if failed > 0 {
		fmt.Fprintf(w, "\n%s\n", p.fail.Sprint(summary))
	} else {
		fmt.Fprintf(w, "\n%s\n", p.ok.Sprint(summary))
	}
}

func (r *Report) renderMigrations(w io.Writer, p palette) {
	fmt.Fprintln(w, p.bold.Sprint("migrations"))
	for _, m := range r.Migrations {
		var status string
		switch m.Status {
		case migrate.StatusApplied:
			status = p.ok.Sprint(string(m.Status))
		case migrate.StatusFailed:
			status = p.fail.Sprint(string(m.Status))
		default:
			status = p.dim.Sprint(string(m.Status))
		}
		fmt.Fprintf(w, "  %-16s %s\n", status, m.Step)
		if m.Err != nil {
			fmt.Fprintf(w, "       %v\n", m.Err)
		}
	}
}

func writeIndented(w io.Writer, s string) {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return
	}
	for _, line := range strings.Split(s, "\n") {
		fmt.Fprintf(w, "       %s\n", line)
	}
}
