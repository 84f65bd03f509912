package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := &Error{Kind: RemoteCommandFailed, ExitCode: 3, Msg: "status jarvis-bot"}
	err := fmt.Errorf("plan bot: %w", base)

	if got := KindOf(err); got != RemoteCommandFailed {
		t.Fatalf("KindOf = %q, want %q", got, RemoteCommandFailed)
	}
	if got := ExitCodeOf(err); got != 3 {
		t.Fatalf("ExitCodeOf = %d, want 3", got)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("unclassified error should have no kind")
	}
	if ExitCodeOf(Errorf(Timeout, "slow")) != -1 {
		t.Fatalf("only RemoteCommandFailed carries an exit code")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: RemoteCommandFailed, ExitCode: 2, Msg: "run false"}
	if got, want := err.Error(), "RemoteCommandFailed: run false (exit code 2)"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	wrapped := Wrap(ConnectionFailed, errors.New("refused"), "connect to %s", "h:22")
	if got, want := wrapped.Error(), "ConnectionFailed: connect to h:22: refused"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Fatalf("Unwrap should expose the cause")
	}
}

func TestStepBestEffort(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want bool
	}{
		{"status is always best-effort", Step{Action: ServiceControl{Unit: "u", Verb: ServiceStatus}}, true},
		{"restart is not", Step{Action: ServiceControl{Unit: "u", Verb: ServiceRestart}}, false},
		{"flagged command", Step{Action: RemoteCommand{Argv: []string{"journalctl"}}, BestEffort: true}, true},
		{"sync", Step{Action: SyncFiles{Source: ".", Dest: "/opt"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.step.IsBestEffort(); got != tt.want {
				t.Fatalf("IsBestEffort() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTargetAddr(t *testing.T) {
	if got := (Target{Host: "10.0.0.1"}).Addr(); got != "10.0.0.1:22" {
		t.Fatalf("Addr() = %q", got)
	}
	if got := (Target{Host: "example.org", Port: 2222}).Addr(); got != "example.org:2222" {
		t.Fatalf("Addr() = %q", got)
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"bot", "admin-panel", "vpn-node"} {
		if _, err := ParseRole(s); err != nil {
			t.Fatalf("ParseRole(%q): %v", s, err)
		}
	}
	if _, err := ParseRole("database"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
