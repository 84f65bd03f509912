package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eniac111/plumbdeploy/internal/config"
	"github.com/eniac111/plumbdeploy/internal/executor"
	"github.com/eniac111/plumbdeploy/internal/orchestrator"
	"github.com/eniac111/plumbdeploy/internal/ssh"
)

type globalFlags struct {
	envFile     string
	targetsFile string
	verbose     bool
	noColor     bool
}

// newRootCmd builds the CLI. The exit status of the last dispatched verb is
// stored in *exitCode.
func newRootCmd(stdin *os.File, stdout, stderr io.Writer, exitCode *int) *cobra.Command {
	var flags globalFlags

	printUsage := func() { fmt.Fprint(stdout, orchestrator.Usage()) }

	root := &cobra.Command{
		Use:           "plumbdeploy <command> [args]",
		Short:         "Deploy the bot and admin panel over SSH",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		// Unknown verbs land here and print usage with status 0.
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			*exitCode = 0
			return nil
		},
	}
	root.FParseErrWhitelist.UnknownFlags = true
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetHelpFunc(func(*cobra.Command, []string) { printUsage() })

	pf := root.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file with DEPLOY_* and VPN_* settings")
	pf.StringVar(&flags.targetsFile, "targets", "", "optional YAML or TOML targets file")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log connection and plan progress to stderr")
	pf.BoolVar(&flags.noColor, "no-color", false, "disable colored output")

	for _, v := range orchestrator.Verbs() {
		use := v.Name
		if v.Args != "" {
			use += " " + v.Args
		}
		sub := &cobra.Command{
			Use:   use,
			Short: v.Short,
			Args:  cobra.ArbitraryArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				*exitCode = dispatch(cmd.Context(), flags, v.Name, args, stdin, stdout, stderr)
				return nil
			},
		}
		// "cmd uptime -p": everything after the first argument belongs to the remote command
		sub.Flags().SetInterspersed(false)
		root.AddCommand(sub)
	}
	return root
}

func dispatch(ctx context.Context, flags globalFlags, verb string, args []string, stdin *os.File, stdout, stderr io.Writer) int {
	logger := log.New(io.Discard, "", 0)
	if flags.verbose {
		logger = log.New(stderr, "plumbdeploy: ", log.LstdFlags)
	}

	cfg, err := config.Load(config.Options{EnvFile: flags.envFile, TargetsFile: flags.targetsFile})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	logger.Printf("targets:\n%s", cfg.Registry)

	exec := executor.New(
		executor.SSHDialer{Options: ssh.Options{Secret: cfg.Secret, DialTimeout: cfg.CommandTimeout, Logger: logger}},
		executor.Options{Retries: cfg.Retries, RetryDelay: cfg.RetryDelay, Logger: logger},
	)
	defer func() {
		if err := exec.Close(); err != nil {
			logger.Printf("close: %v", err)
		}
	}()

	orch := orchestrator.New(cfg, exec, orchestrator.Terminal{In: stdin, Out: stdout, Err: stderr}, logger)
	report := orch.Dispatch(ctx, verb, args)
	report.Render(stdout, stderr, orchestrator.RenderOptions{Color: !flags.noColor && !color.NoColor})
	return report.ExitCode()
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	root := newRootCmd(stdin, stdout, stderr, &exitCode)
	if args == nil {
		// cobra reads os.Args when given nil
		args = []string{}
	}
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return exitCode
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
