// Command plangraph normalizes, lays out, runs and serves step plans.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Command output goes through these so tests can capture it.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func printUsage(w io.Writer) {
	name := "plangraph"
	fmt.Fprintf(w, `Usage: %s <command> [flags]

COMMANDS:
  init                        Write a starter config.yaml into PLANGRAPH_HOME
  normalize [flags] <file>    Print the normalized plan
                              Flags: -format json|yaml
  layers [flags] <file>       Render the plan's layers
                              Flags: -color auto|always|never, -raw
  run [flags] [<file>]        Execute a plan file or a configured plan
                              Flags: -plan <name>, -no-tui, -delay <duration>
  retry -exec <id> -step <id> Reset a step and its dependents and resume
  serve [flags]               Start the gateway, cron scheduler and config watcher
                              Flags: -addr <host:port>
  watch [flags] <file>        Re-render layers whenever the file changes
  status                      Query the running server's /healthz
  doctor [-json]              Check config, plans, database and listener
  version                     Print the version

ENVIRONMENT VARIABLES:
  PLANGRAPH_HOME              Data directory (default: ~/.plangraph)
  PLANGRAPH_NO_TUI            Set to 1 to print plain progress lines

EXAMPLES:
  %s init
  %s layers plan.yaml
  %s run -plan research-note
  %s retry -exec 3f2c... -step step2
`, name, name, name, name, name)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "init":
		return runInitCommand(ctx, rest)
	case "normalize":
		return runNormalizeCommand(ctx, rest)
	case "layers":
		return runLayersCommand(ctx, rest)
	case "run":
		return runRunCommand(ctx, rest)
	case "retry":
		return runRetryCommand(ctx, rest)
	case "serve":
		return runServeCommand(ctx, rest)
	case "watch":
		return runWatchCommand(ctx, rest)
	case "status":
		return runStatusCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

// interactiveOutput reports whether stdout is a terminal the progress UI
// can draw on.
func interactiveOutput() bool {
	f, ok := stdout.(*os.File)
	if !ok || os.Getenv("PLANGRAPH_NO_TUI") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// colorMode resolves -color auto|always|never.
func colorMode(mode string) (bool, error) {
	switch strings.ToLower(mode) {
	case "", "auto":
		return interactiveOutput(), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, fmt.Errorf("invalid -color %q (want auto, always or never)", mode)
	}
}
