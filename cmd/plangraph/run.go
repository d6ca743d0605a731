package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/basket/plangraph/internal/audit"
	"github.com/basket/plangraph/internal/bus"
	"github.com/basket/plangraph/internal/coordinator"
	"github.com/basket/plangraph/internal/persistence"
	"github.com/basket/plangraph/internal/plan"
	"github.com/basket/plangraph/internal/telemetry"
	"github.com/basket/plangraph/internal/tui"
)

func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	planName := fs.String("plan", "", "name of a plan in config.yaml")
	noTUI := fs.Bool("no-tui", false, "print plain progress lines instead of the live view")
	delay := fs.Duration("delay", 0, "simulated latency per step")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig()
	if !ok {
		return 1
	}
	p, err := loadPlanArg(cfg, *planName, fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, "usage: plangraph run [-plan <name> | <file>] [-no-tui] [-delay 500ms]")
			return 2
		}
		return 1
	}

	a, err := newApp(ctx, cfg, appOptions{
		command:   "run",
		quietLogs: true,
		runner:    coordinator.EchoRunner{GeneratorTool: cfg.Synthesis.GeneratorTool, Delay: *delay},
	})
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	defer a.Close()

	return followExecution(ctx, a, planTitle(p), !*noTUI, func(ctx context.Context) (*coordinator.ExecutionResult, error) {
		return a.executor.Execute(ctx, p)
	})
}

func runRetryCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(stderr)
	execID := fs.String("exec", "", "execution id")
	stepID := fs.String("step", "", "step id to retry from")
	noTUI := fs.Bool("no-tui", false, "print plain progress lines instead of the live view")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *execID == "" || *stepID == "" || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: plangraph retry -exec <id> -step <id> [-no-tui]")
		return 2
	}

	cfg, ok := loadConfig()
	if !ok {
		return 1
	}
	a, err := newApp(ctx, cfg, appOptions{command: "retry", quietLogs: true})
	if err != nil {
		fmt.Fprintf(stderr, "retry: %v\n", err)
		return 1
	}
	defer a.Close()

	p, err := a.store.LoadPlan(ctx, *execID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			fmt.Fprintf(stderr, "retry: execution %s not found\n", *execID)
		} else {
			fmt.Fprintf(stderr, "retry: %v\n", err)
		}
		return 1
	}
	ev := audit.Event{Action: "retry", Outcome: audit.Rejected, ExecutionID: *execID, StepID: *stepID, Subject: "cli"}
	reset, err := a.executor.PrepareRetry(ctx, *execID, p, *stepID)
	if err != nil {
		ev.Detail = err.Error()
		audit.Record(ev)
		var nf *plan.StepNotFoundError
		if errors.As(err, &nf) {
			fmt.Fprintf(stderr, "retry: execution %s has no step %s\n", *execID, nf.StepID)
		} else {
			fmt.Fprintf(stderr, "retry: %v\n", err)
		}
		return 1
	}
	ev.Outcome, ev.Detail = audit.Accepted, "reset "+strings.Join(reset, ",")
	audit.Record(ev)
	fmt.Fprintf(stdout, "reset %d step(s): %v\n", len(reset), reset)

	return followExecution(ctx, a, planTitle(p), !*noTUI, func(ctx context.Context) (*coordinator.ExecutionResult, error) {
		return a.executor.Resume(ctx, *execID, p)
	})
}

func planTitle(p *plan.Plan) string {
	if p.Title != "" {
		return p.Title
	}
	return p.ID
}

type runOutcome struct {
	res *coordinator.ExecutionResult
	err error
}

// followExecution runs start in the background and shows its progress: the
// live view on a terminal, plain lines otherwise. Quitting the live view
// cancels the run. It returns the process exit code.
func followExecution(ctx context.Context, a *app, title string, allowTUI bool, start func(context.Context) (*coordinator.ExecutionResult, error)) int {
	sub := a.bus.Subscribe(bus.TopicPlanPrefix)
	defer a.bus.Unsubscribe(sub)

	logCtx, stopLogs := context.WithCancel(ctx)
	defer stopLogs()
	go telemetry.LogPlanEvents(logCtx, a.bus, a.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan runOutcome, 1)
	go func() {
		res, err := start(runCtx)
		done <- runOutcome{res, err}
	}()

	var out runOutcome
	if allowTUI && interactiveOutput() {
		final, err := tui.RunProgress(ctx, tui.NewProgressModel(title, sub.Ch()), stdout)
		if final.Interrupted() || err != nil {
			cancel()
		}
		out = <-done
	} else {
		out = printProgress(sub.Ch(), done)
	}
	return reportOutcome(out)
}

// printProgress prints one line per event until the run finishes, then
// drains what is already buffered.
func printProgress(events <-chan bus.Event, done <-chan runOutcome) runOutcome {
	for {
		select {
		case ev := <-events:
			if line, ok := tui.EventLine(ev); ok {
				fmt.Fprintln(stdout, line)
			}
		case out := <-done:
			for {
				select {
				case ev := <-events:
					if line, ok := tui.EventLine(ev); ok {
						fmt.Fprintln(stdout, line)
					}
				default:
					return out
				}
			}
		}
	}
}

func reportOutcome(out runOutcome) int {
	if out.res == nil {
		fmt.Fprintf(stderr, "execution failed: %v\n", out.err)
		return 1
	}
	res := out.res
	fmt.Fprintf(stdout, "\nexecution %s %s in %s: %d completed, %d failed, %d skipped\n",
		res.ExecutionID, res.Status, res.Duration.Truncate(time.Millisecond),
		len(res.Completed), len(res.Failed), len(res.Skipped))
	if res.Status == coordinator.ExecutionFailed {
		fmt.Fprintf(stdout, "retry with: plangraph retry -exec %s -step %s\n", res.ExecutionID, firstOr(res.Failed, "<step>"))
	}
	if res.Status != coordinator.ExecutionSucceeded {
		return 1
	}
	return 0
}

func firstOr(ids []string, fallback string) string {
	if len(ids) > 0 {
		return ids[0]
	}
	return fallback
}
