package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/basket/plangraph/internal/config"
	"github.com/basket/plangraph/internal/plan"
	"github.com/basket/plangraph/internal/planio"
	"github.com/basket/plangraph/internal/tui"
)

func runInitCommand(_ context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: plangraph init")
		return 2
	}
	home := config.HomeDir()
	wrote, err := config.WriteStarter(home)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	if !wrote {
		fmt.Fprintf(stdout, "%s already exists, left unchanged\n", config.ConfigPath(home))
		return 0
	}
	fmt.Fprintf(stdout, "wrote %s\n", config.ConfigPath(home))
	return 0
}

// warnObserver prints dangling dependency warnings to stderr.
func warnObserver() plan.Observer {
	return plan.ObserverFunc(func(ev plan.Event) {
		if ev.Kind == plan.EventDanglingDependency && ev.Err != nil {
			fmt.Fprintf(stderr, "warning: %v\n", ev.Err)
		}
	})
}

func newEngine(cfg config.Config) *plan.Engine {
	opts := cfg.EngineOptions()
	opts.Observer = warnObserver()
	return plan.NewEngine(opts)
}

func runNormalizeCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: plangraph normalize [-format json|yaml] <file>")
		return 2
	}
	f, err := planio.ParseFormat(*format)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, ok := loadConfig()
	if !ok {
		return 1
	}
	p, err := planio.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "normalize: %v\n", err)
		return 1
	}
	if _, err := newEngine(cfg).Normalize(p); err != nil {
		fmt.Fprintf(stderr, "normalize: %v\n", err)
		return 1
	}
	data, err := planio.Marshal(p, f)
	if err != nil {
		fmt.Fprintf(stderr, "normalize: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(data)
	return 0
}

type layersFlags struct {
	color string
	raw   bool
}

func (lf *layersFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&lf.color, "color", "auto", "color output: auto, always or never")
	fs.BoolVar(&lf.raw, "raw", false, "lay out the plan as written, without normalizing it")
}

// renderFile loads, optionally normalizes and renders a plan file.
func renderFile(engine *plan.Engine, path string, lf layersFlags) (string, error) {
	color, err := colorMode(lf.color)
	if err != nil {
		return "", err
	}
	p, err := planio.Load(path)
	if err != nil {
		return "", err
	}
	var l *plan.Layering
	if lf.raw {
		l, err = engine.Layers(p)
	} else {
		l, err = engine.Normalize(p)
	}
	if err != nil {
		return "", err
	}
	header := p.ID
	if p.Title != "" {
		header = p.Title + " (" + p.ID + ")"
	}
	return header + "\n" + tui.RenderLayers(l, color), nil
}

func runLayersCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("layers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var lf layersFlags
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: plangraph layers [-color auto|always|never] [-raw] <file>")
		return 2
	}
	cfg, ok := loadConfig()
	if !ok {
		return 1
	}
	out, err := renderFile(newEngine(cfg), fs.Arg(0), lf)
	if err != nil {
		fmt.Fprintf(stderr, "layers: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, out)
	return 0
}

const clearScreen = "\x1b[H\x1b[2J"

func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var lf layersFlags
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: plangraph watch [-color auto|always|never] [-raw] <file>")
		return 2
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}
	cfg, ok := loadConfig()
	if !ok {
		return 1
	}

	interactive := interactiveOutput()
	render := func() {
		out, err := renderFile(newEngine(cfg), path, lf)
		if interactive {
			fmt.Fprint(stdout, clearScreen)
		}
		if err != nil {
			fmt.Fprintf(stdout, "%s: %v\n", path, err)
			return
		}
		fmt.Fprint(stdout, out)
	}
	render()

	w := config.NewWatcher(cfg.HomeDir, nil, path)
	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}
	configPath, _ := filepath.Abs(config.ConfigPath(cfg.HomeDir))
	for ev := range w.Events() {
		if ev.Path == configPath {
			next, err := config.Load()
			if err != nil {
				fmt.Fprintf(stderr, "config reload: %v\n", err)
				continue
			}
			cfg = next
		}
		render()
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
