package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long a batch of changes collects before it is reported.
const settleDelay = 100 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and any extra files (plan files
// being watched by `plangraph watch`). It watches the parent directories so
// that rename-on-save and files created after Start are both seen.
type Watcher struct {
	homeDir string
	extra   []string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		extra:   extra,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. The events channel is closed when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	wanted := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, file := range append([]string{ConfigPath(w.homeDir)}, w.extra...) {
		abs, err := filepath.Abs(file)
		if err != nil {
			abs = filepath.Clean(file)
		}
		wanted[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("watch skipped", "dir", dir, "error", err)
		}
	}

	go w.loop(ctx, fsw, wanted)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, wanted map[string]bool) {
	defer fsw.Close()
	defer close(w.events)

	pending := make(map[string]fsnotify.Op)
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || !wanted[name] {
				continue
			}
			// The first change of a batch arms the timer; later ones join
			// the batch so a steady stream of writes still gets reported.
			if len(pending) == 0 {
				settle.Reset(settleDelay)
			}
			pending[name] |= ev.Op
		case <-settle.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				op := pending[p]
				delete(pending, p)
				select {
				case w.events <- ReloadEvent{Path: p, Op: op}:
				default:
				}
				w.logger.Info("watched file changed", "path", p, "op", op.String())
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
