// Package watch notices changes to a repository's refs and packs and asks
// the engine to refresh, coalescing bursts of file events.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDelay = 350 * time.Millisecond

// Watcher calls onChange once per burst of relevant events under a git
// directory.
type Watcher struct {
	gitDir   string
	delay    time.Duration
	onChange func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending *burst
	done    chan struct{}
}

func New(gitDir string, delay time.Duration, onChange func()) *Watcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	w := &Watcher{gitDir: gitDir, delay: delay, onChange: onChange}
	w.pending = newBurst(delay, w.flush)
	return w
}

// Start begins watching. Calling Start on a running watcher does nothing.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	for _, path := range Paths(w.gitDir) {
		slog.Debug("adding path to FS watcher", slog.String("path", path))
		if err := fw.Add(path); err != nil {
			err := errors.Join(err, fw.Close())
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
	w.watcher = fw
	w.done = make(chan struct{})
	go w.loop(fw, w.done)
	return nil
}

// Stop ends watching and drops any pending notification.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.watcher, w.done = nil, nil
	w.pending.drop()
	w.mu.Unlock()
	if fw == nil {
		return
	}
	if err := fw.Close(); err != nil {
		slog.Error("watcher close", slog.Any("error", err))
	}
	<-done
}

func (w *Watcher) loop(fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := fw.Add(ev.Name); err != nil {
						slog.Warn("watch new directory", slog.String("path", ev.Name), slog.Any("error", err))
					}
				}
			}
			if Ignored(ev.Name) {
				continue
			}
			slog.Debug("fsnotify event",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name),
			)
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	w.pending.add()
}

func (w *Watcher) flush(events int) {
	slog.Debug("refresh after burst", slog.Int("events", events))
	w.onChange()
}

// Paths lists the directories whose changes can move refs or add objects.
// fsnotify is not recursive, so each ref namespace present is listed.
func Paths(gitDir string) []string {
	var paths []string
	add := func(p string) {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			paths = append(paths, p)
		}
	}
	add(gitDir)
	add(filepath.Join(gitDir, "objects", "pack"))
	refs := filepath.Join(gitDir, "refs")
	_ = filepath.WalkDir(refs, func(p string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			add(p)
		}
		return nil
	})
	return paths
}

// Ignored reports events on lock and temporary files, which always precede
// the rename that matters.
func Ignored(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".lock" || ext == ".ipc" {
		return true
	}
	base := filepath.Base(name)
	return strings.HasPrefix(base, "tmp_") || strings.HasPrefix(base, "tmp-")
}
