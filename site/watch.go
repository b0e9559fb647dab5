package site

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/logfields"
)

// Notifier is told about every finished triggered run, once per run.
type Notifier interface {
	Notify(err error)
}

// Watch rebuilds on file system changes until ctx is cancelled. Events are
// debounced, classified into Work and handed to a Scheduler; n is notified
// after each run.
func (s *Service) Watch(ctx context.Context, n Notifier) error {
	watcher, err := s.newWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	return s.watchLoop(ctx, watcher, n)
}

// newWatcher watches every input directory below the watch roots.
func (s *Service) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range s.paths.WatchRoots() {
		if err := s.watchTree(watcher, root); err != nil {
			watcher.Close()
			return nil, err
		}
	}
	return watcher, nil
}

func (s *Service) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, n Notifier) error {
	notify := func(err error) {
		if n != nil {
			n.Notify(err)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	sched := NewScheduler(s.Rebuild, notify, s.logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()
	defer func() {
		cancel()
		<-schedDone
	}()

	debounce := s.cfg.ReloadDebounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	s.logger.Info("watching for changes", "roots", len(s.paths.WatchRoots()))
	var pending Work
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w := s.handleEvent(watcher, ev)
			if w == 0 {
				continue
			}
			pending |= w
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", logfields.Error(err))
		case <-timer.C:
			w := pending
			pending = 0
			if err := sched.Submit(ctx, w); err != nil {
				return nil
			}
		}
	}
}

// handleEvent returns the work a single event requires. New directories are
// added to the watcher and their files classified.
func (s *Service) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) Work {
	if ev.Op&^fsnotify.Chmod == 0 || s.inOutput(ev.Name) {
		return 0
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.watchTree(watcher, ev.Name); err != nil {
				s.logger.Warn("watch directory", logfields.Input(ev.Name), logfields.Error(err))
			}
			return s.workInTree(ev.Name)
		}
	}
	rel, err := s.paths.Rel(ev.Name)
	if err != nil {
		return 0
	}
	if class, ok := s.paths.Classify(rel); ok {
		s.logger.Debug("change detected", logfields.Input(rel), logfields.Class(class.String()))
		return WorkFor(class)
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		return s.workUnder(rel)
	}
	return 0
}

// WorkForPath classifies one changed path.
func (s *Service) WorkForPath(name string) Work {
	rel, err := s.paths.Rel(name)
	if err != nil {
		return 0
	}
	if class, ok := s.paths.Classify(rel); ok {
		return WorkFor(class)
	}
	return 0
}

// workInTree classifies every file below dir.
func (s *Service) workInTree(dir string) Work {
	var w Work
	_ = filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if s.inOutput(name) {
				return filepath.SkipDir
			}
			return nil
		}
		w |= s.WorkForPath(name)
		return nil
	})
	return w
}

// workUnder returns the work of every class whose inputs may live below a
// removed directory rel.
func (s *Service) workUnder(rel string) Work {
	var w Work
	for _, c := range assets.Classes() {
		abs := s.paths.Base(c)
		if abs == "" {
			continue
		}
		base, err := s.paths.Rel(abs)
		if err != nil {
			continue
		}
		if base == "." || base == rel || strings.HasPrefix(rel, base+"/") || strings.HasPrefix(base, rel+"/") {
			w |= WorkFor(c)
		}
	}
	return w
}

func (s *Service) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if s.inOutput(name) {
			return filepath.SkipDir
		}
		return watcher.Add(name)
	})
}

func (s *Service) inOutput(name string) bool {
	dist, err := filepath.Abs(s.paths.Dist())
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	return abs == dist || strings.HasPrefix(abs, dist+string(filepath.Separator))
}
