package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// skipDirs are never watched.
var skipDirs = map[string]bool{
	"__pycache__": true, ".git": true, ".hg": true, ".svn": true,
	".mypy_cache": true, ".pytest_cache": true,
}

func skipDir(root, path, name string) bool {
	if path == root {
		return false
	}
	return skipDirs[name] || strings.HasPrefix(name, ".")
}

// NotifySource watches a directory tree with native notifications.
// Directories created later are added as they appear.
type NotifySource struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan Event
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

// NewNotifySource starts watching root recursively.
func NewNotifySource(root string) (*NotifySource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addWatchRecursive(w, abs, abs); err != nil {
		w.Close()
		return nil, err
	}
	s := &NotifySource{
		root:    abs,
		watcher: w,
		events:  make(chan Event, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *NotifySource) Events() <-chan Event { return s.events }
func (s *NotifySource) Errors() <-chan error { return s.errs }

// Close stops watching and closes the channels.
func (s *NotifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}

func (s *NotifySource) loop() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
					if skipDir(s.root, path, info.Name()) {
						continue
					}
					_ = addWatchRecursive(s.watcher, path, s.root)
				}
			}
			op := opName(event.Op)
			if op == "" {
				continue
			}
			select {
			case s.events <- Event{Path: path, Op: op}:
			case <-s.done:
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	case op&fsnotify.Chmod != 0:
		return "chmod"
	}
	return ""
}

func addWatchRecursive(w *fsnotify.Watcher, dir, root string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if skipDir(root, path, entry.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
