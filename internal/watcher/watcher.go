// Package watcher reports file-system changes under a library directory,
// either from native notifications or by polling, and coalesces bursts of
// changes into a single callback.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// DefaultDebounce is the coalescing delay applied when none is configured.
const DefaultDebounce = 250 * time.Millisecond

// ErrClosed is returned by Debounce when its source closes.
var ErrClosed = errors.New("watch source closed")

// Event is a change to one path.
type Event struct {
	Path string
	Op   string // create, write, remove, rename, chmod
}

// Source delivers change events until closed.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// Debounce calls onChange with the sorted set of changed paths once delay
// has passed without further events. It returns nil when ctx ends, the
// source's first error, or ErrClosed.
func Debounce(ctx context.Context, src Source, delay time.Duration, onChange func(paths []string)) error {
	if delay <= 0 {
		delay = DefaultDebounce
	}

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()
	pending := false
	pendingPaths := map[string]bool{}

	resetDebounce := func(path string) {
		if path != "" {
			pendingPaths[path] = true
		}
		if pending {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(delay)
		pending = true
	}

	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrClosed
			}
			resetDebounce(ev.Path)
		case <-timer.C:
			if pending {
				pending = false
				changed := make([]string, 0, len(pendingPaths))
				for path := range pendingPaths {
					changed = append(changed, path)
				}
				sort.Strings(changed)
				pendingPaths = map[string]bool{}
				slog.Debug("watcher.changed", "paths", len(changed))
				onChange(changed)
			}
		case err, ok := <-errs:
			if !ok {
				return ErrClosed
			}
			return err
		}
	}
}
