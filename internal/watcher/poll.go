package watcher

import (
	"encoding/binary"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

const maxInterval = 60 * time.Second

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

// PollSource detects changes by comparing periodic snapshots of file
// modification times and sizes. It serves file systems without native
// notifications.
type PollSource struct {
	root     string
	interval time.Duration // 0 adapts to the tree size
	events   chan Event
	errs     chan error
	done     chan struct{}
	once     sync.Once
}

// NewPollSource starts polling root. The first snapshot is a baseline and
// produces no events.
func NewPollSource(root string, interval time.Duration) *PollSource {
	s := &PollSource{
		root:     filepath.Clean(root),
		interval: interval,
		events:   make(chan Event, 64),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *PollSource) Events() <-chan Event { return s.events }
func (s *PollSource) Errors() <-chan error { return s.errs }

// Close stops polling.
func (s *PollSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *PollSource) loop() {
	defer close(s.events)

	snap, err := captureSnapshot(s.root)
	if err != nil {
		slog.Warn("watcher.snapshot", "root", s.root, "err", err)
	}
	sum := fingerprint(snap)

	for {
		wait := s.interval
		if wait <= 0 {
			wait = pollInterval(len(snap))
		}
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		if _, err := os.Stat(s.root); err != nil {
			slog.Warn("watcher.root_gone", "root", s.root)
			continue
		}
		next, err := captureSnapshot(s.root)
		if err != nil {
			slog.Warn("watcher.snapshot", "root", s.root, "err", err)
			continue
		}
		nextSum := fingerprint(next)
		if nextSum == sum {
			continue
		}
		for _, ev := range diffSnapshots(snap, next) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
		snap, sum = next, nextSum
	}
}

// captureSnapshot records mtime+size for every file under root.
func captureSnapshot(root string) (map[string]fileSnapshot, error) {
	snap := make(map[string]fileSnapshot)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if skipDir(root, path, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		snap[path] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// fingerprint hashes a snapshot so unchanged trees compare in O(1).
func fingerprint(snap map[string]fileSnapshot) uint64 {
	paths := make([]string, 0, len(snap))
	for p := range snap {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := xxh3.New()
	var buf [16]byte
	for _, p := range paths {
		f := snap[p]
		_, _ = h.WriteString(p)
		binary.LittleEndian.PutUint64(buf[:8], uint64(f.modTime.UnixNano()))
		binary.LittleEndian.PutUint64(buf[8:], uint64(f.size))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// diffSnapshots lists the paths that differ between two snapshots.
func diffSnapshots(a, b map[string]fileSnapshot) []Event {
	var out []Event
	for path, bSnap := range b {
		aSnap, ok := a[path]
		switch {
		case !ok:
			out = append(out, Event{Path: path, Op: "create"})
		case !aSnap.modTime.Equal(bSnap.modTime) || aSnap.size != bSnap.size:
			out = append(out, Event{Path: path, Op: "write"})
		}
	}
	for path := range a {
		if _, ok := b[path]; !ok {
			out = append(out, Event{Path: path, Op: "remove"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// pollInterval computes the adaptive interval from file count.
// 1s base + 1s per 500 files, capped at 60s.
func pollInterval(fileCount int) time.Duration {
	d := time.Second + time.Duration(fileCount/500)*time.Second
	if d > maxInterval {
		d = maxInterval
	}
	return d
}
