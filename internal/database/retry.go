package database

import (
	"errors"
	"io/fs"
	"log/slog"
	"time"
)

// IOPolicy bounds retries of reads against an existing database directory.
// Filesystem listeners and virus scanners cause brief sharing violations;
// those should not invalidate an evaluation.
type IOPolicy struct {
	Retries int
	Backoff time.Duration
}

// DefaultIO is used when no policy is configured.
var DefaultIO = IOPolicy{Retries: 5, Backoff: 20 * time.Millisecond}

func (p IOPolicy) retry(op string, fn func() error) error {
	attempts := p.Retries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !transient(err) {
			return err
		}
		if i < attempts-1 {
			slog.Debug("database.io.retry", "op", op, "attempt", i+1, "err", err)
			time.Sleep(p.Backoff * time.Duration(i+1))
		}
	}
	return err
}

// transient reports whether err may clear up on its own.
func transient(err error) bool {
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, ErrInvalid),
		errors.Is(err, ErrCorrupt):
		return false
	}
	return true
}
