package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DeusData/completion-db/internal/lang"
)

var (
	// ErrAlreadyInUse is returned when another live process holds the
	// generation identity.
	ErrAlreadyInUse = errors.New("generation identity already in use")
	// ErrLeaseLost means the lease expired and was taken over or removed.
	ErrLeaseLost = errors.New("lease lost")
)

// DefaultTTL is how long a lease survives without a heartbeat.
const DefaultTTL = 30 * time.Second

// IdentityKey returns the registry key of a generation identity.
func IdentityKey(interpreterID string, v lang.Version) string {
	return strings.ToLower(interpreterID) + ":" + v.String()
}

// Lease is the registry row of a running generation.
type Lease struct {
	Identity   string
	ID         string
	Holder     string
	PID        int
	AcquiredAt time.Time
	RenewedAt  time.Time
	ExpiresAt  time.Time
	Done       int
	Total      int
	Message    string
}

// Register acquires the lease for identity. Expired leases are reclaimed;
// a live one yields ErrAlreadyInUse.
func (s *Store) Register(ctx context.Context, identity, holder string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t := now()
	ms := toMillis(t)

	if _, err := tx.Exec(`DELETE FROM leases WHERE identity = ? AND expires_at <= ?`, identity, ms); err != nil {
		return nil, fmt.Errorf("clean expired leases: %w", err)
	}

	var existing string
	err = tx.QueryRow(`SELECT holder FROM leases WHERE identity = ?`, identity).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check existing lease: %w", err)
	}
	if err == nil {
		return nil, fmt.Errorf("%w: held by %s", ErrAlreadyInUse, existing)
	}

	lease := Lease{
		Identity:   identity,
		ID:         uuid.New().String(),
		Holder:     holder,
		PID:        os.Getpid(),
		AcquiredAt: t,
		RenewedAt:  t,
		ExpiresAt:  t.Add(ttl),
	}
	_, err = tx.Exec(
		`INSERT INTO leases (identity, id, holder, pid, acquired_at, renewed_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lease.Identity, lease.ID, lease.Holder, lease.PID, ms, ms, toMillis(lease.ExpiresAt),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return nil, ErrAlreadyInUse
		}
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	slog.Info("store.lease.acquired", "identity", identity, "lease", lease.ID)
	return &Handle{store: s, lease: lease, ttl: ttl, lost: make(chan struct{})}, nil
}

// Active returns the live lease for identity, or nil when none is held.
func (s *Store) Active(identity string) (*Lease, error) {
	var l Lease
	var acquired, renewed, expires int64
	err := s.db.QueryRow(`
		SELECT identity, id, holder, pid, acquired_at, renewed_at, expires_at, done, total, message
		FROM leases WHERE identity = ? AND expires_at > ?`, identity, toMillis(now())).
		Scan(&l.Identity, &l.ID, &l.Holder, &l.PID, &acquired, &renewed, &expires, &l.Done, &l.Total, &l.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}
	l.AcquiredAt = fromMillis(acquired)
	l.RenewedAt = fromMillis(renewed)
	l.ExpiresAt = fromMillis(expires)
	return &l, nil
}

// Handle is a held lease. Dispose releases it.
type Handle struct {
	store *Store
	lease Lease
	ttl   time.Duration

	mu       sync.Mutex
	stop     chan struct{}
	stopped  chan struct{}
	disposed bool

	lost     chan struct{}
	lostOnce sync.Once
}

// ID returns the lease id.
func (h *Handle) ID() string {
	return h.lease.ID
}

// Identity returns the registry key the lease holds.
func (h *Handle) Identity() string {
	return h.lease.Identity
}

// AcquiredAt returns when the lease was taken.
func (h *Handle) AcquiredAt() time.Time {
	return h.lease.AcquiredAt
}

// Lost is closed once a renewal or progress report finds the lease gone.
func (h *Handle) Lost() <-chan struct{} {
	return h.lost
}

// Renew extends the lease by its TTL.
func (h *Handle) Renew() error {
	t := now()
	return h.update(`UPDATE leases SET renewed_at = ?, expires_at = ? WHERE identity = ? AND id = ?`,
		toMillis(t), toMillis(t.Add(h.ttl)), h.lease.Identity, h.lease.ID)
}

// ReportProgress publishes coarse progress for observers.
func (h *Handle) ReportProgress(done, total int, message string) error {
	return h.update(`UPDATE leases SET done = ?, total = ?, message = ? WHERE identity = ? AND id = ?`,
		done, total, message, h.lease.Identity, h.lease.ID)
}

func (h *Handle) update(query string, args ...any) error {
	res, err := h.store.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		h.lostOnce.Do(func() { close(h.lost) })
		return ErrLeaseLost
	}
	return nil
}

// Start renews the lease every interval until ctx ends, the handle is
// disposed or the lease is lost.
func (h *Handle) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = h.ttl / 3
	}
	h.mu.Lock()
	if h.stop != nil || h.disposed {
		h.mu.Unlock()
		return
	}
	h.stop = make(chan struct{})
	h.stopped = make(chan struct{})
	stop, stopped := h.stop, h.stopped
	h.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := h.Renew(); err != nil {
					slog.Warn("store.lease.renew", "identity", h.lease.Identity, "err", err)
					if errors.Is(err, ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()
}

// Dispose stops the heartbeat and deletes the lease. It is safe to call
// more than once.
func (h *Handle) Dispose() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	stop, stopped := h.stop, h.stopped
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		<-stopped
	}
	_, err := h.store.db.Exec(`DELETE FROM leases WHERE identity = ? AND id = ?`, h.lease.Identity, h.lease.ID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	slog.Info("store.lease.released", "identity", h.lease.Identity, "lease", h.lease.ID)
	return nil
}
