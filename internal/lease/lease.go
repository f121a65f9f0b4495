// Package lease implements the exclusive-execution lock over the worker
// process. The lease is a JSON file created with O_EXCL so that independent
// watcher processes racing to start the worker cannot both win; staleness is
// judged by the holder's last heartbeat and, when a pid is recorded, by an
// OS-level liveness probe.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

var (
	// ErrNotHolder is returned when a session operates on a lease it does not hold.
	ErrNotHolder = errors.New("lease: not the holder")

	// ErrStillAlive is returned by ForceClear when the holder process survived
	// the forced kill. The lease is left in place: a second worker must never
	// start while the first might still be running.
	ErrStillAlive = errors.New("lease: holder process survived forced kill")
)

// Lease is the on-disk record. Timestamps are epoch seconds.
type Lease struct {
	SessionID       string `json:"session_id"`
	AcquiredAt      int64  `json:"acquired_at"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at"`
	PID             int    `json:"pid,omitempty"`
}

// Manager owns the lease file. All mutation goes through it; nothing else in
// the system reads or writes the raw file.
type Manager struct {
	path      string
	staleness time.Duration
	grace     time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewManager creates a Manager for the lease file under dir.
func NewManager(dir string, staleness, grace time.Duration) *Manager {
	return &Manager{
		path:      filepath.Join(dir, "lease.json"),
		staleness: staleness,
		grace:     grace,
		now:       time.Now,
	}
}

// TryAcquire attempts to take the lease for the given session. It succeeds iff
// no lease exists or the existing lease is stale; the winning write is an
// exclusive create, so concurrent callers from separate processes cannot both
// succeed.
func (m *Manager) TryAcquire(sessionID string, pid int) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return false, fmt.Errorf("create lease dir: %w", err)
	}

	acquired, err := m.createExclusive(sessionID, pid)
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	// A lease exists. Take over only if it is stale or orphaned.
	current, ok, err := m.Current()
	if err != nil {
		return false, err
	}
	if ok && !m.isStale(current) {
		return false, nil
	}
	return m.takeOver(sessionID, pid)
}

// takeOverLockTTL bounds how long a takeover lock left by a crashed contender
// can block takeovers. The locked section is a few file operations, so any
// lock older than this is abandoned.
const takeOverLockTTL = 10 * time.Second

// takeOver replaces a lease already judged stale. Remove-then-create is not
// atomic: without serialization, a contender that judged the lease stale
// before losing the race could remove the winner's fresh record and acquire
// over it. A separate exclusive lock file makes the takeover single-winner,
// and the staleness judgment is repeated under the lock because the record
// may have been replaced since the caller read it.
func (m *Manager) takeOver(sessionID string, pid int) (bool, error) {
	unlock, err := m.lockTakeover()
	if err != nil {
		return false, err
	}
	if unlock == nil {
		// Another contender is mid-takeover; it will own the fresh lease.
		return false, nil
	}
	defer unlock()

	current, ok, err := m.Current()
	if err != nil {
		return false, err
	}
	if ok && !m.isStale(current) {
		return false, nil
	}
	if ok {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove stale lease: %w", err)
		}
	}
	return m.createExclusive(sessionID, pid)
}

// lockTakeover claims the takeover lock file exclusively. It returns a nil
// unlock func when another contender holds the lock; a lock older than
// takeOverLockTTL was left by a dead contender and is broken.
func (m *Manager) lockTakeover() (func(), error) {
	lockPath := m.path + ".takeover"
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create takeover lock: %w", err)
		}
		info, statErr := os.Stat(lockPath)
		if statErr != nil || time.Since(info.ModTime()) < takeOverLockTTL {
			return nil, nil
		}
		_ = os.Remove(lockPath)
	}
	return nil, nil
}

func (m *Manager) createExclusive(sessionID string, pid int) (bool, error) {
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lease: %w", err)
	}
	nowSec := m.now().Unix()
	lease := Lease{
		SessionID:       sessionID,
		AcquiredAt:      nowSec,
		LastHeartbeatAt: nowSec,
		PID:             pid,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(lease); err != nil {
		f.Close()
		os.Remove(m.path)
		return false, fmt.Errorf("write lease: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(m.path)
		return false, fmt.Errorf("close lease: %w", err)
	}
	return true, nil
}

// Heartbeat refreshes the holder's liveness timestamp.
func (m *Manager) Heartbeat(sessionID string) error {
	current, ok, err := m.Current()
	if err != nil {
		return err
	}
	if !ok || current.SessionID != sessionID {
		return ErrNotHolder
	}
	current.LastHeartbeatAt = m.now().Unix()
	return m.rewrite(current)
}

// SetPID records the worker's process id on the lease after launch.
func (m *Manager) SetPID(sessionID string, pid int) error {
	current, ok, err := m.Current()
	if err != nil {
		return err
	}
	if !ok || current.SessionID != sessionID {
		return ErrNotHolder
	}
	current.PID = pid
	current.LastHeartbeatAt = m.now().Unix()
	return m.rewrite(current)
}

// Release removes the lease if held by the given session.
func (m *Manager) Release(sessionID string) error {
	current, ok, err := m.Current()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if current.SessionID != sessionID {
		return ErrNotHolder
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

// Current returns the lease record, if any. Unreadable records are treated as
// absent.
func (m *Manager) Current() (Lease, bool, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Lease{}, false, nil
		}
		return Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		// Corrupt record: a half-written file from a crashed holder.
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// IsLive reports whether a fresh lease exists. A lease whose recorded pid has
// no live process is orphaned and treated as dead immediately, regardless of
// its heartbeat age.
func (m *Manager) IsLive() (bool, error) {
	current, ok, err := m.Current()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return !m.isStale(current), nil
}

func (m *Manager) isStale(l Lease) bool {
	if l.PID > 0 && !pidAlive(l.PID) {
		return true
	}
	age := m.now().Sub(time.Unix(l.LastHeartbeatAt, 0))
	return age >= m.staleness
}

// ForceClear terminates the holder process (SIGTERM, bounded grace, then
// SIGKILL) and deletes the lease record. Used by the interrupt path and by
// orphan recovery. If the process survives SIGKILL the lease stays and
// ErrStillAlive is returned.
func (m *Manager) ForceClear(ctx context.Context) error {
	current, ok, err := m.Current()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if current.PID > 0 && pidAlive(current.PID) {
		_ = syscall.Kill(current.PID, syscall.SIGTERM)
		if !m.waitDead(ctx, current.PID, m.grace) {
			_ = syscall.Kill(current.PID, syscall.SIGKILL)
			if !m.waitDead(ctx, current.PID, time.Second) {
				return ErrStillAlive
			}
		}
	}

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

func (m *Manager) waitDead(ctx context.Context, pid int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pidAlive(pid)
		case <-time.After(100 * time.Millisecond):
		}
	}
	return !pidAlive(pid)
}

func (m *Manager) rewrite(l Lease) error {
	tmp := m.path + ".tmp"
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lease tmp: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace lease: %w", err)
	}
	return nil
}

// pidAlive probes the process with signal 0. EPERM counts as alive: the
// process exists but belongs to another user.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
