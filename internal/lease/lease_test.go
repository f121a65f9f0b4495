package lease

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 30*time.Minute, 2*time.Second)
}

func TestTryAcquire_MutualExclusion(t *testing.T) {
	m := newTestManager(t)

	// N simulated watchers fire within the same instant; at most one wins.
	const n = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := m.TryAcquire(fmt.Sprintf("session-%d", i), os.Getpid())
			if err != nil {
				t.Errorf("try acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("%d acquisitions succeeded, want exactly 1", got)
	}
}

func TestTryAcquire_FailsWhileLive(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.TryAcquire("s1", os.Getpid())
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = m.TryAcquire("s2", os.Getpid())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire succeeded while lease live")
	}
	live, err := m.IsLive()
	if err != nil || !live {
		t.Fatalf("IsLive = %v err=%v, want true", live, err)
	}
}

func TestTryAcquire_StaleTakeover(t *testing.T) {
	m := NewManager(t.TempDir(), 10*time.Minute, time.Second)

	ok, err := m.TryAcquire("s1", os.Getpid())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Age the heartbeat past the threshold.
	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	live, err := m.IsLive()
	if err != nil {
		t.Fatal(err)
	}
	if live {
		t.Fatal("stale lease reported live")
	}
	ok, err = m.TryAcquire("s2", os.Getpid())
	if err != nil || !ok {
		t.Fatalf("stale takeover: ok=%v err=%v", ok, err)
	}
	current, found, err := m.Current()
	if err != nil || !found {
		t.Fatalf("current: found=%v err=%v", found, err)
	}
	if current.SessionID != "s2" {
		t.Fatalf("holder = %q, want s2", current.SessionID)
	}
}

func TestTakeOver_InterleavedContendersSingleWinner(t *testing.T) {
	dir := t.TempDir()
	a := NewManager(dir, 10*time.Minute, time.Second)
	b := NewManager(dir, 10*time.Minute, time.Second)

	if ok, err := a.TryAcquire("dead", os.Getpid()); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}
	// Age the record past the threshold for both contenders.
	a.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	b.now = a.now

	// Contender A judges the lease stale, then stalls before its takeover.
	current, ok, err := a.Current()
	if err != nil || !ok || !a.isStale(current) {
		t.Fatalf("stale judgment: ok=%v stale=%v err=%v", ok, a.isStale(current), err)
	}

	// Contender B runs its full takeover and wins while A is stalled.
	okB, err := b.TryAcquire("b", os.Getpid())
	if err != nil || !okB {
		t.Fatalf("contender b: ok=%v err=%v", okB, err)
	}

	// A resumes with its stale judgment in hand. It must not remove B's fresh
	// lease and acquire over it.
	okA, err := a.takeOver("a", os.Getpid())
	if err != nil {
		t.Fatalf("contender a: %v", err)
	}
	if okA {
		t.Fatal("both contenders acquired")
	}
	surviving, found, err := a.Current()
	if err != nil || !found || surviving.SessionID != "b" {
		t.Fatalf("surviving holder = %q (found=%v err=%v), want b", surviving.SessionID, found, err)
	}
}

func TestTakeOver_HeldLockBlocks(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 10*time.Minute, time.Second)

	if ok, _ := m.TryAcquire("dead", os.Getpid()); !ok {
		t.Fatal("seed lease failed")
	}
	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	// Another contender holds the takeover lock.
	if err := os.WriteFile(m.path+".takeover", nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err := m.TryAcquire("s2", os.Getpid())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("takeover succeeded past a held lock")
	}
}

func TestTakeOver_AbandonedLockBroken(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 10*time.Minute, time.Second)

	if ok, _ := m.TryAcquire("dead", os.Getpid()); !ok {
		t.Fatal("seed lease failed")
	}
	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	// A crashed contender left its lock behind long ago.
	lockPath := m.path + ".takeover"
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	ok, err := m.TryAcquire("s2", os.Getpid())
	if err != nil || !ok {
		t.Fatalf("takeover past abandoned lock: ok=%v err=%v", ok, err)
	}
	if _, statErr := os.Stat(lockPath); !os.IsNotExist(statErr) {
		t.Fatalf("takeover lock not released: %v", statErr)
	}
}

func TestIsLive_OrphanedPIDIsDeadImmediately(t *testing.T) {
	m := newTestManager(t)

	// A child that exits immediately gives us a pid that is certainly dead
	// after Wait returns.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	deadPID := cmd.Process.Pid
	_ = cmd.Wait()

	ok, err := m.TryAcquire("s1", deadPID)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Heartbeat is fresh, but the pid is gone: orphaned, stale immediately.
	live, err := m.IsLive()
	if err != nil {
		t.Fatal(err)
	}
	if live {
		t.Fatal("orphaned lease reported live")
	}
	ok, err = m.TryAcquire("s2", os.Getpid())
	if err != nil || !ok {
		t.Fatalf("takeover of orphaned lease: ok=%v err=%v", ok, err)
	}
}

func TestHeartbeat_RefreshesAndChecksHolder(t *testing.T) {
	m := newTestManager(t)

	if ok, _ := m.TryAcquire("s1", os.Getpid()); !ok {
		t.Fatal("acquire failed")
	}
	before, _, _ := m.Current()

	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	if err := m.Heartbeat("s1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	after, _, _ := m.Current()
	if after.LastHeartbeatAt <= before.LastHeartbeatAt {
		t.Fatal("heartbeat did not advance")
	}

	if err := m.Heartbeat("intruder"); err != ErrNotHolder {
		t.Fatalf("heartbeat by non-holder: err=%v, want ErrNotHolder", err)
	}
}

func TestRelease(t *testing.T) {
	m := newTestManager(t)

	if ok, _ := m.TryAcquire("s1", os.Getpid()); !ok {
		t.Fatal("acquire failed")
	}
	if err := m.Release("other"); err != ErrNotHolder {
		t.Fatalf("release by non-holder: %v", err)
	}
	if err := m.Release("s1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, found, _ := m.Current(); found {
		t.Fatal("lease survived release")
	}
	// Releasing again is a no-op.
	if err := m.Release("s1"); err != nil {
		t.Fatalf("double release: %v", err)
	}
}

func TestForceClear_KillsHolderProcess(t *testing.T) {
	m := NewManager(t.TempDir(), 30*time.Minute, 500*time.Millisecond)

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleeper: %v", err)
	}
	pid := cmd.Process.Pid
	defer func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() }()
	go func() { _ = cmd.Wait() }() // reap so the pid does not linger as a zombie

	if ok, _ := m.TryAcquire("s1", pid); !ok {
		t.Fatal("acquire failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.ForceClear(ctx); err != nil {
		t.Fatalf("force clear: %v", err)
	}
	if _, found, _ := m.Current(); found {
		t.Fatal("lease survived force clear")
	}

	// The process must be gone within the grace window.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("holder process still alive after force clear")
}

func TestForceClear_NoLeaseIsNoop(t *testing.T) {
	m := newTestManager(t)
	if err := m.ForceClear(context.Background()); err != nil {
		t.Fatalf("force clear without lease: %v", err)
	}
}

func TestCurrent_CorruptRecordTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 30*time.Minute, time.Second)

	if err := os.WriteFile(m.path, []byte("{half-written"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, found, err := m.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if found {
		t.Fatal("corrupt lease reported present")
	}
}
