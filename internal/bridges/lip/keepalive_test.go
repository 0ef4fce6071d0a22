package lip

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewKeepaliveMonitorValidation(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		timeout  time.Duration
		wantErr  bool
	}{
		{name: "timeout exceeds interval", interval: 10 * time.Millisecond, timeout: 30 * time.Millisecond},
		{name: "timeout equals interval", interval: 10 * time.Millisecond, timeout: 10 * time.Millisecond, wantErr: true},
		{name: "timeout below interval", interval: 30 * time.Millisecond, timeout: 10 * time.Millisecond, wantErr: true},
		{name: "zero interval", interval: 0, timeout: 10 * time.Millisecond, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newKeepaliveMonitor(tt.interval, tt.timeout,
				func(string) error { return nil }, func() {})
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestKeepaliveSendsProbes(t *testing.T) {
	var mu sync.Mutex
	var probes []string

	m, err := newKeepaliveMonitor(20*time.Millisecond, 5*time.Second,
		func(line string) error {
			mu.Lock()
			probes = append(probes, line)
			mu.Unlock()
			return nil
		},
		func() { t.Error("stale signaled on a live connection") },
	)
	if err != nil {
		t.Fatalf("newKeepaliveMonitor: %v", err)
	}

	m.start()
	time.Sleep(70 * time.Millisecond)
	m.stop()

	mu.Lock()
	defer mu.Unlock()
	if len(probes) == 0 {
		t.Fatal("no probes sent")
	}
	for _, p := range probes {
		if p != KeepaliveProbe {
			t.Errorf("probe = %q, want %q", p, KeepaliveProbe)
		}
	}
}

func TestKeepaliveSignalsStaleOnSilence(t *testing.T) {
	var stale atomic.Bool

	m, err := newKeepaliveMonitor(20*time.Millisecond, 30*time.Millisecond,
		func(string) error { return nil },
		func() { stale.Store(true) },
	)
	if err != nil {
		t.Fatalf("newKeepaliveMonitor: %v", err)
	}

	// Backdate last activity beyond the liveness timeout.
	m.lastRead.Store(time.Now().Add(-time.Second).UnixNano())

	m.start()
	time.Sleep(60 * time.Millisecond)
	m.stop()

	if !stale.Load() {
		t.Error("monitor did not signal stale despite silence past the liveness timeout")
	}
}

func TestKeepaliveNotStaleAfterRecentActivity(t *testing.T) {
	var stale atomic.Bool

	m, err := newKeepaliveMonitor(20*time.Millisecond, 60*time.Millisecond,
		func(string) error { return nil },
		func() { stale.Store(true) },
	)
	if err != nil {
		t.Fatalf("newKeepaliveMonitor: %v", err)
	}

	m.start()
	// Keep marking activity faster than the liveness timeout.
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		m.markActivity()
	}
	m.stop()

	if stale.Load() {
		t.Error("monitor signaled stale despite continuous activity")
	}
}

func TestKeepaliveSignalsStaleOnWriteFailure(t *testing.T) {
	var stale atomic.Bool

	m, err := newKeepaliveMonitor(10*time.Millisecond, 5*time.Second,
		func(string) error { return ErrConnectionClosed },
		func() { stale.Store(true) },
	)
	if err != nil {
		t.Fatalf("newKeepaliveMonitor: %v", err)
	}

	m.start()
	time.Sleep(40 * time.Millisecond)
	m.stop()

	if !stale.Load() {
		t.Error("monitor did not signal stale after probe write failure")
	}
}

func TestKeepaliveDoesNotFireAfterStop(t *testing.T) {
	var probes atomic.Int64

	m, err := newKeepaliveMonitor(10*time.Millisecond, 5*time.Second,
		func(string) error {
			probes.Add(1)
			return nil
		},
		func() { t.Error("stale signaled after stop") },
	)
	if err != nil {
		t.Fatalf("newKeepaliveMonitor: %v", err)
	}

	m.start()
	time.Sleep(25 * time.Millisecond)
	m.stop()

	sent := probes.Load()
	time.Sleep(50 * time.Millisecond)
	if got := probes.Load(); got != sent {
		t.Errorf("probes continued after stop: %d -> %d", sent, got)
	}

	// stop is idempotent.
	m.stop()
}

func TestKeepaliveStaleCheck(t *testing.T) {
	m, err := newKeepaliveMonitor(20*time.Millisecond, 50*time.Millisecond,
		func(string) error { return nil }, func() {})
	if err != nil {
		t.Fatalf("newKeepaliveMonitor: %v", err)
	}

	if m.stale() {
		t.Error("fresh monitor reported stale")
	}

	m.lastRead.Store(time.Now().Add(-100 * time.Millisecond).UnixNano())
	if !m.stale() {
		t.Error("monitor with old activity did not report stale")
	}

	m.markActivity()
	if m.stale() {
		t.Error("monitor reported stale immediately after markActivity")
	}
}
