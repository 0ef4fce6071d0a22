package lip

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// keepaliveMonitor detects silently dead connections.
//
// On a fixed schedule it sends a no-op probe through the session's write
// path and checks when traffic was last seen. The protocol offers no
// probe/response pairing, so staleness is judged on any received line,
// not on probe replies. Signaling stale does not close anything; it only
// asks the supervisor to reconnect.
//
// One monitor is attached per connection attempt and discarded with it.
type keepaliveMonitor struct {
	interval time.Duration
	timeout  time.Duration

	writeLine func(string) error
	onStale   func()

	// lastRead is the unix-nano timestamp of the most recent line read on
	// the session, of any mode. Written by the read loop, read by the
	// probe loop.
	lastRead atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger Logger
}

// newKeepaliveMonitor validates the schedule and prepares a monitor.
// The liveness timeout must be strictly greater than the probe interval,
// otherwise a healthy connection would be declared stale between probes.
func newKeepaliveMonitor(interval, timeout time.Duration, writeLine func(string) error, onStale func()) (*keepaliveMonitor, error) {
	if interval <= 0 || timeout <= interval {
		return nil, fmt.Errorf("%w: liveness timeout %v must exceed probe interval %v",
			ErrInvalidConfig, timeout, interval)
	}
	m := &keepaliveMonitor{
		interval:  interval,
		timeout:   timeout,
		writeLine: writeLine,
		onStale:   onStale,
		done:      make(chan struct{}),
	}
	m.lastRead.Store(time.Now().UnixNano())
	return m, nil
}

// start launches the probe loop. Call stop to detach.
func (m *keepaliveMonitor) start() {
	m.wg.Add(1)
	go m.probeLoop()
}

// markActivity records that a line was read on the session.
func (m *keepaliveMonitor) markActivity() {
	m.lastRead.Store(time.Now().UnixNano())
}

// stale reports whether no line has been read within the liveness timeout.
func (m *keepaliveMonitor) stale() bool {
	last := time.Unix(0, m.lastRead.Load())
	return time.Since(last) >= m.timeout
}

// stop detaches the monitor. After stop returns the monitor will not send
// probes or signal stale. Safe to call multiple times.
func (m *keepaliveMonitor) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// probeLoop sends probes on schedule and raises the stale signal once.
// The done check before acting resolves the race between a firing timer
// and detachment: a stopped monitor never signals.
func (m *keepaliveMonitor) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		select {
		case <-m.done:
			return
		default:
		}

		if m.stale() {
			m.logDebug("no traffic within liveness timeout, signaling stale")
			m.onStale()
			return
		}

		if err := m.writeLine(KeepaliveProbe); err != nil {
			m.logDebug("keepalive probe write failed, signaling stale", "error", err)
			m.onStale()
			return
		}
	}
}

func (m *keepaliveMonitor) logDebug(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, keysAndValues...)
	}
}
