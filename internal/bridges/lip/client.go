package lip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for controller communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the TCP dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultLoginTimeout bounds the whole prompt/credential exchange.
	defaultLoginTimeout = 10 * time.Second

	// defaultReadTimeout is the deadline for a single line read. A quiet
	// bus routinely exceeds this; the read loop treats it as a non-event.
	defaultReadTimeout = 10 * time.Second

	// defaultWriteTimeout is the deadline for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultKeepaliveInterval is how often the liveness probe is sent.
	defaultKeepaliveInterval = 60 * time.Second

	// defaultLivenessTimeout is how long the connection may stay silent
	// before it is considered dead. Must exceed the probe interval.
	defaultLivenessTimeout = 90 * time.Second

	// defaultReconnectBase is the first reconnection delay.
	defaultReconnectBase = 5 * time.Second

	// defaultReconnectCap bounds the exponential backoff.
	defaultReconnectCap = 2 * time.Minute

	// defaultStabilityWindow is how long a connection must survive before
	// the backoff resets to the base delay.
	defaultStabilityWindow = 60 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ConnectionState is the lifecycle state of the controller session.
// It is mutated only by the Client's own supervision logic.
type ConnectionState int32

const (
	// StateDisconnected is the initial state before Connect.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the TCP dial is in progress.
	StateConnecting

	// StateAuthenticating means the login handshake is in progress.
	StateAuthenticating

	// StateConnected is the only state in which commands are accepted.
	StateConnected

	// StateReconnecting means the session was lost and a backoff delay is
	// pending before the next connection attempt.
	StateReconnecting

	// StateStopped is terminal, reachable from any state via Stop.
	StateStopped
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// ClientConfig holds connection settings for one controller session.
type ClientConfig struct {
	// Host is the controller address (IP or hostname). Required.
	Host string

	// Port is the LIP TCP port. Default: 23.
	Port int

	// Username and Password are the integration credentials.
	// Default: "lutron" / "integration" (factory values).
	Username string
	Password string

	// ConnectTimeout is the maximum time to wait for the TCP dial.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// LoginTimeout bounds the complete login handshake. Default: 10 seconds.
	LoginTimeout time.Duration

	// ReadTimeout is the deadline for a single line read. Default: 10 seconds.
	ReadTimeout time.Duration

	// KeepaliveInterval is how often the liveness probe is sent.
	// Default: 60 seconds.
	KeepaliveInterval time.Duration

	// LivenessTimeout is how long the session may stay silent before a
	// reconnect is forced. Must exceed KeepaliveInterval. Default: 90 seconds.
	LivenessTimeout time.Duration

	// ReconnectBase is the initial reconnection delay. Default: 5 seconds.
	ReconnectBase time.Duration

	// ReconnectCap is the maximum reconnection delay. Default: 2 minutes.
	ReconnectCap time.Duration

	// StabilityWindow is how long a connection must survive before the
	// backoff resets to ReconnectBase. Default: 60 seconds.
	StabilityWindow time.Duration
}

// withDefaults fills zero fields with the package defaults.
func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Username == "" {
		cfg.Username = DefaultUsername
	}
	if cfg.Password == "" {
		cfg.Password = DefaultPassword
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectCap == 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}
	if cfg.StabilityWindow == 0 {
		cfg.StabilityWindow = defaultStabilityWindow
	}
	return cfg
}

// ClientStats holds operational statistics for one client.
type ClientStats struct {
	LinesRx           uint64
	CommandsTx        uint64
	ParseDegradations uint64 // Lines degraded to ModeError
	ReconnectsTotal   uint64 // Successful reconnections
	LastActivity      time.Time
	State             ConnectionState
}

// Client maintains one authenticated LIP session to a controller.
//
// It owns the transport session and keepalive monitor for the duration of
// one connection attempt; on reconnect both are discarded and recreated
// so no stale socket or timer state leaks across attempts.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Message and state callbacks run synchronously on the read loop
//     goroutine, in registration order.
//
// Lifecycle:
//
//	client, _ := lip.NewClient(lip.ClientConfig{Host: "192.168.1.40"})
//	sub := client.Subscribe(func(msg lip.LIPMessage) { ... })
//	if err := client.Connect(ctx); err != nil { ... }
//	go client.Run(ctx)
//	...
//	client.Stop()
type Client struct {
	cfg ClientConfig

	state atomic.Int32

	// Current session and monitor; both nil outside CONNECTED.
	sessMu  sync.RWMutex
	sess    *session
	monitor *keepaliveMonitor

	// Subscriber registries.
	messages registry[LIPMessage]
	states   registry[ConnectionState]

	// Shutdown coordination (closeOnce prevents double-close panics).
	done *closeOnce

	// staleCh carries the keepalive monitor's reconnect request to the
	// read loop. Buffered so the monitor never blocks on it.
	staleCh chan struct{}

	// failures counts consecutive failed connect attempts and drives the
	// backoff schedule. establish increments it so a failed first Connect
	// carries into Run's delays. Only the Connect/Run goroutine touches it.
	failures int

	// Logger (optional).
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance).
	linesRx           atomic.Uint64
	commandsTx        atomic.Uint64
	parseDegradations atomic.Uint64
	reconnectsTotal   atomic.Uint64
	lastActivity      atomic.Int64 // Unix nanoseconds
}

// NewClient validates the configuration and prepares a client.
// No connection is made until Connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()

	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.LivenessTimeout <= cfg.KeepaliveInterval {
		return nil, fmt.Errorf("%w: liveness timeout %v must exceed keepalive interval %v",
			ErrInvalidConfig, cfg.LivenessTimeout, cfg.KeepaliveInterval)
	}

	c := &Client{
		cfg:     cfg,
		done:    newCloseOnce(),
		staleCh: make(chan struct{}, 1),
	}
	c.state.Store(int32(StateDisconnected))
	c.lastActivity.Store(time.Now().UnixNano())
	return c, nil
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()

	c.messages.setLogger(logger)
	c.states.setLogger(logger)
}

// Connect performs the first connection attempt: dial, then the login
// handshake. On success the client is CONNECTED and Run may be called.
// On failure the client transitions to RECONNECTING and the error is
// returned; Run will keep retrying with backoff.
func (c *Client) Connect(ctx context.Context) error {
	if c.isStopped() {
		return ErrStopped
	}
	if s := c.State(); s != StateDisconnected {
		return fmt.Errorf("%w: connect called in state %s", ErrInvalidConfig, s)
	}
	return c.establish(ctx)
}

// Run drives the session until Stop is called or ctx is cancelled.
//
// While connected it reads lines, parses them, and dispatches the
// resulting messages to subscribers in registration order. When the
// connection is lost - peer close, socket error, or keepalive staleness -
// it tears the session down and reconnects with exponential backoff:
// the Nth consecutive failed attempt is delayed by min(base*2^(N-1), cap),
// resetting to base after any connected period of at least the stability
// window. Reconnection attempts are unbounded.
//
// Run returns nil after Stop, or ctx.Err() if the context is cancelled
// (which also stops the client). It must be preceded by Connect.
func (c *Client) Run(ctx context.Context) error {
	switch c.State() {
	case StateStopped:
		return ErrStopped
	case StateDisconnected:
		return ErrNotConnected
	}

	for {
		if c.isStopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		default:
		}

		if c.State() == StateConnected {
			connectedAt := time.Now()
			c.readLoop(ctx)
			if c.isStopped() {
				return nil
			}
			c.setState(StateReconnecting)
			c.teardown()
			if time.Since(connectedAt) >= c.cfg.StabilityWindow {
				c.failures = 0
			}
			c.logInfo("connection lost", "host", c.cfg.Host)
		}

		delay := c.backoffDelay(c.failures)
		c.logInfo("scheduling reconnect", "delay", delay.String(), "attempt", c.failures+1)

		select {
		case <-c.done.Done():
			return nil
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := c.establish(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			c.logWarn("reconnect attempt failed", "error", err)
			continue
		}
		c.reconnectsTotal.Add(1)
		c.logInfo("reconnected", "total_reconnects", c.reconnectsTotal.Load())
	}
}

// Stop transitions to STOPPED from any state, closes the session, detaches
// the keepalive monitor, and prevents further reconnection. It interrupts
// an in-progress read or backoff promptly. Idempotent.
func (c *Client) Stop() {
	c.done.Close()
	c.teardown()
	c.setState(StateStopped)
}

// Subscribe registers a callback for parsed protocol messages. Callbacks
// run synchronously on the read loop goroutine, in registration order; a
// panicking callback is isolated and reported, never fatal.
func (c *Client) Subscribe(fn func(LIPMessage)) *Subscription {
	return c.messages.subscribe(fn)
}

// Unsubscribe removes a message subscription. No-op on repeated calls.
func (c *Client) Unsubscribe(sub *Subscription) {
	c.messages.unsubscribe(sub)
}

// SubscribeState registers a callback for connection state changes.
func (c *Client) SubscribeState(fn func(ConnectionState)) *Subscription {
	return c.states.subscribe(fn)
}

// UnsubscribeState removes a state subscription.
func (c *Client) UnsubscribeState(sub *Subscription) {
	c.states.unsubscribe(sub)
}

// SendCommand encodes and writes #id,action[,values...]. Accepted only
// while CONNECTED; otherwise ErrNotConnected and nothing is written.
func (c *Client) SendCommand(integrationID, actionNumber int, values ...string) error {
	return c.send(EncodeCommand(integrationID, actionNumber, values...))
}

// SendQuery encodes and writes ?id,action. Accepted only while CONNECTED.
func (c *Client) SendQuery(integrationID, actionNumber int) error {
	return c.send(EncodeQuery(integrationID, actionNumber))
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected returns true while the session is authenticated and live.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		LinesRx:           c.linesRx.Load(),
		CommandsTx:        c.commandsTx.Load(),
		ParseDegradations: c.parseDegradations.Load(),
		ReconnectsTotal:   c.reconnectsTotal.Load(),
		LastActivity:      time.Unix(0, c.lastActivity.Load()),
		State:             c.State(),
	}
}

// establish runs one connect/login attempt and installs the resulting
// session and keepalive monitor. Any failure leaves the client in
// RECONNECTING with no session installed and counts toward the backoff
// schedule, whether the attempt came from Connect or Run.
func (c *Client) establish(ctx context.Context) error {
	c.setState(StateConnecting)

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	sess, err := dialSession(ctx, addr, c.cfg.ConnectTimeout)
	if err != nil {
		c.failures++
		c.setState(StateReconnecting)
		return err
	}

	c.setState(StateAuthenticating)
	if err := sess.login(c.cfg.Username, c.cfg.Password, c.cfg.LoginTimeout); err != nil {
		sess.close()
		c.failures++
		c.setState(StateReconnecting)
		return err
	}

	monitor, err := newKeepaliveMonitor(c.cfg.KeepaliveInterval, c.cfg.LivenessTimeout,
		sess.writeLine, c.signalStale)
	if err != nil {
		sess.close()
		c.failures++
		c.setState(StateReconnecting)
		return err
	}
	monitor.logger = c.currentLogger()

	c.sessMu.Lock()
	c.sess = sess
	c.monitor = monitor
	c.sessMu.Unlock()

	// Stop may have raced the install; never leave a live session behind.
	if c.isStopped() {
		c.teardown()
		return ErrStopped
	}

	c.lastActivity.Store(time.Now().UnixNano())
	c.setState(StateConnected)
	monitor.start()

	c.logInfo("connected", "host", c.cfg.Host, "port", c.cfg.Port)
	return nil
}

// readLoop reads, parses, and dispatches lines until the session fails,
// the keepalive monitor signals stale, or the client is stopped.
func (c *Client) readLoop(ctx context.Context) {
	c.sessMu.RLock()
	sess, monitor := c.sess, c.monitor
	c.sessMu.RUnlock()

	if sess == nil || monitor == nil {
		return
	}

	for {
		select {
		case <-c.done.Done():
			return
		case <-ctx.Done():
			return
		case <-c.staleCh:
			c.logWarn("keepalive declared connection stale")
			return
		default:
		}

		line, err := sess.readLine(c.cfg.ReadTimeout)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				// Quiet bus. Staleness is the keepalive monitor's call.
				continue
			}
			c.logWarn("read failed", "error", err)
			return
		}

		monitor.markActivity()
		c.linesRx.Add(1)
		c.lastActivity.Store(time.Now().UnixNano())

		if strings.TrimRight(line, "\r\n") == "" {
			// Idle CRLF padding between responses.
			continue
		}

		msg := ParseMessage(line)
		if msg.Mode == ModeError {
			c.parseDegradations.Add(1)
		}
		c.messages.dispatch(msg)
	}
}

// teardown discards the current session and monitor. Safe to call in any
// state and multiple times.
func (c *Client) teardown() {
	c.sessMu.Lock()
	sess, monitor := c.sess, c.monitor
	c.sess, c.monitor = nil, nil
	c.sessMu.Unlock()

	// Close the socket first so a probe write blocked in the monitor
	// fails fast instead of waiting out its deadline.
	if sess != nil {
		sess.close()
	}
	if monitor != nil {
		monitor.stop()
	}

	// Drop any stale signal left behind by the departed monitor.
	select {
	case <-c.staleCh:
	default:
	}
}

// send writes one encoded line to the current session.
func (c *Client) send(line string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	c.sessMu.RLock()
	sess := c.sess
	c.sessMu.RUnlock()

	if sess == nil {
		return ErrNotConnected
	}
	if err := sess.writeLine(line); err != nil {
		return err
	}
	c.commandsTx.Add(1)
	return nil
}

// signalStale is the keepalive monitor's reconnect request. Non-blocking;
// the read loop picks it up between reads.
func (c *Client) signalStale() {
	select {
	case c.staleCh <- struct{}{}:
	default:
	}
}

// backoffDelay returns min(base * 2^failures, cap).
func (c *Client) backoffDelay(failures int) time.Duration {
	delay := c.cfg.ReconnectBase
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= c.cfg.ReconnectCap {
			return c.cfg.ReconnectCap
		}
	}
	if delay > c.cfg.ReconnectCap {
		delay = c.cfg.ReconnectCap
	}
	return delay
}

// setState records a state transition and notifies state subscribers.
// STOPPED is terminal: no transition leaves it.
func (c *Client) setState(s ConnectionState) {
	for {
		old := ConnectionState(c.state.Load())
		if old == s || old == StateStopped {
			return
		}
		if c.state.CompareAndSwap(int32(old), int32(s)) {
			break
		}
	}
	c.states.dispatch(s)
}

func (c *Client) isStopped() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Client) currentLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.currentLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if l := c.currentLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}
