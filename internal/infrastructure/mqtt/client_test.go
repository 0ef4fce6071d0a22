package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
)

// testMQTTConfig returns a config pointing at a local broker.
// No broker is required for these tests; connection-dependent paths
// are exercised against an unconnected client.
func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylutron-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     60,
		},
	}
}

// newDisconnectedClient builds a Client around a paho client that has
// never connected. Useful for exercising validation and state checks.
func newDisconnectedClient(cfg config.MQTTConfig) *Client {
	opts := buildClientOptions(cfg)
	return &Client{
		cfg:           cfg,
		options:       opts,
		subscriptions: make(map[string]subscription),
		client:        pahomqtt.NewClient(opts),
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", topics.State("5"), "graylogic/state/lutron/5"},
		{"command", topics.Command("light-cinema-main"), "graylogic/command/lutron/light-cinema-main"},
		{"ack", topics.Ack("5"), "graylogic/ack/lutron/5"},
		{"health", topics.Health(), "graylogic/health/lutron"},
		{"event", topics.Event("12"), "graylogic/event/lutron/12"},
		{"all commands", topics.AllCommands(), "graylogic/command/lutron/#"},
		{"all states", topics.AllStates(), "graylogic/state/lutron/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("expected 1 broker URL, got %d", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "tcp://127.0.0.1:1883" {
		t.Errorf("broker URL = %q, want tcp://127.0.0.1:1883", got)
	}
	if opts.ClientID != "graylutron-test" {
		t.Errorf("client ID = %q, want graylutron-test", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Error("credentials not applied to options")
	}
	if !opts.AutoReconnect {
		t.Error("auto-reconnect should be enabled")
	}
	if !opts.CleanSession {
		t.Error("clean session should be enabled")
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].Scheme; got != "ssl" {
		t.Errorf("scheme = %q, want ssl", got)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLS config should be set")
	}
	if opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Errorf("TLS min version = %d, want %d", opts.TLSConfig.MinVersion, tlsMinVersion)
	}
}

func TestConfigureLWT(t *testing.T) {
	cfg := testMQTTConfig()
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	if !opts.WillEnabled {
		t.Fatal("LWT should be enabled")
	}
	if opts.WillTopic != "graylogic/health/lutron" {
		t.Errorf("LWT topic = %q, want graylogic/health/lutron", opts.WillTopic)
	}
	if !opts.WillRetained {
		t.Error("LWT should be retained")
	}

	var payload map[string]any
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("LWT payload is not valid JSON: %v", err)
	}
	if payload["status"] != "offline" {
		t.Errorf("LWT status = %v, want offline", payload["status"])
	}
	if payload["client_id"] != "graylutron-test" {
		t.Errorf("LWT client_id = %v, want graylutron-test", payload["client_id"])
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("graylutron-test")
	offline := buildOfflinePayload("graylutron-test")

	var p map[string]any
	if err := json.Unmarshal([]byte(online), &p); err != nil {
		t.Fatalf("online payload is not valid JSON: %v", err)
	}
	if p["status"] != "online" {
		t.Errorf("online status = %v", p["status"])
	}

	if err := json.Unmarshal([]byte(offline), &p); err != nil {
		t.Fatalf("offline payload is not valid JSON: %v", err)
	}
	if p["status"] != "offline" {
		t.Errorf("offline status = %v", p["status"])
	}
	if !strings.Contains(offline, "graceful_shutdown") {
		t.Error("graceful offline payload should carry shutdown reason")
	}
}

func TestPublish_Validation(t *testing.T) {
	c := newDisconnectedClient(testMQTTConfig())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "graylogic/state/lutron/5", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "graylogic/state/lutron/5", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "graylogic/state/lutron/5", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newDisconnectedClient(testMQTTConfig())
	handler := func(_ string, _ []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want %v", err, ErrInvalidTopic)
	}
	if err := c.Subscribe("graylogic/command/lutron/#", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v, want %v", err, ErrInvalidQoS)
	}
	if err := c.Subscribe("graylogic/command/lutron/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v, want %v", err, ErrSubscribeFailed)
	}
	if err := c.Subscribe("graylogic/command/lutron/#", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("not connected error = %v, want %v", err, ErrNotConnected)
	}

	// Failed subscriptions must not be tracked.
	if c.SubscriptionCount() != 0 {
		t.Errorf("subscription count = %d, want 0", c.SubscriptionCount())
	}
}

func TestUnsubscribe_Validation(t *testing.T) {
	c := newDisconnectedClient(testMQTTConfig())

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want %v", err, ErrInvalidTopic)
	}
	if err := c.Unsubscribe("graylogic/command/lutron/#"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("not connected error = %v, want %v", err, ErrNotConnected)
	}
}

func TestSubscriptionTracking(t *testing.T) {
	c := newDisconnectedClient(testMQTTConfig())

	// Seed tracking directly to test the bookkeeping without a broker.
	c.subMu.Lock()
	c.subscriptions["graylogic/command/lutron/#"] = subscription{
		topic: "graylogic/command/lutron/#",
		qos:   1,
	}
	c.subMu.Unlock()

	if !c.HasSubscription("graylogic/command/lutron/#") {
		t.Error("expected subscription to be tracked")
	}
	if c.HasSubscription("graylogic/state/lutron/#") {
		t.Error("unexpected subscription tracked")
	}
	if got := c.SubscriptionCount(); got != 1 {
		t.Errorf("subscription count = %d, want 1", got)
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	c := newDisconnectedClient(testMQTTConfig())

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want %v", err, ErrNotConnected)
	}
}

type recordingLogger struct {
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns = append(l.warns, msg) }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler_PanicRecovery(t *testing.T) {
	c := newDisconnectedClient(testMQTTConfig())
	logger := &recordingLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(_ string, _ []byte) error {
		panic("handler exploded")
	})

	// Must not propagate the panic.
	wrapped(nil, fakeMessage{topic: "graylogic/command/lutron/5", payload: []byte("{}")})

	if len(logger.errors) != 1 {
		t.Fatalf("expected 1 error log, got %d", len(logger.errors))
	}
}

func TestWrapHandler_ErrorLogged(t *testing.T) {
	c := newDisconnectedClient(testMQTTConfig())
	logger := &recordingLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(_ string, _ []byte) error {
		return errors.New("bad payload")
	})

	wrapped(nil, fakeMessage{topic: "graylogic/command/lutron/5", payload: []byte("{}")})

	if len(logger.warns) != 1 {
		t.Fatalf("expected 1 warn log, got %d", len(logger.warns))
	}
}

func TestClose_NeverConnected(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero client = %v, want nil", err)
	}

	c = newDisconnectedClient(testMQTTConfig())
	if err := c.Close(); err != nil {
		t.Errorf("Close() on disconnected client = %v, want nil", err)
	}
}
