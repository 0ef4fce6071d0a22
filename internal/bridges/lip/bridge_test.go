package lip

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// publishedMessage captures one MQTT publish for assertions.
type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// fakeMQTT implements MQTTClient (and HealthPublisher) in memory.
type fakeMQTT struct {
	mu           sync.Mutex
	published    []publishedMessage
	subscribed   map[string]func(topic string, payload []byte)
	connected    bool
	publishErr   error
	subscribeErr error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		subscribed: make(map[string]func(string, []byte)),
		connected:  true,
	}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{topic, payload, qos, retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed[topic] = handler
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// messagesOn returns all publishes whose topic has the given prefix.
func (f *fakeMQTT) messagesOn(prefix string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []publishedMessage
	for _, m := range f.published {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// sentCommand captures one controller send for assertions.
type sentCommand struct {
	integrationID int
	actionNumber  int
	values        []string
}

// fakeController implements Controller in memory.
type fakeController struct {
	mu        sync.Mutex
	commands  []sentCommand
	queries   []sentCommand
	sendErr   error
	connected bool
	stats     ClientStats

	msgFn   func(LIPMessage)
	stateFn func(ConnectionState)
}

func newFakeController() *fakeController {
	return &fakeController{connected: true}
}

func (f *fakeController) SendCommand(integrationID, actionNumber int, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.commands = append(f.commands, sentCommand{integrationID, actionNumber, values})
	return nil
}

func (f *fakeController) SendQuery(integrationID, actionNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.queries = append(f.queries, sentCommand{integrationID: integrationID, actionNumber: actionNumber})
	return nil
}

func (f *fakeController) Subscribe(fn func(LIPMessage)) *Subscription {
	f.mu.Lock()
	f.msgFn = fn
	f.mu.Unlock()
	return &Subscription{}
}

func (f *fakeController) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	f.msgFn = nil
	f.mu.Unlock()
}

func (f *fakeController) SubscribeState(fn func(ConnectionState)) *Subscription {
	f.mu.Lock()
	f.stateFn = fn
	f.mu.Unlock()
	return &Subscription{}
}

func (f *fakeController) UnsubscribeState(sub *Subscription) {
	f.mu.Lock()
	f.stateFn = nil
	f.mu.Unlock()
}

func (f *fakeController) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeController) Stats() ClientStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// deliver pushes a protocol message through the registered handler.
func (f *fakeController) deliver(msg LIPMessage) {
	f.mu.Lock()
	fn := f.msgFn
	f.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (f *fakeController) lastCommand(t *testing.T) sentCommand {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.commands) == 0 {
		t.Fatal("no commands sent")
	}
	return f.commands[len(f.commands)-1]
}

func testDeviceMap() *DeviceMap {
	return &DeviceMap{Devices: []DeviceConfig{
		{DeviceID: "light-living-001", Name: "Living Room Dimmer", Type: DeviceTypeLightDimmer, IntegrationID: 5},
		{DeviceID: "shade-living-001", Name: "Living Room Shade", Type: DeviceTypeShade, IntegrationID: 12},
		{DeviceID: "keypad-entry-001", Name: "Entry Keypad", Type: DeviceTypeKeypad, IntegrationID: 20},
	}}
}

// setupBridge starts a bridge wired to fakes and cleans up after the test.
func setupBridge(t *testing.T) (*Bridge, *fakeMQTT, *fakeController) {
	t.Helper()

	mqttClient := newFakeMQTT()
	controller := newFakeController()

	b, err := NewBridge(BridgeOptions{
		BridgeID:   "lutron-bridge-test",
		Version:    "test",
		Host:       "192.168.1.50:23",
		DeviceMap:  testDeviceMap(),
		MQTTClient: mqttClient,
		Lutron:     controller,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	return b, mqttClient, controller
}

// sendCommand feeds a command message into the bridge's MQTT handler.
func sendCommand(t *testing.T, b *Bridge, cmd CommandMessage) {
	t.Helper()

	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	b.handleMQTTMessage(CommandTopic(cmd.DeviceID), payload)
}

// lastAck decodes the most recent ack publish.
func lastAck(t *testing.T, mq *fakeMQTT) AckMessage {
	t.Helper()

	acks := mq.messagesOn("graylogic/ack/lutron/")
	if len(acks) == 0 {
		t.Fatal("no acks published")
	}

	var ack AckMessage
	if err := json.Unmarshal(acks[len(acks)-1].payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func TestNewBridge_Validation(t *testing.T) {
	dm := testDeviceMap()
	mq := newFakeMQTT()
	ctrl := newFakeController()

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"missing device map", BridgeOptions{MQTTClient: mq, Lutron: ctrl}},
		{"missing MQTT client", BridgeOptions{DeviceMap: dm, Lutron: ctrl}},
		{"missing lutron client", BridgeOptions{DeviceMap: dm, MQTTClient: mq}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() error = nil, want error")
			}
		})
	}
}

func TestBridge_Start_SubscribesToCommands(t *testing.T) {
	_, mq, ctrl := setupBridge(t)

	mq.mu.Lock()
	_, ok := mq.subscribed["graylogic/command/lutron/#"]
	mq.mu.Unlock()
	if !ok {
		t.Error("bridge did not subscribe to command topic")
	}

	ctrl.mu.Lock()
	registered := ctrl.msgFn != nil
	ctrl.mu.Unlock()
	if !registered {
		t.Error("bridge did not register a message handler on the controller")
	}
}

func TestBridge_CommandOn(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-1", DeviceID: "light-living-001", Command: "on"})

	cmd := ctrl.lastCommand(t)
	if cmd.integrationID != 5 {
		t.Errorf("integrationID = %d, want 5", cmd.integrationID)
	}
	if cmd.actionNumber != ActionOutputLevel {
		t.Errorf("actionNumber = %d, want %d", cmd.actionNumber, ActionOutputLevel)
	}
	if len(cmd.values) != 1 || cmd.values[0] != "100.00" {
		t.Errorf("values = %v, want [100.00]", cmd.values)
	}

	ack := lastAck(t, mq)
	if ack.Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", ack.Status, AckAccepted)
	}
	if ack.CommandID != "cmd-1" {
		t.Errorf("ack command ID = %q, want cmd-1", ack.CommandID)
	}
	if ack.Address != "5" {
		t.Errorf("ack address = %q, want 5", ack.Address)
	}
}

func TestBridge_CommandOff(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-2", DeviceID: "light-living-001", Command: "off"})

	cmd := ctrl.lastCommand(t)
	if len(cmd.values) != 1 || cmd.values[0] != "0.00" {
		t.Errorf("values = %v, want [0.00]", cmd.values)
	}

	if ack := lastAck(t, mq); ack.Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", ack.Status, AckAccepted)
	}
}

func TestBridge_CommandSetLevel(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	sendCommand(t, b, CommandMessage{
		ID:         "cmd-3",
		DeviceID:   "shade-living-001",
		Command:    "set_level",
		Parameters: map[string]any{"level": 42.5},
	})

	cmd := ctrl.lastCommand(t)
	if cmd.integrationID != 12 {
		t.Errorf("integrationID = %d, want 12", cmd.integrationID)
	}
	if len(cmd.values) != 1 || cmd.values[0] != "42.50" {
		t.Errorf("values = %v, want [42.50]", cmd.values)
	}

	if ack := lastAck(t, mq); ack.Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", ack.Status, AckAccepted)
	}
}

func TestBridge_CommandSetLevel_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing level", nil},
		{"level not a number", map[string]any{"level": "bright"}},
		{"level above range", map[string]any{"level": 150.0}},
		{"level below range", map[string]any{"level": -5.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mq, ctrl := setupBridge(t)

			sendCommand(t, b, CommandMessage{
				ID:         "cmd-4",
				DeviceID:   "light-living-001",
				Command:    "set_level",
				Parameters: tt.params,
			})

			ctrl.mu.Lock()
			sent := len(ctrl.commands)
			ctrl.mu.Unlock()
			if sent != 0 {
				t.Errorf("commands sent = %d, want 0", sent)
			}

			ack := lastAck(t, mq)
			if ack.Status != AckFailed {
				t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
			}
			if ack.Error == nil || ack.Error.Code != ErrCodeInvalidParameters {
				t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidParameters)
			}
		})
	}
}

func TestBridge_CommandPressRelease(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-5", DeviceID: "keypad-entry-001", Command: "press"})
	sendCommand(t, b, CommandMessage{ID: "cmd-6", DeviceID: "keypad-entry-001", Command: "release"})

	ctrl.mu.Lock()
	commands := append([]sentCommand(nil), ctrl.commands...)
	ctrl.mu.Unlock()

	if len(commands) != 2 {
		t.Fatalf("commands sent = %d, want 2", len(commands))
	}
	if commands[0].actionNumber != ActionButtonPress {
		t.Errorf("first action = %d, want %d", commands[0].actionNumber, ActionButtonPress)
	}
	if commands[1].actionNumber != ActionButtonRelease {
		t.Errorf("second action = %d, want %d", commands[1].actionNumber, ActionButtonRelease)
	}
	if commands[0].integrationID != 20 {
		t.Errorf("integrationID = %d, want 20", commands[0].integrationID)
	}

	if ack := lastAck(t, mq); ack.Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", ack.Status, AckAccepted)
	}
}

func TestBridge_CommandPress_NotAKeypad(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-7", DeviceID: "light-living-001", Command: "press"})

	ctrl.mu.Lock()
	sent := len(ctrl.commands)
	ctrl.mu.Unlock()
	if sent != 0 {
		t.Errorf("commands sent = %d, want 0", sent)
	}

	ack := lastAck(t, mq)
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidCommand)
	}
}

func TestBridge_CommandOn_Keypad(t *testing.T) {
	b, mq, _ := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-8", DeviceID: "keypad-entry-001", Command: "on"})

	ack := lastAck(t, mq)
	if ack.Status != AckFailed {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidCommand)
	}
}

func TestBridge_CommandQuery(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-9", DeviceID: "light-living-001", Command: "query"})

	ctrl.mu.Lock()
	queries := append([]sentCommand(nil), ctrl.queries...)
	ctrl.mu.Unlock()

	if len(queries) != 1 {
		t.Fatalf("queries sent = %d, want 1", len(queries))
	}
	if queries[0].integrationID != 5 || queries[0].actionNumber != ActionOutputLevel {
		t.Errorf("query = %+v", queries[0])
	}

	if ack := lastAck(t, mq); ack.Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", ack.Status, AckAccepted)
	}
}

func TestBridge_CommandUnknownDevice(t *testing.T) {
	b, mq, _ := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-10", DeviceID: "light-nowhere-999", Command: "on"})

	ack := lastAck(t, mq)
	if ack.Status != AckFailed {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeNotConfigured {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeNotConfigured)
	}
	if ack.Address != "" {
		t.Errorf("ack address = %q, want empty", ack.Address)
	}
}

func TestBridge_CommandUnknownCommand(t *testing.T) {
	b, mq, _ := setupBridge(t)

	sendCommand(t, b, CommandMessage{ID: "cmd-11", DeviceID: "light-living-001", Command: "toggle"})

	ack := lastAck(t, mq)
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidCommand)
	}
}

func TestBridge_CommandNotConnected(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	ctrl.mu.Lock()
	ctrl.sendErr = fmt.Errorf("send: %w", ErrNotConnected)
	ctrl.connected = false
	ctrl.mu.Unlock()

	sendCommand(t, b, CommandMessage{ID: "cmd-12", DeviceID: "light-living-001", Command: "on"})

	ack := lastAck(t, mq)
	if ack.Status != AckFailed {
		t.Fatalf("ack status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeNotConnected {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeNotConnected)
	}
}

func TestBridge_CommandMalformedJSON(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	b.handleMQTTMessage("graylogic/command/lutron/light-living-001", []byte("{not json"))

	ctrl.mu.Lock()
	sent := len(ctrl.commands)
	ctrl.mu.Unlock()
	if sent != 0 {
		t.Errorf("commands sent = %d, want 0", sent)
	}
	if acks := mq.messagesOn("graylogic/ack/"); len(acks) != 0 {
		t.Errorf("acks published = %d, want 0", len(acks))
	}
}

func TestBridge_OutputReportPublishesState(t *testing.T) {
	_, mq, ctrl := setupBridge(t)

	ctrl.deliver(LIPMessage{
		Mode:          ModeOutput,
		IntegrationID: 5,
		ActionNumber:  ActionOutputLevel,
		Values:        []string{"75.00"},
	})

	states := mq.messagesOn("graylogic/state/lutron/5")
	if len(states) != 1 {
		t.Fatalf("state publishes = %d, want 1", len(states))
	}
	if !states[0].retained {
		t.Error("state publish should be retained")
	}

	var state StateMessage
	if err := json.Unmarshal(states[0].payload, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.DeviceID != "light-living-001" {
		t.Errorf("DeviceID = %q, want light-living-001", state.DeviceID)
	}
	if state.State["level"] != 75.0 {
		t.Errorf("level = %v, want 75.0", state.State["level"])
	}
	if state.State["on"] != true {
		t.Errorf("on = %v, want true", state.State["on"])
	}
}

func TestBridge_OutputReportChangeSuppression(t *testing.T) {
	b, mq, ctrl := setupBridge(t)

	report := LIPMessage{
		Mode:          ModeOutput,
		IntegrationID: 5,
		ActionNumber:  ActionOutputLevel,
		Values:        []string{"50.00"},
	}

	ctrl.deliver(report)
	ctrl.deliver(report)

	if states := mq.messagesOn("graylogic/state/lutron/5"); len(states) != 1 {
		t.Errorf("state publishes = %d, want 1 (duplicate suppressed)", len(states))
	}

	// A changed level publishes again
	report.Values = []string{"60.00"}
	ctrl.deliver(report)

	if states := mq.messagesOn("graylogic/state/lutron/5"); len(states) != 2 {
		t.Errorf("state publishes = %d, want 2", len(states))
	}

	// Clearing the cache forces a republish of the same level
	b.ClearLevelCache()
	ctrl.deliver(report)

	if states := mq.messagesOn("graylogic/state/lutron/5"); len(states) != 3 {
		t.Errorf("state publishes = %d, want 3 after cache clear", len(states))
	}
}

func TestBridge_OutputReportUnmappedID(t *testing.T) {
	_, mq, ctrl := setupBridge(t)

	ctrl.deliver(LIPMessage{
		Mode:          ModeOutput,
		IntegrationID: 99,
		ActionNumber:  ActionOutputLevel,
		Values:        []string{"75.00"},
	})

	if states := mq.messagesOn("graylogic/state/"); len(states) != 0 {
		t.Errorf("state publishes = %d, want 0 for unmapped ID", len(states))
	}
}

func TestBridge_DeviceEventPublished(t *testing.T) {
	_, mq, ctrl := setupBridge(t)

	ctrl.deliver(LIPMessage{
		Mode:          ModeDevice,
		IntegrationID: 20,
		ActionNumber:  ActionButtonPress,
		Values:        []string{"2"},
	})

	events := mq.messagesOn("graylogic/event/lutron/20")
	if len(events) != 1 {
		t.Fatalf("event publishes = %d, want 1", len(events))
	}

	var evt EventMessage
	if err := json.Unmarshal(events[0].payload, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.DeviceID != "keypad-entry-001" {
		t.Errorf("DeviceID = %q, want keypad-entry-001", evt.DeviceID)
	}
	if evt.Event != "press" {
		t.Errorf("Event = %q, want press", evt.Event)
	}
	if evt.Action != ActionButtonPress {
		t.Errorf("Action = %d, want %d", evt.Action, ActionButtonPress)
	}
}

func TestBridge_DeviceEventUnmappedStillPublished(t *testing.T) {
	_, mq, ctrl := setupBridge(t)

	ctrl.deliver(LIPMessage{
		Mode:          ModeDevice,
		IntegrationID: 77,
		ActionNumber:  ActionButtonRelease,
	})

	events := mq.messagesOn("graylogic/event/lutron/77")
	if len(events) != 1 {
		t.Fatalf("event publishes = %d, want 1", len(events))
	}

	var evt EventMessage
	if err := json.Unmarshal(events[0].payload, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.DeviceID != "" {
		t.Errorf("DeviceID = %q, want empty for unmapped ID", evt.DeviceID)
	}
	if evt.Event != "release" {
		t.Errorf("Event = %q, want release", evt.Event)
	}
}

// recordingRecorder implements Recorder in memory.
type recordingRecorder struct {
	mu       sync.Mutex
	recorded []LIPMessage
}

func (r *recordingRecorder) Record(msg LIPMessage) {
	r.mu.Lock()
	r.recorded = append(r.recorded, msg)
	r.mu.Unlock()
}

func TestBridge_RecorderSeesAllStatusReports(t *testing.T) {
	rec := &recordingRecorder{}
	mqttClient := newFakeMQTT()
	controller := newFakeController()

	b, err := NewBridge(BridgeOptions{
		BridgeID:   "lutron-bridge-test",
		DeviceMap:  testDeviceMap(),
		MQTTClient: mqttClient,
		Lutron:     controller,
		Recorder:   rec,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	// Mapped and unmapped reports both reach the recorder
	controller.deliver(LIPMessage{Mode: ModeOutput, IntegrationID: 5, ActionNumber: ActionOutputLevel, Values: []string{"10.00"}})
	controller.deliver(LIPMessage{Mode: ModeOutput, IntegrationID: 99, ActionNumber: ActionOutputLevel, Values: []string{"20.00"}})
	controller.deliver(LIPMessage{Mode: ModeInput, IntegrationID: 33, ActionNumber: 2})

	rec.mu.Lock()
	count := len(rec.recorded)
	rec.mu.Unlock()
	if count != 3 {
		t.Errorf("recorded = %d, want 3", count)
	}
}

func TestBridge_QueryAll(t *testing.T) {
	b, _, ctrl := setupBridge(t)

	b.QueryAll()

	ctrl.mu.Lock()
	queries := append([]sentCommand(nil), ctrl.queries...)
	ctrl.mu.Unlock()

	// Keypad is skipped, dimmer and shade are queried
	if len(queries) != 2 {
		t.Fatalf("queries sent = %d, want 2", len(queries))
	}
	for _, q := range queries {
		if q.actionNumber != ActionOutputLevel {
			t.Errorf("query action = %d, want %d", q.actionNumber, ActionOutputLevel)
		}
		if q.integrationID == 20 {
			t.Error("keypad should not be queried")
		}
	}
}

func TestBridge_StopIdempotent(t *testing.T) {
	b, _, _ := setupBridge(t)

	b.Stop()
	b.Stop()
}
