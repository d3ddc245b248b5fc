package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTT records publishes and lets tests deliver messages to the
// subscribed handlers.
type mockMQTT struct {
	mu        sync.Mutex
	messages  []published
	handlers  map[string]func(topic string, payload []byte)
	connected bool
	failSub   error
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]func(string, []byte)), connected: true}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, published{topic, payload, qos, retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSub != nil {
		return m.failSub
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	m.mu.Lock()
	h, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for %s", topic)
	}
	h(topic, []byte(payload))
}

func (m *mockMQTT) on(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.messages {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// waitAck waits for the ack with the given command ID.
func (m *mockMQTT) waitAck(t *testing.T, id string) AckMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range m.on(mqtt.Topics{}.Ack("test-hub")) {
			var ack AckMessage
			if err := json.Unmarshal(p.payload, &ack); err != nil {
				t.Fatalf("ack is not JSON: %v", err)
			}
			if ack.CommandID == id {
				return ack
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no ack for command %q", id)
	return AckMessage{}
}

func newTestHub(t *testing.T, sim *diskovery.Simulator) *diskovery.Hub {
	t.Helper()
	t.Cleanup(func() { sim.Close() })

	hub, err := diskovery.NewHub(diskovery.HubOptions{
		Transport: sim,
		Config: diskovery.HubConfig{
			ID:            "test-hub",
			PollInterval:  5 * time.Millisecond,
			AnswerTimeout: time.Second,
		},
	})
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	if err := hub.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(hub.Shutdown)
	return hub
}

func startBridge(t *testing.T, hub HubAPI, client *mockMQTT) *Bridge {
	t.Helper()
	b, err := New(Options{Hub: hub, MQTTClient: client, Version: "test", HealthInterval: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{MQTTClient: newMockMQTT()}); err == nil {
		t.Error("New() without hub succeeded")
	}
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	if _, err := New(Options{Hub: hub}); err == nil {
		t.Error("New() without MQTT client succeeded")
	}
}

func TestBridge_StartPublishesState(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	b := startBridge(t, hub, client)

	if _, ok := client.handlers["graylogic/command/diskovery/test-hub"]; !ok {
		t.Error("command topic not subscribed")
	}

	// Late changes from the initial refresh may also be published; find
	// the snapshot Start published itself.
	var msg StateMessage
	var initial *published
	for _, p := range client.on("graylogic/state/diskovery/test-hub") {
		var m StateMessage
		if err := json.Unmarshal(p.payload, &m); err != nil {
			t.Fatalf("state is not JSON: %v", err)
		}
		if m.Change == nil {
			msg, initial = m, &p
			break
		}
	}
	if initial == nil {
		t.Fatal("no initial state published on start")
	}
	if !initial.retained || initial.qos != 1 {
		t.Errorf("state retained=%v qos=%d, want retained qos 1", initial.retained, initial.qos)
	}
	if msg.HubID != "test-hub" || msg.Protocol != Protocol {
		t.Errorf("state header = %q/%q", msg.HubID, msg.Protocol)
	}
	if msg.State.ProductModel != diskovery.ExpectedProductModel || msg.State.Filter != 1 {
		t.Errorf("state = %+v", msg.State)
	}

	if len(client.on("graylogic/health/diskovery")) == 0 {
		t.Error("no health published on start")
	}
	if err := b.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}
}

func TestBridge_StartSubscribeFails(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	client.failSub = errors.New("broker said no")

	b, err := New(Options{Hub: hub, MQTTClient: client})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Stop()
	if err := b.Start(context.Background()); err == nil {
		t.Error("Start() error = nil, want subscribe failure")
	}
}

func TestBridge_ChangePublishesState(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	startBridge(t, hub, client)

	sim.SetState(diskovery.FieldTIRF, "3")

	topic := mqtt.Topics{}.State("test-hub")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range client.on(topic) {
			var msg StateMessage
			if err := json.Unmarshal(p.payload, &msg); err != nil {
				t.Fatalf("state is not JSON: %v", err)
			}
			if msg.Change != nil && msg.Change.Field == diskovery.FieldTIRF && msg.Change.Value == "3" {
				if msg.State.TIRF != 3 {
					t.Errorf("snapshot TIRF = %d, want 3", msg.State.TIRF)
				}
				if msg.Change.Source != diskovery.SourceStatus {
					t.Errorf("change source = %q, want status", msg.Change.Source)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("TIRF change not published")
}

func TestBridge_Commands(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	startBridge(t, hub, client)

	tests := []struct {
		name       string
		payload    string
		wantStatus AckStatus
		wantCode   string
		wantValue  string
	}{
		{"set filter", `{"id":"c1","command":"set","parameters":{"field":"FILTER_POSITION","value":3}}`, AckAccepted, "", "3"},
		{"set lower case", `{"id":"c2","command":"set","parameters":{"field":"disk_position","value":"4"}}`, AckAccepted, "", "4"},
		{"set motor bool", `{"id":"c3","command":"set","parameters":{"field":"MOTOR_RUNNING","value":true}}`, AckAccepted, "", "1"},
		{"out of range", `{"id":"c4","command":"set","parameters":{"field":"IRIS_POSITION","value":9}}`, AckFailed, ErrCodeInvalidParameters, ""},
		{"read-only field", `{"id":"c5","command":"set","parameters":{"field":"SERIAL_NUMBER","value":1}}`, AckFailed, ErrCodeInvalidParameters, ""},
		{"unknown field", `{"id":"c6","command":"set","parameters":{"field":"LASER","value":1}}`, AckFailed, ErrCodeInvalidParameters, ""},
		{"negative value", `{"id":"c7","command":"set","parameters":{"field":"TIRF_POSITION","value":-1}}`, AckFailed, ErrCodeInvalidParameters, ""},
		{"fractional value", `{"id":"c8","command":"set","parameters":{"field":"TIRF_POSITION","value":1.5}}`, AckFailed, ErrCodeInvalidParameters, ""},
		{"missing value", `{"id":"c9","command":"set","parameters":{"field":"TIRF_POSITION"}}`, AckFailed, ErrCodeInvalidParameters, ""},
		{"motor out of range", `{"id":"c10","command":"set","parameters":{"field":"MOTOR_RUNNING","value":2}}`, AckFailed, ErrCodeInvalidParameters, ""},
		{"refresh", `{"id":"c11","command":"refresh"}`, AckAccepted, "", ""},
		{"unknown command", `{"id":"c12","command":"explode"}`, AckFailed, ErrCodeInvalidCommand, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd CommandMessage
			if err := json.Unmarshal([]byte(tt.payload), &cmd); err != nil {
				t.Fatalf("bad test payload: %v", err)
			}
			client.deliver(t, "graylogic/command/diskovery/test-hub", tt.payload)
			ack := client.waitAck(t, cmd.ID)

			if ack.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", ack.Status, tt.wantStatus)
			}
			if ack.HubID != "test-hub" || ack.Command != cmd.Command {
				t.Errorf("ack header = %q/%q", ack.HubID, ack.Command)
			}
			if tt.wantCode != "" {
				if ack.Error == nil || ack.Error.Code != tt.wantCode {
					t.Errorf("Error = %+v, want code %s", ack.Error, tt.wantCode)
				}
			} else if ack.Error != nil {
				t.Errorf("unexpected ack error %+v", ack.Error)
			}
			if ack.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", ack.Value, tt.wantValue)
			}
		})
	}

	if got := sim.State(diskovery.FieldFilter); got != "3" {
		t.Errorf("controller FILTER_POSITION = %q, want 3", got)
	}
	if got := sim.State(diskovery.FieldMotorRunning); got != "1" {
		t.Errorf("controller MOTOR_RUNNING = %q, want 1", got)
	}
	if got := sim.State(diskovery.FieldIris); got != "1" {
		t.Errorf("rejected set reached controller: IRIS_POSITION = %q", got)
	}
}

func TestBridge_CommandWithoutID(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	b := startBridge(t, hub, client)

	client.deliver(t, "graylogic/command/diskovery/test-hub", `{"command":"refresh"}`)
	client.deliver(t, "graylogic/command/diskovery/test-hub", `not json`)

	ackTopic := mqtt.Topics{}.Ack("test-hub")
	deadline := time.Now().Add(2 * time.Second)
	for len(client.on(ackTopic)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	acks := client.on(ackTopic)
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("ack is not JSON: %v", err)
	}
	if len(ack.CommandID) != 36 || strings.Count(ack.CommandID, "-") != 4 {
		t.Errorf("CommandID = %q, want generated UUID", ack.CommandID)
	}
	if acks[0].retained {
		t.Error("ack published retained")
	}
	if got := b.GetMetrics().CommandsRx; got != 1 {
		t.Errorf("CommandsRx = %d, want 1", got)
	}
}

func TestBridge_CommandAfterControllerLoss(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	startBridge(t, hub, client)

	sim.Close()
	client.deliver(t, "graylogic/command/diskovery/test-hub",
		`{"id":"lost","command":"set","parameters":{"field":"FILTER_POSITION","value":2}}`)

	ack := client.waitAck(t, "lost")
	if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("ack = %+v, want failed DEVICE_UNREACHABLE", ack)
	}
}

func TestBridge_StopIgnoresCommands(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	b := startBridge(t, hub, client)

	b.Stop()
	b.Stop() // idempotent

	client.deliver(t, "graylogic/command/diskovery/test-hub", `{"id":"late","command":"refresh"}`)
	time.Sleep(20 * time.Millisecond)
	if n := len(client.on(mqtt.Topics{}.Ack("test-hub"))); n != 0 {
		t.Errorf("acks after Stop = %d, want 0", n)
	}

	health := client.on("graylogic/health/diskovery")
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1].payload, &last); err != nil {
		t.Fatalf("health is not JSON: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health = %q, want stopping", last.Status)
	}
}

func TestBridge_StopWaitsForRacingCommands(t *testing.T) {
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	hub := newTestHub(t, sim)
	client := newMockMQTT()
	b := startBridge(t, hub, client)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				client.deliver(t, "graylogic/command/diskovery/test-hub", `{"command":"refresh"}`)
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	b.Stop()
	afterStop := len(client.on(mqtt.Topics{}.Ack("test-hub")))
	wg.Wait()

	time.Sleep(20 * time.Millisecond)
	if n := len(client.on(mqtt.Topics{}.Ack("test-hub"))); n != afterStop {
		t.Errorf("acks after Stop returned = %d, want %d", n, afterStop)
	}
}

func TestAckFromError(t *testing.T) {
	b := &Bridge{hubID: "h"}
	cmd := CommandMessage{ID: "x", Command: CommandSet}

	tests := []struct {
		err        error
		wantCode   string
		wantStatus AckStatus
	}{
		{diskovery.ErrValidation, ErrCodeInvalidParameters, AckFailed},
		{diskovery.ErrReadOnlyField, ErrCodeInvalidParameters, AckFailed},
		{diskovery.ErrTimeout, ErrCodeTimeout, AckTimeout},
		{diskovery.ErrMalformedFrame, ErrCodeBridgeError, AckFailed},
		{errors.Join(diskovery.ErrProtocol, diskovery.ErrMalformedFrame), ErrCodeProtocolError, AckFailed},
		{diskovery.ErrCommunication, ErrCodeDeviceUnreachable, AckFailed},
		{diskovery.ErrNotInitialized, ErrCodeDeviceUnreachable, AckFailed},
		{errors.New("other"), ErrCodeBridgeError, AckFailed},
	}
	for _, tt := range tests {
		ack := b.ackFromError(cmd, tt.err)
		if ack.Error.Code != tt.wantCode || ack.Status != tt.wantStatus {
			t.Errorf("ackFromError(%v) = %s/%s, want %s/%s", tt.err, ack.Status, ack.Error.Code, tt.wantStatus, tt.wantCode)
		}
	}
}
