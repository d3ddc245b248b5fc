package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/mqtt"
)

// commandTimeout bounds one command from receipt to ack. It covers a
// refresh, which runs one transaction per field.
const commandTimeout = 30 * time.Second

// Bridge connects one Diskovery hub to MQTT.
// It handles:
//   - Publishing the retained state snapshot whenever a field changes
//   - Executing set and refresh commands from Core and acknowledging them
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	hubID   string
	mqtt    MQTTClient
	hub     HubAPI
	health  *HealthReporter
	topics  mqtt.Topics
	started atomic.Bool

	commandsRx      atomic.Uint64
	statesPublished atomic.Uint64

	// publishMu keeps state messages in snapshot order.
	publishMu sync.Mutex

	// Shutdown coordination. stopMu orders wg.Add against close(done).
	done      chan struct{}
	stopMu    sync.Mutex
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// HubAPI is the part of *diskovery.Hub the bridge drives.
type HubAPI interface {
	HubHealth
	ID() string
	Snapshot() (diskovery.State, error)
	SetField(ctx context.Context, f diskovery.Field, value any) (uint, error)
	Refresh(ctx context.Context) error
	Subscribe(fn func(diskovery.Change))
}

// Options holds configuration for creating a bridge.
type Options struct {
	Hub        HubAPI
	MQTTClient MQTTClient

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	Logger Logger
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		hubID:     opts.Hub.ID(),
		mqtt:      opts.MQTTClient,
		hub:       opts.Hub,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  Protocol,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Hub:       opts.Hub,
	})
	b.health.counters = func() (uint64, uint64) {
		return b.commandsRx.Load(), b.statesPublished.Load()
	}
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to the hub's changes and the command topic, publishes
// the current state and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already started")
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.hub.Subscribe(b.handleChange)

	commandTopic := b.topics.Command(b.hubID)
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.publishState(nil)

	b.health.Start(ctx)

	b.logInfo("bridge started", "hub_id", b.hubID)
	return nil
}

// Stop cancels in-flight commands, waits for them to ack and stops
// health reporting.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		close(b.done)
		b.stopMu.Unlock()
		b.ctxCancel()
		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

func (b *Bridge) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// handleChange runs on the hub's dispatcher goroutine.
func (b *Bridge) handleChange(c diskovery.Change) {
	if b.stopped() {
		return
	}
	b.publishState(&c)
}

// publishState publishes the retained snapshot. Nothing is published
// while the hub has no session.
func (b *Bridge) publishState(change *diskovery.Change) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	snapshot, err := b.hub.Snapshot()
	if err != nil {
		b.logDebug("state not published", "error", err)
		return
	}

	payload, err := json.Marshal(NewStateMessage(b.hubID, snapshot, change))
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.State(b.hubID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
		return
	}
	b.statesPublished.Add(1)
}

// handleMQTTMessage parses a command and runs it off the MQTT goroutine.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	if b.stopped() {
		return
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	b.commandsRx.Add(1)

	b.logInfo("received command",
		"command_id", cmd.ID,
		"command", cmd.Command,
		"topic", topic,
		"source", cmd.Source)

	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stopped() {
		b.logDebug("command dropped during shutdown", "command_id", cmd.ID)
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.publishAck(b.executeCommand(cmd))
	}()
}

// executeCommand runs one command against the hub and builds its ack.
func (b *Bridge) executeCommand(cmd CommandMessage) AckMessage {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case CommandSet:
		return b.executeSet(ctx, cmd)
	case CommandRefresh:
		if err := b.hub.Refresh(ctx); err != nil {
			return b.ackFromError(cmd, err)
		}
		return NewAckMessage(cmd, b.hubID, AckAccepted)
	default:
		return NewAckError(cmd, b.hubID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
	}
}

func (b *Bridge) executeSet(ctx context.Context, cmd CommandMessage) AckMessage {
	name, _ := cmd.Parameters["field"].(string)
	field, err := diskovery.ParseField(name)
	if err != nil {
		return NewAckError(cmd, b.hubID, ErrCodeInvalidParameters, err.Error())
	}
	if _, err := b.hub.SetField(ctx, field, cmd.Parameters["value"]); err != nil {
		return b.ackFromError(cmd, err)
	}

	ack := NewAckMessage(cmd, b.hubID, AckAccepted)
	ack.Field = field.String()
	if s, err := b.hub.Snapshot(); err == nil {
		ack.Value = s.Values[field]
	}
	return ack
}

// ackFromError maps a hub error onto an ack error code.
func (b *Bridge) ackFromError(cmd CommandMessage, err error) AckMessage {
	code := ErrCodeBridgeError
	switch {
	case errors.Is(err, diskovery.ErrValidation),
		errors.Is(err, diskovery.ErrUnknownField),
		errors.Is(err, diskovery.ErrReadOnlyField):
		code = ErrCodeInvalidParameters
	case errors.Is(err, diskovery.ErrTimeout):
		code = ErrCodeTimeout
	case errors.Is(err, diskovery.ErrProtocol):
		code = ErrCodeProtocolError
	case errors.Is(err, diskovery.ErrCommunication),
		errors.Is(err, diskovery.ErrNotInitialized):
		code = ErrCodeDeviceUnreachable
	}
	return NewAckError(cmd, b.hubID, code, err.Error())
}

func (b *Bridge) publishAck(ack AckMessage) {
	if ack.Error != nil {
		b.logWarn("command failed",
			"command_id", ack.CommandID,
			"code", ack.Error.Code,
			"message", ack.Error.Message)
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(b.hubID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// Metrics contains counters for the API health endpoint.
type Metrics struct {
	Connected       bool
	CommandsRx      uint64
	StatesPublished uint64
}

// GetMetrics returns current bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		Connected:       b.mqtt.IsConnected(),
		CommandsRx:      b.commandsRx.Load(),
		StatesPublished: b.statesPublished.Load(),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
