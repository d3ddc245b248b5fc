package diskovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// changeQueueSize bounds pending change notifications.
const changeQueueSize = 256

// HubConfig configures a Hub.
type HubConfig struct {
	// ID names this controller in logs and downstream consumers.
	ID string

	AnswerTimeout     time.Duration
	PollInterval      time.Duration
	HeartbeatTimeout  time.Duration
	MaxBusyRetries    int
	IlluminationSizes int
	HeartbeatTokens   []string
}

// HubOptions contains dependencies for creating a Hub.
type HubOptions struct {
	// Transport is the link to the controller. The hub does not close it.
	Transport Transport
	Config    HubConfig
	Logger    Logger
}

// HubStats aggregates component statistics.
type HubStats struct {
	Initialized    bool
	Listener       ListenerStats
	Commander      CommanderStats
	ChangesQueued  uint64
	ChangesDropped uint64
}

// Hub owns one controller session: the model, the listener and the
// commander, plus the set of registered peripherals.
//
// Initialize builds a fresh model, starts the listener and reads every
// field once. Shutdown stops the listener and discards the model.
// Committed changes are fanned out to peripherals and subscribers from a
// single dispatcher goroutine, in commit order.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Hub struct {
	logSink

	cfg   HubConfig
	tr    Transport
	link  *Link
	codec *Codec

	mu          sync.RWMutex
	model       *Model
	listener    *Listener
	commander   *Commander
	initialized bool

	peripheralsMu sync.RWMutex
	peripherals   map[*Peripheral]struct{}

	subsMu      sync.RWMutex
	subscribers []func(Change)

	changes chan Change
	done    *closeOnce
	wg      sync.WaitGroup

	shutdownOnce sync.Once

	changesQueued  atomic.Uint64
	changesDropped atomic.Uint64
}

// NewHub creates a hub. Call Initialize to start talking to the controller.
//
// Returns:
//   - *Hub: Configured hub
//   - error: If the transport is missing
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrCommunication)
	}
	if opts.Config.ID == "" {
		opts.Config.ID = "diskovery"
	}

	h := &Hub{
		cfg:         opts.Config,
		tr:          opts.Transport,
		link:        NewLink(opts.Transport),
		codec:       NewCodec(opts.Config.HeartbeatTokens...),
		peripherals: make(map[*Peripheral]struct{}),
		changes:     make(chan Change, changeQueueSize),
		done:        newCloseOnce(),
	}
	if opts.Logger != nil {
		h.SetLogger(opts.Logger)
	}
	return h, nil
}

// ID returns the configured hub identifier.
func (h *Hub) ID() string {
	return h.cfg.ID
}

// Initialize creates the model, starts the listener and reads every field.
//
// Failures on individual fields are logged and tolerated. A communication
// failure or cancelled context tears the session down again.
//
// Returns:
//   - error: ErrListenerRunning if already initialized, ErrNotInitialized
//     after Shutdown, or the refresh failure
func (h *Hub) Initialize(ctx context.Context) error {
	select {
	case <-h.done.Done():
		return fmt.Errorf("%w: hub was shut down", ErrNotInitialized)
	default:
	}

	h.mu.Lock()
	if h.initialized {
		h.mu.Unlock()
		return ErrListenerRunning
	}

	logger := h.current()

	model := NewModel(ModelOptions{IlluminationSizes: h.cfg.IlluminationSizes})
	model.SetLogger(logger)
	model.SetOnChange(h.enqueue)

	listener := NewListener(h.link, h.codec, model, ListenerConfig{
		PollInterval:     h.cfg.PollInterval,
		HeartbeatTimeout: h.cfg.HeartbeatTimeout,
	})
	listener.SetLogger(logger)

	commander := NewCommander(h.link, h.codec, model, CommanderConfig{
		AnswerTimeout:  h.cfg.AnswerTimeout,
		MaxBusyRetries: h.cfg.MaxBusyRetries,
	})
	commander.SetLogger(logger)
	listener.SetWaker(commander.Nudge)

	h.model = model
	h.listener = listener
	h.commander = commander
	h.initialized = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.dispatchLoop()

	if err := listener.Start(); err != nil {
		h.Shutdown()
		return err
	}

	if err := commander.Refresh(ctx); err != nil {
		if errors.Is(err, ErrCommunication) || ctx.Err() != nil {
			h.logError("initial refresh failed", err, "hub_id", h.cfg.ID)
			h.Shutdown()
			return fmt.Errorf("initializing hub: %w", err)
		}
		h.logWarn("initial refresh incomplete", "hub_id", h.cfg.ID, "error", err)
	}

	model.SetOnline(true)
	h.logInfo("hub initialized",
		"hub_id", h.cfg.ID,
		"product", model.ProductModel(),
		"firmware", model.FirmwareVersion(),
		"serial", model.SerialNumber(),
	)
	return nil
}

// Shutdown stops the listener, drains notifications, unregisters every
// peripheral and discards the model. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.mu.Lock()
		listener := h.listener
		h.initialized = false
		h.mu.Unlock()

		if listener != nil {
			listener.Stop()
		}

		h.done.Close()
		h.wg.Wait()

		h.peripheralsMu.Lock()
		for p := range h.peripherals {
			p.detach(h)
		}
		clear(h.peripherals)
		h.peripheralsMu.Unlock()

		h.mu.Lock()
		h.model = nil
		h.listener = nil
		h.commander = nil
		h.mu.Unlock()

		h.logInfo("hub shut down", "hub_id", h.cfg.ID)
	})
}

// Subscribe registers fn for every committed change. Callbacks run on the
// dispatcher goroutine and should not block for long.
func (h *Hub) Subscribe(fn func(Change)) {
	h.subsMu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.subsMu.Unlock()
}

// enqueue hands a change to the dispatcher without blocking the caller.
func (h *Hub) enqueue(c Change) {
	select {
	case h.changes <- c:
		h.changesQueued.Add(1)
	default:
		h.changesDropped.Add(1)
		h.logWarn("change queue full, dropping notification", "field", c.Field, "value", c.Value)
	}
}

// dispatchLoop delivers queued changes until shutdown.
func (h *Hub) dispatchLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done.Done():
			// Deliver what is already queued so consumers see the final state.
			for {
				select {
				case c := <-h.changes:
					h.deliver(c)
				default:
					return
				}
			}
		case c := <-h.changes:
			h.deliver(c)
		}
	}
}

func (h *Hub) deliver(c Change) {
	h.peripheralsMu.RLock()
	peripherals := make([]*Peripheral, 0, len(h.peripherals))
	for p := range h.peripherals {
		peripherals = append(peripherals, p)
	}
	h.peripheralsMu.RUnlock()

	for _, p := range peripherals {
		h.safeCall("peripheral", func() { p.notify(c) })
	}

	h.subsMu.RLock()
	subs := make([]func(Change), len(h.subscribers))
	copy(subs, h.subscribers)
	h.subsMu.RUnlock()

	for _, fn := range subs {
		h.safeCall("subscriber", func() { fn(c) })
	}
}

func (h *Hub) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logError("change callback panic", fmt.Errorf("%v", r), "callback", kind)
		}
	}()
	fn()
}

// register attaches a peripheral.
func (h *Hub) register(p *Peripheral) error {
	if !h.IsInitialized() {
		return ErrNotInitialized
	}
	h.peripheralsMu.Lock()
	h.peripherals[p] = struct{}{}
	h.peripheralsMu.Unlock()
	return nil
}

// unregister detaches a peripheral.
func (h *Hub) unregister(p *Peripheral) {
	h.peripheralsMu.Lock()
	delete(h.peripherals, p)
	h.peripheralsMu.Unlock()
}

// IsInitialized reports whether the hub has a live session.
func (h *Hub) IsInitialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.initialized
}

// Model returns the live model, or nil when not initialized.
func (h *Hub) Model() *Model {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.model
}

// Commander returns the live commander, or nil when not initialized.
func (h *Hub) Commander() *Commander {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.commander
}

func (h *Hub) session() (*Model, *Commander, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.initialized {
		return nil, nil, ErrNotInitialized
	}
	return h.model, h.commander, nil
}

// Snapshot returns a copy of the current model.
func (h *Hub) Snapshot() (State, error) {
	m, _, err := h.session()
	if err != nil {
		return State{}, err
	}
	return m.Snapshot(), nil
}

// SetPreset forwards a set to the commander.
func (h *Hub) SetPreset(ctx context.Context, f Field, value uint) error {
	_, c, err := h.session()
	if err != nil {
		return err
	}
	return c.SetPreset(ctx, f, value)
}

// SetField sets any writable field, MOTOR_RUNNING included, from a value
// decoded by ParseValue. It is the entry point for the API and the MQTT
// bridge.
//
// Returns:
//   - uint: The decoded value that was sent
//   - error: ErrUnknownField, ErrReadOnlyField or ErrValidation before any
//     I/O, otherwise as SetPreset
func (h *Hub) SetField(ctx context.Context, f Field, value any) (uint, error) {
	if !f.Known() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownField, f)
	}
	if !f.Writable() {
		return 0, fmt.Errorf("%w: %s", ErrReadOnlyField, f)
	}
	n, err := ParseValue(value)
	if err != nil {
		return 0, err
	}
	return n, h.SetPreset(ctx, f, n)
}

// SetPresetFilter sets the filter preset.
func (h *Hub) SetPresetFilter(ctx context.Context, v uint) error {
	return h.SetPreset(ctx, FieldFilter, v)
}

// SetPresetIris sets the iris preset.
func (h *Hub) SetPresetIris(ctx context.Context, v uint) error {
	return h.SetPreset(ctx, FieldIris, v)
}

// SetPresetTIRF sets the TIRF preset.
func (h *Hub) SetPresetTIRF(ctx context.Context, v uint) error {
	return h.SetPreset(ctx, FieldTIRF, v)
}

// SetPresetSD sets the spinning disk preset.
func (h *Hub) SetPresetSD(ctx context.Context, v uint) error {
	return h.SetPreset(ctx, FieldSpinningDisk, v)
}

// SetPresetWF sets the illumination size preset.
func (h *Hub) SetPresetWF(ctx context.Context, v uint) error {
	return h.SetPreset(ctx, FieldIlluminationSize, v)
}

// SetMotorRunning starts or stops the disk motor.
func (h *Hub) SetMotorRunning(ctx context.Context, running bool) error {
	_, c, err := h.session()
	if err != nil {
		return err
	}
	return c.SetMotorRunning(ctx, running)
}

// Refresh re-reads every field from the controller.
func (h *Hub) Refresh(ctx context.Context) error {
	_, c, err := h.session()
	if err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// IsBusy reports whether a command is in flight. False when not initialized.
func (h *Hub) IsBusy() bool {
	m, _, err := h.session()
	if err != nil {
		return false
	}
	return m.IsBusy()
}

// Stats returns aggregated statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	listener, commander, initialized := h.listener, h.commander, h.initialized
	h.mu.RUnlock()

	s := HubStats{
		Initialized:    initialized,
		ChangesQueued:  h.changesQueued.Load(),
		ChangesDropped: h.changesDropped.Load(),
	}
	if listener != nil {
		s.Listener = listener.Stats()
	}
	if commander != nil {
		s.Commander = commander.Stats()
	}
	return s
}

// HealthCheck reports whether the session is usable.
//
// Returns:
//   - error: ErrNotInitialized, ErrCommunication if the listener died, or
//     ErrTimeout if the controller has gone silent
func (h *Hub) HealthCheck(_ context.Context) error {
	h.mu.RLock()
	listener, model, initialized := h.listener, h.model, h.initialized
	h.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}
	if listener.State() != ListenerRunning {
		if err := listener.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: listener %s", ErrCommunication, listener.State())
	}
	if !model.IsOnline() {
		return fmt.Errorf("%w: heartbeat lost", ErrTimeout)
	}
	return nil
}
