package diskovery

import (
	"errors"
	"fmt"
	"runtime"
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

// Default listener timing.
const (
	// defaultPollInterval is the read timeout per loop iteration.
	defaultPollInterval = 100 * time.Millisecond

	// defaultHeartbeatTimeout is how long the controller may stay silent.
	defaultHeartbeatTimeout = 10 * time.Second
)

// ListenerState is the lifecycle state of a Listener.
type ListenerState int32

const (
	ListenerStopped ListenerState = iota
	ListenerStarting
	ListenerRunning
	ListenerStopping
)

// String returns the state name.
func (s ListenerState) String() string {
	switch s {
	case ListenerStopped:
		return "stopped"
	case ListenerStarting:
		return "starting"
	case ListenerRunning:
		return "running"
	case ListenerStopping:
		return "stopping"
	default:
		return fmt.Sprintf("ListenerState(%d)", int32(s))
	}
}

// ListenerConfig holds listener timing.
type ListenerConfig struct {
	// PollInterval bounds each read. It is also the longest a command waits
	// for the listener to let go of the link.
	// Default: 100ms.
	PollInterval time.Duration

	// HeartbeatTimeout marks the controller offline after this much silence.
	// Negative disables the check. Zero selects the default of 10s.
	HeartbeatTimeout time.Duration
}

// ListenerStats holds listener counters.
type ListenerStats struct {
	FramesRx      uint64 // key=value lines applied or offered to the model
	HeartbeatsRx  uint64
	Malformed     uint64 // lines skipped because they could not be decoded
	Rejected      uint64 // decoded values the model refused
	ErrorsTotal   uint64
	LastActivity  time.Time
	State         ListenerState
	HeartbeatLost bool
}

// Listener drains unsolicited status lines from the link and applies them
// to the model.
//
// Each iteration takes the link's transaction lock for one short read, so
// a command in progress is never interleaved with a listener read.
//
// Lifecycle: Stopped -> Starting -> Running -> Stopping -> Stopped.
// A fatal transport error moves the listener to Stopping and ends the
// loop; Stop then completes the transition.
//
// Thread Safety:
//   - Start and Stop are serialised internally.
//   - Stats may be called at any time.
type Listener struct {
	logSink

	cfg   ListenerConfig
	link  *Link
	codec *Codec
	model *Model

	state  atomic.Int32
	lifeMu sync.Mutex
	done   *closeOnce
	exited chan struct{}
	wg     sync.WaitGroup

	// waker nudges a blocked read during Stop.
	waker func() error

	fatalMu  sync.Mutex
	fatalErr error

	framesRx      atomic.Uint64
	heartbeatsRx  atomic.Uint64
	malformed     atomic.Uint64
	rejected      atomic.Uint64
	errorsTotal   atomic.Uint64
	heartbeatLost atomic.Bool
}

// NewListener creates a stopped listener.
func NewListener(link *Link, codec *Codec, model *Model, cfg ListenerConfig) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Listener{
		cfg:   cfg,
		link:  link,
		codec: codec,
		model: model,
	}
}

// SetWaker sets the function Stop uses to unblock a pending read.
func (l *Listener) SetWaker(fn func() error) {
	l.lifeMu.Lock()
	l.waker = fn
	l.lifeMu.Unlock()
}

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Start launches the receive goroutine.
//
// Returns:
//   - error: ErrListenerRunning unless the listener is fully stopped
func (l *Listener) Start() error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if !l.state.CompareAndSwap(int32(ListenerStopped), int32(ListenerStarting)) {
		return ErrListenerRunning
	}

	l.done = newCloseOnce()
	l.exited = make(chan struct{})
	l.heartbeatLost.Store(false)
	l.fatalMu.Lock()
	l.fatalErr = nil
	l.fatalMu.Unlock()
	l.link.markActivity()

	l.state.Store(int32(ListenerRunning))
	l.wg.Add(1)
	go l.receiveLoop(l.done, l.exited)

	l.logInfo("listener started", "poll_interval", l.cfg.PollInterval)
	return nil
}

// Stop signals the loop, sends the wake-up probe and waits for the
// goroutine to exit. Calling Stop on a stopped listener is a no-op.
func (l *Listener) Stop() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if l.State() == ListenerStopped {
		return
	}

	l.state.Store(int32(ListenerStopping))
	l.done.Close()

	if l.waker != nil {
		if err := l.waker(); err != nil {
			l.logDebug("wake-up probe failed", "error", err)
		}
	}

	l.wg.Wait()
	l.state.Store(int32(ListenerStopped))
	l.logInfo("listener stopped")
}

// Exited is closed when the receive goroutine returns, whether from Stop
// or a fatal transport error. Nil before the first Start.
func (l *Listener) Exited() <-chan struct{} {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	return l.exited
}

// Err returns the fatal error that ended the loop, if any.
func (l *Listener) Err() error {
	l.fatalMu.Lock()
	defer l.fatalMu.Unlock()
	return l.fatalErr
}

// receiveLoop reads until done is closed or the transport fails.
func (l *Listener) receiveLoop(done *closeOnce, exited chan struct{}) {
	defer l.wg.Done()
	defer close(exited)

	for {
		select {
		case <-done.Done():
			return
		default:
		}

		// The line is applied before the link is released, so a command
		// answer read afterwards always lands on top of it.
		l.link.begin()
		line, err := l.link.readLine(l.cfg.PollInterval)
		if err == nil {
			l.handleLine(line)
		}
		l.link.end()

		if err != nil && l.handleReadError(err, done) {
			return
		}
		// Let a waiting command take the link.
		runtime.Gosched()
	}
}

// handleReadError returns true if the loop should stop.
func (l *Listener) handleReadError(err error, done *closeOnce) bool {
	if isReadTimeout(err) {
		l.checkHeartbeat()
		return false
	}

	select {
	case <-done.Done():
		return true // transport closed during shutdown
	default:
	}

	l.errorsTotal.Add(1)
	l.fatalMu.Lock()
	l.fatalErr = err
	l.fatalMu.Unlock()
	l.state.Store(int32(ListenerStopping))
	l.logError("listener read failed, stopping", err)
	return true
}

// handleLine decodes one line and applies it. Never panics.
func (l *Listener) handleLine(line string) {
	defer func() {
		if r := recover(); r != nil {
			l.errorsTotal.Add(1)
			l.logError("listener line handler panic", fmt.Errorf("%v", r), "line", line)
		}
	}()

	l.markAlive()

	frame, err := l.codec.ParseStatusLine(line)
	if err != nil {
		l.malformed.Add(1)
		l.logWarn("skipping malformed line", "line", line, "error", err)
		return
	}

	if frame.Kind == FrameHeartbeat {
		l.heartbeatsRx.Add(1)
		return
	}

	l.framesRx.Add(1)
	if _, err := l.model.Apply(frame.Key, frame.Value); err != nil {
		if errors.Is(err, ErrUnknownField) {
			l.logDebug("ignoring unknown field", "field", frame.Key, "value", frame.Value)
			return
		}
		l.rejected.Add(1)
	}
}

// markAlive clears a previous heartbeat loss.
func (l *Listener) markAlive() {
	if l.heartbeatLost.CompareAndSwap(true, false) {
		l.logInfo("controller traffic resumed")
	}
	l.model.SetOnline(true)
}

// checkHeartbeat flags the controller offline after prolonged silence.
// Lines read by the commander count as traffic too.
func (l *Listener) checkHeartbeat() {
	if l.cfg.HeartbeatTimeout < 0 {
		return
	}
	silent := time.Since(l.link.lastActivity())
	if silent < l.cfg.HeartbeatTimeout {
		if l.heartbeatLost.CompareAndSwap(true, false) {
			l.logInfo("controller traffic resumed")
			l.model.SetOnline(true)
		}
		return
	}
	if l.heartbeatLost.CompareAndSwap(false, true) {
		l.model.SetOnline(false)
		l.logWarn("controller heartbeat lost", "silent_for", silent.Round(time.Millisecond))
	}
}

// Stats returns current counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		FramesRx:      l.framesRx.Load(),
		HeartbeatsRx:  l.heartbeatsRx.Load(),
		Malformed:     l.malformed.Load(),
		Rejected:      l.rejected.Load(),
		ErrorsTotal:   l.errorsTotal.Load(),
		LastActivity:  l.link.lastActivity(),
		State:         l.State(),
		HeartbeatLost: l.heartbeatLost.Load(),
	}
}
