package diskovery

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/serialport"
)

// simQueueSize bounds lines waiting to be read from the simulator.
const simQueueSize = 1024

// SimulatorOptions configures a Simulator. Zero values select defaults.
type SimulatorOptions struct {
	// ProductModel answers PRODUCT_MODEL. Default: "DISKOVERY".
	ProductModel string

	// BusyLines is the number of STATUS=1 lines sent before each answer.
	BusyLines int

	// AnswerDelay holds each answer back this long.
	AnswerDelay time.Duration

	// HeartbeatInterval emits a heartbeat token periodically. Zero disables.
	HeartbeatInterval time.Duration

	// HeartbeatToken defaults to DefaultHeartbeatToken.
	HeartbeatToken string

	// IlluminationSizes bounds ILLUMINATION_SIZE. Default: DefaultIlluminationSizes.
	IlluminationSizes int

	// Initial overrides the power-on state.
	Initial map[Field]string
}

// Simulator is an in-memory Diskovery controller implementing Transport.
//
// It answers queries and sets the way the controller does: optional busy
// markers, then NAME=value. Out-of-range sets are refused by echoing the
// current value. Tests use Inject to push unsolicited lines and SetSilent
// to make the controller stop answering.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Simulator struct {
	opts SimulatorOptions

	mu    sync.Mutex
	state map[Field]string

	rx     chan string
	closed *closeOnce
	wg     sync.WaitGroup

	silent   atomic.Bool
	commands atomic.Uint64
	purges   atomic.Uint64
	dropped  atomic.Uint64
}

// Ensure Simulator implements Transport.
var _ Transport = (*Simulator)(nil)

// NewSimulator creates a simulator and starts its heartbeat, if any.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.ProductModel == "" {
		opts.ProductModel = ExpectedProductModel
	}
	if opts.HeartbeatToken == "" {
		opts.HeartbeatToken = DefaultHeartbeatToken
	}
	if opts.IlluminationSizes <= 0 {
		opts.IlluminationSizes = DefaultIlluminationSizes
	}

	s := &Simulator{
		opts: opts,
		state: map[Field]string{
			FieldProductModel:     opts.ProductModel,
			FieldHardwareVersion:  "2.1.0",
			FieldFirmwareVersion:  "1.4.7",
			FieldSerialNumber:     "DSK-000001",
			FieldManufactureYear:  "19",
			FieldManufactureMonth: "6",
			FieldManufactureDay:   "14",
			FieldFilter:           "1",
			FieldIris:             "1",
			FieldTIRF:             "0",
			FieldSpinningDisk:     "1",
			FieldIlluminationSize: "1",
			FieldMotorRunning:     "0",
		},
		rx:     make(chan string, simQueueSize),
		closed: newCloseOnce(),
	}
	for f, v := range opts.Initial {
		s.state[f] = v
	}

	if opts.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
	return s
}

func (s *Simulator) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed.Done():
			return
		case <-ticker.C:
			if !s.silent.Load() {
				s.emit(s.opts.HeartbeatToken)
			}
		}
	}
}

// Write accepts one or more command lines.
func (s *Simulator) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, serialport.ErrClosed
	}
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.commands.Add(1)
		s.handle(line)
	}
	return len(p), nil
}

func (s *Simulator) handle(line string) {
	if s.silent.Load() {
		return
	}

	// The answer is queued under the state lock so the order of lines on
	// the wire matches the order of state changes.
	s.mu.Lock()
	var answer string
	switch {
	case strings.HasPrefix(line, "Q:"):
		answer = s.queryLocked(Field(line[2:]))
	case strings.HasPrefix(line, "S:"):
		name, value, _ := strings.Cut(line[2:], "=")
		answer = s.setLocked(Field(name), value)
	default:
		answer = "ERROR"
	}

	lines := make([]string, 0, s.opts.BusyLines+1)
	for i := 0; i < s.opts.BusyLines; i++ {
		lines = append(lines, "STATUS=1")
	}
	lines = append(lines, answer)

	if s.opts.AnswerDelay <= 0 {
		for _, l := range lines {
			s.emit(l)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(s.opts.AnswerDelay)
		defer t.Stop()
		select {
		case <-s.closed.Done():
		case <-t.C:
			for _, l := range lines {
				s.emit(l)
			}
		}
	}()
}

func (s *Simulator) queryLocked(f Field) string {
	v, ok := s.state[f]
	if !ok {
		return "ERROR"
	}
	return string(f) + "=" + v
}

func (s *Simulator) setLocked(f Field, value string) string {
	cur, ok := s.state[f]
	if !ok || !f.Writable() {
		return "ERROR"
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return string(f) + "=" + cur
	}
	spec := fieldSpecs[f]
	hi := spec.max
	if f == FieldIlluminationSize {
		hi = uint(s.opts.IlluminationSizes)
	}
	if uint(n) < spec.min || uint(n) > hi {
		return string(f) + "=" + cur
	}
	s.state[f] = value
	return string(f) + "=" + value
}

func (s *Simulator) emit(line string) {
	select {
	case s.rx <- line:
	default:
		s.dropped.Add(1)
	}
}

// ReadLine returns the next queued line.
func (s *Simulator) ReadLine(timeout time.Duration) (string, error) {
	if s.isClosed() {
		return "", serialport.ErrClosed
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.closed.Done():
		return "", serialport.ErrClosed
	case line := <-s.rx:
		return line, nil
	case <-t.C:
		return "", serialport.ErrTimeout
	}
}

// Purge drops every queued line.
func (s *Simulator) Purge() error {
	if s.isClosed() {
		return serialport.ErrClosed
	}
	s.purges.Add(1)
	for {
		select {
		case <-s.rx:
		default:
			return nil
		}
	}
}

// Close stops the simulator. Safe to call more than once.
func (s *Simulator) Close() error {
	s.closed.Close()
	s.wg.Wait()
	return nil
}

func (s *Simulator) isClosed() bool {
	select {
	case <-s.closed.Done():
		return true
	default:
		return false
	}
}

// Inject queues a raw line as if the controller had sent it.
func (s *Simulator) Inject(line string) {
	s.emit(line)
}

// SetState changes the simulated controller state and, like a front-panel
// change on the real unit, reports it unsolicited.
func (s *Simulator) SetState(f Field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[f] = value
	s.emit(string(f) + "=" + value)
}

// State returns the simulated controller's value for a field.
func (s *Simulator) State(f Field) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[f]
}

// SetSilent stops (true) or resumes (false) all output.
func (s *Simulator) SetSilent(silent bool) {
	s.silent.Store(silent)
}

// Commands returns the number of command lines received.
func (s *Simulator) Commands() uint64 {
	return s.commands.Load()
}

// Purges returns the number of Purge calls.
func (s *Simulator) Purges() uint64 {
	return s.purges.Load()
}
