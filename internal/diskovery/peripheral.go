package diskovery

import (
	"context"
	"fmt"
	"sync"
)

// PeripheralKind selects which preset a Peripheral drives.
type PeripheralKind int

const (
	PeripheralSpinningDisk PeripheralKind = iota
	PeripheralIlluminationSize
	PeripheralTIRF
)

// String returns the kind name.
func (k PeripheralKind) String() string {
	switch k {
	case PeripheralSpinningDisk:
		return "spinning_disk"
	case PeripheralIlluminationSize:
		return "illumination_size"
	case PeripheralTIRF:
		return "tirf"
	default:
		return fmt.Sprintf("PeripheralKind(%d)", int(k))
	}
}

// Field returns the preset field the kind maps to.
func (k PeripheralKind) Field() Field {
	switch k {
	case PeripheralSpinningDisk:
		return FieldSpinningDisk
	case PeripheralIlluminationSize:
		return FieldIlluminationSize
	case PeripheralTIRF:
		return FieldTIRF
	default:
		return ""
	}
}

// Peripheral is a state device backed by one preset field.
//
// States are 0-based: state = preset - first position. For the spinning
// disk the first position is 1, so preset 3 is state 2. TIRF presets start
// at 0 and map one to one.
type Peripheral struct {
	kind PeripheralKind

	mu       sync.RWMutex
	hub      *Hub
	firstPos uint
	numPos   int
	onChange func(state int)
}

// NewPeripheral creates a detached peripheral of the given kind.
func NewPeripheral(kind PeripheralKind) *Peripheral {
	return &Peripheral{kind: kind}
}

// Kind returns the peripheral kind.
func (p *Peripheral) Kind() PeripheralKind {
	return p.kind
}

// Name returns a display name such as "Diskovery-SpinningDisk".
func (p *Peripheral) Name() string {
	switch p.kind {
	case PeripheralSpinningDisk:
		return "Diskovery-SpinningDisk"
	case PeripheralIlluminationSize:
		return "Diskovery-IlluminationSize"
	case PeripheralTIRF:
		return "Diskovery-TIRF"
	default:
		return "Diskovery-" + p.kind.String()
	}
}

// Initialize attaches the peripheral to a hub and takes its position
// range from the hub's model.
//
// Returns:
//   - error: ErrHubMissing if h is nil, ErrNotInitialized if the hub has no session
func (p *Peripheral) Initialize(h *Hub) error {
	if h == nil {
		return ErrHubMissing
	}
	m := h.Model()
	if m == nil {
		return ErrNotInitialized
	}
	lo, hi, ok := m.Domain(p.kind.Field())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, p.kind)
	}

	p.mu.Lock()
	p.hub = h
	p.firstPos = lo
	p.numPos = int(hi-lo) + 1
	p.mu.Unlock()

	if err := h.register(p); err != nil {
		p.mu.Lock()
		p.hub = nil
		p.mu.Unlock()
		return err
	}
	return nil
}

// Shutdown detaches the peripheral from its hub.
func (p *Peripheral) Shutdown() {
	p.mu.Lock()
	h := p.hub
	p.hub = nil
	p.mu.Unlock()

	if h != nil {
		h.unregister(p)
	}
}

// detach is called by the hub when it shuts down first.
func (p *Peripheral) detach(h *Hub) {
	p.mu.Lock()
	if p.hub == h {
		p.hub = nil
	}
	p.mu.Unlock()
}

func (p *Peripheral) attached() (*Hub, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.hub == nil {
		return nil, ErrHubMissing
	}
	return p.hub, nil
}

// NumberOfPositions returns how many states the peripheral has, 0 before
// Initialize.
func (p *Peripheral) NumberOfPositions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.numPos
}

// PositionLabel returns the label for a 0-based state, e.g. "Preset-1".
func (p *Peripheral) PositionLabel(state int) (string, error) {
	p.mu.RLock()
	first, n := p.firstPos, p.numPos
	p.mu.RUnlock()

	if state < 0 || state >= n {
		return "", fmt.Errorf("%w: %s state %d outside 0..%d", ErrValidation, p.kind, state, n-1)
	}
	return fmt.Sprintf("Preset-%d", uint(state)+first), nil
}

// State returns the current 0-based state from the model.
func (p *Peripheral) State() (int, error) {
	h, err := p.attached()
	if err != nil {
		return 0, err
	}
	m := h.Model()
	if m == nil {
		return 0, ErrNotInitialized
	}
	v, ok := m.Value(p.kind.Field())
	if !ok {
		return 0, fmt.Errorf("%w: %s not yet reported", ErrNotInitialized, p.kind.Field())
	}
	n, err := ParseUint(v)
	if err != nil {
		return 0, err
	}
	return p.toState(n), nil
}

// SetState moves to a 0-based state and waits for the controller.
func (p *Peripheral) SetState(ctx context.Context, state int) error {
	h, err := p.attached()
	if err != nil {
		return err
	}

	p.mu.RLock()
	first, n := p.firstPos, p.numPos
	p.mu.RUnlock()

	if state < 0 || state >= n {
		return fmt.Errorf("%w: %s state %d outside 0..%d", ErrValidation, p.kind, state, n-1)
	}
	return h.SetPreset(ctx, p.kind.Field(), uint(state)+first)
}

// Busy reports whether the hub has a command in flight.
func (p *Peripheral) Busy() (bool, error) {
	h, err := p.attached()
	if err != nil {
		return false, err
	}
	return h.IsBusy(), nil
}

// SetOnChange registers a callback for state changes of this peripheral.
func (p *Peripheral) SetOnChange(fn func(state int)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Peripheral) toState(preset uint) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int(preset) - int(p.firstPos)
}

// notify is called by the hub's dispatcher for every change.
func (p *Peripheral) notify(c Change) {
	if c.Field != p.kind.Field() {
		return
	}
	p.mu.RLock()
	fn := p.onChange
	p.mu.RUnlock()
	if fn == nil {
		return
	}
	n, err := ParseUint(c.Value)
	if err != nil {
		return
	}
	fn(p.toState(n))
}
