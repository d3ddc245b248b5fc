package diskovery

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Source identifies what caused a model change.
type Source string

const (
	// SourceStatus marks values decoded from status lines, whether
	// unsolicited or stray answers read by the listener.
	SourceStatus Source = "status"
	// SourceCommand marks values confirmed by a command answer.
	SourceCommand Source = "command"
)

// Change describes one committed field update.
type Change struct {
	Field    Field     `json:"field"`
	Value    string    `json:"value"`
	Previous string    `json:"previous,omitempty"`
	Source   Source    `json:"source"`
	At       time.Time `json:"at"`
}

// State is a point-in-time copy of the model.
type State struct {
	ProductModel      string `json:"product_model"`
	HardwareVersion   string `json:"hardware_version"`
	FirmwareVersion   string `json:"firmware_version"`
	SerialNumber      string `json:"serial_number"`
	ManufacturingDate string `json:"manufacturing_date,omitempty"`

	Filter           uint `json:"filter"`
	Iris             uint `json:"iris"`
	TIRF             uint `json:"tirf"`
	SpinningDisk     uint `json:"spinning_disk"`
	IlluminationSize uint `json:"illumination_size"`
	MotorRunning     bool `json:"motor_running"`

	Busy   bool `json:"busy"`
	Online bool `json:"online"`

	// Values holds every known field in wire form.
	Values map[Field]string `json:"values"`
}

// ModelOptions configures a Model.
type ModelOptions struct {
	// IlluminationSizes is the upper bound of ILLUMINATION_SIZE.
	// Default: DefaultIlluminationSizes
	IlluminationSizes int
}

// Model is the authoritative snapshot of controller state for one
// connection.
//
// Values enter only through Apply (decoded status lines) or a confirmed
// command answer, and are validated against their field's domain first.
// An out-of-domain value is logged and discarded, leaving the cached value
// unchanged.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Getters never block on I/O.
//   - The change hook runs after the state lock is released but before the
//     next commit, so hooks see changes in commit order. A hook may read
//     the model; it must not commit to it.
type Model struct {
	logSink

	// commitMu orders commits together with their change notification.
	commitMu sync.Mutex

	mu       sync.RWMutex
	numbers  map[Field]uint
	texts    map[Field]string
	illumMax uint

	inFlight   int
	deviceBusy bool
	online     bool

	hookMu   sync.RWMutex
	onChange func(Change)
}

// NewModel creates an empty model. Every field starts at its zero value.
func NewModel(opts ModelOptions) *Model {
	illum := opts.IlluminationSizes
	if illum <= 0 {
		illum = DefaultIlluminationSizes
	}
	return &Model{
		numbers:  make(map[Field]uint),
		texts:    make(map[Field]string),
		illumMax: uint(illum),
	}
}

// SetOnChange registers the function called after each committed change.
func (m *Model) SetOnChange(fn func(Change)) {
	m.hookMu.Lock()
	m.onChange = fn
	m.hookMu.Unlock()
}

// Domain returns the inclusive bounds of a numeric field.
func (m *Model) Domain(f Field) (lo, hi uint, ok bool) {
	spec, known := fieldSpecs[f]
	if !known || spec.kind != kindNumber {
		return 0, 0, false
	}
	if f == FieldIlluminationSize {
		return spec.min, m.illumMax, true
	}
	return spec.min, spec.max, true
}

// Validate checks that value may be sent to a writable field.
//
// Returns:
//   - error: ErrUnknownField, ErrReadOnlyField or ErrValidation
func (m *Model) Validate(f Field, value uint) error {
	spec, ok := fieldSpecs[f]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, f)
	}
	if !spec.writable {
		return fmt.Errorf("%w: %s", ErrReadOnlyField, f)
	}
	return m.checkDomain(f, value)
}

func (m *Model) checkDomain(f Field, value uint) error {
	lo, hi, _ := m.Domain(f)
	if value < lo || value > hi {
		return fmt.Errorf("%w: %s=%d outside %d..%d", ErrValidation, f, value, lo, hi)
	}
	return nil
}

// Apply validates and commits a decoded status value.
//
// STATUS lines update the device busy marker and never produce a change.
//
// Returns:
//   - bool: True if the stored value changed
//   - error: ErrUnknownField, ErrInvalidNumber or ErrValidation; the
//     model is left untouched on error
func (m *Model) Apply(f Field, value string) (bool, error) {
	return m.apply(SourceStatus, f, value)
}

func (m *Model) apply(src Source, f Field, value string) (bool, error) {
	spec, ok := fieldSpecs[f]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownField, f)
	}

	if spec.kind == kindText {
		return m.commitText(src, f, value), nil
	}

	n, err := ParseUint(value)
	if err != nil {
		m.logWarn("rejected status value", "field", f, "value", value, "error", err)
		return false, err
	}
	if err := m.checkDomain(f, n); err != nil {
		m.logWarn("rejected status value", "field", f, "value", value, "error", err)
		return false, err
	}

	if f == FieldStatus {
		m.mu.Lock()
		m.deviceBusy = n == 1
		m.mu.Unlock()
		return false, nil
	}

	return m.commitNumber(src, f, n), nil
}

func (m *Model) commitText(src Source, f Field, value string) bool {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	prev, had := m.texts[f]
	if had && prev == value {
		m.mu.Unlock()
		return false
	}
	m.texts[f] = value
	m.mu.Unlock()

	m.notify(Change{Field: f, Value: value, Previous: prev, Source: src, At: time.Now()})
	return true
}

func (m *Model) commitNumber(src Source, f Field, value uint) bool {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	prev, had := m.numbers[f]
	if had && prev == value {
		m.mu.Unlock()
		return false
	}
	m.numbers[f] = value
	m.mu.Unlock()

	c := Change{Field: f, Value: strconv.FormatUint(uint64(value), 10), Source: src, At: time.Now()}
	if had {
		c.Previous = strconv.FormatUint(uint64(prev), 10)
	}
	m.notify(c)
	return true
}

func (m *Model) notify(c Change) {
	m.hookMu.RLock()
	fn := m.onChange
	m.hookMu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

// SetBusy marks a command as dispatched (true) or settled (false).
// Overlapping commands keep the model busy until the last one settles.
func (m *Model) SetBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if busy {
		m.inFlight++
		return
	}
	if m.inFlight > 0 {
		m.inFlight--
	}
	if m.inFlight == 0 {
		m.deviceBusy = false
	}
}

// IsBusy reports whether a command is unconfirmed or the controller last
// reported STATUS=1.
func (m *Model) IsBusy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inFlight > 0 || m.deviceBusy
}

// SetOnline records whether the controller is producing traffic.
// Returns true if the flag changed.
func (m *Model) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.online != online
	m.online = online
	return changed
}

// IsOnline reports whether the controller is producing traffic.
func (m *Model) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Value returns a field in wire form, and whether it has been set.
func (m *Model) Value(f Field) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fieldSpecs[f].kind == kindText {
		v, ok := m.texts[f]
		return v, ok
	}
	n, ok := m.numbers[f]
	if !ok {
		return "", false
	}
	return strconv.FormatUint(uint64(n), 10), true
}

func (m *Model) number(f Field) uint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numbers[f]
}

func (m *Model) text(f Field) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.texts[f]
}

// ProductModel returns the PRODUCT_MODEL string.
func (m *Model) ProductModel() string { return m.text(FieldProductModel) }

// HardwareVersion returns the hardware version string.
func (m *Model) HardwareVersion() string { return m.text(FieldHardwareVersion) }

// FirmwareVersion returns the firmware version string.
func (m *Model) FirmwareVersion() string { return m.text(FieldFirmwareVersion) }

// SerialNumber returns the controller serial number.
func (m *Model) SerialNumber() string { return m.text(FieldSerialNumber) }

// ManufactureYear returns the year offset from 2000.
func (m *Model) ManufactureYear() uint { return m.number(FieldManufactureYear) }

// ManufactureMonth returns the manufacture month, 0 if unknown.
func (m *Model) ManufactureMonth() uint { return m.number(FieldManufactureMonth) }

// ManufactureDay returns the manufacture day, 0 if unknown.
func (m *Model) ManufactureDay() uint { return m.number(FieldManufactureDay) }

// ManufacturingDate renders the manufacture date as "20YY-M-D", or an
// empty string until month and day are known.
func (m *Model) ManufacturingDate() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manufacturingDateLocked()
}

func (m *Model) manufacturingDateLocked() string {
	month, day := m.numbers[FieldManufactureMonth], m.numbers[FieldManufactureDay]
	if month == 0 || day == 0 {
		return ""
	}
	return fmt.Sprintf("20%02d-%d-%d", m.numbers[FieldManufactureYear], month, day)
}

// PresetFilter returns the filter preset (1-4), 0 if unknown.
func (m *Model) PresetFilter() uint { return m.number(FieldFilter) }

// PresetIris returns the iris preset (1-4), 0 if unknown.
func (m *Model) PresetIris() uint { return m.number(FieldIris) }

// PresetTIRF returns the TIRF preset (0-5).
func (m *Model) PresetTIRF() uint { return m.number(FieldTIRF) }

// PresetSD returns the spinning disk preset (1-5), 0 if unknown.
func (m *Model) PresetSD() uint { return m.number(FieldSpinningDisk) }

// PresetWF returns the illumination size preset, 0 if unknown.
func (m *Model) PresetWF() uint { return m.number(FieldIlluminationSize) }

// MotorRunning reports whether the disk motor is running.
func (m *Model) MotorRunning() bool { return m.number(FieldMotorRunning) == 1 }

// Snapshot returns a consistent copy of the whole model.
func (m *Model) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := make(map[Field]string, len(m.numbers)+len(m.texts))
	for f, v := range m.texts {
		values[f] = v
	}
	for f, n := range m.numbers {
		values[f] = strconv.FormatUint(uint64(n), 10)
	}

	return State{
		ProductModel:      m.texts[FieldProductModel],
		HardwareVersion:   m.texts[FieldHardwareVersion],
		FirmwareVersion:   m.texts[FieldFirmwareVersion],
		SerialNumber:      m.texts[FieldSerialNumber],
		ManufacturingDate: m.manufacturingDateLocked(),
		Filter:            m.numbers[FieldFilter],
		Iris:              m.numbers[FieldIris],
		TIRF:              m.numbers[FieldTIRF],
		SpinningDisk:      m.numbers[FieldSpinningDisk],
		IlluminationSize:  m.numbers[FieldIlluminationSize],
		MotorRunning:      m.numbers[FieldMotorRunning] == 1,
		Busy:              m.inFlight > 0 || m.deviceBusy,
		Online:            m.online,
		Values:            values,
	}
}
