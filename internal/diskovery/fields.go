package diskovery

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field is a controller state key as it appears on the wire.
type Field string

// Informational fields, read once at initialisation.
const (
	FieldProductModel     Field = "PRODUCT_MODEL"
	FieldHardwareVersion  Field = "VERSION_HW"
	FieldFirmwareVersion  Field = "VERSION_FW"
	FieldSerialNumber     Field = "SERIAL_NUMBER"
	FieldManufactureYear  Field = "MANUFACTURE_YEAR"
	FieldManufactureMonth Field = "MANUFACTURE_MONTH"
	FieldManufactureDay   Field = "MANUFACTURE_DAY"
)

// Preset and motor fields, settable by commands.
const (
	FieldFilter           Field = "FILTER_POSITION"
	FieldIris             Field = "IRIS_POSITION"
	FieldTIRF             Field = "TIRF_POSITION"
	FieldSpinningDisk     Field = "DISK_POSITION"
	FieldIlluminationSize Field = "ILLUMINATION_SIZE"
	FieldMotorRunning     Field = "MOTOR_RUNNING"
)

// FieldStatus carries the controller's busy marker. STATUS=1 means a
// mechanism is still moving and the real answer follows later.
const FieldStatus Field = "STATUS"

// ExpectedProductModel is the PRODUCT_MODEL value that identifies the controller.
const ExpectedProductModel = "DISKOVERY"

// DefaultIlluminationSizes is the number of illumination size presets on
// the standard module variant.
const DefaultIlluminationSizes = 4

type valueKind int

const (
	kindText valueKind = iota
	kindNumber
)

// fieldSpec describes a field's type and inclusive domain.
type fieldSpec struct {
	kind     valueKind
	min, max uint
	writable bool
}

var fieldSpecs = map[Field]fieldSpec{
	FieldProductModel:     {kind: kindText},
	FieldHardwareVersion:  {kind: kindText},
	FieldFirmwareVersion:  {kind: kindText},
	FieldSerialNumber:     {kind: kindText},
	FieldManufactureYear:  {kind: kindNumber, min: 0, max: 99},
	FieldManufactureMonth: {kind: kindNumber, min: 1, max: 12},
	FieldManufactureDay:   {kind: kindNumber, min: 1, max: 31},

	FieldFilter:           {kind: kindNumber, min: 1, max: 4, writable: true},
	FieldIris:             {kind: kindNumber, min: 1, max: 4, writable: true},
	FieldTIRF:             {kind: kindNumber, min: 0, max: 5, writable: true},
	FieldSpinningDisk:     {kind: kindNumber, min: 1, max: 5, writable: true},
	FieldIlluminationSize: {kind: kindNumber, min: 1, max: DefaultIlluminationSizes, writable: true},
	FieldMotorRunning:     {kind: kindNumber, min: 0, max: 1, writable: true},

	FieldStatus: {kind: kindNumber, min: 0, max: 1},
}

// refreshOrder is the order in which Refresh queries the controller.
var refreshOrder = []Field{
	FieldProductModel,
	FieldHardwareVersion,
	FieldFirmwareVersion,
	FieldSerialNumber,
	FieldManufactureYear,
	FieldManufactureMonth,
	FieldManufactureDay,
	FieldFilter,
	FieldIris,
	FieldTIRF,
	FieldSpinningDisk,
	FieldIlluminationSize,
	FieldMotorRunning,
}

// Fields returns every field tracked by the model, in refresh order.
func Fields() []Field {
	out := make([]Field, len(refreshOrder))
	copy(out, refreshOrder)
	return out
}

// ParseField resolves a field name, ignoring case.
func ParseField(name string) (Field, error) {
	f := Field(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := fieldSpecs[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f, nil
}

// String returns the wire key.
func (f Field) String() string {
	return string(f)
}

// Known reports whether the field is part of the protocol.
func (f Field) Known() bool {
	_, ok := fieldSpecs[f]
	return ok
}

// Numeric reports whether the field carries an unsigned integer.
func (f Field) Numeric() bool {
	return fieldSpecs[f].kind == kindNumber
}

// Writable reports whether the field can be changed with a set command.
func (f Field) Writable() bool {
	return fieldSpecs[f].writable
}

// ParseValue decodes a loosely typed set value as it arrives from JSON: a
// whole non-negative number, a bool (true is 1) or a numeric string.
//
// Returns:
//   - uint: Decoded value, not yet checked against a field's domain
//   - error: ErrValidation if v is missing or not an unsigned integer
func ParseValue(v any) (uint, error) {
	switch x := v.(type) {
	case float64:
		if x < 0 || x != math.Trunc(x) || x > math.MaxUint32 {
			return 0, fmt.Errorf("%w: value %v is not an unsigned integer", ErrValidation, x)
		}
		return uint(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(x), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: value %q is not an unsigned integer", ErrValidation, x)
		}
		return uint(n), nil
	case nil:
		return 0, fmt.Errorf("%w: value is required", ErrValidation)
	default:
		return 0, fmt.Errorf("%w: unsupported value type %T", ErrValidation, v)
	}
}
