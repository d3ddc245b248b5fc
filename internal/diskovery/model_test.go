package diskovery

import (
	"errors"
	"sync"
	"testing"
)

func TestModel_ApplyDomains(t *testing.T) {
	tests := []struct {
		field   Field
		value   string
		wantErr error
	}{
		{FieldFilter, "1", nil},
		{FieldFilter, "4", nil},
		{FieldFilter, "0", ErrValidation},
		{FieldFilter, "5", ErrValidation},
		{FieldIris, "4", nil},
		{FieldIris, "5", ErrValidation},
		{FieldTIRF, "0", nil},
		{FieldTIRF, "5", nil},
		{FieldTIRF, "6", ErrValidation},
		{FieldSpinningDisk, "5", nil},
		{FieldSpinningDisk, "6", ErrValidation},
		{FieldIlluminationSize, "4", nil},
		{FieldIlluminationSize, "5", ErrValidation},
		{FieldMotorRunning, "1", nil},
		{FieldMotorRunning, "2", ErrValidation},
		{FieldManufactureMonth, "13", ErrValidation},
		{FieldManufactureDay, "31", nil},
		{FieldFilter, "x", ErrInvalidNumber},
		{FieldSerialNumber, "anything goes", nil},
		{"LASER_POWER", "1", ErrUnknownField},
	}

	for _, tt := range tests {
		t.Run(string(tt.field)+"="+tt.value, func(t *testing.T) {
			m := NewModel(ModelOptions{})
			_, err := m.Apply(tt.field, tt.value)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Apply() error = %v", err)
				}
				if got, ok := m.Value(tt.field); !ok || got != tt.value {
					t.Errorf("Value() = %q, %v, want %q", got, ok, tt.value)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Apply() error = %v, want %v", err, tt.wantErr)
			}
			if _, ok := m.Value(tt.field); ok {
				t.Error("rejected value was stored")
			}
		})
	}
}

func TestModel_RejectKeepsPreviousValue(t *testing.T) {
	m := NewModel(ModelOptions{})
	if _, err := m.Apply(FieldFilter, "2"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := m.Apply(FieldFilter, "5"); !errors.Is(err, ErrValidation) {
		t.Fatalf("Apply(5) error = %v, want ErrValidation", err)
	}
	if got := m.PresetFilter(); got != 2 {
		t.Errorf("PresetFilter() = %d, want 2", got)
	}
}

func TestModel_IlluminationVariant(t *testing.T) {
	m := NewModel(ModelOptions{IlluminationSizes: 6})
	if _, err := m.Apply(FieldIlluminationSize, "6"); err != nil {
		t.Errorf("Apply(6) error = %v, want nil on 6-size variant", err)
	}
	lo, hi, ok := m.Domain(FieldIlluminationSize)
	if !ok || lo != 1 || hi != 6 {
		t.Errorf("Domain() = %d, %d, %v, want 1, 6, true", lo, hi, ok)
	}
	if _, _, ok := m.Domain(FieldSerialNumber); ok {
		t.Error("Domain() ok for a text field")
	}
}

func TestModel_Validate(t *testing.T) {
	m := NewModel(ModelOptions{})
	tests := []struct {
		field   Field
		value   uint
		wantErr error
	}{
		{FieldFilter, 3, nil},
		{FieldFilter, 5, ErrValidation},
		{FieldSerialNumber, 1, ErrReadOnlyField},
		{FieldManufactureYear, 1, ErrReadOnlyField},
		{"NOPE", 1, ErrUnknownField},
	}
	for _, tt := range tests {
		err := m.Validate(tt.field, tt.value)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Validate(%s, %d) error = %v, want %v", tt.field, tt.value, err, tt.wantErr)
		}
	}
}

func TestModel_ChangeHook(t *testing.T) {
	m := NewModel(ModelOptions{})
	var got []Change
	m.SetOnChange(func(c Change) { got = append(got, c) })

	m.Apply(FieldFilter, "2")
	m.Apply(FieldFilter, "2") // unchanged, no notification
	m.Apply(FieldFilter, "3")
	m.Apply(FieldFilter, "9") // rejected
	m.apply(SourceCommand, FieldIris, "4")
	m.Apply(FieldStatus, "1") // busy marker, no notification

	if len(got) != 3 {
		t.Fatalf("changes = %d, want 3: %+v", len(got), got)
	}
	if got[1].Previous != "2" || got[1].Value != "3" {
		t.Errorf("second change = %+v, want 2 -> 3", got[1])
	}
	if got[0].Previous != "" {
		t.Errorf("first change Previous = %q, want empty", got[0].Previous)
	}
	if got[2].Source != SourceCommand {
		t.Errorf("third change Source = %q, want %q", got[2].Source, SourceCommand)
	}
}

func TestModel_Busy(t *testing.T) {
	m := NewModel(ModelOptions{})
	if m.IsBusy() {
		t.Fatal("new model is busy")
	}

	m.SetBusy(true)
	m.SetBusy(true)
	m.SetBusy(false)
	if !m.IsBusy() {
		t.Error("IsBusy() = false with one command still in flight")
	}
	m.SetBusy(false)
	if m.IsBusy() {
		t.Error("IsBusy() = true after all commands settled")
	}
	m.SetBusy(false) // extra release is harmless
	if m.IsBusy() {
		t.Error("IsBusy() = true after extra release")
	}

	m.Apply(FieldStatus, "1")
	if !m.IsBusy() {
		t.Error("IsBusy() = false after STATUS=1")
	}
	m.Apply(FieldStatus, "0")
	if m.IsBusy() {
		t.Error("IsBusy() = true after STATUS=0")
	}
}

func TestModel_Online(t *testing.T) {
	m := NewModel(ModelOptions{})
	if m.IsOnline() {
		t.Error("new model is online")
	}
	if !m.SetOnline(true) {
		t.Error("SetOnline(true) reported no change")
	}
	if m.SetOnline(true) {
		t.Error("SetOnline(true) twice reported a change")
	}
}

func TestModel_ManufacturingDate(t *testing.T) {
	m := NewModel(ModelOptions{})
	if got := m.ManufacturingDate(); got != "" {
		t.Errorf("ManufacturingDate() = %q before fields are known, want empty", got)
	}
	m.Apply(FieldManufactureYear, "9")
	m.Apply(FieldManufactureMonth, "3")
	m.Apply(FieldManufactureDay, "21")
	if got := m.ManufacturingDate(); got != "2009-3-21" {
		t.Errorf("ManufacturingDate() = %q, want %q", got, "2009-3-21")
	}
}

func TestModel_Snapshot(t *testing.T) {
	m := NewModel(ModelOptions{})
	m.Apply(FieldProductModel, "DISKOVERY")
	m.Apply(FieldFilter, "2")
	m.Apply(FieldMotorRunning, "1")
	m.SetOnline(true)

	s := m.Snapshot()
	if s.ProductModel != "DISKOVERY" || s.Filter != 2 || !s.MotorRunning || !s.Online {
		t.Errorf("Snapshot() = %+v", s)
	}
	if s.Values[FieldFilter] != "2" {
		t.Errorf("Snapshot().Values[FILTER_POSITION] = %q, want 2", s.Values[FieldFilter])
	}

	// The snapshot is a copy.
	s.Values[FieldFilter] = "4"
	if v, _ := m.Value(FieldFilter); v != "2" {
		t.Errorf("model changed through snapshot: %q", v)
	}
}

func TestModel_ConcurrentAccess(t *testing.T) {
	m := NewModel(ModelOptions{})
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Apply(FieldFilter, string(rune('1'+(i+j)%4)))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if v := m.PresetFilter(); v > 4 {
					t.Errorf("PresetFilter() = %d outside domain", v)
				}
				_ = m.Snapshot()
			}
		}()
	}
	wg.Wait()
}

func TestModel_ChangesInCommitOrder(t *testing.T) {
	m := NewModel(ModelOptions{})

	var changes []Change
	m.SetOnChange(func(c Change) { changes = append(changes, c) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Apply(FieldFilter, string(rune('1'+(i+j)%4)))
			}
		}()
	}
	wg.Wait()

	if len(changes) == 0 {
		t.Fatal("no changes recorded")
	}
	for i := 1; i < len(changes); i++ {
		if changes[i].Previous != changes[i-1].Value {
			t.Fatalf("change %d Previous = %q, change %d Value = %q", i, changes[i].Previous, i-1, changes[i-1].Value)
		}
	}
	last := changes[len(changes)-1]
	if got, _ := m.Value(FieldFilter); got != last.Value {
		t.Errorf("model FILTER_POSITION = %q, last change = %q", got, last.Value)
	}
}
