package diskovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/serialport"
)

func TestCommander_SetThenGet(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})
	ctx := context.Background()

	if err := cmd.SetPresetFilter(ctx, 3); err != nil {
		t.Fatalf("SetPresetFilter() error = %v", err)
	}
	if got := model.PresetFilter(); got != 3 {
		t.Errorf("PresetFilter() = %d, want 3", got)
	}
	if got := sim.State(FieldFilter); got != "3" {
		t.Errorf("controller FILTER_POSITION = %q, want 3", got)
	}

	got, err := cmd.Query(ctx, FieldFilter)
	if err != nil || got != "3" {
		t.Errorf("Query() = %q, %v, want 3", got, err)
	}
	if pm, err := cmd.GetProductModel(ctx); err != nil || pm != ExpectedProductModel {
		t.Errorf("GetProductModel() = %q, %v", pm, err)
	}

	s := cmd.Stats()
	if s.CommandsTx != 3 || s.AnswersRx != 3 {
		t.Errorf("Stats() = %+v, want 3 commands and 3 answers", s)
	}
}

func TestCommander_AllSetters(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})
	ctx := context.Background()

	steps := []struct {
		name string
		run  func() error
		got  func() uint
		want uint
	}{
		{"iris", func() error { return cmd.SetPresetIris(ctx, 4) }, model.PresetIris, 4},
		{"tirf", func() error { return cmd.SetPresetTIRF(ctx, 0) }, model.PresetTIRF, 0},
		{"tirf max", func() error { return cmd.SetPresetTIRF(ctx, 5) }, model.PresetTIRF, 5},
		{"disk", func() error { return cmd.SetPresetSD(ctx, 5) }, model.PresetSD, 5},
		{"illumination", func() error { return cmd.SetPresetWF(ctx, 2) }, model.PresetWF, 2},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("%s: error = %v", s.name, err)
		}
		if got := s.got(); got != s.want {
			t.Errorf("%s: model = %d, want %d", s.name, got, s.want)
		}
	}

	if err := cmd.SetMotorRunning(ctx, true); err != nil {
		t.Fatalf("SetMotorRunning() error = %v", err)
	}
	if !model.MotorRunning() {
		t.Error("MotorRunning() = false after start")
	}
}

func TestCommander_ValidationBeforeIO(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	cmd, _ := newTestCommander(sim, CommanderConfig{})
	ctx := context.Background()

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"filter 0", func() error { return cmd.SetPresetFilter(ctx, 0) }, ErrValidation},
		{"filter 5", func() error { return cmd.SetPresetFilter(ctx, 5) }, ErrValidation},
		{"iris 5", func() error { return cmd.SetPresetIris(ctx, 5) }, ErrValidation},
		{"tirf 6", func() error { return cmd.SetPresetTIRF(ctx, 6) }, ErrValidation},
		{"disk 0", func() error { return cmd.SetPresetSD(ctx, 0) }, ErrValidation},
		{"illumination 5", func() error { return cmd.SetPresetWF(ctx, 5) }, ErrValidation},
		{"serial", func() error { return cmd.SetPreset(ctx, FieldSerialNumber, 1) }, ErrReadOnlyField},
		{"unknown", func() error { return cmd.SetPreset(ctx, "NOPE", 1) }, ErrUnknownField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := sim.Commands(); n != 0 {
		t.Errorf("controller received %d commands, want 0", n)
	}
	if n := sim.Purges(); n != 0 {
		t.Errorf("transport purged %d times, want 0", n)
	}
}

func TestCommander_SkipsBusyMarkers(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{BusyLines: 3})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})

	if err := cmd.SetPresetSD(context.Background(), 4); err != nil {
		t.Fatalf("SetPresetSD() error = %v", err)
	}
	if got := model.PresetSD(); got != 4 {
		t.Errorf("PresetSD() = %d, want 4", got)
	}
	if got := cmd.Stats().BusySkipped; got != 3 {
		t.Errorf("BusySkipped = %d, want 3", got)
	}
}

func TestCommander_TooManyBusyMarkers(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{BusyLines: 5})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second, MaxBusyRetries: 2})

	err := cmd.SetPresetSD(context.Background(), 4)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SetPresetSD() error = %v, want ErrTimeout", err)
	}
	if model.PresetSD() == 4 {
		t.Error("unconfirmed value applied")
	}
	if model.IsBusy() {
		t.Error("IsBusy() = true after the transaction ended")
	}
}

func TestCommander_TimeoutClearsBusy(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	sim.SetSilent(true)
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := cmd.SetPresetFilter(context.Background(), 2)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SetPresetFilter() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if model.IsBusy() {
		t.Error("IsBusy() = true after timeout")
	}
	if got := cmd.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
}

func TestCommander_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		wantErr error
	}{
		{"not key value", "GARBAGE", ErrMalformedFrame},
		{"missing key", "=3=4", ErrProtocol},
		{"extra token", "FILTER_POSITION=3=4", ErrProtocol},
		{"not a number", "FILTER_POSITION=abc", ErrInvalidNumber},
		{"out of domain", "FILTER_POSITION=9", ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptTransport{respond: func(string) []string { return []string{tt.answer} }}
			cmd, model := newTestCommander(tr, CommanderConfig{AnswerTimeout: 200 * time.Millisecond})
			model.Apply(FieldFilter, "1")

			_, err := cmd.Query(context.Background(), FieldFilter)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Query() error = %v, want %v", err, tt.wantErr)
			}
			if got := model.PresetFilter(); got != 1 {
				t.Errorf("PresetFilter() = %d after bad answer, want 1", got)
			}
		})
	}
}

func TestCommander_UnsolicitedDuringTransaction(t *testing.T) {
	tr := &scriptTransport{respond: func(cmd string) []string {
		return []string{"HEARTBEAT", "IRIS_POSITION=3", "FILTER_POSITION=2"}
	}}
	cmd, model := newTestCommander(tr, CommanderConfig{AnswerTimeout: time.Second})

	if err := cmd.SetPresetFilter(context.Background(), 2); err != nil {
		t.Fatalf("SetPresetFilter() error = %v", err)
	}
	if got := model.PresetIris(); got != 3 {
		t.Errorf("PresetIris() = %d, want 3 from unsolicited line", got)
	}
	if got := cmd.Stats().Unsolicited; got != 1 {
		t.Errorf("Unsolicited = %d, want 1", got)
	}
	if w := tr.written(); len(w) != 1 || w[0] != "S:FILTER_POSITION=2" {
		t.Errorf("written = %q", w)
	}
}

func TestCommander_PurgesStaleInput(t *testing.T) {
	tr := &scriptTransport{respond: func(string) []string { return []string{"FILTER_POSITION=4"} }}
	tr.push("FILTER_POSITION=1") // stale line left over from before the command
	cmd, _ := newTestCommander(tr, CommanderConfig{AnswerTimeout: time.Second})

	got, err := cmd.Query(context.Background(), FieldFilter)
	if err != nil || got != "4" {
		t.Errorf("Query() = %q, %v, want 4", got, err)
	}
}

func TestCommander_ConfirmedValueDiffers(t *testing.T) {
	// The controller refuses the move and reports where it actually is.
	tr := &scriptTransport{respond: func(string) []string { return []string{"DISK_POSITION=2"} }}
	cmd, model := newTestCommander(tr, CommanderConfig{AnswerTimeout: time.Second})

	if err := cmd.SetPresetSD(context.Background(), 4); err != nil {
		t.Fatalf("SetPresetSD() error = %v", err)
	}
	if got := model.PresetSD(); got != 2 {
		t.Errorf("PresetSD() = %d, want confirmed value 2", got)
	}
}

func TestCommander_QueryCommand(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})
	ctx := context.Background()

	n, err := cmd.QueryCommandInt(ctx, "S:IRIS_POSITION=2")
	if err != nil || n != 2 {
		t.Fatalf("QueryCommandInt() = %d, %v, want 2", n, err)
	}
	if got := model.PresetIris(); got != 2 {
		t.Errorf("PresetIris() = %d, want 2", got)
	}

	s, err := cmd.QueryCommand(ctx, "Q:SERIAL_NUMBER")
	if err != nil || s != "DSK-000001" {
		t.Errorf("QueryCommand() = %q, %v", s, err)
	}

	if _, err := cmd.QueryCommandInt(ctx, "Q:SERIAL_NUMBER"); !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("QueryCommandInt(text) error = %v, want ErrInvalidNumber", err)
	}
	if _, err := cmd.QueryCommand(ctx, "BOGUS"); !errors.Is(err, ErrProtocol) {
		t.Errorf("QueryCommand(BOGUS) error = %v, want ErrProtocol", err)
	}
}

func TestCommander_CommunicationErrors(t *testing.T) {
	tests := []struct {
		name string
		tr   *scriptTransport
	}{
		{"write", &scriptTransport{writeErr: serialport.ErrClosed}},
		{"read", &scriptTransport{readErr: serialport.ErrClosed}},
		{"purge", &scriptTransport{purgeErr: serialport.ErrIO}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, model := newTestCommander(tt.tr, CommanderConfig{AnswerTimeout: time.Second})
			err := cmd.SetPresetFilter(context.Background(), 2)
			if !errors.Is(err, ErrCommunication) {
				t.Fatalf("SetPresetFilter() error = %v, want ErrCommunication", err)
			}
			if model.IsBusy() {
				t.Error("IsBusy() = true after failure")
			}
			if got := cmd.Stats().CommErrors; got != 1 {
				t.Errorf("CommErrors = %d, want 1", got)
			}
		})
	}
}

func TestCommander_ClosedSimulator(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	sim.Close()
	cmd, _ := newTestCommander(sim, CommanderConfig{})

	if _, err := cmd.Query(context.Background(), FieldFilter); !errors.Is(err, ErrCommunication) {
		t.Errorf("Query() error = %v, want ErrCommunication", err)
	}
}

func TestCommander_ContextCancel(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	sim.SetSilent(true)
	cmd, _ := newTestCommander(sim, CommanderConfig{AnswerTimeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := cmd.SetPresetFilter(ctx, 2)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SetPresetFilter() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation noticed after %v", elapsed)
	}

	// Already cancelled: nothing is sent.
	before := sim.Commands()
	if err := cmd.SetPresetFilter(ctx, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SetPresetFilter(cancelled) error = %v, want DeadlineExceeded", err)
	}
	if sim.Commands() != before {
		t.Error("command sent on cancelled context")
	}
}

func TestCommander_BusyWhileWaiting(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{AnswerDelay: 100 * time.Millisecond})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- cmd.SetPresetIris(context.Background(), 3) }()

	waitFor(t, time.Second, "busy flag", model.IsBusy)
	if err := <-errCh; err != nil {
		t.Fatalf("SetPresetIris() error = %v", err)
	}
	if model.IsBusy() {
		t.Error("IsBusy() = true after answer")
	}
}

func TestCommander_Refresh(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})

	if err := cmd.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := model.SerialNumber(); got != "DSK-000001" {
		t.Errorf("SerialNumber() = %q", got)
	}
	if got := model.ManufacturingDate(); got != "2019-6-14" {
		t.Errorf("ManufacturingDate() = %q, want 2019-6-14", got)
	}
	if got := cmd.Stats().CommandsTx; got != uint64(len(refreshOrder)) {
		t.Errorf("CommandsTx = %d, want %d", got, len(refreshOrder))
	}
}

func TestCommander_RefreshToleratesFieldFailure(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{Initial: map[Field]string{FieldFilter: "9"}})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})

	err := cmd.Refresh(context.Background())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Refresh() error = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), string(FieldFilter)) {
		t.Errorf("Refresh() error %q does not name the field", err)
	}
	// Fields after the failing one were still read.
	if got := model.PresetSD(); got != 1 {
		t.Errorf("PresetSD() = %d, want 1", got)
	}
}

func TestCommander_RefreshStopsOnCommunicationError(t *testing.T) {
	tr := &scriptTransport{writeErr: serialport.ErrClosed}
	cmd, _ := newTestCommander(tr, CommanderConfig{})

	err := cmd.Refresh(context.Background())
	if !errors.Is(err, ErrCommunication) {
		t.Fatalf("Refresh() error = %v, want ErrCommunication", err)
	}
	if got := cmd.Stats().CommErrors; got != 1 {
		t.Errorf("CommErrors = %d, want 1 (sweep should stop)", got)
	}
}

func TestCommander_AppliesAnswerBeforeRelease(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	defer sim.Close()
	cmd, model := newTestCommander(sim, CommanderConfig{AnswerTimeout: time.Second})

	type commit struct {
		linkHeld bool
		busy     bool
	}
	var commits []commit
	model.SetOnChange(func(c Change) {
		if c.Source != SourceCommand {
			return
		}
		held := !cmd.link.txMu.TryLock()
		if !held {
			cmd.link.txMu.Unlock()
		}
		commits = append(commits, commit{linkHeld: held, busy: model.IsBusy()})
	})

	ctx := context.Background()
	if err := cmd.SetPresetFilter(ctx, 2); err != nil {
		t.Fatalf("SetPresetFilter() error = %v", err)
	}
	if _, err := cmd.Query(ctx, FieldIris); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, err := cmd.QueryCommand(ctx, "Q:TIRF_POSITION"); err != nil {
		t.Fatalf("QueryCommand() error = %v", err)
	}

	if len(commits) != 3 {
		t.Fatalf("got %d command commits, want 3", len(commits))
	}
	for i, c := range commits {
		if !c.linkHeld {
			t.Errorf("commit %d: link released before the answer was applied", i)
		}
		if !c.busy {
			t.Errorf("commit %d: IsBusy() = false before the answer was applied", i)
		}
	}
	if model.IsBusy() {
		t.Error("IsBusy() = true after the commands returned")
	}
}
