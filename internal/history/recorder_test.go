package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
)

type stubRepo struct {
	mu      sync.Mutex
	changes []diskovery.Change
	prunes  int
	fail    error
	block   chan struct{}
}

func (s *stubRepo) RecordStateChange(_ context.Context, _ string, c diskovery.Change) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.changes = append(s.changes, c)
	return nil
}

func (s *stubRepo) GetHistory(context.Context, string, diskovery.Field, int) ([]Entry, error) {
	return nil, nil
}

func (s *stubRepo) PruneHistory(context.Context, time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunes++
	return 3, nil
}

func (s *stubRepo) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

func TestRecorder_WritesAndDrainsOnStop(t *testing.T) {
	repo := &stubRepo{}
	r := NewRecorder(repo, RecorderConfig{HubID: "hub-1"}, nil)
	r.Start(context.Background())

	for i := 0; i < 10; i++ {
		r.Record(diskovery.Change{Field: diskovery.FieldFilter, Value: string(rune('0' + i%4 + 1))})
	}
	r.Stop()
	r.Stop()

	if got := repo.count(); got != 10 {
		t.Errorf("written = %d, want 10", got)
	}
	if s := r.Stats(); s.Recorded != 10 || s.Dropped != 0 {
		t.Errorf("Stats() = %+v", s)
	}

	r.Record(diskovery.Change{Field: diskovery.FieldIris})
	if got := repo.count(); got != 10 {
		t.Errorf("Record after Stop was written")
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := &stubRepo{block: make(chan struct{})}
	r := NewRecorder(repo, RecorderConfig{HubID: "hub-1", BufferSize: 2}, nil)
	r.Start(context.Background())

	// One change is held by the blocked writer, two fill the buffer.
	for i := 0; i < 10; i++ {
		r.Record(diskovery.Change{Field: diskovery.FieldIris, Value: "1"})
	}
	close(repo.block)
	r.Stop()

	s := r.Stats()
	if s.Recorded+s.Dropped != 10 {
		t.Errorf("recorded %d + dropped %d != 10", s.Recorded, s.Dropped)
	}
	if s.Dropped < 7 {
		t.Errorf("Dropped = %d, want at least 7", s.Dropped)
	}
}

func TestRecorder_CountsFailuresAndPrunes(t *testing.T) {
	repo := &stubRepo{fail: errors.New("disk full")}
	r := NewRecorder(repo, RecorderConfig{
		HubID:         "hub-1",
		Retention:     time.Hour,
		PruneInterval: 5 * time.Millisecond,
	}, nil)
	r.Start(context.Background())

	r.Record(diskovery.Change{Field: diskovery.FieldIris, Value: "1"})
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	s := r.Stats()
	if s.Failed != 1 || s.Recorded != 0 {
		t.Errorf("Stats() = %+v, want 1 failure", s)
	}
	repo.mu.Lock()
	prunes := repo.prunes
	repo.mu.Unlock()
	if prunes < 2 {
		t.Errorf("prunes = %d, want initial and periodic", prunes)
	}
	if s.Pruned != uint64(3*prunes) {
		t.Errorf("Pruned = %d, want %d", s.Pruned, 3*prunes)
	}
}

func TestRecorder_WithHub(t *testing.T) {
	repo := openTestRepo(t)
	sim := diskovery.NewSimulator(diskovery.SimulatorOptions{})
	t.Cleanup(func() { sim.Close() })

	hub, err := diskovery.NewHub(diskovery.HubOptions{
		Transport: sim,
		Config:    diskovery.HubConfig{ID: "hub-1", PollInterval: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}

	r := NewRecorder(repo, RecorderConfig{HubID: "hub-1"}, nil)
	r.Start(context.Background())
	hub.Subscribe(r.Record)

	if err := hub.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := hub.SetPresetSD(context.Background(), 4); err != nil {
		t.Fatalf("SetPresetSD() error = %v", err)
	}
	hub.Shutdown()
	r.Stop()

	entries, err := repo.GetHistory(context.Background(), "hub-1", diskovery.FieldSpinningDisk, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("DISK_POSITION entries = %d, want 2 (refresh and set)", len(entries))
	}
	if e := entries[0]; e.Value != "4" || e.Previous != "1" || e.Source != diskovery.SourceCommand {
		t.Errorf("newest = %+v", e)
	}
}
