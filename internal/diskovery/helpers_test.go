package diskovery

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/serialport"
)

// scriptTransport answers each written command with scripted lines.
type scriptTransport struct {
	mu       sync.Mutex
	queue    []string
	writes   []string
	respond  func(cmd string) []string
	readErr  error
	writeErr error
	purgeErr error
	closed   bool
}

func (s *scriptTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	cmd := strings.TrimSpace(string(p))
	s.writes = append(s.writes, cmd)
	if s.respond != nil {
		s.queue = append(s.queue, s.respond(cmd)...)
	}
	return len(p), nil
}

func (s *scriptTransport) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			return "", err
		}
		if len(s.queue) > 0 {
			line := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return line, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return "", serialport.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *scriptTransport) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.purgeErr != nil {
		return s.purgeErr
	}
	s.queue = nil
	return nil
}

func (s *scriptTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptTransport) push(lines ...string) {
	s.mu.Lock()
	s.queue = append(s.queue, lines...)
	s.mu.Unlock()
}

func (s *scriptTransport) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}

// newTestCommander builds a commander and model on tr without a listener.
func newTestCommander(tr Transport, cfg CommanderConfig) (*Commander, *Model) {
	model := NewModel(ModelOptions{})
	link := NewLink(tr)
	return NewCommander(link, NewCodec(), model, cfg), model
}

// newTestHub builds and initializes a hub on a simulator.
func newTestHub(t *testing.T, sim *Simulator) *Hub {
	t.Helper()
	hub, err := NewHub(HubOptions{
		Transport: sim,
		Config: HubConfig{
			ID:            "test",
			AnswerTimeout: 2 * time.Second,
			PollInterval:  10 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		hub.Shutdown()
		sim.Close()
	})
	return hub
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
