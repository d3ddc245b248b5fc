package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
)

const (
	defaultBufferSize    = 256
	defaultPruneInterval = time.Hour
	writeTimeout         = 5 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	HubID string

	// Retention prunes entries older than this. Zero disables pruning.
	Retention time.Duration

	// PruneInterval is how often pruning runs. Default: 1h.
	PruneInterval time.Duration

	// BufferSize bounds changes waiting to be written. Default: 256.
	BufferSize int
}

// RecorderStats reports recorder counters.
type RecorderStats struct {
	Recorded uint64
	Dropped  uint64
	Failed   uint64
	Pruned   uint64
}

// Recorder writes hub changes to a Repository from its own goroutine, so
// a slow disk never stalls change delivery. When the buffer is full new
// changes are dropped and counted.
type Recorder struct {
	repo   Repository
	cfg    RecorderConfig
	queue  chan diskovery.Change
	logger Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	pruned   atomic.Uint64
}

// NewRecorder creates a recorder. Call Start before the first Record.
func NewRecorder(repo Repository, cfg RecorderConfig, logger Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	return &Recorder{
		repo:   repo,
		cfg:    cfg,
		queue:  make(chan diskovery.Change, cfg.BufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Record queues a change. It never blocks; suitable as a hub subscriber.
func (r *Recorder) Record(c diskovery.Change) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.queue <- c:
	default:
		r.dropped.Add(1)
	}
}

// Start runs the writer loop until Stop or ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop writes whatever is still queued and ends the loop.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
		Pruned:   r.pruned.Load(),
	}
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()

	var prune <-chan time.Time
	if r.cfg.Retention > 0 {
		ticker := time.NewTicker(r.cfg.PruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		r.prune()
	}

	for {
		select {
		case c := <-r.queue:
			r.write(c)
		case <-prune:
			r.prune()
		case <-ctx.Done():
			r.drain()
			return
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case c := <-r.queue:
			r.write(c)
		default:
			return
		}
	}
}

func (r *Recorder) write(c diskovery.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.repo.RecordStateChange(ctx, r.cfg.HubID, c); err != nil {
		r.failed.Add(1)
		if r.logger != nil {
			r.logger.Warn("state history write failed", "field", c.Field, "error", err)
		}
		return
	}
	r.recorded.Add(1)
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := r.repo.PruneHistory(ctx, r.cfg.Retention)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("state history prune failed", "error", err)
		}
		return
	}
	r.pruned.Add(uint64(n))
}
