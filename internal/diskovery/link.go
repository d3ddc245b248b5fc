package diskovery

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/serialport"
)

// Transport is a line-oriented byte channel to the controller.
//
// ReadLine must return an error wrapping serialport.ErrTimeout when no
// complete line arrived in time. Any other error is treated as fatal.
// Write may be called while a ReadLine is blocked.
type Transport interface {
	io.Writer
	ReadLine(timeout time.Duration) (string, error)
	Purge() error
	Close() error
}

// Ensure the serial port satisfies Transport.
var _ Transport = (*serialport.Port)(nil)

// Link serialises access to a Transport.
//
// The transaction lock is held by the listener for one poll read and by
// the commander for a whole purge/write/read exchange, so an answer is
// always read by the goroutine that asked for it. The write lock alone
// guards writes, which lets the shutdown probe go out while the listener
// is parked in a read.
type Link struct {
	tr   Transport
	txMu sync.Mutex
	wrMu sync.Mutex

	// lastRx is the time of the last line read, in Unix nanoseconds.
	lastRx atomic.Int64
}

// NewLink wraps a transport.
func NewLink(tr Transport) *Link {
	return &Link{tr: tr}
}

// begin acquires the transaction lock.
func (l *Link) begin() { l.txMu.Lock() }

// end releases the transaction lock.
func (l *Link) end() { l.txMu.Unlock() }

// write sends a frame. Callable with or without the transaction lock.
func (l *Link) write(frame string) error {
	l.wrMu.Lock()
	defer l.wrMu.Unlock()
	if _, err := io.WriteString(l.tr, frame); err != nil {
		return fmt.Errorf("%w: write: %w", ErrCommunication, err)
	}
	return nil
}

// readLine reads one line. The caller holds the transaction lock.
// Timeouts are returned unwrapped so callers can test with isReadTimeout.
func (l *Link) readLine(timeout time.Duration) (string, error) {
	line, err := l.tr.ReadLine(timeout)
	if err != nil {
		if isReadTimeout(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: read: %w", ErrCommunication, err)
	}
	l.markActivity()
	return line, nil
}

// markActivity records traffic now.
func (l *Link) markActivity() {
	l.lastRx.Store(time.Now().UnixNano())
}

// lastActivity returns when a line was last read.
func (l *Link) lastActivity() time.Time {
	return time.Unix(0, l.lastRx.Load())
}

// purge drops unread input. The caller holds the transaction lock.
func (l *Link) purge() error {
	if err := l.tr.Purge(); err != nil {
		return fmt.Errorf("%w: purge: %w", ErrCommunication, err)
	}
	return nil
}

// Close closes the underlying transport.
func (l *Link) Close() error {
	return l.tr.Close()
}

func isReadTimeout(err error) bool {
	return errors.Is(err, serialport.ErrTimeout)
}
