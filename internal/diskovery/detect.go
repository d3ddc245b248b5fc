package diskovery

import (
	"context"
	"fmt"
	"time"
)

// Detection timing. The settle and purge delays give a freshly opened
// USB adapter time to deliver stale bytes before they are dropped.
const (
	defaultSettleDelay      = 100 * time.Millisecond
	defaultPurgeDelay       = 50 * time.Millisecond
	defaultDetectionTimeout = 100 * time.Millisecond
)

// DetectionStatus is the outcome of DetectDevice.
type DetectionStatus int

const (
	// DetectionMisconfigured means there is no usable transport.
	DetectionMisconfigured DetectionStatus = iota
	// DetectionCanNotCommunicate means the port works but no Diskovery answered.
	DetectionCanNotCommunicate
	// DetectionCanCommunicate means a Diskovery answered the probe.
	DetectionCanCommunicate
)

// String returns the status name.
func (s DetectionStatus) String() string {
	switch s {
	case DetectionMisconfigured:
		return "misconfigured"
	case DetectionCanNotCommunicate:
		return "can_not_communicate"
	case DetectionCanCommunicate:
		return "can_communicate"
	default:
		return fmt.Sprintf("DetectionStatus(%d)", int(s))
	}
}

// DetectOptions tunes the presence probe. Zero values select defaults.
type DetectOptions struct {
	SettleDelay    time.Duration // before the purge, default 100ms
	PurgeDelay     time.Duration // after the purge, default 50ms
	Timeout        time.Duration // per read, default 100ms
	MaxBusyRetries int           // lines skipped while waiting, default 50
}

func (o DetectOptions) withDefaults() DetectOptions {
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.PurgeDelay <= 0 {
		o.PurgeDelay = defaultPurgeDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultDetectionTimeout
	}
	if o.MaxBusyRetries <= 0 {
		o.MaxBusyRetries = defaultMaxBusyRetries
	}
	return o
}

// IsControllerPresent probes the transport for a Diskovery.
//
// It waits for the line to settle, purges, sends a PRODUCT_MODEL query and
// compares the answer with "PRODUCT_MODEL=DISKOVERY". Busy markers,
// heartbeats and other status lines are skipped (bounded). It never
// touches a Model and must run before a Listener owns the transport.
//
// Returns:
//   - bool: True if a Diskovery answered
//   - error: Non-nil only when the transport itself failed or ctx ended;
//     silence and foreign answers return (false, nil)
func IsControllerPresent(ctx context.Context, tr Transport, opts DetectOptions) (bool, error) {
	opts = opts.withDefaults()
	link := NewLink(tr)
	codec := NewCodec()

	if err := sleepCtx(ctx, opts.SettleDelay); err != nil {
		return false, err
	}
	if err := link.purge(); err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, opts.PurgeDelay); err != nil {
		return false, err
	}
	if err := link.write(encodeProbe()); err != nil {
		return false, err
	}

	for skipped := 0; skipped <= opts.MaxBusyRetries; skipped++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		line, err := link.readLine(opts.Timeout)
		if err != nil {
			if isReadTimeout(err) {
				return false, nil
			}
			return false, err
		}

		frame, err := codec.ParseStatusLine(line)
		if err != nil {
			// Something that is not speaking this protocol.
			return false, nil
		}
		if frame.Kind == FrameHeartbeat || frame.IsBusy() || frame.Key != FieldProductModel {
			continue
		}
		return frame.Value == ExpectedProductModel, nil
	}

	return false, nil
}

// DetectDevice classifies the transport.
func DetectDevice(ctx context.Context, tr Transport, opts DetectOptions) DetectionStatus {
	if tr == nil {
		return DetectionMisconfigured
	}
	present, err := IsControllerPresent(ctx, tr, opts)
	if err != nil || !present {
		return DetectionCanNotCommunicate
	}
	return DetectionCanCommunicate
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
