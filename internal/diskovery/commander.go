package diskovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Default commander limits.
const (
	// defaultAnswerTimeout bounds one transaction once the controller is
	// known to be present.
	defaultAnswerTimeout = 6 * time.Second

	// defaultMaxBusyRetries caps STATUS=1 lines skipped per transaction.
	defaultMaxBusyRetries = 50

	// readSlice bounds each read inside a transaction so cancellation is
	// noticed promptly.
	readSlice = 250 * time.Millisecond
)

// CommanderConfig holds transaction limits.
type CommanderConfig struct {
	// AnswerTimeout bounds purge, write and the wait for the answer.
	// Default: 6s.
	AnswerTimeout time.Duration

	// MaxBusyRetries caps skipped busy markers. Default: 50.
	MaxBusyRetries int
}

// CommanderStats holds commander counters.
type CommanderStats struct {
	CommandsTx     uint64
	AnswersRx      uint64
	BusySkipped    uint64
	Unsolicited    uint64 // other-field lines applied mid-transaction
	Timeouts       uint64
	ProtocolErrors uint64
	CommErrors     uint64
	LastLatency    time.Duration
}

// Commander sends queries and sets and waits for their answers.
//
// A transaction holds the link's transaction lock from purge to answer,
// so the listener cannot consume the answer. Lines for other fields that
// arrive in the meantime are applied to the model as status updates.
//
// Every failure is returned to the caller. The model is only written with
// values the controller confirmed.
//
// Thread Safety:
//   - All methods are safe for concurrent use; transactions run one at a time.
type Commander struct {
	logSink

	cfg   CommanderConfig
	link  *Link
	codec *Codec
	model *Model

	commandsTx     atomic.Uint64
	answersRx      atomic.Uint64
	busySkipped    atomic.Uint64
	unsolicited    atomic.Uint64
	timeouts       atomic.Uint64
	protocolErrors atomic.Uint64
	commErrors     atomic.Uint64
	lastLatency    atomic.Int64
}

// NewCommander creates a commander bound to a link and model.
func NewCommander(link *Link, codec *Codec, model *Model, cfg CommanderConfig) *Commander {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = defaultAnswerTimeout
	}
	if cfg.MaxBusyRetries <= 0 {
		cfg.MaxBusyRetries = defaultMaxBusyRetries
	}
	return &Commander{
		cfg:   cfg,
		link:  link,
		codec: codec,
		model: model,
	}
}

// SetPreset validates value, sends it and applies the confirmed answer.
//
// Parameters:
//   - ctx: Cancels the wait for the answer
//   - f: Writable field
//   - value: Requested value, checked against the field's domain before any I/O
//
// Returns:
//   - error: ErrValidation/ErrReadOnlyField/ErrUnknownField before I/O, or
//     ErrCommunication, ErrTimeout, ErrProtocol from the exchange
func (c *Commander) SetPreset(ctx context.Context, f Field, value uint) error {
	if err := c.model.Validate(f, value); err != nil {
		return err
	}

	answer, err := c.transact(ctx, EncodeSet(f, value), f, c.confirmer(f))
	if err != nil {
		return err
	}
	if want := fmt.Sprint(value); answer != want {
		c.logWarn("controller confirmed a different value", "field", f, "requested", want, "confirmed", answer)
	}
	return nil
}

// SetPresetFilter sets the filter preset (1-4).
func (c *Commander) SetPresetFilter(ctx context.Context, v uint) error {
	return c.SetPreset(ctx, FieldFilter, v)
}

// SetPresetIris sets the iris preset (1-4).
func (c *Commander) SetPresetIris(ctx context.Context, v uint) error {
	return c.SetPreset(ctx, FieldIris, v)
}

// SetPresetTIRF sets the TIRF preset (0-5).
func (c *Commander) SetPresetTIRF(ctx context.Context, v uint) error {
	return c.SetPreset(ctx, FieldTIRF, v)
}

// SetPresetSD sets the spinning disk preset (1-5).
func (c *Commander) SetPresetSD(ctx context.Context, v uint) error {
	return c.SetPreset(ctx, FieldSpinningDisk, v)
}

// SetPresetWF sets the illumination size preset.
func (c *Commander) SetPresetWF(ctx context.Context, v uint) error {
	return c.SetPreset(ctx, FieldIlluminationSize, v)
}

// SetMotorRunning starts or stops the disk motor.
func (c *Commander) SetMotorRunning(ctx context.Context, running bool) error {
	var v uint
	if running {
		v = 1
	}
	return c.SetPreset(ctx, FieldMotorRunning, v)
}

// Query reads one field from the controller and applies it.
func (c *Commander) Query(ctx context.Context, f Field) (string, error) {
	if !f.Known() {
		return "", fmt.Errorf("%w: %s", ErrUnknownField, f)
	}
	answer, err := c.transact(ctx, EncodeQuery(f), f, c.confirmer(f))
	if err != nil {
		return "", err
	}
	return answer, nil
}

// GetProductModel queries PRODUCT_MODEL.
func (c *Commander) GetProductModel(ctx context.Context) (string, error) {
	return c.Query(ctx, FieldProductModel)
}

// QueryCommand sends a raw "Q:NAME" or "S:NAME=value" command and returns
// the value half of the answer. Answers for known fields are applied to
// the model; an apply failure is logged, not returned.
func (c *Commander) QueryCommand(ctx context.Context, cmd string) (string, error) {
	want, err := answerKey(cmd)
	if err != nil {
		return "", err
	}
	frame := strings.TrimRight(cmd, "\r\n") + commandTerminator

	var apply func(string) error
	if want.Known() {
		confirm := c.confirmer(want)
		apply = func(answer string) error {
			if err := confirm(answer); err != nil {
				c.logWarn("answer not applied", "field", want, "value", answer, "error", err)
			}
			return nil
		}
	}
	return c.transact(ctx, frame, want, apply)
}

// QueryCommandInt is QueryCommand for numeric answers.
//
// Returns:
//   - uint: Decoded answer
//   - error: As QueryCommand, or ErrInvalidNumber (wrapped in ErrProtocol)
func (c *Commander) QueryCommandInt(ctx context.Context, cmd string) (uint, error) {
	answer, err := c.QueryCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	n, err := ParseUint(answer)
	if err != nil {
		c.protocolErrors.Add(1)
		return 0, err
	}
	return n, nil
}

// Refresh queries every field. Individual failures are collected; a
// communication failure or cancellation stops the sweep early.
func (c *Commander) Refresh(ctx context.Context) error {
	var errs []error
	for _, f := range refreshOrder {
		if _, err := c.Query(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			if errors.Is(err, ErrCommunication) || ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Nudge writes a harmless PRODUCT_MODEL query without taking the
// transaction lock. It produces traffic to wake a parked reader.
func (c *Commander) Nudge() error {
	return c.link.write(EncodeQuery(FieldProductModel))
}

// confirmer returns the step that applies a confirmed answer for f.
func (c *Commander) confirmer(f Field) func(string) error {
	return func(answer string) error {
		if _, err := c.model.apply(SourceCommand, f, answer); err != nil {
			if errors.Is(err, ErrProtocol) {
				c.protocolErrors.Add(1)
			}
			return err
		}
		return nil
	}
}

// transact runs one exchange and returns the answer's value for want.
//
// A non-nil apply runs on the answer while the link is still held and the
// model still busy, so no frame read later can be overtaken by it.
func (c *Commander) transact(ctx context.Context, frame string, want Field, apply func(string) error) (string, error) {
	c.model.SetBusy(true)
	defer c.model.SetBusy(false)

	start := time.Now()
	deadline := start.Add(c.cfg.AnswerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.link.begin()
	defer c.link.end()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrTimeout, want, err)
	}

	if err := c.link.purge(); err != nil {
		c.commErrors.Add(1)
		return "", err
	}
	if err := c.link.write(frame); err != nil {
		c.commErrors.Add(1)
		return "", err
	}
	c.commandsTx.Add(1)
	c.logDebug("command sent", "frame", strings.TrimSpace(frame))

	busy := 0
	for {
		if err := ctx.Err(); err != nil {
			c.timeouts.Add(1)
			return "", fmt.Errorf("%w: %s: %w", ErrTimeout, want, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.timeouts.Add(1)
			return "", fmt.Errorf("%w: %s after %v", ErrTimeout, want, c.cfg.AnswerTimeout)
		}

		line, err := c.link.readLine(min(remaining, readSlice))
		if err != nil {
			if isReadTimeout(err) {
				continue
			}
			c.commErrors.Add(1)
			return "", err
		}

		frameIn, err := c.codec.ParseStatusLine(line)
		if err != nil {
			c.protocolErrors.Add(1)
			return "", fmt.Errorf("%s: %w", want, err)
		}

		switch {
		case frameIn.Kind == FrameHeartbeat:
			continue

		case frameIn.IsBusy():
			busy++
			c.busySkipped.Add(1)
			_, _ = c.model.Apply(FieldStatus, frameIn.Value)
			if busy > c.cfg.MaxBusyRetries {
				c.timeouts.Add(1)
				return "", fmt.Errorf("%w: %s still busy after %d markers", ErrTimeout, want, busy)
			}
			continue

		case frameIn.Key != want:
			c.unsolicited.Add(1)
			if _, err := c.model.Apply(frameIn.Key, frameIn.Value); err != nil {
				c.logDebug("unsolicited line not applied", "line", line, "error", err)
			}
			continue
		}

		_, value, err := splitAnswer(line)
		if err != nil {
			c.protocolErrors.Add(1)
			return "", err
		}

		c.answersRx.Add(1)
		c.lastLatency.Store(int64(time.Since(start)))
		if apply != nil {
			if err := apply(value); err != nil {
				return "", err
			}
		}
		return value, nil
	}
}

// Stats returns current counters.
func (c *Commander) Stats() CommanderStats {
	return CommanderStats{
		CommandsTx:     c.commandsTx.Load(),
		AnswersRx:      c.answersRx.Load(),
		BusySkipped:    c.busySkipped.Load(),
		Unsolicited:    c.unsolicited.Load(),
		Timeouts:       c.timeouts.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		CommErrors:     c.commErrors.Load(),
		LastLatency:    time.Duration(c.lastLatency.Load()),
	}
}
