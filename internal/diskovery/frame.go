package diskovery

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire terminators. The controller ends every line with CRLF; commands
// are accepted with a bare LF. The presence probe is sent with CRLF.
const (
	commandTerminator = "\n"
	probeTerminator   = "\r\n"
)

// DefaultHeartbeatToken is the keep-alive line the controller emits.
const DefaultHeartbeatToken = "HEARTBEAT"

// FrameKind distinguishes decoded lines.
type FrameKind int

const (
	// FrameKeyValue is a NAME=value status line.
	FrameKeyValue FrameKind = iota
	// FrameHeartbeat is a bare keep-alive token.
	FrameHeartbeat
)

// String returns a readable kind name.
func (k FrameKind) String() string {
	switch k {
	case FrameKeyValue:
		return "key_value"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is one decoded line from the controller.
type Frame struct {
	Kind  FrameKind
	Key   Field
	Value string
}

// IsBusy reports whether the frame is the STATUS=1 busy marker.
func (f Frame) IsBusy() bool {
	return f.Kind == FrameKeyValue && f.Key == FieldStatus && f.Value == "1"
}

// Codec decodes controller lines. Its configuration is fixed at
// construction, so a Codec is safe for concurrent use.
type Codec struct {
	heartbeats map[string]struct{}
}

// NewCodec returns a Codec recognising the given heartbeat tokens.
// With no tokens, DefaultHeartbeatToken is used.
func NewCodec(heartbeatTokens ...string) *Codec {
	if len(heartbeatTokens) == 0 {
		heartbeatTokens = []string{DefaultHeartbeatToken}
	}
	hb := make(map[string]struct{}, len(heartbeatTokens))
	for _, t := range heartbeatTokens {
		hb[strings.TrimSpace(t)] = struct{}{}
	}
	return &Codec{heartbeats: hb}
}

// ParseStatusLine decodes a raw line.
//
// Trailing CR/LF and surrounding spaces are ignored. A line with an '=' is
// split on the first one into key and value. A line without '=' must be a
// heartbeat token.
//
// Returns:
//   - Frame: Decoded frame
//   - error: ErrMalformedFrame (wrapped in ErrProtocol) for anything else
func (c *Codec) ParseStatusLine(raw string) (Frame, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return Frame{}, fmt.Errorf("%w: %w: empty line", ErrProtocol, ErrMalformedFrame)
	}

	key, value, found := strings.Cut(line, "=")
	if !found {
		if _, ok := c.heartbeats[line]; ok {
			return Frame{Kind: FrameHeartbeat, Value: line}, nil
		}
		return Frame{}, fmt.Errorf("%w: %w: %q", ErrProtocol, ErrMalformedFrame, line)
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return Frame{}, fmt.Errorf("%w: %w: missing key in %q", ErrProtocol, ErrMalformedFrame, line)
	}

	return Frame{Kind: FrameKeyValue, Key: Field(key), Value: strings.TrimSpace(value)}, nil
}

// splitAnswer splits a command answer into exactly two tokens on '='.
func splitAnswer(line string) (Field, string, error) {
	tokens := strings.Split(strings.TrimSpace(line), "=")
	if len(tokens) != 2 {
		return "", "", fmt.Errorf("%w: expected NAME=value, got %q", ErrProtocol, line)
	}
	key := strings.TrimSpace(tokens[0])
	if key == "" {
		return "", "", fmt.Errorf("%w: missing key in %q", ErrProtocol, line)
	}
	return Field(key), strings.TrimSpace(tokens[1]), nil
}

// EncodeQuery returns the query frame for a field.
func EncodeQuery(f Field) string {
	return "Q:" + string(f) + commandTerminator
}

// EncodeSet returns the set frame for a field.
func EncodeSet(f Field, value uint) string {
	return "S:" + string(f) + "=" + strconv.FormatUint(uint64(value), 10) + commandTerminator
}

// encodeProbe returns the presence probe.
func encodeProbe() string {
	return "Q:" + string(FieldProductModel) + probeTerminator
}

// ParseUint decodes an unsigned decimal integer.
//
// Returns:
//   - uint: Decoded value
//   - error: ErrInvalidNumber (wrapped in ErrProtocol) on malformed text
func ParseUint(token string) (uint, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(token), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %w: %q", ErrProtocol, ErrInvalidNumber, token)
	}
	return uint(v), nil
}

// answerKey returns the field a command expects in its answer. Commands
// are "Q:NAME" or "S:NAME=value", with or without a terminator.
func answerKey(cmd string) (Field, error) {
	c := strings.TrimSpace(cmd)
	if len(c) < 3 || c[1] != ':' || (c[0] != 'Q' && c[0] != 'S') {
		return "", fmt.Errorf("%w: unrecognised command %q", ErrProtocol, cmd)
	}
	name := c[2:]
	if c[0] == 'S' {
		var found bool
		name, _, found = strings.Cut(name, "=")
		if !found {
			return "", fmt.Errorf("%w: set command without value %q", ErrProtocol, cmd)
		}
	}
	if name == "" {
		return "", fmt.Errorf("%w: command without field %q", ErrProtocol, cmd)
	}
	return Field(name), nil
}
