package protocol

import (
	"fmt"
	"strings"
	"time"
)

const (
	// Terminator ends every frame in both directions.
	Terminator byte = 0x0D

	// ResponseMarker is the optional first byte of a device reply.
	ResponseMarker = "("

	// trailerLen is the size of the checksum trailer on incoming frames.
	trailerLen = 2

	// Commands with special encode or decode handling.
	CommandDailyLoadEnergy      = "QLD"
	CommandCPUFirmware          = "QVFW"
	CommandSecondaryCPUFirmware = "QVFW2"
	CommandPanelFirmware        = "QVFW3"

	firmwarePrefix          = "VERFW:"
	secondaryFirmwarePrefix = "VERFW2:"
)

// ParamPolicy rewrites the parameter of an outgoing command before it is framed.
type ParamPolicy func(param string, now time.Time) string

// FieldFilter post-processes the raw fields of a decoded reply.
type FieldFilter func(fields []string) []string

// defaultParamPolicies holds the commands whose parameter is filled in by the codec.
var defaultParamPolicies = map[string]ParamPolicy{
	// The device refuses QLD without a date.
	CommandDailyLoadEnergy: func(param string, now time.Time) string {
		if param == "" {
			return now.Format("20060102")
		}
		return param
	},
}

// defaultFieldFilters holds the commands whose first field carries a textual prefix.
var defaultFieldFilters = map[string]FieldFilter{
	CommandCPUFirmware:          stripFirstFieldPrefix(firmwarePrefix),
	CommandPanelFirmware:        stripFirstFieldPrefix(firmwarePrefix),
	CommandSecondaryCPUFirmware: stripFirstFieldPrefix(secondaryFirmwarePrefix),
}

func stripFirstFieldPrefix(prefix string) FieldFilter {
	return func(fields []string) []string {
		if len(fields) > 0 {
			fields[0] = strings.ReplaceAll(fields[0], prefix, "")
		}
		return fields
	}
}

// Codec builds outgoing frames and splits incoming frames into raw fields.
type Codec struct {
	paramPolicies map[string]ParamPolicy
	fieldFilters  map[string]FieldFilter
	now           func() time.Time
}

// NewCodec creates a codec with the built-in per-command policies.
func NewCodec() *Codec {
	return &Codec{
		paramPolicies: defaultParamPolicies,
		fieldFilters:  defaultFieldFilters,
		now:           time.Now,
	}
}

// SetClock replaces the clock used by parameter policies (used by tests).
func (c *Codec) SetClock(now func() time.Time) {
	c.now = now
}

// ResolveParam applies the command's parameter policy, if any.
func (c *Codec) ResolveParam(command, param string) string {
	if policy, ok := c.paramPolicies[command]; ok {
		return policy(param, c.now())
	}
	return param
}

// Encode frames a command as <command><param><crc_hi><crc_lo><CR>.
func (c *Codec) Encode(command, param string) ([]byte, error) {
	if command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	payload, err := encodeLatin1(command + c.ResolveParam(command, param))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", command, err)
	}

	frame := make([]byte, 0, len(payload)+trailerLen+1)
	frame = append(frame, payload...)
	frame = append(frame, ChecksumBytes(payload)...)
	frame = append(frame, Terminator)

	return frame, nil
}

// Decode turns a raw reply into its ordered list of space separated fields.
// The checksum trailer is dropped without being examined.
func (c *Codec) Decode(command string, raw []byte) []string {
	fields := strings.Split(payloadText(raw), " ")

	if filter, ok := c.fieldFilters[command]; ok {
		fields = filter(fields)
	}

	return fields
}

// payloadText strips the reply marker, surrounding whitespace and the trailer.
func payloadText(raw []byte) string {
	text := strings.TrimPrefix(decodeLatin1(raw), ResponseMarker)
	text = strings.TrimSpace(text)

	runes := []rune(text)
	if len(runes) <= trailerLen {
		return ""
	}
	return string(runes[:len(runes)-trailerLen])
}

// TrailerCheck describes how a reply's trailer compares with its payload checksum.
type TrailerCheck struct {
	Expected uint16
	Received uint16
}

// VerifyTrailer compares the trailer of a raw reply with the checksum of the
// bytes preceding it. It reports ok=false when the reply is too short to carry
// a trailer. Replies are never rejected on this basis.
func VerifyTrailer(raw []byte) (TrailerCheck, bool) {
	frame := raw
	if n := len(frame); n > 0 && frame[n-1] == Terminator {
		frame = frame[:n-1]
	}
	if len(frame) < trailerLen+1 {
		return TrailerCheck{}, false
	}

	payload := frame[:len(frame)-trailerLen]
	trailer := frame[len(frame)-trailerLen:]

	return TrailerCheck{
		Expected: Checksum(payload),
		Received: uint16(trailer[0])<<8 | uint16(trailer[1]),
	}, true
}

// Match reports whether the trailer matched the computed checksum.
func (tc TrailerCheck) Match() bool {
	return tc.Expected == tc.Received
}

func encodeLatin1(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, fmt.Errorf("character %q is outside latin-1", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

func decodeLatin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
