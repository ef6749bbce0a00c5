package loxone

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// FrameKind is the byte-1 discriminator of a binary frame header.
type FrameKind byte

const (
	FrameText          FrameKind = 0
	FrameBinary        FrameKind = 1
	FrameEventValue    FrameKind = 2
	FrameEventText     FrameKind = 3
	FrameEventDaytimer FrameKind = 4
	FrameOutOfService  FrameKind = 5
	FrameKeepalive     FrameKind = 6
	FrameEventWeather  FrameKind = 7
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameEventValue:
		return "event_value"
	case FrameEventText:
		return "event_text"
	case FrameEventDaytimer:
		return "event_daytimer"
	case FrameOutOfService:
		return "out_of_service"
	case FrameKeepalive:
		return "keepalive"
	case FrameEventWeather:
		return "event_weather"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// frameMagic is the fixed first byte of every binary frame header.
const frameMagic byte = 0x03

// headerSize is the fixed length, in bytes, of a binary frame header.
const headerSize = 8

// MessageHeader is the 8-byte header that precedes every binary frame.
type MessageHeader struct {
	Kind          FrameKind
	Flags         byte
	PayloadLength uint32
}

// StatusCode is the HTTP-like code carried on a LoxoneMessage.
type StatusCode int

const (
	StatusOK               StatusCode = 200
	StatusNotAuthenticated StatusCode = 400
	StatusAuthFailed       StatusCode = 401
	StatusNotFound         StatusCode = 404
	StatusAuthTookTooLong  StatusCode = 420
	StatusUnauthorized     StatusCode = 500
)

// LoxoneMessage is the generic `{control, code, value}` envelope the
// miniserver wraps every text response in, nested under an "LL" key on the
// wire.
type LoxoneMessage struct {
	Control string
	Code    StatusCode
	Value   json.RawMessage
}

// loxoneEnvelope mirrors the wire shape: {"LL": {"control": ..., "code": ...,
// "value": ...}}. The miniserver is inconsistent about whether code is a
// quoted string or a bare number, so Code is decoded manually.
type loxoneEnvelope struct {
	LL struct {
		Control string          `json:"control"`
		Code    json.RawMessage `json:"Code"`
		CodeLC  json.RawMessage `json:"code"`
		Value   json.RawMessage `json:"value"`
	} `json:"LL"`
}

// ParseLoxoneMessage decodes the `{"LL": {...}}` envelope common to every
// non-binary miniserver response.
func ParseLoxoneMessage(data []byte) (LoxoneMessage, error) {
	var env loxoneEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return LoxoneMessage{}, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}

	raw := env.LL.Code
	if len(raw) == 0 {
		raw = env.LL.CodeLC
	}

	code, err := decodeStatusCode(raw)
	if err != nil {
		return LoxoneMessage{}, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}

	return LoxoneMessage{Control: env.LL.Control, Code: code, Value: env.LL.Value}, nil
}

func decodeStatusCode(raw json.RawMessage) (StatusCode, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing code field")
	}

	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return StatusCode(asInt), nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, fmt.Errorf("code is neither a number nor a string: %s", raw)
	}

	n, err := strconv.Atoi(asString)
	if err != nil {
		return 0, fmt.Errorf("code %q is not numeric: %w", asString, err)
	}
	return StatusCode(n), nil
}

// ParseValueInto decodes the `{"LL": {..., "value": ...}}` envelope and
// unmarshals the value sub-field directly into out, without surfacing a
// LoxoneMessage to the caller. The envelope's code is not checked: a value
// carried by a non-200 response is unmarshalled all the same.
func ParseValueInto(data []byte, out any) error {
	msg, err := ParseLoxoneMessage(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Value, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return nil
}

// ValueEvent is a UUID-tagged floating point sample delivered on an
// EVENT_VALUE binary frame.
type ValueEvent struct {
	UUID  uuid.UUID
	Value float64
}

// TextEvent is a UUID-tagged text sample delivered on an EVENT_TEXT binary
// frame, also carrying an icon UUID.
type TextEvent struct {
	UUID     uuid.UUID
	IconUUID uuid.UUID
	Text     string
}
