// Package loxone implements the WebSocket session core of a miniserver
// client: connection lifecycle, authentication sequencing, request/response
// correlation, secure-command gating and the binary event demultiplexer.
package loxone

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

const (
	valueEventSize   = 16 + 8      // uuid + float64
	textEventMinSize = 16 + 16 + 4 // uuid + icon uuid + length
)

// EncodeCommand serialises an outbound command to its wire form. Loxone
// commands are plain ASCII/UTF-8 text; there is nothing to escape.
func EncodeCommand(command string) []byte {
	return []byte(command)
}

// ParseHeader parses the 8-byte binary frame header. It fails with
// ErrBadFrame if the magic byte doesn't match.
func ParseHeader(b [headerSize]byte) (MessageHeader, error) {
	if b[0] != frameMagic {
		return MessageHeader{}, fmt.Errorf("%w: expected magic byte 0x%02x, got 0x%02x", ErrBadFrame, frameMagic, b[0])
	}

	return MessageHeader{
		Kind:          FrameKind(b[1]),
		Flags:         b[2],
		PayloadLength: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// ParseValueEvents decodes a sequence of fixed-size ValueEvent records. Any
// trailing bytes that don't make up a complete 24-byte record are a fault.
func ParseValueEvents(buf []byte) ([]ValueEvent, error) {
	if len(buf)%valueEventSize != 0 {
		return nil, fmt.Errorf("%w: value-event payload length %d is not a multiple of %d", ErrBadFrame, len(buf), valueEventSize)
	}

	events := make([]ValueEvent, 0, len(buf)/valueEventSize)
	for off := 0; off < len(buf); off += valueEventSize {
		id := uuidFromLoxoneBytes(buf[off : off+16])
		bits := binary.LittleEndian.Uint64(buf[off+16 : off+24])
		events = append(events, ValueEvent{UUID: id, Value: math.Float64frombits(bits)})
	}
	return events, nil
}

// ParseTextEvents decodes a sequence of variable-length TextEvent records,
// each zero-padded to a 4-byte boundary. A declared length that would
// overrun the buffer is a fault.
func ParseTextEvents(buf []byte) ([]TextEvent, error) {
	var events []TextEvent

	off := 0
	for off < len(buf) {
		if off+textEventMinSize > len(buf) {
			return nil, fmt.Errorf("%w: truncated text-event header at offset %d", ErrBadFrame, off)
		}

		id := uuidFromLoxoneBytes(buf[off : off+16])
		icon := uuidFromLoxoneBytes(buf[off+16 : off+32])
		length := binary.LittleEndian.Uint32(buf[off+32 : off+36])

		start := off + textEventMinSize
		end := start + int(length)
		if end > len(buf) {
			return nil, fmt.Errorf("%w: text-event length %d at offset %d overruns %d-byte buffer", ErrBadFrame, length, off, len(buf))
		}

		text := string(buf[start:end])
		padded := (int(length) + 3) / 4 * 4
		next := start + padded
		if next > len(buf) {
			return nil, fmt.Errorf("%w: text-event padding at offset %d overruns buffer", ErrBadFrame, off)
		}

		events = append(events, TextEvent{UUID: id, IconUUID: icon, Text: text})
		off = next
	}

	return events, nil
}

// uuidFromLoxoneBytes reads a 16-byte Loxone wire UUID into the standard
// big-endian uuid.UUID layout. Loxone UUIDs follow the mixed-endian layout
// .NET/Microsoft GUIDs use: the first three fields (4, 2 and 2 bytes) are
// little-endian on the wire, the last 8 bytes are taken as-is.
func uuidFromLoxoneBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:16], b[8:16])
	return u
}

// uuidToLoxoneBytes is the inverse of uuidFromLoxoneBytes, used when
// building binary event test fixtures.
func uuidToLoxoneBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:16], u[8:16])
	return b
}
