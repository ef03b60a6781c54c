// Package wire packet parsing.
//
// This file provides ParsePacket, the single entry point that turns raw
// datagram bytes into typed packets. Every other component of the server
// assumes packets that passed through here are well-formed.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPacket indicates datagram bytes that do not form a valid
// TFTP packet.
var ErrMalformedPacket = errors.New("malformed packet")

// ParsePacket converts a datagram to a typed Packet.
//
// Framing rules are strict: an unknown opcode, a truncated header, an ACK
// with trailing bytes, an option pair with an empty name or a missing value
// terminator all return ErrMalformedPacket (wrapped with context).
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes, need at least 2", ErrMalformedPacket, len(data))
	}
	opcode := Opcode(binary.BigEndian.Uint16(data[0:2]))
	body := data[2:]

	switch opcode {
	case OpReadRequest, OpWriteRequest:
		return parseRequest(opcode, body)
	case OpData:
		return parseData(body)
	case OpAck:
		return parseAck(body)
	case OpError:
		return parseError(body)
	case OpOptionAck:
		return parseOptionAck(body)
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedPacket, opcode)
	}
}

// readString consumes one NUL-terminated string from buf.
// ok is false when no terminator is present.
func readString(buf []byte) (s string, rest []byte, ok bool) {
	for i := range buf {
		if buf[i] == 0 {
			return string(buf[:i]), buf[i+1:], true
		}
	}
	return "", nil, false
}

// parseRequest parses RRQ/WRQ: filename\0 mode\0 [name\0 value\0]*
func parseRequest(op Opcode, body []byte) (Packet, error) {
	filename, rest, ok := readString(body)
	if !ok {
		return nil, fmt.Errorf("%w: unterminated filename", ErrMalformedPacket)
	}
	mode, rest, ok := readString(rest)
	if !ok {
		return nil, fmt.Errorf("%w: unterminated mode", ErrMalformedPacket)
	}
	options, err := parseOptionPairs(rest)
	if err != nil {
		return nil, err
	}

	if op == OpReadRequest {
		return &ReadRequest{Filename: filename, Mode: mode, Options: options}, nil
	}
	return &WriteRequest{Filename: filename, Mode: mode, Options: options}, nil
}

// parseOptionPairs parses zero or more NUL-terminated name/value pairs.
// Names are lowercased; an empty name or a pair missing its value
// terminator is malformed.
func parseOptionPairs(buf []byte) (OptionMap, error) {
	var options OptionMap
	for len(buf) > 0 {
		name, rest, ok := readString(buf)
		if !ok {
			return OptionMap{}, fmt.Errorf("%w: unterminated option name", ErrMalformedPacket)
		}
		if name == "" {
			return OptionMap{}, fmt.Errorf("%w: empty option name", ErrMalformedPacket)
		}
		value, rest, ok := readString(rest)
		if !ok {
			return OptionMap{}, fmt.Errorf("%w: option %q missing value terminator", ErrMalformedPacket, name)
		}
		options.Set(strings.ToLower(name), value)
		buf = rest
	}
	return options, nil
}

// parseData parses DATA: 2-byte block number, 0..blksize payload bytes.
func parseData(body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: DATA truncated", ErrMalformedPacket)
	}
	block := binary.BigEndian.Uint16(body[0:2])
	payload := make([]byte, len(body)-2)
	copy(payload, body[2:])
	return &Data{Block: block, Payload: payload}, nil
}

// parseAck parses ACK: exactly a 2-byte block number.
func parseAck(body []byte) (Packet, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("%w: ACK must be exactly 4 bytes, got %d", ErrMalformedPacket, len(body)+2)
	}
	return &Ack{Block: binary.BigEndian.Uint16(body)}, nil
}

// parseError parses ERROR: 2-byte code, NUL-terminated message.
func parseError(body []byte) (Packet, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("%w: ERROR truncated", ErrMalformedPacket)
	}
	code := ErrorCode(binary.BigEndian.Uint16(body[0:2]))
	message, rest, ok := readString(body[2:])
	if !ok {
		return nil, fmt.Errorf("%w: unterminated error message", ErrMalformedPacket)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after error message", ErrMalformedPacket, len(rest))
	}
	return &Error{Code: code, Message: message}, nil
}

// parseOptionAck parses OACK: the same pair encoding as request options.
func parseOptionAck(body []byte) (Packet, error) {
	options, err := parseOptionPairs(body)
	if err != nil {
		return nil, err
	}
	return &OptionAck{Options: options}, nil
}
