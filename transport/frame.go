// Package transport moves compiled images between host and device over an
// unreliable serial-style byte channel.
//
// Every payload travels in a command frame: a one-byte command code, a
// big-endian length, the payload, and a CRC-16 over everything before it.
// Host-to-device payloads are split into sequenced chunks no larger than the
// capacity the device advertises at session start; the host blocks on each
// chunk's acknowledgement and retransmits on NACK or timeout. Device-to-host
// replies and reports are single unacknowledged frames.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Cmd identifies the meaning of a frame.
type Cmd uint8

// Host-to-device commands. Each carries a sequenced, acknowledged chunk of
// the command payload.
const (
	CmdHello        Cmd = 0x01
	CmdDeclClass    Cmd = 0x02
	CmdDeclMethod   Cmd = 0x03
	CmdDeclConstant Cmd = 0x04
	CmdSetEntry     Cmd = 0x05
	CmdStart        Cmd = 0x06
	CmdQueryState   Cmd = 0x07
	CmdPause        Cmd = 0x08
	CmdResume       Cmd = 0x09
	CmdReset        Cmd = 0x0A
)

// Acknowledgement frames. The payload is the big-endian sequence number being
// acknowledged (ACK) or the sequence the device expects next (NACK).
const (
	CmdAck  Cmd = 0x20
	CmdNack Cmd = 0x21
)

// Device-to-host frames. Never chunked, never acknowledged.
const (
	CmdHelloAck    Cmd = 0x30
	CmdStateReport Cmd = 0x31
	CmdFaultReport Cmd = 0x32
)

var cmdNames = map[Cmd]string{
	CmdHello:        "HELLO",
	CmdDeclClass:    "DECL-CLASS",
	CmdDeclMethod:   "DECL-METHOD",
	CmdDeclConstant: "DECL-CONSTANT",
	CmdSetEntry:     "SET-ENTRY",
	CmdStart:        "START",
	CmdQueryState:   "QUERY-STATE",
	CmdPause:        "PAUSE",
	CmdResume:       "RESUME",
	CmdReset:        "RESET",
	CmdAck:          "ACK",
	CmdNack:         "NACK",
	CmdHelloAck:     "HELLO-ACK",
	CmdStateReport:  "STATE-REPORT",
	CmdFaultReport:  "FAULT-REPORT",
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(0x%02X)", uint8(c))
}

// MaxPayload is the largest frame payload the length field can describe.
const MaxPayload = 1<<16 - 1

// ErrChecksum marks a frame whose checksum did not match its contents. The
// frame's bytes were fully consumed; the stream itself is still aligned.
var ErrChecksum = errors.New("transport: frame checksum mismatch")

// Frame is one decoded wire frame.
type Frame struct {
	Cmd     Cmd
	Payload []byte
}

// Checksum computes CRC-16/CCITT-FALSE (polynomial 0x1021, initial 0xFFFF)
// over data. The check value for "123456789" is 0x29B1.
func Checksum(data []byte) uint16 {
	return checksumContinue(0xFFFF, data)
}

// encodeFrame lays out one frame: code, length, payload, checksum. The
// checksum covers code, length, and payload.
func encodeFrame(cmd Cmd, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("transport: %s payload %d bytes exceeds frame limit", cmd, len(payload))
	}
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, byte(cmd))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint16(buf, Checksum(buf))
	return buf, nil
}

// WriteFrame encodes and writes one frame with a single Write call, so
// concurrent writers interleave only at frame boundaries.
func WriteFrame(w io.Writer, cmd Cmd, payload []byte) error {
	buf, err := encodeFrame(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("transport: write %s frame: %w", cmd, err)
	}
	return nil
}

// ReadFrame reads and verifies one frame. A checksum failure returns
// ErrChecksum with the frame consumed, so the caller can NACK and keep
// reading. Any other error means the stream is unusable.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint16(head[1:])
	rest := make([]byte, int(length)+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("transport: truncated frame body: %w", err)
	}
	payload, sum := rest[:length], binary.BigEndian.Uint16(rest[length:])

	crc := checksumContinue(Checksum(head[:]), payload)
	if crc != sum {
		return Frame{}, fmt.Errorf("%w: computed %04X, frame carries %04X", ErrChecksum, crc, sum)
	}
	return Frame{Cmd: Cmd(head[0]), Payload: payload}, nil
}

// checksumContinue extends a running CRC over more data.
func checksumContinue(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ---------------------------------------------------------------------------
// Chunk layer
// ---------------------------------------------------------------------------

// Host-to-device frame payloads carry a three-byte chunk prefix: a big-endian
// sequence number and a flags byte, followed by the payload fragment. The
// sequence numbers one continuous stream per connection, not per command.
const (
	chunkPrefix = 3
	flagLast    = 0x01 // final fragment of the command payload
)

func encodeChunk(seq uint16, last bool, frag []byte) []byte {
	buf := make([]byte, 0, chunkPrefix+len(frag))
	buf = binary.BigEndian.AppendUint16(buf, seq)
	var flags byte
	if last {
		flags |= flagLast
	}
	buf = append(buf, flags)
	return append(buf, frag...)
}

func decodeChunk(payload []byte) (seq uint16, last bool, frag []byte, err error) {
	if len(payload) < chunkPrefix {
		return 0, false, nil, fmt.Errorf("transport: chunk payload %d bytes, need at least %d", len(payload), chunkPrefix)
	}
	seq = binary.BigEndian.Uint16(payload)
	last = payload[2]&flagLast != 0
	return seq, last, payload[chunkPrefix:], nil
}

func ackPayload(seq uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], seq)
	return b[:]
}

func decodeAck(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("transport: acknowledgement payload %d bytes, want 2", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}
