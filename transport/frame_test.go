package transport

import (
	"bytes"
	"errors"
	"testing"
)

func TestChecksum_KnownVectors(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"", 0xFFFF},
		{"A", 0xB915},
		{"123456789", 0x29B1},
	}
	for _, tc := range tests {
		if got := Checksum([]byte(tc.in)); got != tc.want {
			t.Errorf("Checksum(%q) = %04X, want %04X", tc.in, got, tc.want)
		}
	}
}

func TestChecksum_Continuation(t *testing.T) {
	data := []byte("123456789")
	head, tail := data[:4], data[4:]
	if got := checksumContinue(Checksum(head), tail); got != 0x29B1 {
		t.Errorf("split checksum = %04X, want 29B1", got)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CmdDeclMethod, []byte{0xDE, 0xAD, 0xBE}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteFrame(&buf, CmdStart, nil); err != nil {
		t.Fatalf("WriteFrame empty: %v", err)
	}

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Cmd != CmdDeclMethod || !bytes.Equal(f.Payload, []byte{0xDE, 0xAD, 0xBE}) {
		t.Errorf("frame = %s %x", f.Cmd, f.Payload)
	}
	f, err = ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame empty: %v", err)
	}
	if f.Cmd != CmdStart || len(f.Payload) != 0 {
		t.Errorf("empty frame = %s %x", f.Cmd, f.Payload)
	}
}

func TestReadFrame_ChecksumMismatchKeepsAlignment(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CmdDeclClass, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteFrame(&buf, CmdStart, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw := buf.Bytes()
	raw[4] ^= 0xFF // flip a payload byte of the first frame

	r := bytes.NewReader(raw)
	if _, err := ReadFrame(r); !errors.Is(err, ErrChecksum) {
		t.Fatalf("corrupted frame error = %v, want ErrChecksum", err)
	}
	f, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("frame after corruption: %v", err)
	}
	if f.Cmd != CmdStart {
		t.Errorf("frame after corruption = %s, want START", f.Cmd)
	}
}

func TestWriteFrame_PayloadLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CmdDeclMethod, make([]byte, MaxPayload+1)); err == nil {
		t.Fatal("oversized payload accepted")
	}
	if err := WriteFrame(&buf, CmdDeclMethod, make([]byte, MaxPayload)); err != nil {
		t.Fatalf("payload at the limit refused: %v", err)
	}
	if _, err := ReadFrame(&buf); err != nil {
		t.Fatalf("reading limit-size frame: %v", err)
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	payload := encodeChunk(0x1234, true, []byte("frag"))
	seq, last, frag, err := decodeChunk(payload)
	if err != nil {
		t.Fatalf("decodeChunk: %v", err)
	}
	if seq != 0x1234 || !last || string(frag) != "frag" {
		t.Errorf("chunk = seq %04X last %v frag %q", seq, last, frag)
	}

	seq, last, frag, err = decodeChunk(encodeChunk(7, false, nil))
	if err != nil {
		t.Fatalf("decodeChunk empty: %v", err)
	}
	if seq != 7 || last || len(frag) != 0 {
		t.Errorf("empty chunk = seq %d last %v frag %x", seq, last, frag)
	}

	if _, _, _, err := decodeChunk([]byte{0, 1}); err == nil {
		t.Error("short chunk payload accepted")
	}
}

func TestAckPayload_RoundTrip(t *testing.T) {
	seq, err := decodeAck(ackPayload(0xBEEF))
	if err != nil {
		t.Fatalf("decodeAck: %v", err)
	}
	if seq != 0xBEEF {
		t.Errorf("ack seq = %04X, want BEEF", seq)
	}
	if _, err := decodeAck([]byte{1}); err == nil {
		t.Error("short ack payload accepted")
	}
}
