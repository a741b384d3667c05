// Package frame implements the text-safe wire framing used on the session
// channel. A frame is one newline-terminated line:
//
//	<seq>|<kind>|<enclen>|<crc32-hex>|<base64-payload>
//
// The channel is only trusted to preserve newline-delimited printable text,
// so the raw IP packet is base64-armored and protected by a CRC32 digest
// computed over the raw (pre-encoding) bytes.
package frame

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"strconv"
	"sync/atomic"
)

// Kind discriminates the frame types carried on the wire.
type Kind uint8

const (
	KindHandshake Kind = 0
	KindData      Kind = 1
	KindKeepalive Kind = 2
)

const (
	// HandshakeSeq is the sequence number reserved for handshake frames.
	// Data and keepalive sequences start at 1.
	HandshakeSeq uint64 = 0

	// MaxPayload bounds the raw payload accepted by Encode. Large enough
	// for any sane tunnel MTU, small enough to reject runaway input.
	MaxPayload = 64 * 1024

	digestHexLen = 8
	fieldCount   = 5
)

// Frame is one decoded wire frame. Immutable once constructed.
type Frame struct {
	Seq     uint64
	Kind    Kind
	Payload []byte
}

func (k Kind) valid() bool {
	switch k {
	case KindHandshake, KindData, KindKeepalive:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindData:
		return "data"
	case KindKeepalive:
		return "keepalive"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sequencer hands out strictly increasing sequence numbers for one
// direction of a session. Safe for concurrent use. The zero value is
// ready; the first Next() returns 1.
type Sequencer struct {
	n uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return atomic.AddUint64(&s.n, 1)
}

// Encode builds one wire line for the given sequence, kind and raw payload.
// The returned slice includes the trailing newline.
func Encode(seq uint64, kind Kind, payload []byte) ([]byte, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("frame: invalid kind %d", uint8(kind))
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("frame: payload %d exceeds max %d", len(payload), MaxPayload)
	}

	enc := base64.StdEncoding.EncodeToString(payload)
	digest := crc32.ChecksumIEEE(payload)

	// Preallocate: 3 numeric fields + digest + payload + separators.
	var buf bytes.Buffer
	buf.Grow(len(enc) + 48)
	fmt.Fprintf(&buf, "%d|%d|%d|%08x|%s\n", seq, uint8(kind), len(enc), digest, enc)
	return buf.Bytes(), nil
}

// EncodedLineSize returns the worst-case encoded line length for a raw
// payload of the given size, including header fields and the newline.
// Callers size channel read buffers from this.
func EncodedLineSize(payloadSize int) int {
	return base64.StdEncoding.EncodedLen(payloadSize) + 64
}

// Decode parses one wire line back into a Frame. A trailing "\n" or "\r\n"
// is tolerated. Garbage input is a normal event on this transport: Decode
// returns a *DecodeError describing the inconsistency and never panics.
func Decode(line []byte) (Frame, error) {
	line = bytes.TrimRight(line, "\r\n")

	fields := bytes.SplitN(line, []byte{'|'}, fieldCount)
	if len(fields) != fieldCount {
		return Frame{}, newDecodeError(Malformed, "expected %d fields, got %d", fieldCount, len(fields))
	}

	seq, err := strconv.ParseUint(string(fields[0]), 10, 64)
	if err != nil {
		return Frame{}, newDecodeError(Malformed, "bad sequence %q", fields[0])
	}
	kindVal, err := strconv.ParseUint(string(fields[1]), 10, 8)
	if err != nil || !Kind(kindVal).valid() {
		return Frame{}, newDecodeError(Malformed, "bad kind %q", fields[1])
	}
	encLen, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return Frame{}, newDecodeError(Malformed, "bad length %q", fields[2])
	}
	if len(fields[3]) != digestHexLen {
		return Frame{}, newDecodeError(Malformed, "bad digest %q", fields[3])
	}
	digest, err := strconv.ParseUint(string(fields[3]), 16, 32)
	if err != nil {
		return Frame{}, newDecodeError(Malformed, "bad digest %q", fields[3])
	}

	encPayload := fields[4]
	if uint64(len(encPayload)) != encLen {
		return Frame{}, newDecodeError(LengthMismatch, "declared %d encoded bytes, got %d", encLen, len(encPayload))
	}

	payload, err := base64.StdEncoding.DecodeString(string(encPayload))
	if err != nil {
		return Frame{}, newDecodeError(Malformed, "bad payload encoding: %v", err)
	}

	if crc32.ChecksumIEEE(payload) != uint32(digest) {
		return Frame{}, newDecodeError(DigestMismatch, "digest %08x does not match payload", uint32(digest))
	}

	return Frame{Seq: seq, Kind: Kind(kindVal), Payload: payload}, nil
}
