// Package chunk implements the pure, stateless framing and deframing used
// by the transfer protocol: the transmission header, per-chunk headers,
// and the MISS/ACK frame.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the maximum body size of a non-header chunk. The hard upper
// bound imposed by the radio's frame cap is 255 bytes total.
const Size = 200

// HeaderSize is the length of the 16-byte TransmissionHeader.
const HeaderSize = 16

// ChunkHeaderSize is the length of the 2-byte per-chunk sequence prefix.
const ChunkHeaderSize = 2

// MaxFrame is the hard upper bound on a single radio frame.
const MaxFrame = 255

// MaxChunks is the largest sequence count representable by a 16-bit,
// non-wrapping sequence counter.
const MaxChunks = 65535

// strayPreambleSeq is 0x4C4F, the big-endian 16-bit value of the ASCII bytes "LO" —
// the start of a stray new-transmission preamble landing mid-stream.
const strayPreambleSeq = 0x4C4F

var preamble = [4]byte{'L', 'O', 'R', 'A'}

// nackTag is the fixed 4-byte tag identifying a MISS/ACK frame.
var nackTag = [4]byte{'M', 'I', 'S', 'S'}

// ErrPayloadTooLarge is returned by Split when the payload would
// require more than MaxChunks chunks.
var ErrPayloadTooLarge = errors.New("chunk: payload requires more than 65535 chunks")

// EncodeFirst builds the wire bytes for chunk 0: the TransmissionHeader
// followed by the chunk-0 sequence prefix and body. The receiver in
// package transfer derives the chunk count N from totalBodyBytes as
// ceil(totalBodyBytes / Size).
func EncodeFirst(body []byte, width, height, totalBodyBytes uint32) []byte {
	out := make([]byte, 0, HeaderSize+ChunkHeaderSize+len(body))
	out = append(out, preamble[:]...)
	out = binary.BigEndian.AppendUint32(out, totalBodyBytes)
	out = binary.BigEndian.AppendUint32(out, width)
	out = binary.BigEndian.AppendUint32(out, height)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = append(out, body...)
	return out
}

// Encode builds the wire bytes for a non-zero chunk: the 2-byte sequence
// prefix followed by the chunk body.
func Encode(seq uint16, body []byte) []byte {
	out := make([]byte, 0, ChunkHeaderSize+len(body))
	out = binary.BigEndian.AppendUint16(out, seq)
	out = append(out, body...)
	return out
}

// Plan describes how a payload splits into chunks, computed once at
// encode time so callers can assert the 65535-chunk ceiling before any
// bytes hit the wire.
type Plan struct {
	Payload        []byte
	Width, Height  uint32
	N              int // number of chunks
	TotalBodyBytes uint32
}

// Split computes the chunk plan for payload and asserts N <= MaxChunks,
// returning ErrPayloadTooLarge otherwise.
//
// TotalBodyBytes is set to the raw payload length, not the length plus
// the per-chunk sequence prefixes (see DESIGN.md for why). The receiver
// computes N from this field with the same ceil(len / Size) formula used
// here, so sender and receiver agree on the chunk count.
func Split(payload []byte, width, height uint32) (Plan, error) {
	n := (len(payload) + Size - 1) / Size
	if n > MaxChunks {
		return Plan{}, ErrPayloadTooLarge
	}
	return Plan{Payload: payload, Width: width, Height: height, N: n, TotalBodyBytes: uint32(len(payload))}, nil
}

// Body returns the raw (header-less) body bytes for chunk seq according
// to plan, i.e. payload[seq*Size : min((seq+1)*Size, len(payload))].
func (p Plan) Body(seq int) []byte {
	start := seq * Size
	end := start + Size
	if end > len(p.Payload) {
		end = len(p.Payload)
	}
	if start > len(p.Payload) {
		start = len(p.Payload)
	}
	return p.Payload[start:end]
}

// DecodeTransmissionHeader parses the 16-byte TransmissionHeader from
// the start of frame. It returns ok=false (never an error) when frame is
// too short or the preamble doesn't match LORA — such frames must be
// dropped silently, not treated as an error.
func DecodeTransmissionHeader(frame []byte) (totalBodyBytes, width, height uint32, remainder []byte, ok bool) {
	if len(frame) < HeaderSize {
		return 0, 0, 0, nil, false
	}
	if string(frame[0:4]) != string(preamble[:]) {
		return 0, 0, 0, nil, false
	}
	totalBodyBytes = binary.BigEndian.Uint32(frame[4:8])
	width = binary.BigEndian.Uint32(frame[8:12])
	height = binary.BigEndian.Uint32(frame[12:16])
	return totalBodyBytes, width, height, frame[HeaderSize:], true
}

// DecodeChunk splits frame into its sequence number and body. ok is
// false (never an error) when frame is shorter than ChunkHeaderSize.
func DecodeChunk(frame []byte) (seq uint16, body []byte, ok bool) {
	if len(frame) < ChunkHeaderSize {
		return 0, nil, false
	}
	seq = binary.BigEndian.Uint16(frame[0:2])
	return seq, frame[ChunkHeaderSize:], true
}

// IsStrayPreamble reports whether seq collides with the ASCII bytes "LO",
// i.e. the start of a stray new-transmission preamble overlapping the
// chunk stream.
func IsStrayPreamble(seq uint16) bool {
	return seq == strayPreambleSeq
}

// EncodeNack builds a MISS frame listing the given missing sequence
// numbers. An empty/nil missing set encodes the positive acknowledgement
// (count == 0).
func EncodeNack(missing []uint16) []byte {
	out := make([]byte, 0, 6+2*len(missing))
	out = append(out, nackTag[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(missing)))
	for _, seq := range missing {
		out = binary.BigEndian.AppendUint16(out, seq)
	}
	return out
}

// NackFrame is a parsed MISS/ACK frame.
type NackFrame struct {
	Missing []uint16
}

// IsAck reports whether this frame is the positive acknowledgement
// (an empty missing set).
func (f NackFrame) IsAck() bool {
	return len(f.Missing) == 0
}

// ErrNotNack is returned by DecodeNack when frame does not begin with
// the MISS tag.
var ErrNotNack = errors.New("chunk: frame is not a MISS/ACK frame")

// DecodeNack parses a MISS frame. It returns ErrNotNack if the tag
// doesn't match, and a wrapped error if the frame is truncated relative
// to its declared count.
func DecodeNack(frame []byte) (NackFrame, error) {
	if len(frame) < 6 || string(frame[0:4]) != string(nackTag[:]) {
		return NackFrame{}, ErrNotNack
	}
	count := binary.BigEndian.Uint16(frame[4:6])
	want := 6 + 2*int(count)
	if len(frame) < want {
		return NackFrame{}, fmt.Errorf("chunk: truncated MISS frame: want %d bytes, have %d", want, len(frame))
	}
	missing := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		missing[i] = binary.BigEndian.Uint16(frame[6+2*i : 8+2*i])
	}
	return NackFrame{Missing: missing}, nil
}

// Assemble concatenates chunk bodies keyed by sequence number 0..n-1, in
// ascending order, truncating the result to totalPayloadLen if the
// accumulated bytes would exceed it: a chunk is still accepted even if
// its trailing bytes land past the declared total, and simply gets
// truncated away at concatenation time.
func Assemble(bodies map[uint16][]byte, n int, totalPayloadLen int) []byte {
	capHint := 0
	if totalPayloadLen > 0 {
		capHint = totalPayloadLen
	}
	out := make([]byte, 0, capHint)
	for seq := 0; seq < n; seq++ {
		out = append(out, bodies[uint16(seq)]...)
	}
	if totalPayloadLen >= 0 && len(out) > totalPayloadLen {
		out = out[:totalPayloadLen]
	}
	return out
}
