package transfer

import (
	"fmt"
	"time"

	"github.com/aelmosalamy/lora-image-link/pkg/atadapter"
	"github.com/aelmosalamy/lora-image-link/pkg/chunk"
)

// receiverState is one of the ReceiverFSM's states.
type receiverState int

const (
	receiverSyncHunt receiverState = iota
	receiverAccumulate
	receiverRepairPhase
	receiverAckPhase
	receiverDone
	receiverCancelled
	receiverExhausted
)

// syncHuntTimeout is the short, cancellation-responsive timeout used
// before a transmission header has been seen.
const syncHuntTimeout = 1 * time.Second

// Result is the payload and descriptive metadata returned by a
// completed receive.
type Result struct {
	Payload       []byte
	Width, Height uint32
	Stats         Stats
}

// ReceiverFSM drives the header-sync -> accumulate -> timeout ->
// request-retransmission -> confirm loop.
type ReceiverFSM struct {
	radio radio
	sink  ProgressSink
}

// ReceiverOption configures optional ReceiverFSM behavior.
type ReceiverOption func(*ReceiverFSM)

// WithReceiverProgressSink attaches a sink to receive state-transition
// and repair events.
func WithReceiverProgressSink(sink ProgressSink) ReceiverOption {
	return func(r *ReceiverFSM) {
		r.sink = sinkOrNoop(sink)
	}
}

// NewReceiverFSM constructs a ReceiverFSM driving r.
func NewReceiverFSM(r radio, opts ...ReceiverOption) *ReceiverFSM {
	fsm := &ReceiverFSM{radio: r, sink: noopSink{}}
	for _, opt := range opts {
		opt(fsm)
	}
	return fsm
}

// Receive runs one full receive session.
func (r *ReceiverFSM) Receive(cancel *CancelFlag) (Result, error) {
	start := time.Now()

	if err := r.radio.SetReadTimeout(syncHuntTimeout); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
	}
	if err := r.radio.ArmReceive(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
	}

	state := receiverSyncHunt
	r.emit("state", "entering SyncHunt", 0)

	var (
		n             int
		width, height uint32
		received      = make(map[uint16][]byte)
	)

	for state == receiverSyncHunt {
		if cancel != nil && cancel.Cancelled() {
			r.emit("state", "cancelled during SyncHunt", 0)
			return Result{}, ErrCancelled
		}

		raw, err := r.radio.PollReceive()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
		}
		if raw == nil {
			continue
		}

		totalBodyBytes, w, h, remainder, ok := chunk.DecodeTransmissionHeader(raw)
		if !ok {
			r.emit("state", "dropped frame with bad preamble", 0)
			continue
		}

		width, height = w, h
		n = (int(totalBodyBytes) + chunk.Size - 1) / chunk.Size
		if n <= 0 {
			r.emit("state", "dropped header with non-positive chunk count", 0)
			continue
		}

		if err := r.radio.SetReadTimeout(RetransmissionTimeout); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
		}
		r.emit("state", fmt.Sprintf("synchronized: %dx%d, %d chunk(s) expected", width, height, n), 0)

		if seq, body, ok := chunk.DecodeChunk(remainder); ok && !chunk.IsStrayPreamble(seq) && int(seq) < n {
			received[seq] = append([]byte(nil), body...)
			r.emit("chunk", "recorded header chunk", seq)
		}

		state = receiverAccumulate
	}

	retriesLeft := MaxRetries

	// Accumulate and RepairPhase hand control back and forth until the
	// payload is complete, the retry budget runs out, or the caller
	// cancels.
dispatch:
	for {
		switch state {
		case receiverAccumulate:
			if cancel != nil && cancel.Cancelled() {
				r.emit("state", "cancelled during Accumulate", 0)
				return Result{}, ErrCancelled
			}

			if len(received) >= n {
				state = receiverAckPhase
				continue dispatch
			}

			raw, err := r.radio.PollReceive()
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
			}
			if raw == nil {
				state = receiverRepairPhase
				continue dispatch
			}

			if _, nerr := chunk.DecodeNack(raw); nerr == nil {
				// The receiver never consumes its own NACKs.
				continue dispatch
			}

			seq, body, ok := chunk.DecodeChunk(raw)
			if !ok || chunk.IsStrayPreamble(seq) || int(seq) >= n {
				continue dispatch
			}

			if _, dup := received[seq]; !dup {
				received[seq] = append([]byte(nil), body...)
				r.emit("chunk", "received chunk", seq)
			}

			if len(received) >= n {
				state = receiverAckPhase
			}

		case receiverRepairPhase:
			if cancel != nil && cancel.Cancelled() {
				r.emit("state", "cancelled during RepairPhase", 0)
				return Result{}, ErrCancelled
			}
			if retriesLeft <= 0 {
				state = receiverExhausted
				continue dispatch
			}

			missing := missingSeqs(received, n)
			r.emit("missing", fmt.Sprintf("requesting retransmission of %d chunk(s)", len(missing)), 0)

			time.Sleep(atadapter.RXSwitchDelay)
			if err := r.radio.Transmit(chunk.EncodeNack(missing), true); err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
			}
			if err := r.radio.ArmReceive(); err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
			}
			retriesLeft--
			state = receiverAccumulate

		default:
			break dispatch
		}
	}

	if state == receiverExhausted {
		r.emit("state", "receiver retry budget exhausted", 0)
		return Result{}, ErrRetryExhausted
	}

	if state == receiverAckPhase {
		time.Sleep(atadapter.RXSwitchDelay)
		if err := r.radio.Transmit(chunk.EncodeNack(nil), true); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
		}
		r.emit("state", "acknowledged, transfer complete", 0)
		state = receiverDone
	}

	payload := chunk.Assemble(received, n, -1)
	return Result{
		Payload: payload,
		Width:   width,
		Height:  height,
		Stats: Stats{
			BytesTransferred: len(payload),
			Segments:         len(received),
			Duration:         time.Since(start),
		},
	}, nil
}

func missingSeqs(received map[uint16][]byte, n int) []uint16 {
	missing := make([]uint16, 0, n-len(received))
	for seq := 0; seq < n; seq++ {
		if _, ok := received[uint16(seq)]; !ok {
			missing = append(missing, uint16(seq))
		}
	}
	return missing
}

func (r *ReceiverFSM) emit(kind, msg string, seq uint16) {
	r.sink.Publish(Event{Kind: kind, Message: msg, Seq: seq, At: time.Now()})
}
