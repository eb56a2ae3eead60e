package transfer

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/aelmosalamy/lora-image-link/pkg/atadapter"
	"github.com/aelmosalamy/lora-image-link/pkg/chunk"
)

// radio is the subset of *atadapter.Adapter the FSMs depend on, kept
// narrow so tests can substitute a fake that doesn't touch real serial
// I/O.
type radio interface {
	Transmit(frame []byte, waitDone bool) error
	ArmReceive() error
	PollReceive() ([]byte, error)
	SetReadTimeout(time.Duration) error
}

var _ radio = (*atadapter.Adapter)(nil)

// senderState is one of the SenderFSM's states.
type senderState int

const (
	senderIdle senderState = iota
	senderBurst
	senderAwaitRepair
	senderComplete
	senderCancelled
	senderExhausted
)

// SenderFSM drives the transmit-then-repair loop: Burst, then
// AwaitRepair until the receiver ACKs, cancels, or the retry budget is
// spent.
type SenderFSM struct {
	radio radio
	sink  ProgressSink

	lossProb float64
	rng      *rand.Rand
}

// SenderOption configures optional SenderFSM behavior.
type SenderOption func(*SenderFSM)

// WithLossSimulation enables a diagnostic packet-drop hook for exercising
// the repair path without real radio loss. It is never applied to chunk
// 0 and must be opted into explicitly — the wire protocol is unaffected,
// only which chunks actually get sent.
func WithLossSimulation(p float64, rng *rand.Rand) SenderOption {
	return func(s *SenderFSM) {
		s.lossProb = p
		s.rng = rng
	}
}

// WithProgressSink attaches a sink to receive state-transition and
// repair-request events.
func WithProgressSink(sink ProgressSink) SenderOption {
	return func(s *SenderFSM) {
		s.sink = sinkOrNoop(sink)
	}
}

// NewSenderFSM constructs a SenderFSM driving r.
func NewSenderFSM(r radio, opts ...SenderOption) *SenderFSM {
	s := &SenderFSM{radio: r, sink: noopSink{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transmit runs one full transfer session: Idle -> Burst -> AwaitRepair
// -> {Complete, Cancelled, Exhausted}.
func (s *SenderFSM) Transmit(payload []byte, width, height uint32, cancel *CancelFlag) (Stats, error) {
	start := time.Now()

	plan, err := chunk.Split(payload, width, height)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}
	if plan.N == 0 {
		return Stats{}, fmt.Errorf("%w: empty payload", ErrPayloadTooLarge)
	}

	s.emit("state", "entering Burst", 0)
	state := senderBurst
	retriesLeft := MaxRetries

burstLoop:
	for seq := 0; seq < plan.N; seq++ {
		if cancel != nil && cancel.Cancelled() {
			state = senderCancelled
			break burstLoop
		}

		body := plan.Body(seq)
		if seq == 0 {
			frame := chunk.EncodeFirst(body, width, height, plan.TotalBodyBytes)
			for i := 0; i < headerRedundancy; i++ {
				if err := s.radio.Transmit(frame, true); err != nil {
					return Stats{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
				}
			}
			s.emit("chunk", "sent header chunk (x3)", 0)
			continue
		}

		if s.shouldSimulateLoss() {
			continue
		}

		frame := chunk.Encode(uint16(seq), body)
		if err := s.radio.Transmit(frame, true); err != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
		}
		s.emit("chunk", "sent chunk", uint16(seq))
	}

	if state == senderCancelled {
		s.emit("state", "cancelled during Burst", 0)
		return Stats{}, ErrCancelled
	}

	s.emit("state", "Burst complete, entering AwaitRepair", 0)
	state = senderAwaitRepair
	if err := s.radio.SetReadTimeout(RetransmissionTimeout / 2); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
	}

	for state == senderAwaitRepair {
		if cancel != nil && cancel.Cancelled() {
			state = senderCancelled
			break
		}

		if err := s.radio.ArmReceive(); err != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
		}

		raw, err := s.radio.PollReceive()
		if err != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
		}

		nack, nerr := chunk.DecodeNack(raw)
		if nerr != nil {
			// Empty poll or a non-MISS line: just a tick. Exhaustion is
			// only evaluated once we've actually heard from the
			// receiver and it still reports missing chunks, so keep
			// waiting unless retries are already spent.
			if retriesLeft <= 0 {
				state = senderExhausted
				break
			}
			continue
		}

		if nack.IsAck() {
			state = senderComplete
			break
		}

		if retriesLeft <= 0 {
			state = senderExhausted
			break
		}

		s.emit("missing", fmt.Sprintf("receiver reports %d missing chunk(s)", len(nack.Missing)), 0)
		time.Sleep(atadapter.RXSwitchDelay)

		for _, seq := range nack.Missing {
			body := plan.Body(int(seq))
			frame := chunk.Encode(seq, body)
			if err := s.radio.Transmit(frame, true); err != nil {
				return Stats{}, fmt.Errorf("%w: %v", ErrLinkIO, err)
			}
			s.emit("chunk", "resent chunk", seq)
		}
		retriesLeft--
	}

	switch state {
	case senderCancelled:
		s.emit("state", "cancelled during AwaitRepair", 0)
		return Stats{}, ErrCancelled
	case senderExhausted:
		s.emit("state", "retry budget exhausted", 0)
		return Stats{}, ErrRetryExhausted
	default:
		s.emit("state", "transfer complete", 0)
		return Stats{
			BytesTransferred: len(payload),
			Segments:         plan.N,
			Duration:         time.Since(start),
		}, nil
	}
}

func (s *SenderFSM) shouldSimulateLoss() bool {
	if s.lossProb <= 0 || s.rng == nil {
		return false
	}
	return s.rng.Float64() < s.lossProb
}

func (s *SenderFSM) emit(kind, msg string, seq uint16) {
	s.sink.Publish(Event{Kind: kind, Message: msg, Seq: seq, At: time.Now()})
}
