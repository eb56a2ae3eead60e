package transfer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/aelmosalamy/lora-image-link/pkg/chunk"
)

// queueRadio is a fake radio whose PollReceive answers are scripted and
// whose Transmit calls are recorded, used to drive the receiver FSM
// through a fixed sequence of incoming frames.
type queueRadio struct {
	sent     [][]byte
	incoming [][]byte
	incomeAt int
	armCount int
}

func (r *queueRadio) Transmit(frame []byte, waitDone bool) error {
	r.sent = append(r.sent, append([]byte(nil), frame...))
	return nil
}

func (r *queueRadio) ArmReceive() error {
	r.armCount++
	return nil
}

func (r *queueRadio) PollReceive() ([]byte, error) {
	if r.incomeAt >= len(r.incoming) {
		return nil, nil
	}
	f := r.incoming[r.incomeAt]
	r.incomeAt++
	return f, nil
}

func (r *queueRadio) SetReadTimeout(time.Duration) error { return nil }

func buildFrames(payload []byte, width, height uint32) (header []byte, bodies [][]byte) {
	plan, err := chunk.Split(payload, width, height)
	if err != nil {
		panic(err)
	}
	header = chunk.EncodeFirst(plan.Body(0), width, height, plan.TotalBodyBytes)
	for seq := 1; seq < plan.N; seq++ {
		bodies = append(bodies, chunk.Encode(uint16(seq), plan.Body(seq)))
	}
	return header, bodies
}

func TestReceiverLosslessRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x41}, 550) // N = 3
	header, bodies := buildFrames(payload, 10, 55)

	radio := &queueRadio{incoming: append([][]byte{header}, bodies...)}
	r := NewReceiverFSM(radio)

	result, err := r.Receive(nil)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(result.Payload, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(result.Payload), len(payload))
	}
	if result.Width != 10 || result.Height != 55 {
		t.Fatalf("got (%d,%d), want (10,55)", result.Width, result.Height)
	}

	// Final frame transmitted must be the positive ACK (empty MISS).
	last := radio.sent[len(radio.sent)-1]
	nack, err := chunk.DecodeNack(last)
	if err != nil || !nack.IsAck() {
		t.Fatalf("expected a final ACK frame, got err=%v nack=%+v", err, nack)
	}
}

func TestReceiverRequestsMissingChunkOnTimeout(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 600) // N = 3, seqs 1,2 needed
	header, bodies := buildFrames(payload, 0, 0)

	// Deliver the header and chunk 2 only; chunk 1 never arrives until
	// after a repair round is requested.
	radio := &queueRadio{incoming: [][]byte{header, bodies[1], nil, bodies[0]}}
	r := NewReceiverFSM(radio)

	result, err := r.Receive(nil)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(result.Payload, payload) {
		t.Fatalf("payload mismatch after repair round")
	}

	// Somewhere in the transmitted frames there must be a MISS request
	// naming chunk 1.
	foundRequest := false
	for _, f := range radio.sent {
		nack, err := chunk.DecodeNack(f)
		if err != nil || nack.IsAck() {
			continue
		}
		for _, seq := range nack.Missing {
			if seq == 1 {
				foundRequest = true
			}
		}
	}
	if !foundRequest {
		t.Fatalf("expected a MISS frame requesting chunk 1")
	}
}

func TestReceiverIgnoresStrayPreambleMidStream(t *testing.T) {
	payload := bytes.Repeat([]byte{0x43}, 400) // N = 2
	header, bodies := buildFrames(payload, 0, 0)

	strayFrame := chunk.Encode(0x4C4F, []byte("unrelated"))
	radio := &queueRadio{incoming: [][]byte{header, strayFrame, bodies[0]}}
	r := NewReceiverFSM(radio)

	result, err := r.Receive(nil)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(result.Payload, payload) {
		t.Fatalf("payload mismatch: stray preamble frame should have been dropped silently")
	}
}

func TestReceiverCancelDuringSyncHunt(t *testing.T) {
	radio := &queueRadio{}
	r := NewReceiverFSM(radio)
	cancel := &CancelFlag{}
	cancel.Cancel()

	_, err := r.Receive(cancel)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
}

func TestReceiverCancelDuringAccumulate(t *testing.T) {
	payload := bytes.Repeat([]byte{0x44}, 1000) // N = 5
	header, _ := buildFrames(payload, 0, 0)

	radio := &queueRadio{incoming: [][]byte{header}}
	r := NewReceiverFSM(radio)
	cancel := &CancelFlag{}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel.Cancel()
	}()

	_, err := r.Receive(cancel)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
}

func TestReceiverRetryExhaustion(t *testing.T) {
	payload := bytes.Repeat([]byte{0x45}, 1000) // N = 5
	header, _ := buildFrames(payload, 0, 0)

	// Nothing but the header ever arrives: every Accumulate poll times
	// out, driving RepairPhase until the retry budget is spent.
	radio := &queueRadio{incoming: [][]byte{header}}
	r := NewReceiverFSM(radio)

	_, err := r.Receive(nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("got %v, want ErrRetryExhausted", err)
	}
	if radio.armCount == 0 {
		t.Fatalf("expected ArmReceive to have been called during repair rounds")
	}
}

func TestReceiverDropsBadPreambleDuringSyncHunt(t *testing.T) {
	payload := bytes.Repeat([]byte{0x46}, 200) // N = 1
	header, _ := buildFrames(payload, 1, 1)

	junk := append([]byte("JUNK"), make([]byte, 20)...)
	radio := &queueRadio{incoming: [][]byte{junk, header}}
	r := NewReceiverFSM(radio)

	result, err := r.Receive(nil)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(result.Payload, payload) {
		t.Fatalf("payload mismatch after a dropped junk frame")
	}
}

func TestReceiverDoesNotDoubleCountDuplicateChunk(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47}, 600) // N = 3
	header, bodies := buildFrames(payload, 0, 0)

	// Chunk 1 delivered twice before chunk 2 ever arrives.
	radio := &queueRadio{incoming: [][]byte{header, bodies[0], bodies[0], bodies[1]}}
	r := NewReceiverFSM(radio)

	result, err := r.Receive(nil)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(result.Payload, payload) {
		t.Fatalf("payload mismatch: duplicate chunk must not corrupt the reassembled payload")
	}
	if result.Stats.Segments != 3 {
		t.Fatalf("Segments = %d, want 3", result.Stats.Segments)
	}
}
