package transfer

import "time"

// Event is one progress notification emitted by either FSM. Every state
// transition and every repair request produces one.
type Event struct {
	Kind    string
	Message string
	Seq     uint16 // meaningful for Kind == "chunk"; "missing" events carry 0
	At      time.Time
}

// ProgressSink receives Events. Publish must not block the FSM for long;
// implementations that need to do slow work (network telemetry, disk)
// should buffer or hand off internally.
type ProgressSink interface {
	Publish(Event)
}

// noopSink discards every event. It is the default when a caller passes
// a nil sink.
type noopSink struct{}

func (noopSink) Publish(Event) {}

func sinkOrNoop(s ProgressSink) ProgressSink {
	if s == nil {
		return noopSink{}
	}
	return s
}

// ChannelSink publishes events to a buffered channel, giving the
// collaborator a one-producer/one-consumer stream to drain.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer depth.
// Publish drops the event rather than blocking if the channel is full,
// so a slow consumer never stalls the transfer.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns the receive-only channel of published events.
func (c *ChannelSink) Events() <-chan Event {
	return c.ch
}

// Publish implements ProgressSink.
func (c *ChannelSink) Publish(e Event) {
	select {
	case c.ch <- e:
	default:
	}
}

// Close closes the underlying channel. Callers must stop publishing
// before calling Close.
func (c *ChannelSink) Close() {
	close(c.ch)
}
