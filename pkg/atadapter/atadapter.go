// Package atadapter translates between protocol-level frames and the
// radio's textual AT command shell. It does not interpret payload
// semantics — that is the job of package chunk and package transfer.
package atadapter

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// RXSwitchDelay is the half-duplex guard interval: after issuing an
// outbound frame, a peer must wait this long before it can expect the
// other side's radio to have switched back to RX.
const RXSwitchDelay = 500 * time.Millisecond

// ErrConfigRejected is returned by Configure when the radio responds
// with an ERROR line to a configuration command.
var ErrConfigRejected = errors.New("atadapter: configuration rejected")

// rxLine matches one or more `RX "<hex>"` captures on a single response
// line, tolerating multiple occurrences the way the radio sometimes
// concatenates them.
var rxLine = regexp.MustCompile(`RX "([0-9A-Fa-f]+)"`)

// link is the subset of serialport.Link the adapter needs, kept narrow
// so tests can substitute an in-memory fake.
type link interface {
	WriteAll([]byte) error
	ReadUntil(delim []byte, maxBytes int) ([]byte, error)
	SetReadTimeout(time.Duration) error
}

// Adapter drives one half-duplex AT shell over a link.
type Adapter struct {
	link link
}

// New wraps link with AT command framing.
func New(l link) *Adapter {
	return &Adapter{link: l}
}

// Configure writes script line by line, reading one response line per
// command. Any response containing "ERROR" is fatal and aborts with
// ErrConfigRejected, surfacing the offending line.
func (a *Adapter) Configure(script []string) error {
	for _, line := range script {
		if err := a.link.WriteAll([]byte(line + "\n")); err != nil {
			return fmt.Errorf("atadapter: configure write %q: %w", line, err)
		}
		resp, err := a.link.ReadUntil([]byte("\r\n"), 256)
		if err != nil {
			return fmt.Errorf("atadapter: configure read after %q: %w", line, err)
		}
		if containsError(resp) {
			return fmt.Errorf("%w: %q -> %q", ErrConfigRejected, line, resp)
		}
	}
	return nil
}

func containsError(line []byte) bool {
	const needle = "ERROR"
	if len(line) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(line); i++ {
		if string(line[i:i+len(needle)]) == needle {
			return true
		}
	}
	return false
}

// ArmReceive puts the radio into receive mode. The caller must still
// observe RXSwitchDelay before expecting the peer to see inbound
// traffic — that guard time is the FSM's responsibility, not the
// adapter's: the turnaround is a protocol-level property, not hidden
// plumbing.
func (a *Adapter) ArmReceive() error {
	if err := a.link.WriteAll([]byte("AT+TEST=RXLRPKT\n")); err != nil {
		return fmt.Errorf("atadapter: arm receive: %w", err)
	}
	return nil
}

// Transmit sends frame as a hex-encoded TXLRPKT command. When waitDone
// is true it blocks (bounded by the link's current read timeout) until
// "TX DONE" is observed.
func (a *Adapter) Transmit(frame []byte, waitDone bool) error {
	cmd := fmt.Sprintf(`AT+TEST=TXLRPKT, "%s"`+"\n", hex.EncodeToString(frame))
	if err := a.link.WriteAll([]byte(cmd)); err != nil {
		return fmt.Errorf("atadapter: transmit write: %w", err)
	}
	if !waitDone {
		return nil
	}
	if _, err := a.link.ReadUntil([]byte("TX DONE\r\n"), 256); err != nil {
		return fmt.Errorf("atadapter: wait TX DONE: %w", err)
	}
	return nil
}

// PollReceive reads one line from the link. If it contains one or more
// `RX "<hex>"` captures, they are concatenated and hex-decoded and
// returned. Otherwise PollReceive returns a nil slice with no error —
// this covers both an empty (timed-out) read and a line that isn't an
// RX notification.
func (a *Adapter) PollReceive() ([]byte, error) {
	line, err := a.link.ReadUntil([]byte("\r\n"), 512)
	if err != nil {
		return nil, fmt.Errorf("atadapter: poll receive: %w", err)
	}
	matches := rxLine.FindAllStringSubmatch(string(line), -1)
	if matches == nil {
		return nil, nil
	}
	var hexPayload string
	for _, m := range matches {
		hexPayload += m[1]
	}
	decoded, err := hex.DecodeString(hexPayload)
	if err != nil {
		// Malformed hex from the radio is treated like an empty poll —
		// the caller's FSM will simply see nothing usable this round.
		return nil, nil
	}
	return decoded, nil
}

// SetReadTimeout forwards to the underlying link, used by the FSMs to
// switch between the initial and elevated timeout regimes.
func (a *Adapter) SetReadTimeout(d time.Duration) error {
	return a.link.SetReadTimeout(d)
}
