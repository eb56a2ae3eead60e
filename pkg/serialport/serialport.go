// Package serialport provides a byte-oriented duplex channel to a radio
// transceiver with a configurable read timeout.
package serialport

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrUnavailable is returned by Open when the device node does not exist.
var ErrUnavailable = errors.New("serialport: device unavailable")

// DefaultBaud matches the radio's factory UART speed (AT+UART=BR, 230400).
const DefaultBaud = 230400

// DefaultReadTimeout is the initial, cancellation-responsive read timeout.
const DefaultReadTimeout = 1 * time.Second

// Link is a scoped, single-owner serial port. It is not safe for
// concurrent use from multiple goroutines — a transfer session owns it
// exclusively for its lifetime.
type Link struct {
	mu      sync.Mutex
	port    serial.Port
	name    string
	timeout time.Duration
}

// Open opens the named device at baud/8N1 with DefaultReadTimeout.
func Open(name string, baud int) (*Link, error) {
	if _, err := os.Stat(name); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}

	l := &Link{port: port, name: name, timeout: DefaultReadTimeout}
	if err := port.SetReadTimeout(l.timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialport: set initial read timeout: %w", err)
	}
	return l, nil
}

// SetReadTimeout changes the read timeout used by subsequent ReadUntil calls.
// Callers elevate this during the repair phase of a transfer.
func (l *Link) SetReadTimeout(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.port.SetReadTimeout(d); err != nil {
		return fmt.Errorf("serialport: set read timeout: %w", err)
	}
	l.timeout = d
	return nil
}

// WriteAll writes every byte of data, returning a wrapped I/O error on
// short writes or failures.
func (l *Link) WriteAll(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	written := 0
	for written < len(data) {
		n, err := l.port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("serialport: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("serialport: write: no progress")
		}
		written += n
	}
	return nil
}

// ReadUntil reads until delim is seen at the end of the accumulated
// bytes, maxBytes is reached, or the configured read timeout expires —
// in which case it returns whatever was accumulated so far (possibly
// empty), with no error. A genuine I/O error is returned wrapped.
func (l *Link) ReadUntil(delim []byte, maxBytes int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, 0, 128)
	one := make([]byte, 1)

	for len(buf) < maxBytes {
		n, err := l.port.Read(one)
		if err != nil {
			return buf, fmt.Errorf("serialport: read: %w", err)
		}
		if n == 0 {
			// Timeout: the port returns with no bytes and no error.
			return buf, nil
		}

		buf = append(buf, one[0])
		if hasSuffix(buf, delim) {
			return buf, nil
		}
	}
	return buf, nil
}

func hasSuffix(buf, delim []byte) bool {
	if len(delim) == 0 || len(buf) < len(delim) {
		return false
	}
	tail := buf[len(buf)-len(delim):]
	for i := range delim {
		if tail[i] != delim[i] {
			return false
		}
	}
	return true
}

// Close releases the port. Safe to call multiple times.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}
