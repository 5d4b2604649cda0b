// Package serialmux shares one line-oriented serial instrument between the
// controller and any number of traffic subscribers. Commands and queries are
// serialized on the port; every line sent or received is echoed to
// subscribers so the debug console can tail the conversation.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrNoResponse  = errors.New("no response from serial port")
	ErrClosed      = errors.New("serial mux closed")
)

const (
	// DefaultTerminator ends every command written to the port.
	DefaultTerminator = "\r"
	// DefaultResponseTimeout bounds a query whose context has no deadline.
	DefaultResponseTimeout = 2 * time.Second
	// DefaultPollInterval is the read timeout set on ports that support one
	// and the back-off between empty reads.
	DefaultPollInterval = 10 * time.Millisecond
)

// SerialMux is a command/response multiplexer over a single serial port.
type SerialMux[T SerialPorter] struct {
	port T

	terminator      string
	responseTimeout time.Duration
	pollInterval    time.Duration

	commandMu sync.Mutex
	pending   []byte

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closing      bool
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel receiving a copy of every line sent
	// ("> " prefix) or received ("< " prefix). The channel ID is used when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes a command that produces no response.
	SendCommand(string) error
	// Query writes a command and returns the next non-empty response line.
	Query(context.Context, string) (string, error)
	// Close closes all subscribed channels and closes the serial port.
	Close() error
}

// NewSerialMux wraps port. Ports implementing TimeoutSerialPorter get a short
// read timeout so queries can observe their deadline.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	s := &SerialMux[T]{
		port:            port,
		terminator:      DefaultTerminator,
		responseTimeout: DefaultResponseTimeout,
		pollInterval:    DefaultPollInterval,
		subscribers:     make(map[string]chan string),
	}
	if tp, ok := any(port).(TimeoutSerialPorter); ok {
		_ = tp.SetReadTimeout(s.pollInterval)
	}
	return s
}

// SetTerminator changes the line terminator appended to commands.
func (s *SerialMux[T]) SetTerminator(term string) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	s.terminator = term
}

// SetResponseTimeout changes the timeout applied to queries whose context
// carries no deadline.
func (s *SerialMux[T]) SetResponseTimeout(d time.Duration) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if d > 0 {
		s.responseTimeout = d
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 64)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so as not to block the port
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.closing
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.write(command)
}

// write must be called with commandMu held.
func (s *SerialMux[T]) write(command string) error {
	if s.isClosing() {
		return ErrClosed
	}
	command = strings.TrimRight(command, "\r\n")
	out := command + s.terminator
	n, err := s.port.Write([]byte(out))
	if err != nil {
		return err
	}
	if n != len(out) {
		return ErrWriteFailed
	}
	s.publish("> " + command)
	return nil
}

// Query sends command and waits for one response line. Unread input from an
// earlier exchange is discarded first so a late reply cannot be mistaken for
// this one.
func (s *SerialMux[T]) Query(ctx context.Context, command string) (string, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.responseTimeout)
		defer cancel()
	}

	s.pending = s.pending[:0]
	if err := s.write(command); err != nil {
		return "", err
	}
	line, err := s.readLine(ctx)
	if err != nil {
		return "", fmt.Errorf("query %q: %w", command, err)
	}
	s.publish("< " + line)
	return line, nil
}

// readLine returns the next non-empty line. Reads returning no data, with or
// without io.EOF, are retried after the poll interval until ctx is done.
func (s *SerialMux[T]) readLine(ctx context.Context) (string, error) {
	buf := make([]byte, 256)
	for {
		for {
			i := bytes.IndexAny(s.pending, "\r\n")
			if i < 0 {
				break
			}
			line := strings.TrimSpace(string(s.pending[:i]))
			s.pending = s.pending[i+1:]
			if line != "" {
				return line, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoResponse, err)
		}
		if s.isClosing() {
			return "", ErrClosed
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			s.pending = append(s.pending, buf[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.subscriberMu.Lock()
	s.closing = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}
