package scpi

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotConnected = errors.New("not connected")

// Transport sends commands to an instrument. Implementations must complete a
// request (write and, for Ask, the full response) before returning.
type Transport interface {
	Write(ctx context.Context, command string) error
	Ask(ctx context.Context, command string) (string, error)
}

// TransportError reports an I/O failure for one command.
type TransportError struct {
	Op      string // write, ask
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Serialize wraps t so that at most one request is in flight at a time.
// Sessions running concurrently share the returned transport.
func Serialize(t Transport) Transport {
	if s, ok := t.(*serialized); ok {
		return s
	}
	return &serialized{next: t}
}

type serialized struct {
	mu   sync.Mutex
	next Transport
}

func (s *serialized) Write(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Write(ctx, command)
}

func (s *serialized) Ask(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Ask(ctx, command)
}

// Unwrap returns the wrapped transport.
func (s *serialized) Unwrap() Transport {
	return s.next
}
