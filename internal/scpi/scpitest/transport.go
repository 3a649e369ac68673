// Package scpitest provides a scripted in-memory transport for tests.
package scpitest

import (
	"context"
	"fmt"
	"sync"
)

// Handler answers one query. Returning an error simulates an I/O failure.
type Handler func(command string) (string, error)

// Transport records every command and answers queries from handlers keyed
// by exact command text.
type Transport struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	fallback  Handler
	writeErrs map[string]error
	log       []string
	inFlight  int
	overlaps  int
}

func New() *Transport {
	return &Transport{
		handlers:  make(map[string]Handler),
		writeErrs: make(map[string]error),
	}
}

// Reply answers command with a fixed response.
func (t *Transport) Reply(command, response string) *Transport {
	return t.Handle(command, func(string) (string, error) { return response, nil })
}

// Sequence answers command with responses in order, repeating the last one.
func (t *Transport) Sequence(command string, responses ...string) *Transport {
	var mu sync.Mutex
	i := 0
	return t.Handle(command, func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return r, nil
	})
}

func (t *Transport) Handle(command string, h Handler) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[command] = h
	return t
}

// Fallback answers any query without a dedicated handler.
func (t *Transport) Fallback(h Handler) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = h
	return t
}

// FailWrite makes writes of command fail with err.
func (t *Transport) FailWrite(command string, err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErrs[command] = err
	return t
}

func (t *Transport) Write(ctx context.Context, command string) error {
	t.enter("W " + command)
	defer t.leave()

	t.mu.Lock()
	err := t.writeErrs[command]
	t.mu.Unlock()
	return err
}

func (t *Transport) Ask(ctx context.Context, command string) (string, error) {
	t.enter("Q " + command)
	defer t.leave()

	t.mu.Lock()
	h, ok := t.handlers[command]
	if !ok {
		h = t.fallback
	}
	t.mu.Unlock()

	if h == nil {
		return "", fmt.Errorf("unexpected query %q", command)
	}
	return h(command)
}

func (t *Transport) enter(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight++
	if t.inFlight > 1 {
		t.overlaps++
	}
	t.log = append(t.log, entry)
}

func (t *Transport) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight--
}

// Log returns the commands seen so far, prefixed "W " for writes and "Q "
// for queries.
func (t *Transport) Log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.log))
	copy(out, t.log)
	return out
}

// Writes returns only the written commands, without prefix.
func (t *Transport) Writes() []string {
	var out []string
	for _, e := range t.Log() {
		if e[:2] == "W " {
			out = append(out, e[2:])
		}
	}
	return out
}

// Count returns how many times entry ("W cmd" or "Q cmd") was seen.
func (t *Transport) Count(entry string) int {
	n := 0
	for _, e := range t.Log() {
		if e == entry {
			n++
		}
	}
	return n
}

// Overlaps reports how many requests started while another was in flight.
func (t *Transport) Overlaps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlaps
}
