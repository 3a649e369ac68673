package scpi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeInstrument answers queries over a real TCP socket.
func fakeInstrument(t *testing.T, answers map[string]string) (string, func() []string, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var mu sync.Mutex
	received := make([]string, 0)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimRight(line, "\n")
			mu.Lock()
			received = append(received, cmd)
			mu.Unlock()
			if resp, ok := answers[cmd]; ok {
				conn.Write([]byte(resp + "\n"))
			}
		}
	}()

	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), received...)
	}
	return ln.Addr().String(), seen, func() { ln.Close() }
}

func TestClientWriteAndAsk(t *testing.T) {
	addr, received, stop := fakeInstrument(t, map[string]string{
		"FREQ?":      "1000.0",
		"TRCA? 0,4":  "1,2,3,4",
		"HCOP:DATA?": "#14\x89PNG",
	})
	defer stop()

	client := NewClient(addr, time.Second, "\n")
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ctx := context.Background()

	if err := client.Write(ctx, "FREQ 1000"); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := client.Ask(ctx, "FREQ?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if resp != "1000.0" {
		t.Errorf("expected 1000.0, got %q", resp)
	}

	resp, err = client.Ask(ctx, "TRCA? 0,4")
	if err != nil {
		t.Fatalf("ask array: %v", err)
	}
	if resp != "1,2,3,4" {
		t.Errorf("expected array response, got %q", resp)
	}

	resp, err = client.Ask(ctx, "HCOP:DATA?")
	if err != nil {
		t.Fatalf("ask block: %v", err)
	}
	payload, err := ParseBlock([]byte(resp))
	if err != nil {
		t.Fatalf("parse block: %v", err)
	}
	if string(payload) != "\x89PNG" {
		t.Errorf("expected PNG magic, got %q", payload)
	}

	// The block terminator must have been consumed.
	resp, err = client.Ask(ctx, "FREQ?")
	if err != nil || resp != "1000.0" {
		t.Errorf("expected clean response after block, got %q (%v)", resp, err)
	}

	if got := received(); len(got) == 0 || got[0] != "FREQ 1000" {
		t.Errorf("expected first command FREQ 1000, got %v", got)
	}
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient("127.0.0.1:1", 100*time.Millisecond, "")

	err := client.Write(context.Background(), "*RST")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientAskTimeout(t *testing.T) {
	addr, _, stop := fakeInstrument(t, map[string]string{})
	defer stop()

	client := NewClient(addr, 50*time.Millisecond, "\n")
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	_, err := client.Ask(context.Background(), "SILENT?")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Op != "ask" || terr.Command != "SILENT?" {
		t.Errorf("unexpected error fields: %+v", terr)
	}
}

func TestClientRejectsNegativeBlockLength(t *testing.T) {
	addr, _, stop := fakeInstrument(t, map[string]string{
		"CURV?": "#2-1",
	})
	defer stop()

	client := NewClient(addr, time.Second, "\n")
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	_, err := client.Ask(context.Background(), "CURV?")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestSerializeDoesNotDoubleWrap(t *testing.T) {
	client := NewClient("127.0.0.1:1", time.Second, "")
	once := Serialize(client)
	twice := Serialize(once)
	if once != twice {
		t.Error("expected Serialize to be idempotent")
	}
}
