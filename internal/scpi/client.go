package scpi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Client is a SCPI-over-TCP (raw socket) connection.
type Client struct {
	address    string
	conn       net.Conn
	reader     *bufio.Reader
	mu         sync.Mutex
	timeout    time.Duration
	terminator string
	connected  bool
}

func NewClient(address string, timeout time.Duration, terminator string) *Client {
	if terminator == "" {
		terminator = "\n"
	}
	return &Client{
		address:    address,
		timeout:    timeout,
		terminator: terminator,
	}
}

// Connect opens the TCP connection
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected = true

	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil
	c.reader = nil

	return err
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Address() string {
	return c.address
}

// Write sends a command that produces no response.
func (c *Client) Write(ctx context.Context, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, command); err != nil {
		return &TransportError{Op: "write", Command: command, Err: err}
	}
	return nil
}

// Ask sends a query and reads one complete response. IEEE 488.2 definite
// length blocks are returned verbatim including their header.
func (c *Client) Ask(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, command); err != nil {
		return "", &TransportError{Op: "ask", Command: command, Err: err}
	}

	resp, err := c.readResponse()
	if err != nil {
		return "", &TransportError{Op: "ask", Command: command, Err: err}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, command string) error {
	if !c.connected {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := io.WriteString(c.conn, command+c.terminator); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (c *Client) readResponse() (string, error) {
	first, err := c.reader.Peek(1)
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}

	if first[0] != '#' {
		line, err := c.reader.ReadString(c.terminator[len(c.terminator)-1])
		if err != nil {
			return "", fmt.Errorf("read failed: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	// Definite length block: #<n><length digits><payload>
	header := make([]byte, 2)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return "", fmt.Errorf("read block header failed: %w", err)
	}
	digits := int(header[1] - '0')
	if digits < 1 || digits > 9 {
		return "", fmt.Errorf("unsupported block header %q", header)
	}
	lengthField := make([]byte, digits)
	if _, err := io.ReadFull(c.reader, lengthField); err != nil {
		return "", fmt.Errorf("read block length failed: %w", err)
	}
	length, err := blockLength(lengthField)
	if err != nil {
		return "", err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return "", fmt.Errorf("read block payload failed: %w", err)
	}
	// Consume the trailing terminator so the next response starts clean.
	if _, err := c.reader.ReadString(c.terminator[len(c.terminator)-1]); err != nil && err != io.EOF {
		return "", fmt.Errorf("read block terminator failed: %w", err)
	}

	return string(header) + string(lengthField) + string(payload), nil
}
