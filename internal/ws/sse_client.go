package ws

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// ErrStreamClosed is returned by writes after the stream ended.
var ErrStreamClosed = io.EOF

// SSEClient is a Subscriber writing Server-Sent Events frames. Multi-line
// payloads are split into one data field per line.
type SSEClient struct {
	mu   sync.Mutex
	w    io.Writer
	f    http.Flusher
	log  *slog.Logger
	done bool
}

// NewSSEClient wraps a response writer that has already sent its headers.
func NewSSEClient(w io.Writer, f http.Flusher, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{w: w, f: f, log: logger}
}

// Send writes one event.
func (c *SSEClient) Send(payload []byte) error {
	var frame bytes.Buffer
	for _, line := range bytes.Split(payload, []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(line)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return c.emit(frame.Bytes())
}

// Heartbeat writes a comment so proxies keep the connection open.
func (c *SSEClient) Heartbeat() error {
	return c.emit([]byte(": ping\n\n"))
}

func (c *SSEClient) emit(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrStreamClosed
	}
	if _, err := c.w.Write(frame); err != nil {
		c.done = true
		if !errors.Is(err, http.ErrHandlerTimeout) {
			c.log.Warn("event stream write failed", "transport", "sse", "error", err)
		}
		return err
	}
	c.f.Flush()
	return nil
}

// Close stops further writes. The HTTP handler owns the connection.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}
