package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/star/skywatch/internal/metrics"
)

// writeTimeout bounds each write on a long-lived connection.
const writeTimeout = 30 * time.Second

// client manages a single SSE connection's write operations.
type client struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	rc        *http.ResponseController
	bandwidth *rate.Limiter // nil means unlimited
	ip        string
	logger    *slog.Logger

	messagesSent int64
	bytesSent    int64
}

// sendJSON marshals v as JSON and sends it as an SSE "data:" message.
func (c *client) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return c.sendRaw(ctx, data)
}

// sendRaw sends pre-encoded JSON as "data: {json}\n\n", waiting for the
// per-stream bandwidth budget first.
func (c *client) sendRaw(ctx context.Context, data []byte) error {
	size := len(data) + len("data: \n\n")
	if err := c.throttle(ctx, size); err != nil {
		return err
	}

	// Extend write deadline before each write to prevent timeout on long-lived connections.
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}

	n, err := fmt.Fprintf(c.w, "data: %s\n\n", data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	c.flusher.Flush()
	c.messagesSent++
	c.bytesSent += int64(n)
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(n))

	return nil
}

// sendKeepalive sends an SSE comment line to keep the connection alive.
func (c *client) sendKeepalive() error {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}

	n, err := fmt.Fprint(c.w, ":\n\n")
	if err != nil {
		return fmt.Errorf("keepalive write: %w", err)
	}

	c.flusher.Flush()
	c.bytesSent += int64(n)
	metrics.AddStreamBytes(int64(n))

	return nil
}

func (c *client) throttle(ctx context.Context, n int) error {
	if c.bandwidth == nil {
		return nil
	}
	if burst := c.bandwidth.Burst(); n > burst {
		n = burst
	}
	if err := c.bandwidth.WaitN(ctx, n); err != nil {
		return fmt.Errorf("bandwidth limit: %w", err)
	}
	return nil
}
