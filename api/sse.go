package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"ootd-notify/delivery"
)

var errStreamClosed = errors.New("stream closed")

// sseConn adapts one open event-stream response into a delivery target.
// Pushes from the fan-out path and from the handler goroutine share the
// response writer, so every write is serialized behind the mutex.
type sseConn struct {
	mu      sync.Mutex
	resp    *echo.Response
	flusher http.Flusher

	done      chan struct{}
	closeOnce sync.Once
}

func newSSEConn(resp *echo.Response, flusher http.Flusher) *sseConn {
	return &sseConn{resp: resp, flusher: flusher, done: make(chan struct{})}
}

// Push writes one id/event/data frame and flushes it to the client.
func (c *sseConn) Push(f delivery.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return errStreamClosed
	default:
	}

	if f.ID != "" {
		if err := c.write("id: " + f.ID + "\n"); err != nil {
			return err
		}
	}
	if f.Event != "" {
		if err := c.write("event: " + f.Event + "\n"); err != nil {
			return err
		}
	}
	if err := c.write("data: "); err != nil {
		return err
	}
	if _, err := c.resp.Write(f.Data); err != nil {
		return err
	}
	if err := c.write("\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) write(s string) error {
	_, err := c.resp.Write([]byte(s))
	return err
}

// Close marks the connection dead; the handler goroutine observes Done and
// finishes the request.
func (c *sseConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *sseConn) Done() <-chan struct{} {
	return c.done
}
