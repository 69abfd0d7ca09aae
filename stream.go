// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import (
	"context"
	"sync"
)

// BufferedConn is the buffered reader/writer adapter of spec.md §4.5's
// second paragraph: a Handler that queues DataReceived payloads onto a
// bounded channel and exposes a blocking Recv plus Send/Close, which hand
// off to the StreamEndpoint and return without waiting, instead of the
// callback persona. It is the one place data crosses from the Loop
// goroutine to arbitrary reader goroutines (spec.md §5).
//
// Recv's blocking-with-timeout behaviour is expressed with context.Context
// rather than a bare time.Duration, the idiomatic Go shape for the same
// "synchronous callers" use case spec.md §4.5 describes.
type BufferedConn struct {
	BaseHandler

	recvCh chan []byte
	endp   StreamEndpoint

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewBufferedConnFactory returns a HandlerFactory that produces one
// BufferedConn per opened connection, each with a receive queue of
// capacity bufSize.
func NewBufferedConnFactory(bufSize int) HandlerFactory {
	if bufSize <= 0 {
		bufSize = 1
	}
	return func() Handler {
		return &BufferedConn{
			recvCh: make(chan []byte, bufSize),
			closed: make(chan struct{}),
		}
	}
}

// ConnectionMade records the StreamEndpoint Send marshals writes through.
func (c *BufferedConn) ConnectionMade(ep StreamEndpoint) {
	c.endp = ep
}

// DataReceived enqueues payload for a pending or future Recv call. If the
// queue is full (a slow or absent reader), the oldest queued payload is
// dropped in favor of the new one so the Loop goroutine that calls
// DataReceived never blocks.
func (c *BufferedConn) DataReceived(payload []byte) {
	select {
	case c.recvCh <- payload:
		return
	default:
	}
	select {
	case <-c.recvCh:
	default:
	}
	select {
	case c.recvCh <- payload:
	default:
	}
}

// ConnectionLost records err (nil on orderly close) and unblocks every
// pending Recv.
func (c *BufferedConn) ConnectionLost(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// Recv returns the next whole reassembled payload, blocking until one
// arrives, the connection is lost, or ctx is done. Pass a context with a
// deadline for the timeout behaviour spec.md §4.5 describes.
func (c *BufferedConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.recvCh:
		return payload, nil
	default:
	}
	select {
	case payload := <-c.recvCh:
		return payload, nil
	case <-c.closed:
		select {
		case payload := <-c.recvCh:
			return payload, nil
		default:
		}
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, ErrClosing
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send marshals payload onto the engine's scheduler for transmission.
func (c *BufferedConn) Send(payload []byte) error {
	return c.endp.Write(payload)
}

// Close begins an orderly shutdown of the underlying StreamEndpoint.
func (c *BufferedConn) Close() error {
	return c.endp.Close()
}
