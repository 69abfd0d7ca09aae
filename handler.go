// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

// StreamEndpoint is the byte-oriented duplex channel a connection presents
// upstream. Both the engine-backed Endpoint and the isotpserver text-framing
// adapter implement it, so callers can switch Options.Interface without
// changing how they talk to a connection.
type StreamEndpoint interface {
	// Write accepts a whole payload for transmission. It is non-blocking:
	// it enqueues the payload and returns immediately; completion and
	// backpressure are reported to the Handler via PauseWriting,
	// ResumeWriting, and (on failure) SendFailed.
	Write(payload []byte) error

	// Close begins an orderly shutdown: no further Write calls are
	// accepted, the send queue drains if possible, and ConnectionLost(nil)
	// fires exactly once when done.
	Close() error
}

// Handler receives events from one connection's StreamEndpoint. A Handler
// is obtained from a HandlerFactory when a connection is opened.
//
// ConnectionMade is called first with the StreamEndpoint bound to this
// connection. DataReceived is called once per fully reassembled inbound
// payload, in the order the peer transmitted them. PauseWriting/
// ResumeWriting bracket a period during which Write is expected to block
// or queue upstream (the engine's send queue already holds one message).
// ConnectionLost fires with nil on an orderly Close and with a non-nil error
// on a bus-wide failure. A *SequenceError is also reported through
// ConnectionLost, but it ends only the in-flight reassembly: the connection
// stays open, so a later Close or bus error calls ConnectionLost again.
type Handler interface {
	ConnectionMade(ep StreamEndpoint)
	DataReceived(payload []byte)
	PauseWriting()
	ResumeWriting()
	ConnectionLost(err error)

	// SendFailed reports that a previously accepted Write will never be
	// delivered: the peer answered with FC(OVERFLOW), or exceeded its
	// wait-frame tolerance (spec.md §9's WaitOverrun escalation). The
	// connection itself is not torn down; only this one payload is
	// abandoned, and the send queue proceeds to the next entry if any.
	SendFailed(payload []byte, err error)
}

// HandlerFactory constructs a Handler for a newly opened connection,
// mirroring the source's protocol_factory callable (spec.md §9).
type HandlerFactory func() Handler

// BaseHandler is embeddable in a Handler implementation that only cares
// about some of the six callbacks; the rest no-op. BufferedConn and the
// isotpserver tests embed it.
type BaseHandler struct{}

func (BaseHandler) ConnectionMade(StreamEndpoint) {}
func (BaseHandler) DataReceived([]byte)           {}
func (BaseHandler) PauseWriting()                 {}
func (BaseHandler) ResumeWriting()                {}
func (BaseHandler) ConnectionLost(error)          {}
func (BaseHandler) SendFailed([]byte, error)      {}
