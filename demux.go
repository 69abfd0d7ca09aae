// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import (
	"code.hybscloud.com/isotp/internal/pci"
)

// Sender is the downstream interface the demultiplexer and engines use to
// emit a single already-framed CAN payload (<=8 bytes). Implementations are
// the external CAN-bus driver collaborators spec.md §1 places out of scope.
type Sender interface {
	// SendRaw emits data (1..8 bytes) with arbitration ID id, setting the
	// CAN extended-frame flag iff extended is true.
	SendRaw(id uint32, extended bool, data []byte) error
}

// Frame is one inbound CAN frame as delivered to Demultiplexer.Deliver.
type Frame struct {
	ID       uint32
	Extended bool
	Error    bool // frame reports a bus/controller error condition
	Remote   bool // remote-request (RTR) frame
	Data     []byte
}

// Demultiplexer owns one CAN bus handle (via Sender) and routes inbound
// frames to the Engine registered for their arbitration ID, per spec.md
// §4.4. All registration and routing happens on loop; Deliver and
// HandleBusError are safe to call from any goroutine.
type Demultiplexer struct {
	sender  Sender
	loop    *Loop
	opts    Options
	engines map[uint32]*Engine
}

// NewDemultiplexer constructs a Demultiplexer over sender, driven by loop.
// loop must outlive every Engine registered through Open.
func NewDemultiplexer(sender Sender, loop *Loop, opts ...Option) (*Demultiplexer, error) {
	if sender == nil || loop == nil {
		return nil, ErrInvalidArgument
	}
	o := NewOptions(opts...)
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return &Demultiplexer{
		sender:  sender,
		loop:    loop,
		opts:    o,
		engines: make(map[uint32]*Engine),
	}, nil
}

// Open registers a new connection and returns its StreamEndpoint, having
// already called factory() and Handler.ConnectionMade on it, per spec.md
// §3 "Lifecycle." The registration and handler construction both run on
// the Demultiplexer's Loop so Open is safe from any goroutine.
func (d *Demultiplexer) Open(desc Descriptor, factory HandlerFactory) (StreamEndpoint, error) {
	if factory == nil {
		return nil, ErrInvalidArgument
	}
	result := make(chan *Engine, 1)
	d.loop.Post(func() {
		handler := factory()
		e := NewEngine(desc, d.sender, handler, d.loop, d.opts)
		d.engines[desc.RxID] = e
		result <- e
	})
	e := <-result
	return e.endpoint, nil
}

// Deliver is the inbound frame entrypoint, called by the external CAN
// driver goroutine for every frame read off the bus. Error and
// remote-request frames are dropped per spec.md §4.4; frames whose ID has
// no registered engine are dropped.
func (d *Demultiplexer) Deliver(f Frame) {
	if f.Error || f.Remote {
		return
	}
	d.loop.Post(func() {
		e, ok := d.engines[f.ID]
		if !ok {
			return
		}
		e.feedData(f.Data)
	})
}

// SendFunctional broadcasts payload as a single Single Frame on txid,
// bypassing segmentation entirely; it is rejected with ErrFunctionalTooLong
// if payload exceeds 7 bytes (spec.md §4.4/§4.7, testable property 7).
func (d *Demultiplexer) SendFunctional(txid uint32, payload []byte) error {
	if len(payload) > pci.MaxSingleFrameLen {
		return ErrFunctionalTooLong
	}
	var buf [8]byte
	n, err := pci.EncodeSingleFrame(buf[:], payload)
	if err != nil {
		return err
	}
	return d.sender.SendRaw(txid, txid > 0x7FF, buf[:n])
}

// HandleBusError fans out a bus-global fatal condition to every registered
// engine's Handler.ConnectionLost, per spec.md §4.4 and §7.
func (d *Demultiplexer) HandleBusError(err error) {
	d.loop.Post(func() {
		for _, e := range d.engines {
			e.busError(err)
		}
	})
}

// Close runs each registered engine's orderly close and forgets them. Sends
// already queued keep going, but inbound frames are no longer routed to
// those engines, so a send that waits for a Flow Control frame does not
// complete. It does not close the underlying Loop, which may be shared with
// other demultiplexers.
func (d *Demultiplexer) Close() error {
	done := make(chan struct{})
	d.loop.Post(func() {
		for rxid, e := range d.engines {
			_ = e.close()
			delete(d.engines, rxid)
		}
		close(done)
	})
	<-done
	return nil
}
