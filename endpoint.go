// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

// Endpoint is the StreamEndpoint implementation backed by an Engine. It is
// handed to Handler.ConnectionMade when a connection is opened through
// Demultiplexer.Open.
type Endpoint struct {
	engine *Engine
}

// Write marshals payload onto the Engine's Loop and enqueues it for
// transmission. It is non-blocking: it returns as soon as the closure is
// queued, not when the payload is actually sent (spec.md §4.5, §5).
func (ep *Endpoint) Write(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	ep.engine.loop.Post(func() {
		if err := ep.engine.write(buf); err != nil {
			ep.engine.opts.Logger.Warnf("isotp: rxid=%#x write after close: %v", ep.engine.desc.RxID, err)
		}
	})
	return nil
}

// Close marshals an orderly shutdown onto the Engine's Loop, per spec.md
// §5 "Cancellation."
func (ep *Endpoint) Close() error {
	ep.engine.loop.Post(func() {
		_ = ep.engine.close()
	})
	return nil
}
