// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package isotpserver is the alternate framing adapter of spec.md §4.6: when
// the "bus" is a byte-stream connection (typically TCP) to a remote ISO-TP
// server, the isotp.Engine is bypassed entirely in favor of an ASCII framing
// where each payload is written as "<" + lowercase-hex + ">" and read back
// the same way.
//
// Endpoint implements isotp.StreamEndpoint so callers can switch
// isotp.Options.Interface between InterfaceNative and InterfaceISOTPServer
// without changing how they talk to a connection.
package isotpserver

import (
	"bufio"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/isotp"
)

// Endpoint frames ISO-TP payloads as ASCII hex over rw, per spec.md §4.6.
type Endpoint struct {
	rw      io.ReadWriter
	handler isotp.Handler

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New starts an Endpoint over rw: it constructs a Handler via factory,
// calls Handler.ConnectionMade, and starts the background goroutine that
// scans rw for "<hex>" frames, matching the isotp.Engine constructor's
// lifecycle contract (spec.md §3 "Lifecycle").
func New(rw io.ReadWriter, factory isotp.HandlerFactory) *Endpoint {
	ep := &Endpoint{
		rw:     rw,
		closed: make(chan struct{}),
	}
	ep.handler = factory()
	ep.handler.ConnectionMade(ep)
	go ep.readLoop()
	return ep
}

// Write encodes payload as "<hex>" and writes it to the underlying
// connection, retrying on iox.ErrWouldBlock/iox.ErrMore the way the
// teacher's framer package retries a non-blocking transport.
func (ep *Endpoint) Write(payload []byte) error {
	frame := make([]byte, 0, len(payload)*2+2)
	frame = append(frame, '<')
	frame = append(frame, []byte(hex.EncodeToString(payload))...)
	frame = append(frame, '>')

	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	for len(frame) > 0 {
		n, err := ep.rw.Write(frame)
		if n > 0 {
			frame = frame[n:]
		}
		if err == nil {
			continue
		}
		if errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, iox.ErrMore) {
			time.Sleep(time.Millisecond)
			continue
		}
		return err
	}
	return nil
}

// Close stops the read loop and closes the underlying connection if it
// implements io.Closer.
func (ep *Endpoint) Close() error {
	ep.closeOnce.Do(func() { close(ep.closed) })
	if c, ok := ep.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// readLoop scans rw byte by byte, extracting "<...>" pairs and delivering
// the hex-decoded interior to the Handler. Bytes outside angle brackets,
// and interiors that fail to hex-decode, are discarded silently, per
// spec.md §4.6.
func (ep *Endpoint) readLoop() {
	br := bufio.NewReader(ep.rw)
	var inFrame bool
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			select {
			case <-ep.closed:
				ep.handler.ConnectionLost(nil)
			default:
				ep.handler.ConnectionLost(err)
			}
			return
		}
		switch b {
		case '<':
			inFrame = true
			buf = buf[:0]
		case '>':
			if !inFrame {
				continue
			}
			inFrame = false
			payload, decErr := hex.DecodeString(string(buf))
			if decErr != nil {
				continue
			}
			ep.handler.DataReceived(payload)
		default:
			if inFrame {
				buf = append(buf, b)
			}
		}
	}
}
