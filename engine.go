// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import (
	"time"

	"code.hybscloud.com/isotp/internal/pci"
)

// Descriptor is the immutable configuration of one ISO-TP connection.
type Descriptor struct {
	// RxID is the CAN arbitration ID this connection accepts frames from.
	RxID uint32
	// TxID is the CAN arbitration ID this connection transmits on.
	TxID uint32

	// BlockSize is the number of Consecutive Frames we grant the peer
	// between the Flow Control frames we send. 0 means unlimited.
	BlockSize uint8
	// STmin is the separation time we request of the peer between its
	// Consecutive Frames.
	STmin time.Duration
	// MaxWFT is the number of consecutive FC(WAIT) frames from the peer
	// this side tolerates before aborting the in-flight send.
	MaxWFT uint8
	// MaxReceiveSize caps a single reassembled payload; 0 means no cap.
	MaxReceiveSize uint32
}

// receiveState is Idle or Assembling, per spec.md §4.2.
type receiveState uint8

const (
	rxIdle receiveState = iota
	rxAssembling
)

// sendState is one of Idle, AwaitingFC, SendingCFs, per spec.md §4.3.
// SendingSF is transient (a single synchronous call within Write/_startSend)
// and is not represented as a distinct state here.
type sendState uint8

const (
	sendIdle sendState = iota
	sendAwaitingFC
	sendSendingCFs
)

// Engine is the per-connection ISO-TP protocol engine: a sender FSM and a
// receiver FSM sharing a Descriptor, a Handler, and a Loop. All of its state
// is touched exclusively from closures run on its Loop (spec.md §5); it is
// never guarded by a mutex.
type Engine struct {
	desc    Descriptor
	sender  Sender
	handler Handler
	loop    *Loop
	opts    Options

	endpoint *Endpoint

	// Receive side.
	rxState        receiveState
	rxBuffer       []byte
	rxExpectedSize uint32
	rxSeqNo        uint8
	rxBlockCount   uint8

	// Send side.
	sendState      sendState
	sendQueue      [][]byte
	sendSeqNo      uint8
	sendBlockCount uint8
	peerBlockSize  uint8
	peerSTmin      time.Duration
	waitFrameCount uint8
	closing        bool

	stTimer *afterFuncTimer

	frameBuf [8]byte
}

// NewEngine constructs an Engine for one connection and immediately signals
// Handler.ConnectionMade, per spec.md §3 "Lifecycle." sender is the
// demultiplexer's raw outbound path; loop is the shared single-goroutine
// executor every engine on the same bus must share (spec.md §5).
func NewEngine(desc Descriptor, sender Sender, handler Handler, loop *Loop, opts Options) *Engine {
	e := &Engine{
		desc:    desc,
		sender:  sender,
		handler: handler,
		loop:    loop,
		opts:    opts,
	}
	e.endpoint = &Endpoint{engine: e}
	handler.ConnectionMade(e.endpoint)
	return e
}

// feedData is the receiver FSM entrypoint, called by the Demultiplexer on
// the Loop goroutine with the raw CAN data of a frame already routed to
// this engine by RxID.
func (e *Engine) feedData(data []byte) {
	if len(data) == 0 {
		return
	}
	typ := pci.TypeOf(data[0])

	// "Any state, FC: route to sender FSM; no receiver state change."
	if typ == pci.FlowControl {
		e.handleFlowControl(data)
		return
	}
	if e.closing {
		return
	}

	switch typ {
	case pci.SingleFrame:
		e.handleSingleFrame(data)
	case pci.FirstFrame:
		e.handleFirstFrame(data)
	case pci.ConsecutiveFrame:
		e.handleConsecutiveFrame(data)
	default:
		e.opts.Logger.Warnf("isotp: rxid=%#x unknown PCI type nibble %#x", e.desc.RxID, typ)
	}
}

func (e *Engine) handleSingleFrame(data []byte) {
	payload, err := pci.DecodeSingleFrame(data)
	if err != nil {
		e.opts.Logger.Warnf("isotp: rxid=%#x malformed SF: %v", e.desc.RxID, err)
		return
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	e.handler.DataReceived(out)
}

func (e *Engine) handleFirstFrame(data []byte) {
	// "Assembling + FF: discard partial buffer, treat as new FF (recovery)."
	// Also covers "Idle + FF" since the logic below is identical either way.
	totalLen, payload, _, err := pci.DecodeFirstFrame(data)
	if err != nil {
		e.opts.Logger.Warnf("isotp: rxid=%#x malformed FF: %v", e.desc.RxID, err)
		return
	}

	if e.desc.MaxReceiveSize != 0 && totalLen > e.desc.MaxReceiveSize {
		e.opts.Logger.Errorf("isotp: rxid=%#x FF declares %d bytes, exceeds MaxReceiveSize %d: %v", e.desc.RxID, totalLen, e.desc.MaxReceiveSize, ErrReceiveOverflow)
		e.sendFlowControl(pci.Overflow)
		e.rxState = rxIdle
		e.rxBuffer = nil
		return
	}

	e.rxBuffer = append(e.rxBuffer[:0], payload...)
	e.rxExpectedSize = totalLen
	e.rxSeqNo = 1
	e.rxBlockCount = 0
	e.rxState = rxAssembling
	e.sendFlowControl(pci.ContinueToSend)
}

func (e *Engine) handleConsecutiveFrame(data []byte) {
	if e.rxState != rxAssembling {
		// "Idle + CF: silently drop (specification allows ignoring
		// unexpected CFs)."
		return
	}
	seq, payload, err := pci.DecodeConsecutiveFrame(data)
	if err != nil {
		e.opts.Logger.Warnf("isotp: rxid=%#x malformed CF: %v", e.desc.RxID, err)
		return
	}
	want := e.rxSeqNo & 0x0F
	if seq != want {
		e.rxState = rxIdle
		e.rxBuffer = nil
		e.handler.ConnectionLost(&SequenceError{Expected: want, Got: seq})
		return
	}

	remaining := int(e.rxExpectedSize) - len(e.rxBuffer)
	if remaining > len(payload) {
		remaining = len(payload)
	}
	if remaining > 0 {
		e.rxBuffer = append(e.rxBuffer, payload[:remaining]...)
	}
	e.rxSeqNo++
	e.rxBlockCount++

	if len(e.rxBuffer) >= int(e.rxExpectedSize) {
		out := make([]byte, e.rxExpectedSize)
		copy(out, e.rxBuffer[:e.rxExpectedSize])
		e.rxState = rxIdle
		e.rxBuffer = nil
		e.handler.DataReceived(out)
		return
	}

	if e.desc.BlockSize != 0 && e.rxBlockCount == e.desc.BlockSize {
		e.sendFlowControl(pci.ContinueToSend)
		e.rxBlockCount = 0
	}
}

func (e *Engine) sendFlowControl(fs pci.FlowStatus) {
	n, err := pci.EncodeFlowControl(e.frameBuf[:], fs, e.desc.BlockSize, pci.EncodeSTmin(e.desc.STmin))
	if err != nil {
		e.opts.Logger.Errorf("isotp: rxid=%#x encode FC: %v", e.desc.RxID, err)
		return
	}
	if err := e.sender.SendRaw(e.desc.TxID, e.desc.TxID > 0x7FF, e.frameBuf[:n]); err != nil {
		e.opts.Logger.Errorf("isotp: txid=%#x send FC: %v", e.desc.TxID, err)
	}
}

// write enqueues payload for transmission, per spec.md §4.3. It is called
// on the Loop goroutine by Endpoint.Write (which marshals the call there).
func (e *Engine) write(payload []byte) error {
	if e.closing {
		return ErrClosing
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	wasEmpty := len(e.sendQueue) == 0
	e.sendQueue = append(e.sendQueue, buf)
	if wasEmpty {
		e.handler.PauseWriting()
		e.startSend()
	}
	return nil
}

// startSend begins transmission of sendQueue[0], per spec.md §4.3
// "Transmission of send_queue[0]."
func (e *Engine) startSend() {
	if len(e.sendQueue) == 0 {
		return
	}
	payload := e.sendQueue[0]

	if len(payload) < 8 {
		n, err := pci.EncodeSingleFrame(e.frameBuf[:], payload)
		if err != nil {
			e.opts.Logger.Errorf("isotp: txid=%#x encode SF: %v", e.desc.TxID, err)
			e.endSend()
			return
		}
		if err := e.sender.SendRaw(e.desc.TxID, e.desc.TxID > 0x7FF, e.frameBuf[:n]); err != nil {
			e.opts.Logger.Errorf("isotp: txid=%#x send SF: %v", e.desc.TxID, err)
		}
		e.endSend()
		return
	}

	written, consumed, err := pci.EncodeFirstFrame(e.frameBuf[:], uint32(len(payload)), payload)
	if err != nil {
		e.opts.Logger.Errorf("isotp: txid=%#x encode FF: %v", e.desc.TxID, err)
		e.endSend()
		return
	}
	if err := e.sender.SendRaw(e.desc.TxID, e.desc.TxID > 0x7FF, e.frameBuf[:written]); err != nil {
		e.opts.Logger.Errorf("isotp: txid=%#x send FF: %v", e.desc.TxID, err)
	}
	e.sendQueue[0] = payload[consumed:]
	e.sendSeqNo = 1
	e.sendBlockCount = 0
	e.sendState = sendAwaitingFC
}

func (e *Engine) handleFlowControl(data []byte) {
	fs, bs, stMinByte, err := pci.DecodeFlowControl(data)
	if err != nil {
		e.opts.Logger.Warnf("isotp: txid=%#x malformed FC: %v", e.desc.TxID, err)
		return
	}
	if e.sendState != sendAwaitingFC {
		// Stray FC with no send in flight: nothing to act on.
		return
	}

	switch fs {
	case pci.ContinueToSend:
		e.peerBlockSize = bs
		e.peerSTmin = pci.DecodeSTmin(stMinByte)
		e.waitFrameCount = 0
		e.sendState = sendSendingCFs
		e.sendNextCF()
	case pci.Wait:
		e.waitFrameCount++
		if e.waitFrameCount > e.desc.MaxWFT {
			e.opts.Logger.Errorf("isotp: txid=%#x peer exceeded MaxWFT (%d); aborting send", e.desc.TxID, e.desc.MaxWFT)
			e.abortSend(ErrWaitOverrun)
		}
	case pci.Overflow:
		e.opts.Logger.Errorf("isotp: txid=%#x peer reported FC(OVERFLOW); aborting send", e.desc.TxID)
		e.abortSend(ErrPeerOverflow)
	default:
		e.opts.Logger.Warnf("isotp: txid=%#x unknown flow status %#x", e.desc.TxID, fs)
	}
}

// sendNextCF emits exactly one Consecutive Frame from sendQueue[0], per
// spec.md §4.3's "On FC(CONTINUE_TO_SEND)" / "After each CF" logic.
func (e *Engine) sendNextCF() {
	if len(e.sendQueue) == 0 {
		return
	}
	payload := e.sendQueue[0]

	n, consumed, err := pci.EncodeConsecutiveFrame(e.frameBuf[:], e.sendSeqNo, payload)
	if err != nil {
		e.opts.Logger.Errorf("isotp: txid=%#x encode CF: %v", e.desc.TxID, err)
		e.endSend()
		return
	}
	if err := e.sender.SendRaw(e.desc.TxID, e.desc.TxID > 0x7FF, e.frameBuf[:n]); err != nil {
		e.opts.Logger.Errorf("isotp: txid=%#x send CF: %v", e.desc.TxID, err)
	}
	e.sendQueue[0] = payload[consumed:]
	e.sendSeqNo = (e.sendSeqNo + 1) & 0x0F
	e.sendBlockCount++

	if len(e.sendQueue[0]) == 0 {
		e.endSend()
		return
	}

	if e.peerBlockSize != 0 && e.sendBlockCount == e.peerBlockSize {
		e.sendState = sendAwaitingFC
		e.sendBlockCount = 0
		return
	}

	e.scheduleNextCF()
}

// scheduleNextCF arranges the next CF after at least peerSTmin, floored per
// spec.md §4.3's coarse-clock-host requirement.
func (e *Engine) scheduleNextCF() {
	wait := e.peerSTmin
	if wait > 0 {
		floor := e.opts.SchedulerResolution + time.Millisecond
		if wait < floor {
			wait = floor
		}
	}
	if wait <= 0 {
		e.loop.Post(e.sendNextCF)
		return
	}
	e.stTimer = e.loop.AfterFunc(wait, e.sendNextCF)
}

// endSend finishes sendQueue[0] (removes it), per spec.md §4.3 "_end_send."
// The next queued payload, if any, is started on a fresh Loop tick rather
// than recursively, so a long queue cannot grow the call stack.
func (e *Engine) endSend() {
	if len(e.sendQueue) > 0 {
		e.sendQueue = e.sendQueue[1:]
	}
	e.sendState = sendIdle
	e.waitFrameCount = 0

	if len(e.sendQueue) > 0 {
		e.loop.Post(e.startSend)
		return
	}

	e.handler.ResumeWriting()
	if e.closing {
		e.handler.ConnectionLost(nil)
	}
}

// abortSend drops sendQueue[0] without delivering it, reports SendFailed,
// and proceeds to the next queued payload if any (spec.md §4.3's
// WaitOverrun/PeerOverflow escalation, SPEC_FULL.md §4.2).
func (e *Engine) abortSend(err error) {
	if e.stTimer != nil {
		e.stTimer.Stop()
		e.stTimer = nil
	}
	if len(e.sendQueue) == 0 {
		e.sendState = sendIdle
		return
	}
	failed := e.sendQueue[0]
	e.sendQueue = e.sendQueue[1:]
	e.sendState = sendIdle
	e.waitFrameCount = 0
	e.handler.SendFailed(failed, err)

	if len(e.sendQueue) > 0 {
		e.startSend()
		return
	}
	e.handler.ResumeWriting()
	if e.closing {
		e.handler.ConnectionLost(nil)
	}
}

// close begins an orderly shutdown, per spec.md §3 "closing ⇒ no new
// outbound payloads accepted; existing send queue drains, then the
// endpoint signals connection loss."
func (e *Engine) close() error {
	if e.closing {
		return nil
	}
	e.closing = true
	e.rxState = rxIdle
	e.rxBuffer = nil
	if len(e.sendQueue) == 0 {
		e.handler.ConnectionLost(nil)
	}
	return nil
}

// busError fans out a bus-global fatal condition, per spec.md §4.4.
func (e *Engine) busError(err error) {
	if e.stTimer != nil {
		e.stTimer.Stop()
		e.stTimer = nil
	}
	e.closing = true
	e.handler.ConnectionLost(err)
}
