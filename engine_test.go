// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// relaySender captures every frame it is asked to send and, if target is
// set, hands a copy to target.feedData on the shared Loop -- simulating the
// peer engine on the other end of the bus for round-trip tests.
type relaySender struct {
	loop   *Loop
	target *Engine

	mu     sync.Mutex
	frames [][]byte
}

func (s *relaySender) SendRaw(_ uint32, _ bool, data []byte) error {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.frames = append(s.frames, cp)
	s.mu.Unlock()
	if s.target != nil {
		t := s.target
		s.loop.Post(func() { t.feedData(cp) })
	}
	return nil
}

func (s *relaySender) framesSnapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

type sendFailureRecord struct {
	payload []byte
	err     error
}

// recordingHandler is a Handler that funnels every callback onto channels
// or counters so tests can synchronize with the Loop goroutine.
type recordingHandler struct {
	mu       sync.Mutex
	endpoint StreamEndpoint

	dataCh chan []byte

	pauseCount  int
	resumeCount int

	lostCh   chan error
	failedCh chan sendFailureRecord
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		dataCh:   make(chan []byte, 16),
		lostCh:   make(chan error, 4),
		failedCh: make(chan sendFailureRecord, 4),
	}
}

func (h *recordingHandler) ConnectionMade(ep StreamEndpoint) {
	h.mu.Lock()
	h.endpoint = ep
	h.mu.Unlock()
}

func (h *recordingHandler) DataReceived(payload []byte) {
	h.dataCh <- append([]byte(nil), payload...)
}

func (h *recordingHandler) PauseWriting() {
	h.mu.Lock()
	h.pauseCount++
	h.mu.Unlock()
}

func (h *recordingHandler) ResumeWriting() {
	h.mu.Lock()
	h.resumeCount++
	h.mu.Unlock()
}

func (h *recordingHandler) ConnectionLost(err error) { h.lostCh <- err }

func (h *recordingHandler) SendFailed(payload []byte, err error) {
	h.failedCh <- sendFailureRecord{payload: append([]byte(nil), payload...), err: err}
}

func (h *recordingHandler) counts() (pause, resume int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauseCount, h.resumeCount
}

const testTimeout = 2 * time.Second

func awaitData(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for DataReceived")
		return nil
	}
}

func awaitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for callback")
		return nil
	}
}

// newLoopbackPair wires two engines, each the other's peer, sharing one
// Loop, matching spec.md §8's "feeding the produced frames into the
// receiver FSM" testable-property recipe.
func newLoopbackPair(t *testing.T, senderDesc, recvDesc Descriptor) (sendEngine, recvEngine *Engine, sendSender, recvSender *relaySender, sendHandler, recvHandler *recordingHandler) {
	t.Helper()
	loop := NewLoop()
	t.Cleanup(func() { _ = loop.Close() })

	sendSender = &relaySender{loop: loop}
	recvSender = &relaySender{loop: loop}
	sendHandler = newRecordingHandler()
	recvHandler = newRecordingHandler()

	opts := defaultOptions
	opts.Logger = nopLogger{}

	recvEngine = NewEngine(recvDesc, recvSender, recvHandler, loop, opts)
	sendEngine = NewEngine(senderDesc, sendSender, sendHandler, loop, opts)
	recvSender.target = sendEngine
	sendSender.target = recvEngine
	return
}

func TestSFEcho(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, MaxWFT: 16}
	sendEngine, _, _, _, _, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)

	if err := sendEngine.endpoint.Write([]byte("Hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := awaitData(t, recvHandler.dataCh)
	if !bytes.Equal(got, []byte("Hello")) {
		t.Fatalf("got %q want %q", got, "Hello")
	}
}

func TestTwoFrameMessage(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, BlockSize: 16, STmin: 0, MaxWFT: 16}
	sendEngine, _, sendSender, _, _, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)

	payload := []byte("0123456789AB")
	if err := sendEngine.endpoint.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := awaitData(t, recvHandler.dataCh)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}

	frames := sendSender.framesSnapshot()
	if len(frames) != 2 {
		t.Fatalf("expected FF+1 CF, got %d frames: %x", len(frames), frames)
	}
	if frames[0][0] != 0x10 || frames[0][1] != 0x0C || !bytes.Equal(frames[0][2:], []byte("012345")) {
		t.Fatalf("unexpected FF: % x", frames[0])
	}
	if frames[1][0] != 0x21 || !bytes.Equal(frames[1][1:7], []byte("6789AB")) {
		t.Fatalf("unexpected CF: % x", frames[1])
	}
}

func TestBlockSizeOne(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, BlockSize: 1, STmin: 0, MaxWFT: 16}
	sendEngine, _, sendSender, _, _, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)

	payload := bytes.Repeat([]byte{0x42}, 21)
	if err := sendEngine.endpoint.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := awaitData(t, recvHandler.dataCh)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %d bytes want %d", len(got), len(payload))
	}

	frames := sendSender.framesSnapshot()
	// FF carries 6 bytes, each CF up to 7: 21-6=15 bytes over 3 CFs.
	if len(frames) != 4 {
		t.Fatalf("expected FF + 3 CF, got %d frames", len(frames))
	}
}

func TestEscapeLength(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, BlockSize: 0, STmin: 0, MaxWFT: 16}
	sendEngine, _, sendSender, _, _, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)

	payload := bytes.Repeat([]byte{0x7A}, 5000)
	if err := sendEngine.endpoint.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := awaitData(t, recvHandler.dataCh)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %d bytes want %d", len(got), len(payload))
	}

	frames := sendSender.framesSnapshot()
	ff := frames[0]
	want := []byte{0x10, 0x00, 0x00, 0x00, 0x13, 0x88}
	if !bytes.Equal(ff[:6], want) {
		t.Fatalf("escape FF header = % x want % x", ff[:6], want)
	}
	// 5000 - 2 (FF payload) = 4998 bytes over CFs of 7 bytes each = 714 CFs.
	if len(frames) != 1+714 {
		t.Fatalf("got %d frames, want 715", len(frames))
	}
}

func TestWrongSequenceThenRecovery(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, BlockSize: 0, STmin: 0, MaxWFT: 16}
	_, recvEngine, _, recvSender, _, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)
	loop := recvSender.loop

	// First Frame declaring 12 bytes, then a CF tagged seq=2 instead of 1.
	ff := []byte{0x10, 0x0C, '0', '1', '2', '3', '4', '5'}
	badCF := []byte{0x22, '6', '7', '8', '9', 'A', 'B'}
	loop.Post(func() { recvEngine.feedData(ff) })
	loop.Post(func() { recvEngine.feedData(badCF) })

	err := awaitErr(t, recvHandler.lostCh)
	if _, ok := err.(*SequenceError); !ok {
		t.Fatalf("err=%v (%T), want *SequenceError", err, err)
	}

	// A fresh First Frame + correct CF must still succeed.
	loop.Post(func() { recvEngine.feedData(ff) })
	goodCF := []byte{0x21, '6', '7', '8', '9', 'A', 'B'}
	loop.Post(func() { recvEngine.feedData(goodCF) })

	got := awaitData(t, recvHandler.dataCh)
	if !bytes.Equal(got, []byte("0123456789AB")) {
		t.Fatalf("got %q", got)
	}
}

func TestBackpressure(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, BlockSize: 16, STmin: 0, MaxWFT: 16}
	sendEngine, _, _, _, sendHandler, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)

	a := []byte("0123456789AB")
	b := []byte("BA9876543210")
	if err := sendEngine.endpoint.Write(a); err != nil {
		t.Fatalf("Write a: %v", err)
	}
	if err := sendEngine.endpoint.Write(b); err != nil {
		t.Fatalf("Write b: %v", err)
	}

	got1 := awaitData(t, recvHandler.dataCh)
	got2 := awaitData(t, recvHandler.dataCh)
	if !bytes.Equal(got1, a) || !bytes.Equal(got2, b) {
		t.Fatalf("got %q, %q", got1, got2)
	}

	// endSend calls ResumeWriting on the Loop goroutine once the queue
	// drains; poll until the counters settle.
	deadline := time.Now().Add(testTimeout)
	for {
		pause, resume := sendHandler.counts()
		if pause == 1 && resume == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pause=%d resume=%d, want 1 and 1", pause, resume)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReceiveOverflow(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, BlockSize: 0, STmin: 0, MaxWFT: 16, MaxReceiveSize: 10}
	sendEngine, recvEngine, _, recvSender, _, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)
	_ = sendEngine

	loop := recvSender.loop
	ff := []byte{0x10, 0x0C, '0', '1', '2', '3', '4', '5'} // declares 12 bytes > cap of 10
	loop.Post(func() { recvEngine.feedData(ff) })

	fcFrame := sendOneFrame(t, recvSender)
	if fc := fcFrame[0] & 0x0F; fc != 0x02 {
		t.Fatalf("flow status = %d, want Overflow(2)", fc)
	}
	select {
	case p := <-recvHandler.dataCh:
		t.Fatalf("unexpected DataReceived: %x", p)
	case <-time.After(50 * time.Millisecond):
	}
}

// sendOneFrame waits until at least one frame has been sent on s and returns
// the most recent one.
func sendOneFrame(t *testing.T, s *relaySender) []byte {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		frames := s.framesSnapshot()
		if len(frames) > 0 {
			return frames[len(frames)-1]
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a sent frame")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPeerOverflowAbortsSend(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	loop := NewLoop()
	t.Cleanup(func() { _ = loop.Close() })
	sender := &relaySender{loop: loop}
	handler := newRecordingHandler()
	opts := defaultOptions
	opts.Logger = nopLogger{}
	engine := NewEngine(sendDesc, sender, handler, loop, opts)

	payload := []byte("0123456789AB")
	if err := engine.endpoint.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = sendOneFrame(t, sender) // the FF

	fcOverflow := []byte{0x32, 0x00, 0x00}
	loop.Post(func() { engine.feedData(fcOverflow) })

	rec := <-handler.failedCh
	if rec.err != ErrPeerOverflow {
		t.Fatalf("err=%v want ErrPeerOverflow", rec.err)
	}
	if !bytes.Equal(rec.payload, []byte("6789AB")) {
		t.Fatalf("aborted payload=%q want remaining %q", rec.payload, "6789AB")
	}
}

func TestWaitOverrunAbortsSend(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 1}
	loop := NewLoop()
	t.Cleanup(func() { _ = loop.Close() })
	sender := &relaySender{loop: loop}
	handler := newRecordingHandler()
	opts := defaultOptions
	opts.Logger = nopLogger{}
	engine := NewEngine(sendDesc, sender, handler, loop, opts)

	if err := engine.endpoint.Write([]byte("0123456789AB")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = sendOneFrame(t, sender)

	fcWait := []byte{0x31, 0x00, 0x00}
	loop.Post(func() { engine.feedData(fcWait) })
	loop.Post(func() { engine.feedData(fcWait) })

	rec := <-handler.failedCh
	if rec.err != ErrWaitOverrun {
		t.Fatalf("err=%v want ErrWaitOverrun", rec.err)
	}
}

func TestCloseDrainsThenConnectionLost(t *testing.T) {
	sendDesc := Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}
	recvDesc := Descriptor{RxID: 0x7E0, TxID: 0x7E8, MaxWFT: 16}
	sendEngine, _, _, _, sendHandler, recvHandler := newLoopbackPair(t, sendDesc, recvDesc)

	if err := sendEngine.endpoint.Write([]byte("bye")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	awaitData(t, recvHandler.dataCh)

	if err := sendEngine.endpoint.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := awaitErr(t, sendHandler.lostCh); err != nil {
		t.Fatalf("ConnectionLost err=%v want nil", err)
	}

	if err := sendEngine.endpoint.Write([]byte("after close")); err != nil {
		t.Fatalf("Write after close should not itself error synchronously: %v", err)
	}
}
