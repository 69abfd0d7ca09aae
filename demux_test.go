// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
	ids    []uint32
}

func (s *recordingSender) SendRaw(id uint32, _ bool, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *recordingSender) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func newTestDemux(t *testing.T) (*Demultiplexer, *recordingSender) {
	t.Helper()
	loop := NewLoop()
	t.Cleanup(func() { _ = loop.Close() })
	sender := &recordingSender{}
	d, err := NewDemultiplexer(sender, loop)
	if err != nil {
		t.Fatalf("NewDemultiplexer: %v", err)
	}
	return d, sender
}

func TestDemultiplexerOpenEchoesSF(t *testing.T) {
	d, sender := newTestDemux(t)
	h := newRecordingHandler()
	ep, err := d.Open(Descriptor{RxID: 0x7E8, TxID: 0x7E0, MaxWFT: 16}, func() Handler { return h })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ep.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	deadline := time.Now().Add(testTimeout)
	for sender.last() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for sent frame")
		}
		time.Sleep(time.Millisecond)
	}
	got := sender.last()
	if got[0] != 0x02 || !bytes.Equal(got[1:3], []byte("hi")) {
		t.Fatalf("unexpected SF: % x", got)
	}
}

func TestDemultiplexerDeliverDropsErrorAndRemoteFrames(t *testing.T) {
	d, _ := newTestDemux(t)
	h := newRecordingHandler()
	_, err := d.Open(Descriptor{RxID: 0x123, TxID: 0x456, MaxWFT: 16}, func() Handler { return h })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	d.Deliver(Frame{ID: 0x123, Error: true, Data: []byte{0x03, 'x'}})
	d.Deliver(Frame{ID: 0x123, Remote: true, Data: []byte{0x03, 'x'}})
	d.Deliver(Frame{ID: 0x123, Data: []byte{0x02, 'h', 'i'}})

	got := awaitData(t, h.dataCh)
	if !bytes.Equal(got, []byte("hi")) {
		t.Fatalf("got %q want %q (error/remote frames should have been dropped first)", got, "hi")
	}
}

func TestDemultiplexerDeliverUnknownRxIDDropped(t *testing.T) {
	d, _ := newTestDemux(t)
	// No Open call: no engine registered for any rxid.
	d.Deliver(Frame{ID: 0x999, Data: []byte{0x02, 'h', 'i'}})
	// Nothing to assert on directly; this just must not panic. Give the
	// loop a moment to process the drop.
	time.Sleep(10 * time.Millisecond)
}

func TestSendFunctionalTooLong(t *testing.T) {
	d, _ := newTestDemux(t)
	err := d.SendFunctional(0x7DF, bytes.Repeat([]byte{1}, 8))
	if !errors.Is(err, ErrFunctionalTooLong) {
		t.Fatalf("err=%v want ErrFunctionalTooLong", err)
	}
}

func TestSendFunctionalEmitsSF(t *testing.T) {
	d, sender := newTestDemux(t)
	payload := []byte{1, 2, 3, 4, 5, 6, 7}
	if err := d.SendFunctional(0x7DF, payload); err != nil {
		t.Fatalf("SendFunctional: %v", err)
	}
	got := sender.last()
	if got[0] != 0x07 || !bytes.Equal(got[1:8], payload) {
		t.Fatalf("unexpected SF: % x", got)
	}
}

func TestHandleBusErrorFansOutToAllEngines(t *testing.T) {
	d, _ := newTestDemux(t)
	h1 := newRecordingHandler()
	h2 := newRecordingHandler()
	if _, err := d.Open(Descriptor{RxID: 0x111, TxID: 0x211, MaxWFT: 16}, func() Handler { return h1 }); err != nil {
		t.Fatalf("Open h1: %v", err)
	}
	if _, err := d.Open(Descriptor{RxID: 0x112, TxID: 0x212, MaxWFT: 16}, func() Handler { return h2 }); err != nil {
		t.Fatalf("Open h2: %v", err)
	}

	busErr := errors.New("bus down")
	d.HandleBusError(busErr)

	if err := awaitErr(t, h1.lostCh); err != busErr {
		t.Fatalf("h1 ConnectionLost err=%v want %v", err, busErr)
	}
	if err := awaitErr(t, h2.lostCh); err != busErr {
		t.Fatalf("h2 ConnectionLost err=%v want %v", err, busErr)
	}
}
