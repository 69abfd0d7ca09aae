// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports an invalid configuration, nil bus, or nil loop.
	ErrInvalidArgument = errors.New("isotp: invalid argument")

	// ErrPeerOverflow reports that the peer answered a First Frame with
	// FC(OVERFLOW); the in-flight send is abandoned without retry.
	ErrPeerOverflow = errors.New("isotp: peer reported overflow")

	// ErrWaitOverrun reports that the peer sent more consecutive FC(WAIT)
	// frames than MaxWFT tolerates; the in-flight send is aborted.
	ErrWaitOverrun = errors.New("isotp: peer exceeded wait-frame tolerance")

	// ErrReceiveOverflow reports that a First Frame declared a length
	// greater than Descriptor.MaxReceiveSize; FC(OVERFLOW) was sent and no
	// payload will be delivered for that message.
	ErrReceiveOverflow = errors.New("isotp: incoming message exceeds MaxReceiveSize")

	// ErrFunctionalTooLong reports that a functional (broadcast) send
	// payload exceeded the 7-byte Single-Frame-only limit.
	ErrFunctionalTooLong = errors.New("isotp: functional payload exceeds 7 bytes")

	// ErrClosing reports that Write was called on an endpoint already closing.
	ErrClosing = errors.New("isotp: endpoint is closing")

	// ErrUnknownFlowStatus reports an FC frame with an undefined flow-status
	// nibble; the frame is logged and dropped, this error is never returned
	// to a caller but is exposed for tests and logging call sites.
	ErrUnknownFlowStatus = errors.New("isotp: flow control frame has unknown flow status")
)

// SequenceError reports a Consecutive Frame whose sequence nibble did not
// match the next expected value. It is fatal for the in-flight reassembly;
// the receiver discards the partial buffer and returns to Idle, ready for a
// fresh First Frame.
type SequenceError struct {
	Expected uint8
	Got      uint8
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("isotp: consecutive frame sequence error: expected %d, got %d", e.Expected, e.Got)
}
