// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pci encodes and decodes ISO 15765-2 Protocol Control Information:
// the first one or two bytes of an ISO-TP PDU that identify the frame type
// (Single/First/Consecutive/Flow-Control) and carry its length or sequence
// fields.
//
// The package has no hidden state; every function is pure and operates on
// caller-supplied byte slices. Wire format (bit-exact):
//
//	Single Frame (SF):      byte0 = 0x0_ | length(1..7); length payload bytes follow
//	First Frame (FF):       byte0 = 0x1_ | lenHi(12-bit); byte1 = lenLo; 6 payload bytes follow
//	First Frame, escaped:   byte0 = 0x10; byte1 = 0x00; bytes2..5 = big-endian uint32 length; 2 payload bytes follow
//	Consecutive Frame (CF): byte0 = 0x2_ | seq(mod 16); up to 7 payload bytes follow
//	Flow Control (FC):      byte0 = 0x3_ | flowStatus; byte1 = blockSize; byte2 = STmin
package pci

import (
	"encoding/binary"
	"errors"
	"time"
)

// Type is the PCI frame type carried in the high nibble of byte 0.
type Type uint8

const (
	SingleFrame      Type = 0x0
	FirstFrame       Type = 0x1
	ConsecutiveFrame Type = 0x2
	FlowControl      Type = 0x3
)

// TypeOf extracts the frame type from the first PCI byte.
func TypeOf(b byte) Type { return Type(b >> 4) }

// FlowStatus is the flow-status nibble of a Flow Control frame.
type FlowStatus uint8

const (
	ContinueToSend FlowStatus = 0
	Wait           FlowStatus = 1
	Overflow       FlowStatus = 2
)

const (
	// MaxSingleFrameLen is the largest payload an SF can carry.
	MaxSingleFrameLen = 7
	// FirstFramePayloadLen is the payload an FF with a 12-bit length carries.
	FirstFramePayloadLen = 6
	// FirstFrameEscapePayloadLen is the payload an escaped (32-bit length) FF carries.
	FirstFrameEscapePayloadLen = 2
	// ConsecutiveFramePayloadLen is the maximum payload a CF carries.
	ConsecutiveFramePayloadLen = 7
	// EscapeCutover is the smallest length requiring the 32-bit escape form.
	EscapeCutover = 1 << 12
	// MaxEscapeLen is the largest length the escape form can express.
	MaxEscapeLen = 1<<32 - 1
)

var (
	ErrShortFrame    = errors.New("pci: frame too short")
	ErrWrongType     = errors.New("pci: unexpected frame type")
	ErrInvalidLen    = errors.New("pci: invalid length field")
	ErrPayloadTooBig = errors.New("pci: payload exceeds frame capacity")
)

// EncodeSingleFrame writes an SF for payload into dst, returning the number
// of bytes written. payload must be 0..7 bytes; dst must have capacity for
// len(payload)+1 bytes.
func EncodeSingleFrame(dst []byte, payload []byte) (int, error) {
	if len(payload) > MaxSingleFrameLen {
		return 0, ErrPayloadTooBig
	}
	if len(dst) < len(payload)+1 {
		return 0, ErrShortFrame
	}
	dst[0] = byte(SingleFrame)<<4 | byte(len(payload))
	copy(dst[1:], payload)
	return len(payload) + 1, nil
}

// DecodeSingleFrame returns the payload carried by an SF.
func DecodeSingleFrame(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, ErrShortFrame
	}
	if TypeOf(frame[0]) != SingleFrame {
		return nil, ErrWrongType
	}
	n := int(frame[0] & 0x0F)
	if len(frame) < n+1 {
		return nil, ErrShortFrame
	}
	return frame[1 : n+1], nil
}

// EncodeFirstFrame writes an FF for a message of totalLen bytes into dst,
// consuming the first few bytes of payload (6 for the 12-bit form, 2 for
// the 32-bit escape form when totalLen >= EscapeCutover). It returns the
// number of bytes written to dst and the number of payload bytes consumed.
func EncodeFirstFrame(dst []byte, totalLen uint32, payload []byte) (written int, consumed int, err error) {
	if totalLen < EscapeCutover {
		if len(dst) < 2+FirstFramePayloadLen {
			return 0, 0, ErrShortFrame
		}
		dst[0] = byte(FirstFrame)<<4 | byte((totalLen>>8)&0x0F)
		dst[1] = byte(totalLen & 0xFF)
		consumed = FirstFramePayloadLen
		if consumed > len(payload) {
			consumed = len(payload)
		}
		copy(dst[2:], payload[:consumed])
		return 2 + consumed, consumed, nil
	}
	if len(dst) < 6+FirstFrameEscapePayloadLen {
		return 0, 0, ErrShortFrame
	}
	dst[0] = byte(FirstFrame) << 4
	dst[1] = 0x00
	binary.BigEndian.PutUint32(dst[2:6], totalLen)
	consumed = FirstFrameEscapePayloadLen
	if consumed > len(payload) {
		consumed = len(payload)
	}
	copy(dst[6:], payload[:consumed])
	return 6 + consumed, consumed, nil
}

// DecodeFirstFrame returns the declared total message length, the initial
// payload bytes carried in the frame, and the header length consumed.
func DecodeFirstFrame(frame []byte) (totalLen uint32, payload []byte, headLen int, err error) {
	if len(frame) < 2 {
		return 0, nil, 0, ErrShortFrame
	}
	if TypeOf(frame[0]) != FirstFrame {
		return 0, nil, 0, ErrWrongType
	}
	lenHi := frame[0] & 0x0F
	if lenHi == 0 && frame[1] == 0x00 {
		if len(frame) < 6 {
			return 0, nil, 0, ErrShortFrame
		}
		totalLen = binary.BigEndian.Uint32(frame[2:6])
		if totalLen < EscapeCutover {
			return 0, nil, 0, ErrInvalidLen
		}
		headLen = 6
		end := headLen + FirstFrameEscapePayloadLen
		if end > len(frame) {
			end = len(frame)
		}
		return totalLen, frame[headLen:end], headLen, nil
	}
	totalLen = uint32(lenHi)<<8 | uint32(frame[1])
	headLen = 2
	end := headLen + FirstFramePayloadLen
	if end > len(frame) {
		end = len(frame)
	}
	return totalLen, frame[headLen:end], headLen, nil
}

// EncodeConsecutiveFrame writes a CF carrying up to 7 bytes of payload,
// tagged with the low 4 bits of seq. It returns bytes written and payload
// bytes consumed.
func EncodeConsecutiveFrame(dst []byte, seq uint8, payload []byte) (written int, consumed int, err error) {
	if len(dst) < 1 {
		return 0, 0, ErrShortFrame
	}
	consumed = ConsecutiveFramePayloadLen
	if consumed > len(payload) {
		consumed = len(payload)
	}
	if len(dst) < consumed+1 {
		return 0, 0, ErrShortFrame
	}
	dst[0] = byte(ConsecutiveFrame)<<4 | (seq & 0x0F)
	copy(dst[1:], payload[:consumed])
	return consumed + 1, consumed, nil
}

// DecodeConsecutiveFrame returns the sequence nibble and payload of a CF.
func DecodeConsecutiveFrame(frame []byte) (seq uint8, payload []byte, err error) {
	if len(frame) < 1 {
		return 0, nil, ErrShortFrame
	}
	if TypeOf(frame[0]) != ConsecutiveFrame {
		return 0, nil, ErrWrongType
	}
	return frame[0] & 0x0F, frame[1:], nil
}

// EncodeFlowControl writes an FC frame.
func EncodeFlowControl(dst []byte, fs FlowStatus, blockSize uint8, stMin byte) (int, error) {
	if len(dst) < 3 {
		return 0, ErrShortFrame
	}
	dst[0] = byte(FlowControl)<<4 | byte(fs&0x0F)
	dst[1] = blockSize
	dst[2] = stMin
	return 3, nil
}

// DecodeFlowControl parses an FC frame.
func DecodeFlowControl(frame []byte) (fs FlowStatus, blockSize uint8, stMin byte, err error) {
	if len(frame) < 3 {
		return 0, 0, 0, ErrShortFrame
	}
	if TypeOf(frame[0]) != FlowControl {
		return 0, 0, 0, ErrWrongType
	}
	return FlowStatus(frame[0] & 0x0F), frame[1], frame[2], nil
}

// EncodeSTmin converts a separation time to its wire byte. Durations below
// 1ms are encoded in the 100us resolution band (0xF1..0xF9); durations of
// 1..127ms are encoded directly; larger durations saturate at 0x7F (127ms).
func EncodeSTmin(d time.Duration) byte {
	if d <= 0 {
		return 0x00
	}
	if d < time.Millisecond {
		units := d / (100 * time.Microsecond)
		if units < 1 {
			units = 1
		}
		if units > 9 {
			return 0x7F
		}
		return 0xF0 + byte(units)
	}
	ms := d / time.Millisecond
	if ms > 0x7F {
		return 0x7F
	}
	return byte(ms)
}

// DecodeSTmin converts a wire STmin byte to a duration per ISO 15765-2:
// 0x00..0x7F are milliseconds, 0xF1..0xF9 are multiples of 100us, and any
// other value falls back to the conservative 127ms.
func DecodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}
