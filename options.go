// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import "time"

// Interface selects the backend a Demultiplexer/Endpoint is wired to.
// This module only defines the selector and records it in Options; no code
// in it reads the value. The engine and demultiplexer serve InterfaceNative,
// the isotpserver subpackage serves InterfaceISOTPServer, and the actual
// kernel socket / hardware driver behind InterfaceSocketCANISOTP and
// InterfaceNative is an external collaborator (see SPEC_FULL.md §1).
type Interface uint8

const (
	// InterfaceNative drives the engine in this package over a raw CAN Sender.
	InterfaceNative Interface = iota
	// InterfaceSocketCANISOTP delegates segmentation to the kernel's
	// accelerated ISO-TP socket when available; this package's engine is
	// bypassed entirely by the external driver in that case.
	InterfaceSocketCANISOTP
	// InterfaceISOTPServer uses the isotpserver text-framing adapter over a
	// TCP connection to a remote ISO-TP server instead of raw CAN frames.
	InterfaceISOTPServer
)

// Options configures a Descriptor and the ambient concerns (logging,
// scheduler resolution) around it.
type Options struct {
	BlockSize      uint8
	STmin          time.Duration
	MaxWFT         uint8
	MaxReceiveSize uint32

	// SchedulerResolution is the coarsest clock tick this process's
	// scheduler is assumed to honor; STmin waits are rounded up to at
	// least SchedulerResolution+1ms, per spec.md §4.3.
	SchedulerResolution time.Duration

	Logger Logger

	// Channel is an opaque hardware/bus identifier, or "host:port" when
	// Interface is InterfaceISOTPServer. This module records it but never
	// interprets it; interpretation is the external driver's job.
	Channel string

	Interface Interface
}

var defaultOptions = Options{
	BlockSize:           0,
	STmin:               0,
	MaxWFT:              16,
	MaxReceiveSize:      0,
	SchedulerResolution: time.Millisecond,
	Logger:              nopLogger{},
	Interface:           InterfaceNative,
}

// Option configures Options.
type Option func(*Options)

// WithBlockSize sets the block size (CFs between FCs) this side grants the
// peer on receive. 0 means unlimited.
func WithBlockSize(bs uint8) Option {
	return func(o *Options) { o.BlockSize = bs }
}

// WithSTmin sets the separation time this side requests of the peer.
func WithSTmin(d time.Duration) Option {
	return func(o *Options) { o.STmin = d }
}

// WithMaxWFT sets the number of consecutive peer FC(WAIT) frames tolerated
// before the in-flight send is aborted with ErrWaitOverrun.
func WithMaxWFT(n uint8) Option {
	return func(o *Options) { o.MaxWFT = n }
}

// WithMaxReceiveSize caps the size of a single reassembled payload. First
// Frames declaring a larger total length are rejected with FC(OVERFLOW)
// and ErrReceiveOverflow. Zero means no cap.
func WithMaxReceiveSize(n uint32) Option {
	return func(o *Options) { o.MaxReceiveSize = n }
}

// WithSchedulerResolution overrides the assumed scheduler clock
// granularity used to floor STmin waits.
func WithSchedulerResolution(d time.Duration) Option {
	return func(o *Options) { o.SchedulerResolution = d }
}

// WithLogger sets the Logger used for recoverable, non-fatal events.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithChannel records an opaque bus/hardware identifier, or "host:port"
// for InterfaceISOTPServer.
func WithChannel(channel string) Option {
	return func(o *Options) { o.Channel = channel }
}

// WithInterface selects the backend.
func WithInterface(i Interface) Option {
	return func(o *Options) { o.Interface = i }
}

// NewOptions applies opts over the package defaults and returns the result.
// Demultiplexer and isotpserver callers that want the ambient fields
// (Logger, SchedulerResolution, Channel, Interface) without also building a
// Descriptor use this directly.
func NewOptions(opts ...Option) Options {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewDescriptor builds a Descriptor for the connection (rxid, txid) from
// opts, applied over the package defaults. It is the ergonomic counterpart
// to constructing a Descriptor literal by hand; Demultiplexer.Open accepts
// either.
func NewDescriptor(rxid, txid uint32, opts ...Option) Descriptor {
	o := NewOptions(opts...)
	return Descriptor{
		RxID:           rxid,
		TxID:           txid,
		BlockSize:      o.BlockSize,
		STmin:          o.STmin,
		MaxWFT:         o.MaxWFT,
		MaxReceiveSize: o.MaxReceiveSize,
	}
}
