// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

// Transport convenience bundles — single source of truth for
// (Interface, Channel) combinations callers reach for most often.
//
//   - WithSocketCAN(ifname)     → InterfaceSocketCANISOTP, channel=ifname (e.g. "can0")
//   - WithNative(ifname)        → InterfaceNative,         channel=ifname
//   - WithISOTPServer(hostport) → InterfaceISOTPServer,    channel="host:port"
//
// These only set Interface and Channel; BlockSize/STmin/MaxWFT/MaxReceiveSize
// are independent of transport selection and compose with any of them.

// WithSocketCAN selects the kernel's accelerated ISO-TP socket on the named
// CAN interface (e.g. "can0") by setting Interface and Channel. Nothing in
// this package opens that socket; wiring it is an external collaborator's
// responsibility (see SPEC_FULL.md §1).
func WithSocketCAN(ifname string) Option {
	return func(o *Options) {
		o.Interface = InterfaceSocketCANISOTP
		o.Channel = ifname
	}
}

// WithNative configures the endpoint to use this package's own engine over
// a raw CAN interface (e.g. "can0" or a vendor-specific bus identifier).
func WithNative(ifname string) Option {
	return func(o *Options) {
		o.Interface = InterfaceNative
		o.Channel = ifname
	}
}

// WithISOTPServer selects the isotpserver text framing adapter and records
// the "host:port" TCP address as the Channel. It does not dial the address;
// isotpserver.New takes an already-open connection.
func WithISOTPServer(hostport string) Option {
	return func(o *Options) {
		o.Interface = InterfaceISOTPServer
		o.Channel = hostport
	}
}
