// Package tun owns the kernel-level point-to-point device the tunnel
// forwards through, plus the host networking configuration around it
// (addresses, routes, forwarding).
package tun

import (
	"fmt"
	"net"
	"strings"
)

// Device is a virtual network interface exposing whole raw IP packets.
// Read blocks until the kernel hands over an outbound packet; Write injects
// an inbound packet. Close unblocks a pending Read.
type Device interface {
	// Name returns the interface name.
	Name() string

	// MTU returns the configured Maximum Transmission Unit.
	MTU() int

	// Read fills buf with the next outbound IP packet.
	Read(buf []byte) (int, error)

	// Write injects one inbound IP packet.
	Write(pkt []byte) (int, error)

	// Close releases the device.
	Close() error
}

// DeviceError wraps a device create/configure failure. These are almost
// always privilege problems, so the message tells the operator what to
// check.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("tun: %s: %v (creating tunnel devices requires root or CAP_NET_ADMIN)", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// DeviceName derives the interface name from the local tunnel address, so
// concurrent tunnels on one host get distinct devices. 100.64.160.100
// becomes tunSTN.160.100.
func DeviceName(localIP net.IP) string {
	v4 := localIP.To4()
	if v4 == nil {
		return "tunSTN.0"
	}
	return fmt.Sprintf("tunSTN.%d.%d", v4[2], v4[3])
}

// splitCIDRHint reports a short usage hint for bad CIDR input.
func splitCIDRHint(s string) string {
	if !strings.Contains(s, "/") {
		return fmt.Sprintf("%q has no prefix length, expected CIDR like 10.0.0.0/16", s)
	}
	return fmt.Sprintf("%q is not a valid CIDR", s)
}
