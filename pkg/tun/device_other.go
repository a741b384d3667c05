//go:build !linux

package tun

import "errors"

// OpenKernel is Linux-only; other platforms can still build the tools for
// tests and cross-compilation but cannot open a real device.
func OpenKernel(name string, mtu int) (Device, error) {
	return nil, &DeviceError{Op: "create " + name, Err: errors.New("kernel TUN devices are only supported on linux")}
}
