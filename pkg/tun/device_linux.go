//go:build linux

package tun

import (
	"github.com/songgao/water"

	"github.com/irctrakz/sessiontun/pkg/logging"
)

// kernelDevice is the real TUN device, backed by /dev/net/tun.
type kernelDevice struct {
	ifc  *water.Interface
	name string
	mtu  int
}

// OpenKernel creates a kernel TUN device with the given name. Addressing,
// MTU and link state are applied separately through NetCfg so that all
// host networking mutation stays in one place.
func OpenKernel(name string, mtu int) (Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	ifc, err := water.New(cfg)
	if err != nil {
		return nil, &DeviceError{Op: "create " + name, Err: err}
	}

	logging.Debugf("tun: created device %s (mtu %d)", ifc.Name(), mtu)
	return &kernelDevice{ifc: ifc, name: ifc.Name(), mtu: mtu}, nil
}

func (d *kernelDevice) Name() string { return d.name }
func (d *kernelDevice) MTU() int     { return d.mtu }

func (d *kernelDevice) Read(buf []byte) (int, error) {
	return d.ifc.Read(buf)
}

func (d *kernelDevice) Write(pkt []byte) (int, error) {
	return d.ifc.Write(pkt)
}

// Close releases the device. The device is non-persistent, so the kernel
// removes the interface once the descriptor is gone; closing also unblocks
// a pump stuck in Read.
func (d *kernelDevice) Close() error {
	return d.ifc.Close()
}
