package tun

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/irctrakz/sessiontun/pkg/logging"
)

// CommandRunner executes one host networking command. Tests substitute a
// recorder; the default shells out.
type CommandRunner func(name string, args ...string) error

func execRunner(name string, args ...string) error {
	logging.Debugf("netcfg: %s %s", name, strings.Join(args, " "))
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NetCfg applies host networking configuration around a tunnel device:
// point-to-point addressing, link state, routes and the agent-side
// forwarding rules. All mutation of the host's network state funnels
// through here.
type NetCfg struct {
	run CommandRunner
}

// NewNetCfg returns a NetCfg shelling out to ip/sysctl/iptables.
func NewNetCfg() *NetCfg {
	return &NetCfg{run: execRunner}
}

// NewNetCfgWithRunner returns a NetCfg using the given runner. For tests.
func NewNetCfgWithRunner(run CommandRunner) *NetCfg {
	return &NetCfg{run: run}
}

// sudoWrap prefixes a command with sudo when not already root.
func (n *NetCfg) sudo(name string, args ...string) error {
	if os.Geteuid() == 0 {
		return n.run(name, args...)
	}
	return n.run("sudo", append([]string{name}, args...)...)
}

// ConfigureDevice assigns the point-to-point address pair, sets the MTU and
// brings the link up.
func (n *NetCfg) ConfigureDevice(dev string, localIP, remoteIP net.IP, mtu int) error {
	if err := n.sudo("ip", "addr", "add", localIP.String(), "peer", remoteIP.String(), "dev", dev); err != nil {
		return &DeviceError{Op: "address " + dev, Err: err}
	}
	if err := n.sudo("ip", "link", "set", dev, "mtu", strconv.Itoa(mtu)); err != nil {
		return &DeviceError{Op: "set mtu on " + dev, Err: err}
	}
	if err := n.sudo("ip", "link", "set", dev, "up"); err != nil {
		return &DeviceError{Op: "bring up " + dev, Err: err}
	}
	return nil
}

// AddRoute installs one destination CIDR via the remote tunnel address.
func (n *NetCfg) AddRoute(cidr string, via net.IP) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("netcfg: %s", splitCIDRHint(cidr))
	}
	if err := n.sudo("ip", "route", "add", cidr, "via", via.String()); err != nil {
		return &DeviceError{Op: "route " + cidr, Err: err}
	}
	return nil
}

// DelRoute removes one installed route. Best effort: teardown never fails
// because a route already vanished.
func (n *NetCfg) DelRoute(cidr string, via net.IP) {
	if err := n.sudo("ip", "route", "del", cidr, "via", via.String()); err != nil {
		logging.Warnf("netcfg: removing route %s: %v", cidr, err)
	}
}

// TeardownDevice downs and deletes the interface. Best effort; the device
// may already be gone if its descriptor was closed first.
func (n *NetCfg) TeardownDevice(dev string) {
	if err := n.sudo("ip", "link", "set", dev, "down"); err != nil {
		logging.Debugf("netcfg: down %s: %v", dev, err)
	}
	if err := n.sudo("ip", "tuntap", "del", dev, "mode", "tun"); err != nil {
		logging.Debugf("netcfg: delete %s: %v", dev, err)
	}
}

// EnableForwarding turns on IPv4 forwarding. Agent side only; best effort.
func (n *NetCfg) EnableForwarding() {
	if err := n.sudo("sysctl", "-q", "-w", "net.ipv4.ip_forward=1"); err != nil {
		logging.Warnf("netcfg: enable ip_forward: %v", err)
	}
}

// AddMasquerade NATs traffic arriving from the driver's tunnel address so
// it can egress through the agent host. Best effort.
func (n *NetCfg) AddMasquerade(dev string, source net.IP) {
	err := n.sudo("iptables", "-t", "nat", "-I", "POSTROUTING",
		"-m", "comment", "--comment", dev,
		"-s", source.String(), "-j", "MASQUERADE")
	if err != nil {
		logging.Warnf("netcfg: add masquerade for %s: %v", source, err)
	}
}

// DelMasquerade removes the NAT rule installed by AddMasquerade.
func (n *NetCfg) DelMasquerade(dev string, source net.IP) {
	err := n.sudo("iptables", "-t", "nat", "-D", "POSTROUTING",
		"-m", "comment", "--comment", dev,
		"-s", source.String(), "-j", "MASQUERADE")
	if err != nil {
		logging.Debugf("netcfg: del masquerade for %s: %v", source, err)
	}
}
