package tun

import (
	"net"
	"strings"
	"testing"
	"time"
)

// recordingRunner captures commands instead of executing them.
type recordingRunner struct {
	commands []string
}

func (r *recordingRunner) run(name string, args ...string) error {
	r.commands = append(r.commands, name+" "+strings.Join(args, " "))
	return nil
}

func stripSudo(cmd string) string {
	return strings.TrimPrefix(cmd, "sudo ")
}

func TestConfigureDeviceCommands(t *testing.T) {
	rec := &recordingRunner{}
	n := NewNetCfgWithRunner(rec.run)

	local := net.ParseIP("100.64.160.100")
	remote := net.ParseIP("100.64.160.101")
	if err := n.ConfigureDevice("tunSTN.160.100", local, remote, 1400); err != nil {
		t.Fatalf("ConfigureDevice: %v", err)
	}

	want := []string{
		"ip addr add 100.64.160.100 peer 100.64.160.101 dev tunSTN.160.100",
		"ip link set tunSTN.160.100 mtu 1400",
		"ip link set tunSTN.160.100 up",
	}
	if len(rec.commands) != len(want) {
		t.Fatalf("expected %d commands, got %v", len(want), rec.commands)
	}
	for i, w := range want {
		if stripSudo(rec.commands[i]) != w {
			t.Fatalf("command %d: got %q, want %q", i, rec.commands[i], w)
		}
	}
}

func TestRouteCommands(t *testing.T) {
	rec := &recordingRunner{}
	n := NewNetCfgWithRunner(rec.run)
	via := net.ParseIP("100.64.160.101")

	if err := n.AddRoute("10.42.0.0/16", via); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	n.DelRoute("10.42.0.0/16", via)

	if got := stripSudo(rec.commands[0]); got != "ip route add 10.42.0.0/16 via 100.64.160.101" {
		t.Fatalf("unexpected add command %q", got)
	}
	if got := stripSudo(rec.commands[1]); got != "ip route del 10.42.0.0/16 via 100.64.160.101" {
		t.Fatalf("unexpected del command %q", got)
	}
}

func TestAddRouteRejectsBadCIDR(t *testing.T) {
	n := NewNetCfgWithRunner(func(string, ...string) error { return nil })
	via := net.ParseIP("100.64.160.101")

	if err := n.AddRoute("10.42.0.0", via); err == nil {
		t.Fatalf("expected error for CIDR without prefix length")
	}
	if err := n.AddRoute("banana/8", via); err == nil {
		t.Fatalf("expected error for garbage CIDR")
	}
}

func TestDeviceName(t *testing.T) {
	cases := map[string]string{
		"100.64.160.100": "tunSTN.160.100",
		"100.64.0.2":     "tunSTN.0.2",
	}
	for in, want := range cases {
		if got := DeviceName(net.ParseIP(in)); got != want {
			t.Fatalf("DeviceName(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestMockDeviceBlockingReadUnblocksOnClose(t *testing.T) {
	dev := NewMockDevice("mock0", 1400)

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 2048)
		_, err := dev.Read(buf)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	dev.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error from Read after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Read still blocked after Close")
	}
}

func TestMockDeviceRoundTrip(t *testing.T) {
	dev := NewMockDevice("mock0", 1400)
	defer dev.Close()

	pkt := []byte{0x45, 0x00, 0x00, 0x14, 0xde, 0xad, 0xbe, 0xef}
	if err := dev.InjectOutbound(pkt); err != nil {
		t.Fatalf("InjectOutbound: %v", err)
	}

	buf := make([]byte, 2048)
	n, err := dev.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(pkt) {
		t.Fatalf("read packet differs from injected")
	}

	if _, err := dev.Write(pkt); err != nil {
		t.Fatalf("Write: %v", err)
	}
	written := dev.Written()
	if len(written) != 1 || string(written[0]) != string(pkt) {
		t.Fatalf("written packets wrong: %v", written)
	}
}
