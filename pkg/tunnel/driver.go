package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/irctrakz/sessiontun/pkg/channel"
	"github.com/irctrakz/sessiontun/pkg/frame"
	"github.com/irctrakz/sessiontun/pkg/logging"
	"github.com/irctrakz/sessiontun/pkg/tun"
)

// ErrHandshakeTimeout is returned by Driver.Run when the agent does not
// acknowledge the handshake within the configured bound.
var ErrHandshakeTimeout = errors.New("tunnel: handshake timeout, no acknowledgement from agent")

// errStopped marks an operator interrupt during an early phase. Internal;
// Run maps it to a clean exit.
var errStopped = errors.New("tunnel: stopped")

// DriverOptions configures the client-side tunnel peer.
type DriverOptions struct {
	LocalIP  net.IP
	RemoteIP net.IP
	MTU      int
	Routes   []string

	// OpenDevice creates the virtual interface. Defaults to the kernel
	// TUN device; tests substitute a mock.
	OpenDevice func(name string, mtu int) (tun.Device, error)

	// NetCfg applies host networking changes. Defaults to shelling out.
	NetCfg *tun.NetCfg

	// StartTransport opens the session channel. The session itself
	// (authentication, reaching the host) is the collaborator's problem;
	// the driver only receives a ready Transport.
	StartTransport func() (channel.Transport, error)

	// AgentCommand, when set, is written to the channel verbatim before
	// the handshake to start the agent inside the remote session.
	AgentCommand string

	HandshakeTimeout     time.Duration
	Keepalive            time.Duration
	DegradedWindow       time.Duration
	DecodeErrorThreshold int

	// UpDownScript runs with "up"/"down" plus tunnel parameters around
	// the established phase.
	UpDownScript string
}

// Driver is the client-side tunnel peer. It owns the local virtual
// interface, the installed routes and the session channel, and is the only
// component that mutates host networking state.
type Driver struct {
	opts    DriverOptions
	session *Session
	netcfg  *tun.NetCfg

	dev tun.Device
	tr  channel.Transport

	installedRoutes []string
	upOK            bool

	cleanupOnce sync.Once
}

// NewDriver validates options and creates the driver with its session in
// Initializing.
func NewDriver(opts DriverOptions) (*Driver, error) {
	if opts.LocalIP == nil || opts.RemoteIP == nil || opts.LocalIP.Equal(opts.RemoteIP) {
		return nil, fmt.Errorf("tunnel: driver needs a distinct local/remote address pair")
	}
	if opts.MTU <= 0 {
		return nil, fmt.Errorf("tunnel: invalid MTU %d", opts.MTU)
	}
	if opts.StartTransport == nil {
		return nil, fmt.Errorf("tunnel: driver needs a transport")
	}
	if opts.OpenDevice == nil {
		opts.OpenDevice = tun.OpenKernel
	}
	if opts.NetCfg == nil {
		opts.NetCfg = tun.NewNetCfg()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	return &Driver{
		opts:    opts,
		netcfg:  opts.NetCfg,
		session: NewSession(opts.LocalIP, opts.RemoteIP, opts.MTU, opts.Routes, StateInitializing),
	}, nil
}

// Session exposes the driver's session for the stats reporter.
func (d *Driver) Session() *Session { return d.session }

// Run walks the driver state machine to completion. It returns nil after a
// clean operator-initiated shutdown, ErrHandshakeTimeout or
// channel.ErrChannelClosed for those failures, and a device or transport
// error otherwise. Resources are released exactly once on every path.
func (d *Driver) Run(stop <-chan struct{}) error {
	defer d.session.setState(StateClosed)

	if err := d.initialize(); err != nil {
		d.cleanup()
		return err
	}

	d.session.setState(StateHandshaking)
	if err := d.handshake(stop); err != nil {
		d.cleanup()
		if errors.Is(err, errStopped) {
			return nil
		}
		return err
	}

	d.session.setState(StateEstablished)
	logging.Infof("tunnel established: %s <-> %s mtu %d dev %s",
		d.session.LocalIP, d.session.RemoteIP, d.session.MTU, d.dev.Name())

	if err := d.runUpDown("up"); err != nil {
		d.cleanup()
		return err
	}

	pumpStop := make(chan struct{})
	errCh := newPumps(d.session, d.dev, d.tr).start(d.opts.Keepalive, pumpStop)
	go d.degradedMonitor(pumpStop)

	var runErr error
	select {
	case <-stop:
		logging.Infof("tunnel: shutting down")
	case err := <-errCh:
		if errors.Is(err, channel.ErrChannelClosed) {
			logging.Warnf("tunnel: channel closed unexpectedly, tunnel went down?")
			runErr = channel.ErrChannelClosed
		} else {
			logging.Errorf("tunnel: pump failed: %v", err)
			runErr = err
		}
	}

	close(pumpStop)
	d.session.setState(StateClosing)
	d.cleanup()
	return runErr
}

// initialize creates the device, addresses it, installs routes and opens
// the channel.
func (d *Driver) initialize() error {
	name := tun.DeviceName(d.opts.LocalIP)
	dev, err := d.opts.OpenDevice(name, d.opts.MTU)
	if err != nil {
		return err
	}
	d.dev = dev

	if err := d.netcfg.ConfigureDevice(dev.Name(), d.opts.LocalIP, d.opts.RemoteIP, d.opts.MTU); err != nil {
		return err
	}
	logging.Infof("local device %s is ready, local %s / remote %s", dev.Name(), d.opts.LocalIP, d.opts.RemoteIP)

	for _, route := range d.opts.Routes {
		if err := d.netcfg.AddRoute(route, d.opts.RemoteIP); err != nil {
			return err
		}
		d.installedRoutes = append(d.installedRoutes, route)
		logging.Infof("routing %s via %s", route, d.opts.RemoteIP)
	}

	tr, err := d.opts.StartTransport()
	if err != nil {
		return fmt.Errorf("tunnel: transport: %w", err)
	}
	d.tr = tr

	if d.opts.AgentCommand != "" {
		if err := tr.WriteLine([]byte(d.opts.AgentCommand)); err != nil {
			return fmt.Errorf("tunnel: starting agent: %w", err)
		}
	}
	return nil
}

// handshake proposes the addressing pair and waits for the agent's mirrored
// acknowledgement.
func (d *Driver) handshake(stop <-chan struct{}) error {
	proposal := frame.Handshake{
		LocalIP:  d.opts.LocalIP,
		RemoteIP: d.opts.RemoteIP,
		MTU:      d.opts.MTU,
	}
	line, err := frame.Encode(frame.HandshakeSeq, frame.KindHandshake, proposal.Marshal())
	if err != nil {
		return err
	}
	if err := d.tr.WriteLine(line); err != nil {
		return fmt.Errorf("tunnel: sending handshake: %w", err)
	}

	type result struct {
		hs  frame.Handshake
		err error
	}
	ackCh := make(chan result, 1)
	go func() {
		for {
			raw, err := d.tr.ReadLine()
			if err != nil {
				ackCh <- result{err: err}
				return
			}
			f, err := frame.Decode(raw)
			if err != nil {
				// Prompt echo and agent banners are expected noise here.
				logging.Debugf("tunnel: pre-handshake line dropped: %v", err)
				continue
			}
			if f.Kind != frame.KindHandshake {
				continue
			}
			hs, err := frame.ParseHandshake(f.Payload)
			if err != nil {
				ackCh <- result{err: fmt.Errorf("tunnel: bad handshake ack: %w", err)}
				return
			}
			ackCh <- result{hs: hs}
			return
		}
	}()

	select {
	case r := <-ackCh:
		if r.err != nil {
			return r.err
		}
		want := proposal.Swapped()
		if !r.hs.LocalIP.Equal(want.LocalIP) || !r.hs.RemoteIP.Equal(want.RemoteIP) || r.hs.MTU != want.MTU {
			return fmt.Errorf("tunnel: agent acknowledged %s/%s mtu %d, proposed %s/%s mtu %d",
				r.hs.LocalIP, r.hs.RemoteIP, r.hs.MTU, proposal.LocalIP, proposal.RemoteIP, proposal.MTU)
		}
		return nil
	case <-time.After(d.opts.HandshakeTimeout):
		return ErrHandshakeTimeout
	case <-stop:
		return errStopped
	}
}

// degradedMonitor watches the keepalive window and the dropped-frame rate.
// Degraded is diagnostic only: forwarding continues, there is no automatic
// reconnection because neither end's interface and route state can be
// resumed blindly.
func (d *Driver) degradedMonitor(stop <-chan struct{}) {
	if d.opts.DegradedWindow <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	windowStart := time.Now()
	baseline := d.session.Counters().DroppedFrames

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if d.session.sinceValidRecv() > d.opts.DegradedWindow {
				d.degrade(fmt.Sprintf("no valid frame received for %s", d.opts.DegradedWindow))
			}
			dropped := d.session.Counters().DroppedFrames - baseline
			if d.opts.DecodeErrorThreshold > 0 && dropped > uint64(d.opts.DecodeErrorThreshold) {
				d.degrade(fmt.Sprintf("%d undecodable frames within %s", dropped, d.opts.DegradedWindow))
			}
			if time.Since(windowStart) >= d.opts.DegradedWindow {
				windowStart = time.Now()
				baseline = d.session.Counters().DroppedFrames
			}
		}
	}
}

func (d *Driver) degrade(reason string) {
	if d.session.transition(StateEstablished, StateDegraded) {
		logging.Warnf("tunnel degraded: %s; forwarding continues, restart the tunnel to recover", reason)
	}
}

// runUpDown invokes the operator's hook script. The down call is skipped
// when up never succeeded.
func (d *Driver) runUpDown(status string) error {
	if d.opts.UpDownScript == "" {
		return nil
	}
	if status == "down" && !d.upOK {
		return nil
	}

	args := []string{status, d.dev.Name(), d.opts.LocalIP.String(), d.opts.RemoteIP.String()}
	args = append(args, d.opts.Routes...)
	logging.Infof("running up-down script: %s %s", d.opts.UpDownScript, strings.Join(args, " "))

	out, err := exec.Command(d.opts.UpDownScript, args...).CombinedOutput()
	if err != nil {
		if status == "up" {
			return fmt.Errorf("tunnel: up-down script failed: %w (%s)", err, strings.TrimSpace(string(out)))
		}
		logging.Warnf("tunnel: up-down script (down) failed: %v", err)
		return nil
	}
	if status == "up" {
		d.upOK = true
	}
	return nil
}

// cleanup releases everything initialize created. Safe on partial
// initialization and runs exactly once.
func (d *Driver) cleanup() {
	d.cleanupOnce.Do(func() {
		d.runUpDown("down")
		for _, route := range d.installedRoutes {
			d.netcfg.DelRoute(route, d.opts.RemoteIP)
		}
		if d.dev != nil {
			d.dev.Close()
			d.netcfg.TeardownDevice(d.dev.Name())
		}
		if d.tr != nil {
			d.tr.Close()
		}
	})
}
