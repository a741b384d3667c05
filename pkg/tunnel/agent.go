package tunnel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/irctrakz/sessiontun/pkg/channel"
	"github.com/irctrakz/sessiontun/pkg/frame"
	"github.com/irctrakz/sessiontun/pkg/logging"
	"github.com/irctrakz/sessiontun/pkg/tun"
)

// AgentOptions configures the remote-side tunnel peer.
type AgentOptions struct {
	// Transport is the agent's side of the channel, normally its own
	// stdin/stdout inside the remote session.
	Transport channel.Transport

	// OpenDevice creates the virtual interface. Defaults to the kernel
	// TUN device.
	OpenDevice func(name string, mtu int) (tun.Device, error)

	// NetCfg applies host networking changes. Defaults to shelling out.
	NetCfg *tun.NetCfg

	Keepalive time.Duration

	// IdleTimeout: with no input at all for this long the agent exits and
	// cleans up, so a dead session cannot leave a device behind.
	IdleTimeout time.Duration

	// EnableNAT turns on IPv4 forwarding and masquerades driver traffic
	// so it can egress through this host.
	EnableNAT bool
}

// Agent is the remote-side tunnel peer. It waits for the driver's
// handshake, mirrors the addressing, and bridges its device to the channel
// until the session ends.
type Agent struct {
	opts    AgentOptions
	session *Session
	netcfg  *tun.NetCfg

	dev tun.Device

	cleanupOnce sync.Once
}

// NewAgent validates options and creates the agent in Listening state.
func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("tunnel: agent needs a transport")
	}
	if opts.OpenDevice == nil {
		opts.OpenDevice = tun.OpenKernel
	}
	if opts.NetCfg == nil {
		opts.NetCfg = tun.NewNetCfg()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	return &Agent{
		opts:    opts,
		netcfg:  opts.NetCfg,
		session: NewSession(nil, nil, 0, nil, StateListening),
	}, nil
}

// Session exposes the agent's session, mainly for tests.
func (a *Agent) Session() *Session { return a.session }

// Run walks the agent state machine. A clean session end (operator stop,
// idle timeout, channel EOF) returns nil; device and handshake failures
// return the error. Resources are released exactly once on every path.
func (a *Agent) Run(stop <-chan struct{}) error {
	defer a.session.setState(StateClosed)
	defer a.cleanup()

	hs, err := a.listen(stop)
	if err != nil {
		return err
	}
	if hs == nil {
		// Stopped or timed out before any handshake arrived.
		return nil
	}

	if err := a.establish(*hs); err != nil {
		return err
	}

	pumpStop := make(chan struct{})
	defer close(pumpStop)
	errCh := newPumps(a.session, a.dev, a.opts.Transport).start(a.opts.Keepalive, pumpStop)

	idleCh := make(chan struct{})
	go a.idleMonitor(pumpStop, idleCh)

	select {
	case <-stop:
		logging.Infof("agent: shutting down")
	case <-idleCh:
		logging.Warnf("agent: no input for %s, exiting", a.opts.IdleTimeout)
	case err := <-errCh:
		if errors.Is(err, channel.ErrChannelClosed) {
			logging.Infof("agent: session channel closed")
		} else {
			logging.Errorf("agent: pump failed: %v", err)
			a.session.setState(StateClosing)
			return err
		}
	}

	a.session.setState(StateClosing)
	return nil
}

// listen waits for the driver's handshake frame. Non-frame noise (shell
// echo of the agent command, blank lines) is ignored.
func (a *Agent) listen(stop <-chan struct{}) (*frame.Handshake, error) {
	type result struct {
		hs  frame.Handshake
		err error
	}
	hsCh := make(chan result, 1)
	go func() {
		for {
			raw, err := a.opts.Transport.ReadLine()
			if err != nil {
				hsCh <- result{err: err}
				return
			}
			a.session.noteInput()
			f, err := frame.Decode(raw)
			if err != nil {
				logging.Debugf("agent: ignoring pre-handshake line: %v", err)
				continue
			}
			if f.Kind != frame.KindHandshake {
				logging.Debugf("agent: ignoring %s frame before handshake", f.Kind)
				continue
			}
			hs, err := frame.ParseHandshake(f.Payload)
			if err != nil {
				hsCh <- result{err: fmt.Errorf("tunnel: bad handshake proposal: %w", err)}
				return
			}
			hsCh <- result{hs: hs}
			return
		}
	}()

	select {
	case r := <-hsCh:
		if r.err != nil {
			if errors.Is(r.err, channel.ErrChannelClosed) {
				return nil, nil
			}
			return nil, r.err
		}
		return &r.hs, nil
	case <-time.After(a.opts.IdleTimeout):
		logging.Warnf("agent: no handshake within %s", a.opts.IdleTimeout)
		a.opts.Transport.Close()
		return nil, nil
	case <-stop:
		a.opts.Transport.Close()
		return nil, nil
	}
}

// establish mirrors the driver's proposal: the agent's local address is the
// driver's remote and vice versa. The device is created and addressed
// before the acknowledgement goes out, so by the time the driver sees the
// ack both ends can forward.
func (a *Agent) establish(proposal frame.Handshake) error {
	mine := proposal.Swapped()
	a.session.LocalIP = mine.LocalIP
	a.session.RemoteIP = mine.RemoteIP
	a.session.MTU = mine.MTU

	name := tun.DeviceName(mine.LocalIP)
	dev, err := a.opts.OpenDevice(name, mine.MTU)
	if err != nil {
		return err
	}
	a.dev = dev

	if err := a.netcfg.ConfigureDevice(dev.Name(), mine.LocalIP, mine.RemoteIP, mine.MTU); err != nil {
		return err
	}
	if a.opts.EnableNAT {
		a.netcfg.EnableForwarding()
		a.netcfg.AddMasquerade(dev.Name(), mine.RemoteIP)
	}

	// Informational banner for anyone watching the session; the driver
	// discards it as a non-frame line.
	banner := fmt.Sprintf("# agent device %s is ready [%s]", dev.Name(), mine.LocalIP)
	if err := a.opts.Transport.WriteLine([]byte(banner)); err != nil {
		return fmt.Errorf("tunnel: agent banner: %w", err)
	}

	ack, err := frame.Encode(frame.HandshakeSeq, frame.KindHandshake, mine.Marshal())
	if err != nil {
		return err
	}
	if err := a.opts.Transport.WriteLine(ack); err != nil {
		return fmt.Errorf("tunnel: sending handshake ack: %w", err)
	}

	a.session.setState(StateEstablished)
	logging.Infof("agent established: %s <-> %s mtu %d dev %s", mine.LocalIP, mine.RemoteIP, mine.MTU, dev.Name())
	return nil
}

// idleMonitor closes idleCh once no input has arrived for the configured
// timeout.
func (a *Agent) idleMonitor(stop <-chan struct{}, idleCh chan<- struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if a.session.sinceInput() > a.opts.IdleTimeout {
				close(idleCh)
				return
			}
		}
	}
}

// cleanup releases the device and host networking changes exactly once.
func (a *Agent) cleanup() {
	a.cleanupOnce.Do(func() {
		if a.dev != nil {
			if a.opts.EnableNAT {
				a.netcfg.DelMasquerade(a.dev.Name(), a.session.RemoteIP)
			}
			a.dev.Close()
			a.netcfg.TeardownDevice(a.dev.Name())
		}
		a.opts.Transport.Close()
	})
}
