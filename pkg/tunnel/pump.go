package tunnel

import (
	"bytes"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/irctrakz/sessiontun/pkg/channel"
	"github.com/irctrakz/sessiontun/pkg/frame"
	"github.com/irctrakz/sessiontun/pkg/logging"
	"github.com/irctrakz/sessiontun/pkg/tun"
)

// pumps couples one device and one channel into the two forwarding
// directions. Each direction owns its I/O exclusively; the only shared
// state is the session's atomic counters and the outbound idle timestamp
// the keepalive loop watches.
type pumps struct {
	session *Session
	dev     tun.Device
	tr      channel.Transport

	seq     frame.Sequencer
	lastOut int64
}

func newPumps(session *Session, dev tun.Device, tr channel.Transport) *pumps {
	return &pumps{
		session: session,
		dev:     dev,
		tr:      tr,
		lastOut: time.Now().UnixNano(),
	}
}

// start launches both pumps and the keepalive loop. The first terminal
// error from any of them arrives on the returned channel; the owner then
// closes the device and transport, which unblocks the rest.
func (p *pumps) start(keepalive time.Duration, stop <-chan struct{}) <-chan error {
	errCh := make(chan error, 3)
	go func() { errCh <- p.outbound() }()
	go func() { errCh <- p.inbound() }()
	go func() { errCh <- p.keepaliveLoop(keepalive, stop) }()
	return errCh
}

// outbound forwards kernel traffic to the channel: device read → encode →
// write line. Runs until the device or channel is closed.
func (p *pumps) outbound() error {
	buf := make([]byte, p.session.MTU+4)
	for {
		n, err := p.dev.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		line, err := frame.Encode(p.seq.Next(), frame.KindData, buf[:n])
		if err != nil {
			// Oversized read; can only happen if the device MTU and the
			// agreed MTU diverge. Drop, never send a frame the channel
			// could split.
			logging.Warnf("tunnel: dropping oversized packet (%d bytes): %v", n, err)
			p.session.noteDropped()
			continue
		}
		if err := p.tr.WriteLine(line); err != nil {
			return err
		}
		atomic.StoreInt64(&p.lastOut, time.Now().UnixNano())
		p.session.noteSent(n)
		p.debugPacket("out", buf[:n])
	}
}

// inbound forwards channel traffic to the kernel: read line → decode →
// device write. A line that fails to decode is dropped and counted, never
// fatal. Runs until the channel closes.
func (p *pumps) inbound() error {
	for {
		line, err := p.tr.ReadLine()
		if err != nil {
			return err
		}
		p.session.noteInput()

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		f, err := frame.Decode(line)
		if err != nil {
			p.session.noteDropped()
			if logging.DebugEnabled() {
				logging.Debugf("tunnel: dropped line: %v", err)
			}
			continue
		}
		p.session.noteValidRecv()

		switch f.Kind {
		case frame.KindData:
			if _, err := p.dev.Write(f.Payload); err != nil {
				logging.Warnf("tunnel: device write failed: %v", err)
				p.session.noteDropped()
				continue
			}
			p.session.noteReceived(len(f.Payload))
			p.debugPacket("in", f.Payload)
		case frame.KindKeepalive:
			// Nothing to forward; receipt already refreshed liveness.
		case frame.KindHandshake:
			logging.Debugf("tunnel: ignoring handshake frame seq=%d after establishment", f.Seq)
		}
	}
}

// keepaliveLoop sends a keepalive frame whenever the outbound direction has
// been idle for the configured interval, so the peer can tell a quiet link
// from a dead one.
func (p *pumps) keepaliveLoop(interval time.Duration, stop <-chan struct{}) error {
	if interval <= 0 {
		<-stop
		return nil
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			idle := time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&p.lastOut))
			if idle < interval {
				continue
			}
			line, err := frame.Encode(p.seq.Next(), frame.KindKeepalive, nil)
			if err != nil {
				return err
			}
			if err := p.tr.WriteLine(line); err != nil {
				return err
			}
			atomic.StoreInt64(&p.lastOut, time.Now().UnixNano())
			p.session.noteKeepalive()
		}
	}
}

// debugPacket logs the IP header of a forwarded packet at debug level.
func (p *pumps) debugPacket(dir string, pkt []byte) {
	if !logging.DebugEnabled() {
		return
	}
	hdr, err := ipv4.ParseHeader(pkt)
	if err != nil {
		logging.Debugf("tunnel: %s %d bytes (not IPv4: %v)", dir, len(pkt), err)
		return
	}
	logging.Debugf("tunnel: %s %d bytes %s -> %s proto=%d", dir, len(pkt), hdr.Src, hdr.Dst, hdr.Protocol)
}
