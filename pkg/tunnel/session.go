// Package tunnel implements the two tunnel peers: the client-side driver
// and the remote-side agent. Each peer bridges a kernel TUN device to its
// side of a line-oriented session channel through a pair of concurrent
// forwarding pumps.
package tunnel

import (
	"net"
	"sync/atomic"
	"time"
)

// State describes where a peer is in its lifecycle. The driver walks
// Initializing → Handshaking → Established (→ Degraded) → Closing → Closed;
// the agent walks Listening → Established → Closed.
type State uint32

const (
	StateInitializing State = iota
	StateHandshaking
	StateListening
	StateEstablished
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateHandshaking:
		return "handshaking"
	case StateListening:
		return "listening"
	case StateEstablished:
		return "established"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Counters is a snapshot of a session's cumulative traffic counters. Byte
// counts are raw IP packet sizes; framing and encoding overhead is not
// included.
type Counters struct {
	BytesIn        uint64
	BytesOut       uint64
	FramesIn       uint64
	FramesOut      uint64
	DroppedFrames  uint64
	KeepalivesSent uint64
}

// Session holds the state owned by one tunnel peer: agreed addressing, the
// lifecycle state and the traffic counters the pumps update. Counters are
// only ever touched atomically; everything else is set before the pumps
// start and read-only afterwards.
type Session struct {
	LocalIP  net.IP
	RemoteIP net.IP
	MTU      int
	Routes   []string

	state uint32

	bytesIn        uint64
	bytesOut       uint64
	framesIn       uint64
	framesOut      uint64
	droppedFrames  uint64
	keepalivesSent uint64

	// Unix nanos of the last valid inbound frame and the last inbound
	// line of any kind. The degraded monitor reads the former, the
	// agent's idle timer the latter.
	lastValidRecv int64
	lastInput     int64
}

// NewSession creates a session in the given initial state.
func NewSession(local, remote net.IP, mtu int, routes []string, initial State) *Session {
	s := &Session{
		LocalIP:  local,
		RemoteIP: remote,
		MTU:      mtu,
		Routes:   routes,
	}
	now := time.Now().UnixNano()
	atomic.StoreInt64(&s.lastValidRecv, now)
	atomic.StoreInt64(&s.lastInput, now)
	s.setState(initial)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadUint32(&s.state))
}

func (s *Session) setState(next State) {
	atomic.StoreUint32(&s.state, uint32(next))
}

// transition moves to next only when currently in from. Returns whether the
// transition happened.
func (s *Session) transition(from, next State) bool {
	return atomic.CompareAndSwapUint32(&s.state, uint32(from), uint32(next))
}

// Counters returns a snapshot of the traffic counters. This is the only
// window StatsReporter gets into the session.
func (s *Session) Counters() Counters {
	return Counters{
		BytesIn:        atomic.LoadUint64(&s.bytesIn),
		BytesOut:       atomic.LoadUint64(&s.bytesOut),
		FramesIn:       atomic.LoadUint64(&s.framesIn),
		FramesOut:      atomic.LoadUint64(&s.framesOut),
		DroppedFrames:  atomic.LoadUint64(&s.droppedFrames),
		KeepalivesSent: atomic.LoadUint64(&s.keepalivesSent),
	}
}

func (s *Session) noteSent(rawBytes int) {
	atomic.AddUint64(&s.framesOut, 1)
	atomic.AddUint64(&s.bytesOut, uint64(rawBytes))
}

func (s *Session) noteReceived(rawBytes int) {
	atomic.AddUint64(&s.framesIn, 1)
	atomic.AddUint64(&s.bytesIn, uint64(rawBytes))
}

func (s *Session) noteDropped() {
	atomic.AddUint64(&s.droppedFrames, 1)
}

func (s *Session) noteKeepalive() {
	atomic.AddUint64(&s.keepalivesSent, 1)
}

func (s *Session) noteValidRecv() {
	atomic.StoreInt64(&s.lastValidRecv, time.Now().UnixNano())
}

func (s *Session) noteInput() {
	atomic.StoreInt64(&s.lastInput, time.Now().UnixNano())
}

func (s *Session) sinceValidRecv() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&s.lastValidRecv))
}

func (s *Session) sinceInput() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&s.lastInput))
}
