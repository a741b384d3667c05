// Package channel abstracts the interactive remote session as a
// line-oriented duplex byte stream. The session itself (authentication,
// routing of the terminal) is owned by an external collaborator; this
// package only cares that whatever sits behind the Transport preserves
// newline-delimited printable text in both directions.
package channel

import (
	"errors"
	"sync/atomic"
)

// Transport is the contract every channel implementation satisfies.
// WriteLine must deliver exactly one line per call with no interleaving
// between concurrent callers. ReadLine blocks for the next
// newline-terminated line. Close unblocks any pending read or write.
type Transport interface {
	WriteLine(line []byte) error
	ReadLine() ([]byte, error)
	Close() error
}

// State describes the channel lifecycle. Transitions are owned solely by
// the Transport implementation.
type State uint32

const (
	Connecting State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ErrChannelClosed is returned from ReadLine/WriteLine once the peer or the
// underlying process has gone away. The channel never reconnects itself.
var ErrChannelClosed = errors.New("channel: closed")

// state is a small atomic wrapper shared by the implementations.
type state struct {
	v uint32
}

func (s *state) get() State     { return State(atomic.LoadUint32(&s.v)) }
func (s *state) set(next State) { atomic.StoreUint32(&s.v, uint32(next)) }
func (s *state) closed() bool   { return s.get() == Closed }
