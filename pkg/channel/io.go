package channel

import (
	"bufio"
	"io"
	"os"
	"sync"
)

// IOChannel adapts a plain reader/writer pair to the Transport contract.
// The agent uses it over its own stdin/stdout; tests use it over in-memory
// pipes.
type IOChannel struct {
	r *bufio.Reader
	w io.Writer

	closers []io.Closer

	writeMu   sync.Mutex
	st        state
	closeOnce sync.Once
}

// NewIO wraps r and w as a ready Transport. Any closers given are closed
// (once) by Close, unblocking pending reads and writes.
func NewIO(r io.Reader, w io.Writer, closers ...io.Closer) *IOChannel {
	c := &IOChannel{
		r:       bufio.NewReader(r),
		w:       w,
		closers: closers,
	}
	c.st.set(Ready)
	return c
}

// Stdio returns the agent-side channel over the process's own standard
// streams. Closing it closes stdin so a blocked ReadLine returns.
func Stdio() *IOChannel {
	return NewIO(os.Stdin, os.Stdout, os.Stdin)
}

// State returns the current channel state.
func (c *IOChannel) State() State { return c.st.get() }

// WriteLine writes exactly one line, serialized across callers.
func (c *IOChannel) WriteLine(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.st.closed() {
		return ErrChannelClosed
	}
	if _, err := c.w.Write(line); err != nil {
		return ErrChannelClosed
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := c.w.Write([]byte{'\n'}); err != nil {
			return ErrChannelClosed
		}
	}
	return nil
}

// ReadLine blocks for the next newline-terminated line.
func (c *IOChannel) ReadLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			return line, nil
		}
		c.st.set(Closed)
		return nil, ErrChannelClosed
	}
	return line, nil
}

// Close marks the channel closed and closes the underlying descriptors.
func (c *IOChannel) Close() error {
	c.closeOnce.Do(func() {
		c.st.set(Closed)
		for _, cl := range c.closers {
			cl.Close()
		}
	})
	return nil
}

// Pipe returns two connected in-memory channels: lines written to one side
// are read by the other. Used by tests to stand in for a live session.
func Pipe() (*IOChannel, *IOChannel) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := NewIO(ar, aw, ar, aw)
	b := NewIO(br, bw, br, bw)
	return a, b
}
