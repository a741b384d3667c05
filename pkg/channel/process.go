package channel

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/irctrakz/sessiontun/pkg/logging"
)

// ProcessConfig describes the externally-opened session process.
type ProcessConfig struct {
	// Command and Args spawn the interactive session, e.g. the session
	// manager CLI that lands in a shell on the target host.
	Command string
	Args    []string

	// ReadyPattern, when set, is matched against incoming lines before the
	// channel is considered usable (a shell prompt or banner).
	ReadyPattern *regexp.Regexp

	// ReadyTimeout bounds the wait for ReadyPattern. Zero means 15s.
	ReadyTimeout time.Duration
}

// ProcessChannel runs a session process and exposes its stdin/stdout as a
// Transport. Process exit is surfaced as ErrChannelClosed; no restart or
// reconnect is attempted here.
type ProcessChannel struct {
	cfg ProcessConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	outRaw io.ReadCloser

	writeMu   sync.Mutex
	st        state
	closeOnce sync.Once
	closeErr  error
}

// NewProcess constructs an unstarted process channel.
func NewProcess(cfg ProcessConfig) *ProcessChannel {
	return &ProcessChannel{cfg: cfg}
}

// Start spawns the session process and waits for readiness.
func (p *ProcessChannel) Start() error {
	if p.cfg.Command == "" {
		return fmt.Errorf("channel: no session command configured")
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	// Own process group so Close can take down the whole session,
	// including any children the session command forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("channel: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("channel: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("channel: spawn %s: %w", p.cfg.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.outRaw = stdout
	p.stdout = bufio.NewReader(stdout)
	p.st.set(Connecting)

	logging.Debugf("channel: spawned %s (pid %d)", p.cfg.Command, cmd.Process.Pid)

	if err := p.waitReady(); err != nil {
		p.Close()
		return err
	}
	p.st.set(Ready)
	return nil
}

func (p *ProcessChannel) waitReady() error {
	if p.cfg.ReadyPattern == nil {
		return nil
	}
	timeout := p.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		for {
			line, err := p.stdout.ReadString('\n')
			if p.cfg.ReadyPattern.MatchString(line) {
				done <- result{nil}
				return
			}
			if err != nil {
				done <- result{fmt.Errorf("channel: session ended before ready: %w", err)}
				return
			}
			logging.Debugf("channel: pre-ready line: %q", line)
		}
	}()

	select {
	case r := <-done:
		return r.err
	case <-time.After(timeout):
		return fmt.Errorf("channel: session not ready within %s", timeout)
	}
}

// State returns the current channel state.
func (p *ProcessChannel) State() State { return p.st.get() }

// WriteLine writes exactly one line. Concurrent callers are serialized so
// two frames can never interleave on the wire.
func (p *ProcessChannel) WriteLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.st.closed() {
		return ErrChannelClosed
	}
	if _, err := p.stdin.Write(line); err != nil {
		if p.st.closed() {
			return ErrChannelClosed
		}
		return fmt.Errorf("channel: write: %w", err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := p.stdin.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("channel: write: %w", err)
		}
	}
	return nil
}

// ReadLine blocks for the next newline-terminated line.
func (p *ProcessChannel) ReadLine() ([]byte, error) {
	line, err := p.stdout.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			// Final unterminated fragment; hand it up, closure surfaces
			// on the next call.
			return line, nil
		}
		p.st.set(Closed)
		return nil, ErrChannelClosed
	}
	return line, nil
}

// Close terminates the session process and unblocks pending I/O.
func (p *ProcessChannel) Close() error {
	p.closeOnce.Do(func() {
		p.st.set(Closed)
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.outRaw != nil {
			p.outRaw.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			// Negative pid signals the process group.
			syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
			p.closeErr = p.cmd.Wait()
			logging.Debugf("channel: session process exited: %v", p.closeErr)
		}
	})
	return nil
}
