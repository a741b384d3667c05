package tunnel

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStatsLineFormat(t *testing.T) {
	c := Counters{BytesIn: 1500, BytesOut: 2000}
	line := statsLine(90*time.Second, c, 100, 250)

	if !strings.HasPrefix(line, "0:01:30 | ") {
		t.Fatalf("bad uptime prefix: %q", line)
	}
	for _, want := range []string{"In:", "Out:", "1.5 kB", "2.0 kB", "100 B/s", "250 B/s"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00"},
		{59 * time.Second, "0:00:59"},
		{61 * time.Second, "0:01:01"},
		{3661 * time.Second, "1:01:01"},
		{25 * time.Hour, "25:00:00"},
	}
	for _, c := range cases {
		if got := formatUptime(c.d); got != c.want {
			t.Errorf("formatUptime(%s) = %q, want %q", c.d, got, c.want)
		}
	}
}

// lockedBuffer makes bytes.Buffer safe for the reporter goroutine plus the
// test's reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStatsReporterRenders(t *testing.T) {
	session := NewSession(net.ParseIP("100.64.0.1"), net.ParseIP("100.64.0.2"), 1400, nil, StateEstablished)
	session.noteSent(1024)
	session.noteReceived(4096)

	out := &lockedBuffer{}
	r := NewStatsReporter(session, time.Second, 50*time.Millisecond, out)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Run(stop)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "In:") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(stop)
	<-done

	got := out.String()
	for _, want := range []string{"In:", "Out:", "4.1 kB", "1.0 kB"} {
		if !strings.Contains(got, want) {
			t.Fatalf("reporter output %q missing %q", got, want)
		}
	}
	if !strings.HasSuffix(got, "\n") {
		t.Fatalf("reporter did not emit final newline")
	}
}
