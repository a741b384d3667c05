package tunnel

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// StatsReporter periodically renders the session's cumulative counters and
// a sliding-window throughput average as a single status line. Driver side
// only; it reads the session purely through the Counters accessor.
type StatsReporter struct {
	session *Session
	window  time.Duration
	refresh time.Duration
	out     io.Writer
}

// NewStatsReporter creates a reporter writing to out.
func NewStatsReporter(session *Session, window, refresh time.Duration, out io.Writer) *StatsReporter {
	if window <= 0 {
		window = 10 * time.Second
	}
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	return &StatsReporter{session: session, window: window, refresh: refresh, out: out}
}

type statPoint struct {
	ts      time.Time
	in, out uint64
}

// Run renders until stop closes. The line is redrawn in place with an
// ANSI erase, matching an interactive terminal.
func (r *StatsReporter) Run(stop <-chan struct{}) {
	start := time.Now()
	history := []statPoint{{ts: start}}
	maxPoints := int(r.window/r.refresh) + 1

	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			fmt.Fprintln(r.out)
			return
		case <-ticker.C:
			c := r.session.Counters()
			now := time.Now()
			history = append(history, statPoint{ts: now, in: c.BytesIn, out: c.BytesOut})
			if len(history) > maxPoints {
				history = history[len(history)-maxPoints:]
			}

			oldest := history[0]
			var inRate, outRate float64
			if dt := now.Sub(oldest.ts).Seconds(); dt > 0 {
				inRate = float64(c.BytesIn-oldest.in) / dt
				outRate = float64(c.BytesOut-oldest.out) / dt
			}

			fmt.Fprintf(r.out, "\r\x1b[K%s", statsLine(now.Sub(start), c, inRate, outRate))
		}
	}
}

// statsLine formats one status line from a counter snapshot.
func statsLine(uptime time.Duration, c Counters, inRate, outRate float64) string {
	return fmt.Sprintf("%s | In: %8s @ %8s/s | Out: %8s @ %8s/s",
		formatUptime(uptime),
		humanize.Bytes(c.BytesIn), humanize.Bytes(uint64(inRate)),
		humanize.Bytes(c.BytesOut), humanize.Bytes(uint64(outRate)))
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
