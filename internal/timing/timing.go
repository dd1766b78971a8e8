// Package timing records phase durations of a lab deployment.
package timing

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Timer tracks durations of named phases.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []Phase
	now    func() time.Time
}

// Phase is a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a Timer starting from now.
func New() *Timer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Timer {
	start := now()
	return &Timer{start: start, last: start, now: now}
}

// Mark records a phase ending now. Its duration is the time since the
// previous mark, or since the start for the first mark.
func (t *Timer) Mark(name string) {
	now := t.now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the time elapsed since the timer was created.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns the recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Summary renders the phases on one line, for example
// "provision=1.20s configure=310ms total=1.51s".
func (t *Timer) Summary() string {
	var b strings.Builder
	for _, p := range t.phases {
		fmt.Fprintf(&b, "%s=%s ", p.Name, formatDuration(p.Duration))
	}
	fmt.Fprintf(&b, "total=%s", formatDuration(t.Total()))
	return b.String()
}

// Report writes a multi-line timing report.
func (t *Timer) Report(w io.Writer, title string) {
	fmt.Fprintf(w, "=== %s ===\n", title)
	for _, p := range t.phases {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
