package profiling

import (
	"sort"
	"strings"
	"time"
)

var epoch = time.Now()

// SystemMilliseconds is a monotonic wall clock in milliseconds since process start.
func SystemMilliseconds() float64 {
	return float64(time.Since(epoch).Nanoseconds()) / 1e6
}

// Timer accumulates wall time between successive checkpoints under a label.
// It is not safe for concurrent use.
type Timer struct {
	last   time.Time
	totals map[string]time.Duration
	counts map[string]int
}

func NewTimer() *Timer {
	return &Timer{last: time.Now(), totals: make(map[string]time.Duration), counts: make(map[string]int)}
}

// Check charges the time since the previous checkpoint to label.
func (t *Timer) Check(label string) {
	now := time.Now()
	t.totals[label] += now.Sub(t.last)
	t.counts[label]++
	t.last = now
}

// Reset moves the checkpoint to now without charging any label.
func (t *Timer) Reset() {
	t.last = time.Now()
}

func (t *Timer) Total(label string) time.Duration { return t.totals[label] }

func (t *Timer) Count(label string) int { return t.counts[label] }

// Labels returns every label charged so far, sorted.
func (t *Timer) Labels() []string {
	out := make([]string, 0, len(t.totals))
	for k := range t.totals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *Timer) String() string {
	var b strings.Builder
	for i, l := range t.Labels() {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(l)
		b.WriteString("=")
		b.WriteString(t.totals[l].String())
	}
	return b.String()
}
