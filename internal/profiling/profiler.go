package profiling

import (
	"sort"
	"sync"
	"time"
)

// Launch is one timed kernel execution.
type Launch struct {
	Kernel  string
	Seq     int
	Elapsed time.Duration
}

// Report is the set of launches collected between two dumps.
type Report struct {
	Device   string
	Since    time.Time
	Until    time.Time
	Launches []Launch
}

// KernelSummary aggregates the launches of one kernel.
type KernelSummary struct {
	Kernel string
	Count  int
	Total  time.Duration
	Min    time.Duration
	Max    time.Duration
}

func (s KernelSummary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summary groups launches by kernel, ordered by total time descending.
func (r Report) Summary() []KernelSummary {
	idx := make(map[string]int)
	var out []KernelSummary
	for _, l := range r.Launches {
		i, ok := idx[l.Kernel]
		if !ok {
			i = len(out)
			idx[l.Kernel] = i
			out = append(out, KernelSummary{Kernel: l.Kernel, Min: l.Elapsed, Max: l.Elapsed})
		}
		s := &out[i]
		s.Count++
		s.Total += l.Elapsed
		if l.Elapsed < s.Min {
			s.Min = l.Elapsed
		}
		if l.Elapsed > s.Max {
			s.Max = l.Elapsed
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Total > out[b].Total })
	return out
}

// Total is the summed device time of every launch in the report.
func (r Report) Total() time.Duration {
	var t time.Duration
	for _, l := range r.Launches {
		t += l.Elapsed
	}
	return t
}

// Profiler collects launch timings. Record may be called from driver goroutines.
type Profiler struct {
	mu       sync.Mutex
	seq      int
	since    time.Time
	launches []Launch
}

func NewProfiler() *Profiler {
	return &Profiler{since: time.Now()}
}

func (p *Profiler) Record(kernel string, elapsed time.Duration) {
	p.mu.Lock()
	p.launches = append(p.launches, Launch{Kernel: kernel, Seq: p.seq, Elapsed: elapsed})
	p.seq++
	p.mu.Unlock()
}

// Len reports how many launches are waiting for the next Dump.
func (p *Profiler) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.launches)
}

// Dump returns the collected launches and resets the collection window.
func (p *Profiler) Dump() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	r := Report{Since: p.since, Until: now, Launches: p.launches}
	p.launches = nil
	p.since = now
	return r
}
