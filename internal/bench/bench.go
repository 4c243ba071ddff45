// Package bench drives the kernel runtime through the benchmark scenarios:
// elementwise products over contiguous and strided layouts, partitioned
// launches, templated operations, work group sizes and private buffers.
//
// Every scenario fills its inputs deterministically, times the launch loop
// between two Finish barriers and verifies the copied-back result.
package bench

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-kernelrt/internal/device"
	"github.com/23skdu/longbow-kernelrt/internal/kernel"
	"github.com/23skdu/longbow-kernelrt/internal/logger"
	"github.com/23skdu/longbow-kernelrt/internal/metrics"
	"github.com/23skdu/longbow-kernelrt/internal/profiling"
	"github.com/23skdu/longbow-kernelrt/internal/template"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrVerification    = errors.New("verification failed")
)

// Scenario is one benchmark program.
type Scenario struct {
	Name        string
	Description string
	Defaults    template.Params
	Run         func(s *Session) (Result, error)
}

// Result summarises one scenario run.
type Result struct {
	Scenario string
	Elements int
	Launches int
	Errors   int
	Elapsed  time.Duration
	Phases   map[string]time.Duration
}

// PerLaunch is the mean wall time of one launch in the timed loop.
func (r Result) PerLaunch() time.Duration {
	if r.Launches == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Launches)
}

var (
	scenariosMu sync.RWMutex
	scenarios   = make(map[string]Scenario)
)

// Register adds a scenario; later registrations replace earlier ones.
func Register(s Scenario) {
	scenariosMu.Lock()
	defer scenariosMu.Unlock()
	scenarios[s.Name] = s
}

func Lookup(name string) (Scenario, bool) {
	scenariosMu.RLock()
	defer scenariosMu.RUnlock()
	s, ok := scenarios[name]
	return s, ok
}

// Scenarios lists registered scenario names, sorted.
func Scenarios() []string {
	scenariosMu.RLock()
	defer scenariosMu.RUnlock()
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Runner runs scenarios on one device.
type Runner struct {
	ctx       *device.Context
	builder   *kernel.Builder
	log       *logger.Logger
	groupSize int
}

func NewRunner(ctx *device.Context, groupSize int) *Runner {
	if groupSize <= 0 {
		groupSize = 64
	}
	return &Runner{
		ctx:       ctx,
		builder:   kernel.NewBuilder(ctx),
		log:       ctx.Logger().With("component", "bench"),
		groupSize: groupSize,
	}
}

func (r *Runner) Context() *device.Context { return r.ctx }

// Run executes scenario name with params layered over its defaults. A result
// with verification errors is returned together with an ErrVerification error.
func (r *Runner) Run(name string, params template.Params) (Result, error) {
	sc, ok := Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownScenario, name, Scenarios())
	}
	merged := template.Params{"workgroup_size": r.groupSize}
	for k, v := range sc.Defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	s := &Session{runner: r, name: name, params: merged, timer: profiling.NewTimer()}
	start := profiling.SystemMilliseconds()
	res, err := sc.Run(s)
	s.release()
	if err != nil {
		return res, fmt.Errorf("scenario %s: %w", name, err)
	}
	res.Scenario = name
	res.Phases = make(map[string]time.Duration)
	for _, l := range s.timer.Labels() {
		res.Phases[l] = s.timer.Total(l)
	}
	res.Elapsed = s.timer.Total(phaseRun)
	metrics.RecordBenchmark(name, res.Elapsed, res.Errors)

	r.log.Info("benchmark finished",
		"scenario", name,
		"elements", res.Elements,
		"launches", res.Launches,
		"elapsed", res.Elapsed,
		"per_launch", res.PerLaunch(),
		"wall_ms", profiling.SystemMilliseconds()-start,
		"errors", res.Errors)
	if res.Errors > 0 {
		return res, fmt.Errorf("scenario %s: %w: %d of %d elements", name, ErrVerification, res.Errors, res.Elements)
	}
	return res, nil
}

const (
	phaseSetup = "setup"
	phaseRun   = "run"
	phaseCopy  = "copyback"
)

// Session carries the state of one scenario run. Buffers wrapped through it
// are released when the run ends.
type Session struct {
	runner  *Runner
	name    string
	params  template.Params
	timer   *profiling.Timer
	buffers []*device.Buffer
}

func (s *Session) Context() *device.Context { return s.runner.ctx }

func (s *Session) Params() template.Params { return s.params }

func (s *Session) GroupSize() (int, error) {
	g, err := s.Int("workgroup_size")
	if err != nil {
		return 0, err
	}
	if g <= 0 {
		return 0, fmt.Errorf("workgroup_size must be positive, got %d", g)
	}
	return g, nil
}

// Build compiles source rendered with the session parameters plus extra.
func (s *Session) Build(source, entry string, extra template.Params) (*kernel.Kernel, error) {
	params := make(template.Params, len(s.params)+len(extra))
	for k, v := range s.params {
		params[k] = v
	}
	for k, v := range extra {
		params[k] = v
	}
	return s.runner.builder.Build(s.name, source, entry, params)
}

// Wrap wraps host and registers the buffer for release at the end of the run.
func Wrap[T device.Element](s *Session, host []T) (*device.Buffer, error) {
	b, err := device.Wrap(s.runner.ctx, len(host), host)
	if err != nil {
		return nil, err
	}
	s.buffers = append(s.buffers, b)
	return b, nil
}

// Upload copies every buffer to the device.
func (s *Session) Upload(bufs ...*device.Buffer) error {
	for _, b := range bufs {
		if err := b.CopyToDevice(); err != nil {
			return err
		}
	}
	return nil
}

// StartTimer finishes outstanding work and charges it to the setup phase.
func (s *Session) StartTimer() error {
	if err := s.runner.ctx.Finish(); err != nil {
		return err
	}
	s.timer.Check(phaseSetup)
	return nil
}

// StopTimer waits for the launch loop and charges it to the run phase.
func (s *Session) StopTimer() error {
	if err := s.runner.ctx.Finish(); err != nil {
		return err
	}
	s.timer.Check(phaseRun)
	return nil
}

// Download copies buffers back to the host and charges the copy phase.
func (s *Session) Download(bufs ...*device.Buffer) error {
	for _, b := range bufs {
		if err := b.CopyToHost(); err != nil {
			return err
		}
	}
	s.timer.Check(phaseCopy)
	return nil
}

func (s *Session) release() {
	for _, b := range s.buffers {
		if err := b.Release(); err != nil {
			s.runner.log.Warn("release buffer", "scenario", s.name, "error", err)
		}
	}
	s.buffers = nil
}
