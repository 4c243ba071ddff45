// kernelbench runs kernel runtime benchmark scenarios on a host or OpenCL
// device and reports timings, verification results and profiling data.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/23skdu/longbow-kernelrt/internal/bench"
	"github.com/23skdu/longbow-kernelrt/internal/config"
	"github.com/23skdu/longbow-kernelrt/internal/device"
	_ "github.com/23skdu/longbow-kernelrt/internal/device/host"
	_ "github.com/23skdu/longbow-kernelrt/internal/device/opencl"
	"github.com/23skdu/longbow-kernelrt/internal/kernel"
	"github.com/23skdu/longbow-kernelrt/internal/logger"
	"github.com/23skdu/longbow-kernelrt/internal/monitoring"
	"github.com/23skdu/longbow-kernelrt/internal/profiling"
	"github.com/23skdu/longbow-kernelrt/internal/suite"
	"github.com/23skdu/longbow-kernelrt/internal/template"
)

// paramFlags collects repeated -param key=value flags.
type paramFlags template.Params

func (p paramFlags) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, ",")
}

// Set stores value as an int, float or bool when it parses as one.
func (p paramFlags) Set(kv string) error {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return fmt.Errorf("param %q is not key=value", kv)
	}
	if i, err := strconv.Atoi(v); err == nil {
		p[k] = i
	} else if f, err := strconv.ParseFloat(v, 64); err == nil {
		p[k] = f
	} else if b, err := strconv.ParseBool(v); err == nil {
		p[k] = b
	} else {
		p[k] = v
	}
	return nil
}

type options struct {
	cfg       config.Config
	suitePath string
	scenarios string
	repeat    int
	list      bool
	params    paramFlags
}

func parseFlags(args []string) (*options, error) {
	o := &options{cfg: config.Default(), params: paramFlags{}}
	fs := flag.NewFlagSet("kernelbench", flag.ContinueOnError)

	fs.StringVar(&o.cfg.Backend, "backend", o.cfg.Backend, "Device backend (host or opencl)")
	fs.IntVar(&o.cfg.DeviceIndex, "device", o.cfg.DeviceIndex, "Device index across all platforms")
	fs.BoolVar(&o.cfg.Profiling, "profiling", o.cfg.Profiling, "Collect per-launch kernel timings")
	fs.IntVar(&o.cfg.HostThreads, "threads", o.cfg.HostThreads, "Host device worker goroutines (0 = GOMAXPROCS)")
	fs.IntVar(&o.cfg.GroupSize, "group-size", o.cfg.GroupSize, "Default work group size")
	fs.StringVar(&o.cfg.LogLevel, "log-level", o.cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&o.cfg.LogFormat, "log-format", o.cfg.LogFormat, "Log format (console or json)")
	fs.StringVar(&o.cfg.MetricsAddr, "metrics-addr", o.cfg.MetricsAddr, "Address to serve /metrics and /health (empty disables)")
	fs.StringVar(&o.cfg.ProfileSink, "profile-sink", o.cfg.ProfileSink, "Profiling dump destination (none, log, arrow, flight)")
	fs.StringVar(&o.cfg.ProfilePath, "profile-path", o.cfg.ProfilePath, "Arrow IPC stream file for the arrow sink")
	fs.StringVar(&o.cfg.FlightAddr, "flight-addr", o.cfg.FlightAddr, "Arrow Flight endpoint for the flight sink")
	fs.StringVar(&o.suitePath, "suite", "", "HCL suite file; overrides -scenario and the device flags it sets")
	fs.StringVar(&o.scenarios, "scenario", "apply3", "Comma separated scenarios to run, or all")
	fs.IntVar(&o.repeat, "repeat", 1, "Runs per scenario")
	fs.BoolVar(&o.list, "list", false, "List scenarios and exit")
	fs.Var(o.params, "param", "Scenario parameter key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.repeat < 1 {
		return nil, fmt.Errorf("invalid repeat: %d (must be at least 1)", o.repeat)
	}
	return o, nil
}

// plan resolves the benchmarks to run, applying the suite's device block.
func (o *options) plan() ([]suite.Benchmark, error) {
	if o.suitePath != "" {
		s, err := suite.Load(o.suitePath)
		if err != nil {
			return nil, err
		}
		s.Apply(&o.cfg)
		for _, name := range s.Scenarios() {
			if _, ok := bench.Lookup(name); !ok {
				return nil, fmt.Errorf("suite %s: %w %q", o.suitePath, bench.ErrUnknownScenario, name)
			}
		}
		return s.Benchmarks, nil
	}

	names := strings.Split(o.scenarios, ",")
	if o.scenarios == "all" {
		names = bench.Scenarios()
	}
	var out []suite.Benchmark
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := bench.Lookup(name); !ok {
			return nil, fmt.Errorf("%w %q (known: %s)", bench.ErrUnknownScenario, name, strings.Join(bench.Scenarios(), ", "))
		}
		out = append(out, suite.Benchmark{Name: name, Scenario: name, Repeat: o.repeat, Params: template.Params(o.params)})
	}
	if len(out) == 0 {
		return nil, errors.New("no scenarios selected")
	}
	return out, nil
}

// openSink builds the profiling destination; the returned close func is never nil.
func openSink(cfg config.Config) (profiling.Sink, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.ProfileSink) {
	case config.SinkLog:
		return profiling.LogSink{Log: logger.Log}, noop, nil
	case config.SinkArrow:
		f, err := os.Create(cfg.ProfilePath)
		if err != nil {
			return nil, noop, fmt.Errorf("profile sink: %w", err)
		}
		s := profiling.NewArrowSink(f)
		return s, func() error {
			if err := s.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}, nil
	case config.SinkFlight:
		s, err := profiling.DialFlight(cfg.FlightAddr, "kernelbench")
		if err != nil {
			return nil, noop, fmt.Errorf("profile sink: %w", err)
		}
		return s, s.Close, nil
	}
	return nil, noop, nil
}

type outcome struct {
	name   string
	result bench.Result
	err    error
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	o, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if o.list {
		for _, name := range bench.Scenarios() {
			sc, _ := bench.Lookup(name)
			fmt.Fprintf(stdout, "%-24s %s\n", name, sc.Description)
		}
		return 0
	}

	benchmarks, err := o.plan()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	dev, err := device.Open(cfg.Backend, cfg.DeviceIndex, device.Options{Threads: cfg.HostThreads})
	if err != nil {
		logger.Log.Error("Failed to open device", "backend", cfg.Backend, "index", cfg.DeviceIndex, "error", err)
		return 1
	}
	defer func() {
		if err := kernel.Purge(dev); err != nil {
			logger.Log.Warn("Release programs", "error", err)
		}
		if err := dev.Close(); err != nil {
			logger.Log.Warn("Close device", "error", err)
		}
	}()
	dev.SetProfiling(cfg.Profiling)

	sink, closeSink, err := openSink(cfg)
	if err != nil {
		logger.Log.Error("Failed to open profiling sink", "sink", cfg.ProfileSink, "error", err)
		return 1
	}
	defer func() {
		if err := closeSink(); err != nil {
			logger.Log.Warn("Close profiling sink", "error", err)
		}
	}()

	var hm *monitoring.HealthMonitor
	if cfg.MetricsAddr != "" {
		hm = monitoring.NewHealthMonitor(dev)
		if err := hm.Start(cfg.MetricsAddr); err != nil {
			logger.Log.Error("Failed to start health monitor", "error", err)
			return 1
		}
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hm.Stop(shutdown)
		}()
		if sink != nil {
			sink = profiling.MultiSink{sink, hm}
		} else {
			sink = hm
		}
	}

	runner := bench.NewRunner(dev, cfg.GroupSize)
	var outcomes []outcome
	failed := false
loop:
	for _, b := range benchmarks {
		for i := 0; i < b.Repeat; i++ {
			if ctx.Err() != nil {
				logger.Log.Warn("Interrupted, skipping remaining benchmarks")
				failed = true
				break loop
			}
			res, err := runner.Run(b.Scenario, b.Params)
			if err != nil && !errors.Is(err, bench.ErrVerification) {
				logger.Log.Error("Benchmark failed", "benchmark", b.Name, "error", err)
			}
			if err != nil {
				failed = true
			}
			if hm != nil && (err == nil || errors.Is(err, bench.ErrVerification)) {
				hm.RecordResult(b.Name, res)
			}
			outcomes = append(outcomes, outcome{name: b.Name, result: res, err: err})
		}
		if cfg.Profiling {
			if err := dev.DumpProfiling(sink); err != nil {
				logger.Log.Warn("Profiling dump failed", "benchmark", b.Name, "error", err)
			}
		}
	}

	printResults(stdout, outcomes)
	if failed {
		return 1
	}
	return 0
}

func printResults(w io.Writer, outcomes []outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BENCHMARK\tSCENARIO\tELEMENTS\tLAUNCHES\tELAPSED\tPER LAUNCH\tRESULT")
	for _, o := range outcomes {
		status := "ok"
		if o.err != nil {
			status = o.err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%v\t%v\t%s\n",
			o.name, o.result.Scenario, o.result.Elements, o.result.Launches,
			o.result.Elapsed.Round(time.Microsecond), o.result.PerLaunch(), status)
	}
	tw.Flush()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}
