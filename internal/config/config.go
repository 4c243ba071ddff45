package config

import (
	"fmt"
	"strings"
)

// Backend names accepted by device.Open.
const (
	BackendHost   = "host"
	BackendOpenCL = "opencl"
)

// Profile sinks accepted by the benchmark driver.
const (
	SinkNone   = "none"
	SinkLog    = "log"
	SinkArrow  = "arrow"
	SinkFlight = "flight"
)

type Config struct {
	Backend     string
	DeviceIndex int
	Profiling   bool
	HostThreads int
	GroupSize   int

	LogLevel  string
	LogFormat string

	MetricsAddr string

	ProfileSink string
	ProfilePath string
	FlightAddr  string
}

func (c *Config) Validate() error {
	switch c.GetBackend() {
	case BackendHost, BackendOpenCL:
	default:
		return fmt.Errorf("invalid backend: %q (must be %q or %q)", c.Backend, BackendHost, BackendOpenCL)
	}
	if c.DeviceIndex < 0 {
		return fmt.Errorf("invalid device_index: %d (must be non-negative)", c.DeviceIndex)
	}
	if c.HostThreads < 0 {
		return fmt.Errorf("invalid host_threads: %d (must be non-negative)", c.HostThreads)
	}
	if c.GroupSize <= 0 {
		return fmt.Errorf("invalid group_size: %d (must be positive)", c.GroupSize)
	}

	switch strings.ToLower(c.ProfileSink) {
	case "", SinkNone, SinkLog:
	case SinkArrow:
		if c.ProfilePath == "" {
			return fmt.Errorf("profile_path is required for the %q sink", SinkArrow)
		}
	case SinkFlight:
		if c.FlightAddr == "" {
			return fmt.Errorf("flight_addr is required for the %q sink", SinkFlight)
		}
	default:
		return fmt.Errorf("invalid profile_sink: %q", c.ProfileSink)
	}
	if c.ProfileSink != "" && c.ProfileSink != SinkNone && !c.Profiling {
		return fmt.Errorf("profile_sink %q requires profiling to be enabled", c.ProfileSink)
	}

	return nil
}

func (c *Config) GetBackend() string {
	return strings.ToLower(c.Backend)
}

func Default() Config {
	return Config{
		Backend:     BackendHost,
		DeviceIndex: 0,
		Profiling:   false,
		GroupSize:   64,
		LogLevel:    "info",
		LogFormat:   "console",
		ProfileSink: SinkNone,
	}
}
