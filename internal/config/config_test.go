package config

import (
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend != BackendHost {
		t.Errorf("expected Backend host, got %q", cfg.Backend)
	}
	if cfg.GroupSize != 64 {
		t.Errorf("expected GroupSize 64, got %d", cfg.GroupSize)
	}
	if cfg.Profiling {
		t.Error("expected profiling to be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid opencl",
			mutate: func(c *Config) { c.Backend = "OpenCL"; c.DeviceIndex = 1 },
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend = "metal" },
			wantErr: "invalid backend",
		},
		{
			name:    "negative device index",
			mutate:  func(c *Config) { c.DeviceIndex = -1 },
			wantErr: "device_index",
		},
		{
			name:    "zero group size",
			mutate:  func(c *Config) { c.GroupSize = 0 },
			wantErr: "group_size",
		},
		{
			name:    "negative host threads",
			mutate:  func(c *Config) { c.HostThreads = -2 },
			wantErr: "host_threads",
		},
		{
			name:    "arrow sink without path",
			mutate:  func(c *Config) { c.Profiling = true; c.ProfileSink = SinkArrow },
			wantErr: "profile_path",
		},
		{
			name:    "flight sink without address",
			mutate:  func(c *Config) { c.Profiling = true; c.ProfileSink = SinkFlight },
			wantErr: "flight_addr",
		},
		{
			name:    "sink without profiling",
			mutate:  func(c *Config) { c.ProfileSink = SinkLog },
			wantErr: "requires profiling",
		},
		{
			name:    "unknown sink",
			mutate:  func(c *Config) { c.Profiling = true; c.ProfileSink = "csv" },
			wantErr: "invalid profile_sink",
		},
		{
			name: "arrow sink with path",
			mutate: func(c *Config) {
				c.Profiling = true
				c.ProfileSink = SinkArrow
				c.ProfilePath = "/tmp/profile.arrow"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetBackendLowercases(t *testing.T) {
	cfg := Config{Backend: "OpenCL"}
	if got := cfg.GetBackend(); got != BackendOpenCL {
		t.Errorf("GetBackend() = %q", got)
	}
}
