package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-kernelrt/internal/bench"
	"github.com/23skdu/longbow-kernelrt/internal/logger"
	"github.com/23skdu/longbow-kernelrt/internal/profiling"
)

// HealthStatus represents the health status of the benchmark process
type HealthStatus struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	System    SystemInfo   `json:"system"`
	Device    DeviceInfo   `json:"device"`
	Results   []ResultInfo `json:"results"`
	Alerts    []Alert      `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// DeviceInfo describes the device the benchmarks run on
type DeviceInfo struct {
	Backend        string `json:"backend"`
	AllocatedBytes int64  `json:"allocated_bytes"`
	Profiling      bool   `json:"profiling"`
}

// ResultInfo is the latest result of one benchmark
type ResultInfo struct {
	Name        string    `json:"name"`
	Scenario    string    `json:"scenario"`
	Runs        int       `json:"runs"`
	Elements    int       `json:"elements"`
	Launches    int       `json:"launches"`
	Errors      int       `json:"errors"`
	ElapsedMs   float64   `json:"elapsed_ms"`
	PerLaunchUs float64   `json:"per_launch_us"`
	Finished    time.Time `json:"finished"`
}

// Alert represents a condition worth an operator's attention
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // bench, kernel, device
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Device is the part of a device context the monitor reports on.
type Device interface {
	Name() string
	AllocatedBytes() int64
	Profiling() bool
}

// HealthMonitor serves health, status and Prometheus metrics while benchmarks run
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	device    Device

	// SlowKernel is the launch duration above which a kernel alert is raised.
	SlowKernel time.Duration

	mu      sync.RWMutex
	alerts  []Alert
	results map[string]ResultInfo
}

func NewHealthMonitor(dev Device) *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		device:     dev,
		SlowKernel: time.Second,
		alerts:     make([]Alert, 0),
		results:    make(map[string]ResultInfo),
	}
}

// Handler returns the monitor's HTTP routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health monitor listen %s: %w", addr, err)
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Health monitor stopped", "error", err)
		}
	}()
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordResult stores the latest result of benchmark name and raises an
// error alert when verification failed.
func (hm *HealthMonitor) RecordResult(name string, res bench.Result) {
	hm.mu.Lock()
	info := hm.results[name]
	info.Name = name
	info.Scenario = res.Scenario
	info.Runs++
	info.Elements = res.Elements
	info.Launches = res.Launches
	info.Errors = res.Errors
	info.ElapsedMs = float64(res.Elapsed.Nanoseconds()) / 1e6
	info.PerLaunchUs = float64(res.PerLaunch().Nanoseconds()) / 1e3
	info.Finished = time.Now()
	hm.results[name] = info
	hm.mu.Unlock()

	if res.Errors > 0 {
		hm.AddAlert("error", "bench",
			fmt.Sprintf("%s: %d of %d elements failed verification", name, res.Errors, res.Elements))
	}
}

// RecordReport raises kernel alerts for launches slower than SlowKernel.
func (hm *HealthMonitor) RecordReport(r profiling.Report) {
	for _, s := range r.Summary() {
		if s.Max > hm.SlowKernel {
			hm.AddAlert("warning", "kernel",
				fmt.Sprintf("Slow kernel %s: %.2f ms", s.Kernel, float64(s.Max.Nanoseconds())/1e6))
		}
	}
}

// Write lets the monitor act as a profiling sink.
func (hm *HealthMonitor) Write(r profiling.Report) error {
	hm.RecordReport(r)
	return nil
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}

	logger.Log.Warn("ALERT", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health: critical or error alerts that are not
// resolved make the process critical or degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	results := make([]ResultInfo, 0, len(hm.results))
	for _, r := range hm.results {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	var dev DeviceInfo
	if hm.device != nil {
		dev = DeviceInfo{
			Backend:        hm.device.Name(),
			AllocatedBytes: hm.device.AllocatedBytes(),
			Profiling:      hm.device.Profiling(),
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime).String(),
		System:    systemInfo(),
		Device:    dev,
		Results:   results,
		Alerts:    append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
