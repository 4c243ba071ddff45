package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelrt_kernel_launches_total",
		Help: "The total number of kernel launches dispatched",
	}, []string{"kernel"})

	KernelLanes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelrt_kernel_lanes_total",
		Help: "Total lanes dispatched (group count times group size)",
	}, []string{"kernel"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernelrt_kernel_duration_seconds",
		Help:    "Histogram of device-side kernel execution times",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"kernel"})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelrt_device_memory_allocated_bytes",
		Help: "Current bytes allocated on the device by buffer wrappers",
	})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelrt_transfer_bytes_total",
		Help: "Bytes moved across the host/device boundary",
	}, []string{"direction"})

	CompileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kernelrt_compile_cache_hits_total",
		Help: "Kernel builds served from the compile cache",
	})

	CompileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kernelrt_compile_cache_misses_total",
		Help: "Kernel builds that invoked the compiler",
	})

	CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernelrt_compile_duration_seconds",
		Help:    "Duration of program compilation",
		Buckets: prometheus.DefBuckets,
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelrt_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	BenchmarkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernelrt_benchmark_duration_seconds",
		Help:    "Wall-clock duration of benchmark scenario runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"scenario"})

	BenchmarkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelrt_benchmark_verification_errors_total",
		Help: "Elements that failed verification after a benchmark run",
	}, []string{"scenario"})
)

// Transfer directions.
const (
	ToDevice = "to_device"
	ToHost   = "to_host"
)

func RecordKernelLaunch(name string, lanes int) {
	KernelLaunches.WithLabelValues(name).Inc()
	KernelLanes.WithLabelValues(name).Add(float64(lanes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordTransfer(direction string, bytes int) {
	TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordCompileCache counts a builder lookup as a hit or a miss.
func RecordCompileCache(hit bool) {
	if hit {
		CompileCacheHits.Inc()
		return
	}
	CompileCacheMisses.Inc()
}

func RecordCompileDuration(duration time.Duration) {
	CompileDuration.Observe(duration.Seconds())
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordBenchmark(scenario string, duration time.Duration, errorCount int) {
	BenchmarkDuration.WithLabelValues(scenario).Observe(duration.Seconds())
	if errorCount > 0 {
		BenchmarkErrors.WithLabelValues(scenario).Add(float64(errorCount))
	}
}
