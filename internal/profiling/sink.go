package profiling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-kernelrt/internal/logger"
)

// Sink receives profiling reports.
type Sink interface {
	Write(r Report) error
}

// Schema is the columnar layout of an exported report: one row per launch.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "device", Type: arrow.BinaryTypes.String},
	{Name: "kernel", Type: arrow.BinaryTypes.String},
	{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
	{Name: "elapsed_ns", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// NewRecord converts a report into an Arrow record. The caller releases it.
func NewRecord(mem memory.Allocator, r Report) arrow.Record {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	dev := b.Field(0).(*array.StringBuilder)
	kern := b.Field(1).(*array.StringBuilder)
	seq := b.Field(2).(*array.Int64Builder)
	ns := b.Field(3).(*array.Int64Builder)
	for _, l := range r.Launches {
		dev.Append(r.Device)
		kern.Append(l.Kernel)
		seq.Append(int64(l.Seq))
		ns.Append(l.Elapsed.Nanoseconds())
	}
	return b.NewRecord()
}

// LogSink writes a per-kernel summary through the structured logger.
type LogSink struct {
	Log *logger.Logger
}

func (s LogSink) Write(r Report) error {
	log := s.Log
	if log == nil {
		log = logger.Log
	}
	log.Info("profiling window", "device", r.Device, "launches", len(r.Launches), "total", r.Total(), "window", r.Until.Sub(r.Since))
	for _, k := range r.Summary() {
		log.Info("kernel timing",
			"kernel", k.Kernel,
			"count", k.Count,
			"total", k.Total,
			"mean", k.Mean(),
			"min", k.Min,
			"max", k.Max,
		)
	}
	return nil
}

// ArrowSink streams each report as one record batch in Arrow IPC stream format.
type ArrowSink struct {
	w   *ipc.Writer
	mem memory.Allocator
}

func NewArrowSink(w io.Writer) *ArrowSink {
	mem := memory.NewGoAllocator()
	return &ArrowSink{
		w:   ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem)),
		mem: mem,
	}
}

func (s *ArrowSink) Write(r Report) error {
	rec := NewRecord(s.mem, r)
	defer rec.Release()
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("arrow sink: %w", err)
	}
	return nil
}

// Close writes the end-of-stream marker. The underlying writer is not closed.
func (s *ArrowSink) Close() error {
	return s.w.Close()
}

// FlightSink uploads each report to an Arrow Flight server with DoPut.
type FlightSink struct {
	client  flight.Client
	path    []string
	timeout time.Duration
	mem     memory.Allocator
}

// DialFlight connects to addr (host:port) without TLS.
func DialFlight(addr string, path ...string) (*FlightSink, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	if len(path) == 0 {
		path = []string{"kernel-profiling"}
	}
	return &FlightSink{
		client:  client,
		path:    path,
		timeout: 30 * time.Second,
		mem:     memory.NewGoAllocator(),
	}, nil
}

func (s *FlightSink) Write(r Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight DoPut: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(s.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: s.path})

	rec := NewRecord(s.mem, r)
	defer rec.Release()
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("flight write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flight close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("flight ack: %w", err)
		}
	}
}

func (s *FlightSink) Close() error {
	return s.client.Close()
}

// MultiSink fans one report out to several sinks, stopping at the first error.
type MultiSink []Sink

func (m MultiSink) Write(r Report) error {
	for _, s := range m {
		if err := s.Write(r); err != nil {
			return err
		}
	}
	return nil
}
