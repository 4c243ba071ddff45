package kernel

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-kernelrt/internal/device"
	"github.com/23skdu/longbow-kernelrt/internal/metrics"
	"github.com/23skdu/longbow-kernelrt/internal/template"
)

type cached struct {
	label  string
	entry  string
	source string
	prog   device.Program
	params []Param
}

// programCache memoizes compiled programs for one device Context.
type programCache struct {
	mu      sync.Mutex
	entries map[uint64][]*cached
	group   singleflight.Group
}

func (c *programCache) lookup(h uint64, label, entry, source string) *cached {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries[h] {
		if e.label == label && e.entry == entry && e.source == source {
			return e
		}
	}
	return nil
}

func (c *programCache) store(h uint64, e *cached) {
	c.mu.Lock()
	c.entries[h] = append(c.entries[h], e)
	c.mu.Unlock()
}

func (c *programCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.entries {
		n += len(l)
	}
	return n
}

// caches holds one programCache per open Context for the life of the process.
var caches sync.Map // *device.Context -> *programCache

func cacheFor(ctx *device.Context) *programCache {
	if c, ok := caches.Load(ctx); ok {
		return c.(*programCache)
	}
	c, _ := caches.LoadOrStore(ctx, &programCache{entries: make(map[uint64][]*cached)})
	return c.(*programCache)
}

// Builder renders templated kernel source and compiles it, reusing earlier
// compilations of identical rendered source on the same device.
type Builder struct {
	ctx   *device.Context
	cache *programCache
}

func NewBuilder(ctx *device.Context) *Builder {
	return &Builder{ctx: ctx, cache: cacheFor(ctx)}
}

// Key is the cache key of a rendered kernel.
func Key(label, entry, rendered string) uint64 {
	d := xxhash.New()
	d.WriteString(label)
	d.WriteString("\x00")
	d.WriteString(entry)
	d.WriteString("\x00")
	d.WriteString(rendered)
	return d.Sum64()
}

// Build renders source with params and returns a fresh handle for entry. A
// handle for previously built identical source shares the compiled program.
func (b *Builder) Build(label, source, entry string, params template.Params) (*Kernel, error) {
	rendered, err := template.Render(source, params)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", label, err)
	}
	return b.BuildSource(label, rendered, entry)
}

// BuildSource compiles already rendered source through the cache.
func (b *Builder) BuildSource(label, rendered, entry string) (*Kernel, error) {
	h := Key(label, entry, rendered)
	if e := b.cache.lookup(h, label, entry, rendered); e != nil {
		metrics.RecordCompileCache(true)
		return newKernel(b.ctx, e.prog, label, e.params), nil
	}

	v, err, _ := b.cache.group.Do(strconv.FormatUint(h, 16)+"/"+label, func() (interface{}, error) {
		if e := b.cache.lookup(h, label, entry, rendered); e != nil {
			return e, nil
		}
		metrics.RecordCompileCache(false)
		params, err := ParseSignature(rendered, entry)
		if err != nil {
			return nil, &CompileError{Label: label, Entry: entry, Source: rendered, Err: err}
		}
		t0 := time.Now()
		prog, err := b.ctx.Compile(rendered, entry)
		if err != nil {
			b.ctx.Logger().Error("kernel build failed", "label", label, "entry", entry, "error", err)
			return nil, &CompileError{Label: label, Entry: entry, Source: rendered, Err: err}
		}
		b.ctx.Logger().Debug("kernel built", "label", label, "entry", entry, "params", len(params), "duration", time.Since(t0))
		e := &cached{label: label, entry: entry, source: rendered, prog: prog, params: params}
		b.cache.store(h, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(*cached)
	return newKernel(b.ctx, e.prog, label, e.params), nil
}

// Cached reports how many programs are memoized for this device.
func (b *Builder) Cached() int { return b.cache.len() }

// Purge releases every memoized program of ctx. Handles built from them must not
// be launched afterwards.
func Purge(ctx *device.Context) error {
	v, ok := caches.LoadAndDelete(ctx)
	if !ok {
		return nil
	}
	c := v.(*programCache)
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, list := range c.entries {
		for _, e := range list {
			if err := e.prog.Release(); err != nil && first == nil {
				first = err
			}
		}
	}
	c.entries = make(map[uint64][]*cached)
	return first
}
