package host

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"
)

// WorkGroup identifies one group of lanes in a 1-D launch.
type WorkGroup struct {
	Index  int
	Size   int
	Global int
}

// First is the global id of the group's first lane.
func (g WorkGroup) First() int { return g.Index * g.Size }

// Each calls fn for every lane of the group with its global and local id.
func (g WorkGroup) Each(fn func(gid, lid int)) {
	base := g.First()
	for lid := 0; lid < g.Size; lid++ {
		fn(base+lid, lid)
	}
}

// Func is a kernel body. It runs once per work group; groups may run concurrently.
type Func func(g WorkGroup, args *Args)

// Factory specialises a kernel body for one compiled source.
type Factory func(src *Source) (Func, error)

var (
	kernelsMu sync.RWMutex
	kernels   = make(map[string]Factory)
)

// RegisterKernel provides the Go implementation used when source declaring entry is compiled.
func RegisterKernel(entry string, f Factory) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[entry] = f
}

// Kernels lists registered entry points.
func Kernels() []string {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	out := make([]string, 0, len(kernels))
	for k := range kernels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookupKernel(entry string) (Factory, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	f, ok := kernels[entry]
	return f, ok
}

// Source is compiled kernel text with its preprocessor defines.
type Source struct {
	Text    string
	Entry   string
	defines map[string]string
}

var defineRE = regexp.MustCompile(`(?m)^[ \t]*#[ \t]*define[ \t]+(\S+(?:\([^)]*\))?)[ \t]*(.*)$`)

func parseSource(text, entry string) *Source {
	s := &Source{Text: text, Entry: entry, defines: make(map[string]string)}
	for _, m := range defineRE.FindAllStringSubmatch(text, -1) {
		s.defines[m[1]] = strings.TrimSpace(m[2])
	}
	return s
}

// Define returns the replacement text of a #define, including function-like names such as "APPLY(x)".
func (s *Source) Define(name string) (string, bool) {
	v, ok := s.defines[name]
	return v, ok
}

// DefineInt parses a #define as an integer.
func (s *Source) DefineInt(name string) (int, error) {
	v, ok := s.defines[name]
	if !ok {
		return 0, fmt.Errorf("%s: #define %s missing", s.Entry, name)
	}
	n, err := strconv.Atoi(strings.Trim(v, "()"))
	if err != nil {
		return 0, fmt.Errorf("%s: #define %s %q is not an integer", s.Entry, name, v)
	}
	return n, nil
}

// Args is the argument list of one launch: value bytes for scalars and structs,
// device storage for buffers.
type Args struct {
	vals [][]byte
}

func (a *Args) Len() int { return len(a.vals) }

func (a *Args) Bytes(i int) []byte { return a.vals[i] }

// Int decodes a little-endian integer argument of 1, 2, 4 or 8 bytes.
func (a *Args) Int(i int) int {
	b := a.vals[i]
	switch len(b) {
	case 1:
		return int(int8(b[0]))
	case 2:
		return int(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int(int64(binary.LittleEndian.Uint64(b)))
	}
	panic(fmt.Sprintf("arg %d: %d bytes is not an integer", i, len(b)))
}

func (a *Args) Float(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(a.vals[i]))
}

func (a *Args) Float64(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(a.vals[i]))
}

func (a *Args) Float32s(i int) []float32 {
	b := a.vals[i]
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func (a *Args) Int32s(i int) []int32 {
	b := a.vals[i]
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

type program struct {
	owner    *Driver
	entry    string
	src      *Source
	fn       Func
	released bool
}

func (p *program) Entry() string { return p.entry }

func (p *program) Release() error {
	p.released = true
	return nil
}
