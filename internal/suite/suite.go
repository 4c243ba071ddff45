// Package suite loads benchmark suites written in HCL.
//
//	device {
//	  backend   = "host"
//	  index     = 0
//	  profiling = true
//	}
//
//	benchmark "mul" {
//	  scenario = "apply3"
//	  repeat   = 3
//	  params = {
//	    n              = 6400
//	    workgroup_size = 64
//	  }
//	}
package suite

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/23skdu/longbow-kernelrt/internal/config"
	"github.com/23skdu/longbow-kernelrt/internal/template"
)

// Suite is a decoded suite file.
type Suite struct {
	Device     *Device
	Benchmarks []Benchmark
}

// Device overrides the command line device selection when set.
type Device struct {
	Backend   *string `hcl:"backend,optional"`
	Index     *int    `hcl:"index,optional"`
	Profiling *bool   `hcl:"profiling,optional"`
	Threads   *int    `hcl:"threads,optional"`
}

// Benchmark is one scenario run with its parameters.
type Benchmark struct {
	Name     string
	Scenario string
	Repeat   int
	Params   template.Params
}

type hclFile struct {
	Device     *Device         `hcl:"device,block"`
	Benchmarks []*hclBenchmark `hcl:"benchmark,block"`
}

type hclBenchmark struct {
	Name     string         `hcl:"name,label"`
	Scenario string         `hcl:"scenario"`
	Repeat   *int           `hcl:"repeat,optional"`
	Params   hcl.Expression `hcl:"params,optional"`
}

// Load parses and decodes the suite at path.
func Load(path string) (*Suite, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decode(file, path)
}

// Parse decodes suite source held in memory; filename is used in diagnostics.
func Parse(src []byte, filename string) (*Suite, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*Suite, error) {
	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	s := &Suite{Device: raw.Device}
	seen := make(map[string]bool)
	for _, b := range raw.Benchmarks {
		if seen[b.Name] {
			return nil, fmt.Errorf("%s: duplicate benchmark %q", filename, b.Name)
		}
		seen[b.Name] = true

		bench := Benchmark{Name: b.Name, Scenario: b.Scenario, Repeat: 1}
		if b.Repeat != nil {
			if *b.Repeat < 1 {
				return nil, fmt.Errorf("%s: benchmark %q: repeat must be at least 1", filename, b.Name)
			}
			bench.Repeat = *b.Repeat
		}
		params, err := evalParams(b.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: benchmark %q: %w", filename, b.Name, err)
		}
		bench.Params = params
		s.Benchmarks = append(s.Benchmarks, bench)
	}
	return s, nil
}

func evalParams(expr hcl.Expression) (template.Params, error) {
	params := template.Params{}
	if expr == nil {
		return params, nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if v.IsNull() {
		return params, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("params must be an object, got %s", v.Type().FriendlyName())
	}
	for it := v.ElementIterator(); it.Next(); {
		k, ev := it.Element()
		name := k.AsString()
		val, err := goValue(ev)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", name, err)
		}
		params[name] = val
	}
	return params, nil
}

// goValue converts a primitive cty value; whole numbers become int64.
func goValue(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, fmt.Errorf("value must be known and non-null")
	}
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Bool:
		return v.True(), nil
	case cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	}
	return nil, fmt.Errorf("unsupported type %s", v.Type().FriendlyName())
}

// Apply copies the device block onto cfg.
func (s *Suite) Apply(cfg *config.Config) {
	if s.Device == nil {
		return
	}
	if s.Device.Backend != nil {
		cfg.Backend = *s.Device.Backend
	}
	if s.Device.Index != nil {
		cfg.DeviceIndex = *s.Device.Index
	}
	if s.Device.Profiling != nil {
		cfg.Profiling = *s.Device.Profiling
	}
	if s.Device.Threads != nil {
		cfg.HostThreads = *s.Device.Threads
	}
}

// Scenarios lists the distinct scenarios the suite uses.
func (s *Suite) Scenarios() []string {
	set := make(map[string]bool)
	for _, b := range s.Benchmarks {
		set[b.Scenario] = true
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
