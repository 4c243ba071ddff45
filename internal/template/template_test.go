package template

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

const opSource = `
  kernel void test(int offset, int totalN, global float*_out) {
    int linearId = get_global_id(0) + offset;
    if(linearId < totalN) {
      float out = _out[linearId];
      _out[linearId] = {{operation}};
    }
  }
`

func TestRenderSimpleSubstitution(t *testing.T) {
	got, err := Render(opSource, Params{"operation": "out + 3.3f"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(got, "_out[linearId] = out + 3.3f;") {
		t.Errorf("operation not substituted:\n%s", got)
	}
	if strings.Contains(got, "{{") {
		t.Errorf("token left behind:\n%s", got)
	}
}

func TestRenderGlobalReplace(t *testing.T) {
	src := "float _buffer[{{privatesize}}]; for(i = 0; i < {{ privatesize }}; i++) x += {{privatesize}};"
	got, err := Render(src, Params{"privatesize": 16})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "float _buffer[16]; for(i = 0; i < 16; i++) x += 16;"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderValueKinds(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"int32", int32(64), "64"},
		{"uint", uint(3), "3"},
		{"string", "float4", "float4"},
		{"bool", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render("<{{v}}>", Params{"v": tt.value})
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != "<"+tt.want+">" {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestRenderUnsupportedValue(t *testing.T) {
	_, err := Render("{{v}}", Params{"v": []int{1}})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestRenderMissingParameter(t *testing.T) {
	out, err := Render("a={{alpha}} b={{beta}} a={{alpha}} c={{gamma}}", Params{"beta": 2})
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("expected ErrMissingParameter, got %v", err)
	}
	var mp *MissingParameterError
	if !errors.As(err, &mp) {
		t.Fatalf("expected *MissingParameterError, got %T", err)
	}
	if mp.Name != "alpha" {
		t.Errorf("first missing = %q, want alpha", mp.Name)
	}
	if !reflect.DeepEqual(mp.Names, []string{"alpha", "gamma"}) {
		t.Errorf("names = %v", mp.Names)
	}
	// Unresolved tokens stay in the text as markers.
	if out != "a={{alpha}} b=2 a={{alpha}} c={{gamma}}" {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(err.Error(), "alpha") {
		t.Errorf("error should name the parameter: %v", err)
	}
}

func TestRenderLeavesNonIdentifierBraces(t *testing.T) {
	src := "int a[2] = {{1, 2}}; {{ not an ident }} {{x}}"
	got, err := Render(src, Params{"x": 1})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "int a[2] = {{1, 2}}; {{ not an ident }} 1" {
		t.Errorf("got %q", got)
	}
}

func TestRenderTokenAfterLiteralBrace(t *testing.T) {
	src := "float init[] = {{{v}}};"
	got, err := Render(src, Params{"v": "1.0f"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "float init[] = {1.0f};" {
		t.Errorf("got %q", got)
	}

	got, err = Render(src, Params{})
	var mp *MissingParameterError
	if !errors.As(err, &mp) || mp.Name != "v" {
		t.Fatalf("expected missing v, got %v", err)
	}
	if got != src {
		t.Errorf("missing token should stay verbatim, got %q", got)
	}

	got, err = Render("{% for i=1,3 do %}{{{i}}}{% end %}", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "{1}{2}{3}" {
		t.Errorf("loop variable next to a brace: got %q", got)
	}
}

func TestRenderLoopExpansionCount(t *testing.T) {
	for _, n := range []int{1, 2, 5, 25} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			src := "{% for i=1,dims do %}[{{i}}]{% end %}"
			got, err := Render(src, Params{"dims": n})
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if c := strings.Count(got, "["); c != n {
				t.Errorf("expansions = %d, want %d", c, n)
			}
			if !strings.HasSuffix(got, fmt.Sprintf("[%d]", n)) {
				t.Errorf("last expansion should carry %d: %q", n, got)
			}
			if !strings.HasPrefix(got, "[1]") {
				t.Errorf("first expansion should carry 1: %q", got)
			}
		})
	}
}

func TestRenderLoopLiteralBoundsAndZeroCount(t *testing.T) {
	got, err := Render("{% for d=0,2 do %}{{d}},{% end %}", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "0,1,2," {
		t.Errorf("got %q", got)
	}

	got, err = Render("x{% for d=1,0 do %}{{d}}{% end %}y", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "xy" {
		t.Errorf("end < start should expand zero times, got %q", got)
	}
}

func TestRenderLoopEndBeforeStart(t *testing.T) {
	_, err := Render("{% for i=1,n do %}x{% end %}", Params{"n": -4})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
	got, err := Render("{% for i=3,n do %}x{% end %}", Params{"n": 2})
	if err != nil || got != "" {
		t.Errorf("empty range: got %q, %v", got, err)
	}
}

func TestRenderUnsignedLoopBounds(t *testing.T) {
	for _, n := range []any{uint(3), uint64(3)} {
		got, err := Render("{% for i=1,n do %}x{% end %}", Params{"n": n})
		if err != nil {
			t.Fatalf("%T bound: %v", n, err)
		}
		if got != "xxx" {
			t.Errorf("%T bound: got %q", n, got)
		}
	}
	_, err := Render("{% for i=1,n do %}x{% end %}", Params{"n": uint64(1) << 63})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("overflowing bound: expected ErrInvalidParameter, got %v", err)
	}
}

func TestRenderLoopVariableBeforeSimplePass(t *testing.T) {
	// The loop variable shadows a render parameter of the same name inside the body.
	src := "{{i}}:{% for i=1,2 do %}{{i}}{{name}}{% end %}"
	got, err := Render(src, Params{"i": "outer", "name": "_x"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "outer:1_x2_x" {
		t.Errorf("got %q", got)
	}
}

func TestRenderNestedLoops(t *testing.T) {
	src := "{% for a=1,2 do %}{% for b=1,a do %}({{a}}{{b}}){% end %};{% end %}"
	got, err := Render(src, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "(11);(21)(22);" {
		t.Errorf("got %q", got)
	}
}

func TestRenderLoopBoundFromStringParam(t *testing.T) {
	got, err := Render("{% for i=1,n do %}x{% end %}", Params{"n": "3"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "xxx" {
		t.Errorf("got %q", got)
	}
	_, err = Render("{% for i=1,n do %}x{% end %}", Params{"n": "three"})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestRenderMissingLoopBound(t *testing.T) {
	_, err := Render("{% for i=1,dims do %}x{% end %}", Params{})
	var mp *MissingParameterError
	if !errors.As(err, &mp) || mp.Name != "dims" {
		t.Fatalf("expected missing dims, got %v", err)
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"unclosed loop", "a\n{% for i=1,3 do %}\nbody", 3},
		{"stray end", "a\nb {% end %}", 2},
		{"unterminated tag", "{% for i=1,3 do", 1},
		{"unknown tag", "x\n{% if a %}{% end %}", 2},
		{"non literal start", "{% for i=n,3 do %}{% end %}", 1},
		{"inner unclosed", "{% for i=1,2 do %}{% for j=1,2 do %}{% end %}", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if !errors.Is(err, ErrSyntax) {
				t.Fatalf("expected ErrSyntax, got %v", err)
			}
			var se *SyntaxError
			if errors.As(err, &se) && tt.line > 0 && se.Line != tt.line {
				t.Errorf("line = %d, want %d (%v)", se.Line, tt.line, err)
			}
		})
	}
}

func TestRenderDeterministic(t *testing.T) {
	src := `typedef struct Info {
  int dims;
  int offset;
{% for d=1,maxdims do %}  int size{{d}};
{% end %}{% for d=1,maxdims do %}  int stride{{d}};
{% end %}} Info;
kernel void {{entry}}(global struct Info *infos, global {{type}} *out) {}
`
	params := Params{"maxdims": 5, "entry": "apply", "type": "float4"}
	first, err := Render(src, params)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Render(src, params)
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		if again != first {
			t.Fatalf("render %d differs:\n%s\n---\n%s", i, first, again)
		}
	}
	if !strings.Contains(first, "int stride5;") || strings.Contains(first, "size6") {
		t.Errorf("unexpected expansion:\n%s", first)
	}
}

func TestTemplateParameters(t *testing.T) {
	tpl, err := Parse("{{type}} {% for d=1,dims do %}{{d}}{{scale}}{% end %} {{type}}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"type", "dims", "scale"}
	if got := tpl.Parameters(); !reflect.DeepEqual(got, want) {
		t.Errorf("Parameters() = %v, want %v", got, want)
	}
	if tpl.Source() == "" {
		t.Error("Source() should return the template text")
	}
}
