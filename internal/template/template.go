// Package template expands kernel source templates.
//
// Two placeholder forms are recognised:
//
//	{{name}}                              replaced by the render parameter "name"
//	{% for d=1,dims do %} ... {% end %}   body repeated for d = 1..dims
//
// Loop bodies are expanded first; inside each copy every {{d}} token becomes
// the iteration number. The simple substitution pass runs last over the fully
// expanded text. Rendering is a pure function of (source, params).
package template

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	tagOpen    = "{%"
	tagClose   = "%}"
	tokenOpen  = "{{"
	tokenClose = "}}"
)

var forTag = regexp.MustCompile(`^for\s+([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^,\s]+)\s*,\s*([^,\s]+)\s+do$`)

// Params maps parameter names to integer or string values.
type Params map[string]any

type node interface{}

type textNode string

type loopNode struct {
	variable string
	start    string
	end      string
	line     int
	body     []node
}

// Template is a parsed template source. It is immutable and safe for concurrent use.
type Template struct {
	source string
	nodes  []node
}

// Parse checks the loop structure of source and returns the parsed template.
func Parse(source string) (*Template, error) {
	nodes, rest, err := parseNodes(source, source, 0, false)
	if err != nil {
		return nil, err
	}
	if rest != len(source) {
		return nil, &SyntaxError{Line: lineAt(source, rest), Msg: "unexpected {% end %}"}
	}
	return &Template{source: source, nodes: nodes}, nil
}

// Render parses source and expands it with params.
func Render(source string, params Params) (string, error) {
	t, err := Parse(source)
	if err != nil {
		return "", err
	}
	return t.Execute(params)
}

// Source returns the unexpanded template text.
func (t *Template) Source() string { return t.source }

// Execute expands the template. When simple tokens reference absent parameters
// the returned text keeps those tokens verbatim and the error is a
// *MissingParameterError naming them. A missing loop bound aborts expansion.
func (t *Template) Execute(params Params) (string, error) {
	var sb strings.Builder
	if err := expand(&sb, t.nodes, params, nil); err != nil {
		return "", err
	}

	var missing []string
	var badValue error
	out := replaceTokens(sb.String(), func(name string) (string, bool) {
		v, ok := params[name]
		if !ok {
			missing = appendUnique(missing, name)
			return "", false
		}
		s, err := stringify(name, v)
		if err != nil {
			if badValue == nil {
				badValue = err
			}
			return "", false
		}
		return s, true
	})
	if badValue != nil {
		return out, badValue
	}
	if len(missing) > 0 {
		return out, &MissingParameterError{Name: missing[0], Names: missing}
	}
	return out, nil
}

// Parameters lists the names referenced by simple tokens and loop bounds,
// excluding loop variables, in order of first appearance.
func (t *Template) Parameters() []string {
	var names []string
	var walk func(nodes []node, scope []string)
	walk = func(nodes []node, scope []string) {
		for _, n := range nodes {
			switch n := n.(type) {
			case textNode:
				replaceTokens(string(n), func(name string) (string, bool) {
					if !contains(scope, name) {
						names = appendUnique(names, name)
					}
					return "", false
				})
			case *loopNode:
				for _, b := range []string{n.start, n.end} {
					if _, err := strconv.Atoi(b); err != nil && !contains(scope, b) {
						names = appendUnique(names, b)
					}
				}
				walk(n.body, append(scope, n.variable))
			}
		}
	}
	walk(t.nodes, nil)
	return names
}

// parseNodes reads nodes from src[pos:] until end of input or, when inLoop,
// until the matching {% end %}. It returns the offset just past the consumed text.
func parseNodes(full, src string, pos int, inLoop bool) ([]node, int, error) {
	var nodes []node
	for {
		i := strings.Index(src[pos:], tagOpen)
		if i < 0 {
			if pos < len(src) {
				nodes = append(nodes, textNode(src[pos:]))
			}
			if inLoop {
				return nil, 0, &SyntaxError{Line: lineAt(full, len(src)), Msg: "loop block is not closed before end of source"}
			}
			return nodes, len(src), nil
		}
		start := pos + i
		if start > pos {
			nodes = append(nodes, textNode(src[pos:start]))
		}
		j := strings.Index(src[start+len(tagOpen):], tagClose)
		if j < 0 {
			return nil, 0, &SyntaxError{Line: lineAt(full, start), Msg: "unterminated {% tag"}
		}
		inner := strings.TrimSpace(src[start+len(tagOpen) : start+len(tagOpen)+j])
		next := start + len(tagOpen) + j + len(tagClose)

		if inner == "end" {
			if !inLoop {
				return nodes, start, nil
			}
			return nodes, next, nil
		}

		m := forTag.FindStringSubmatch(inner)
		if m == nil {
			return nil, 0, &SyntaxError{Line: lineAt(full, start), Msg: fmt.Sprintf("unrecognised tag %q", inner)}
		}
		if _, err := strconv.Atoi(m[2]); err != nil {
			return nil, 0, &SyntaxError{Line: lineAt(full, start), Msg: fmt.Sprintf("loop start %q must be an integer literal", m[2])}
		}
		body, after, err := parseNodes(full, src, next, true)
		if err != nil {
			return nil, 0, err
		}
		nodes = append(nodes, &loopNode{
			variable: m[1],
			start:    m[2],
			end:      m[3],
			line:     lineAt(full, start),
			body:     body,
		})
		pos = after
	}
}

type binding struct {
	name  string
	value int
}

func expand(sb *strings.Builder, nodes []node, params Params, scope []binding) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			sb.WriteString(string(n))
		case *loopNode:
			start, err := resolveBound(n.start, params, scope)
			if err != nil {
				return err
			}
			end, err := resolveBound(n.end, params, scope)
			if err != nil {
				return err
			}
			if end < start-1 {
				return fmt.Errorf("%w: loop %q at line %d runs from %d to %d", ErrInvalidParameter, n.variable, n.line, start, end)
			}
			for i := start; i <= end; i++ {
				var body strings.Builder
				inner := append(scope[:len(scope):len(scope)], binding{name: n.variable, value: i})
				if err := expand(&body, n.body, params, inner); err != nil {
					return err
				}
				iter := strconv.Itoa(i)
				sb.WriteString(replaceTokens(body.String(), func(name string) (string, bool) {
					if name == n.variable {
						return iter, true
					}
					return "", false
				}))
			}
		}
	}
	return nil
}

func resolveBound(bound string, params Params, scope []binding) (int, error) {
	if v, err := strconv.Atoi(bound); err == nil {
		return v, nil
	}
	for i := len(scope) - 1; i >= 0; i-- {
		if scope[i].name == bound {
			return scope[i].value, nil
		}
	}
	v, ok := params[bound]
	if !ok {
		return 0, &MissingParameterError{Name: bound, Names: []string{bound}}
	}
	return toInt(bound, v)
}

// replaceTokens rewrites every {{name}} token for which fn reports ok.
// Other tokens are kept verbatim. When a brace pair does not hold an
// identifier only its first brace is consumed, so {{{name}}} still finds
// the token nested inside.
func replaceTokens(s string, fn func(name string) (string, bool)) string {
	if !strings.Contains(s, tokenOpen) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	pos := 0
	for {
		i := strings.Index(s[pos:], tokenOpen)
		if i < 0 {
			sb.WriteString(s[pos:])
			return sb.String()
		}
		open := pos + i
		j := strings.Index(s[open+len(tokenOpen):], tokenClose)
		if j < 0 {
			sb.WriteString(s[pos:])
			return sb.String()
		}
		closeEnd := open + len(tokenOpen) + j + len(tokenClose)
		name := strings.TrimSpace(s[open+len(tokenOpen) : open+len(tokenOpen)+j])
		if !isIdent(name) {
			sb.WriteString(s[pos : open+1])
			pos = open + 1
			continue
		}
		sb.WriteString(s[pos:open])
		if v, ok := fn(name); ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(s[open:closeEnd])
		}
		pos = closeEnd
	}
}

func stringify(name string, v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64:
		n, _ := toInt(name, v)
		return strconv.Itoa(n), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: %q has unsupported type %T", ErrInvalidParameter, name, v)
	}
}

func toInt(name string, v any) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint:
		if v > math.MaxInt {
			return 0, fmt.Errorf("%w: loop bound %q overflows int: %d", ErrInvalidParameter, name, v)
		}
		return int(v), nil
	case uint64:
		if v > math.MaxInt {
			return 0, fmt.Errorf("%w: loop bound %q overflows int: %d", ErrInvalidParameter, name, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: loop bound %q is not an integer: %q", ErrInvalidParameter, name, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: loop bound %q has unsupported type %T", ErrInvalidParameter, name, v)
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func lineAt(s string, offset int) int {
	if offset > len(s) {
		offset = len(s)
	}
	return strings.Count(s[:offset], "\n") + 1
}

func appendUnique(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(list, s)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
