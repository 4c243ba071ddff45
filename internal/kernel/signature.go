package kernel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the binding class of a kernel parameter or argument slot.
type Kind int

const (
	KindInt Kind = iota + 1
	KindFloat
	KindBytes
	KindBuffer
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindBuffer:
		return "buffer"
	default:
		return "none"
	}
}

// Param is one declared kernel parameter.
type Param struct {
	Index int
	Name  string
	Type  string // declared type without qualifiers, e.g. "float*", "struct Info"
	Kind  Kind
	Size  int    // by-value size in bytes; 0 when unknown (structs)
	Space string // address space of pointer parameters
}

func (p Param) String() string {
	return fmt.Sprintf("#%d %s %s (%s)", p.Index, p.Type, p.Name, p.Kind)
}

var scalarSizes = map[string]struct {
	kind Kind
	size int
}{
	"char": {KindInt, 1}, "uchar": {KindInt, 1}, "bool": {KindInt, 1},
	"short": {KindInt, 2}, "ushort": {KindInt, 2},
	"int": {KindInt, 4}, "uint": {KindInt, 4},
	"long": {KindInt, 8}, "ulong": {KindInt, 8},
	"size_t": {KindInt, 8}, "ptrdiff_t": {KindInt, 8},
	"float": {KindFloat, 4}, "double": {KindFloat, 8},
}

var qualifiers = map[string]string{
	"global": "global", "__global": "global",
	"constant": "constant", "__constant": "constant",
	"local": "local", "__local": "local",
	"private": "private", "__private": "private",
	"const": "", "restrict": "", "__restrict": "", "volatile": "",
	"read_only": "", "__read_only": "", "write_only": "", "__write_only": "",
}

var vectorRE = regexp.MustCompile(`^(u?char|u?short|u?int|u?long|float|double)(2|3|4|8|16)$`)

// ParseSignature extracts the parameter list of the kernel named entry from
// OpenCL C source.
func ParseSignature(source, entry string) ([]Param, error) {
	src := stripComments(source)
	re := regexp.MustCompile(`(?:__)?kernel\s+void\s+` + regexp.QuoteMeta(entry) + `\s*\(`)
	loc := re.FindStringIndex(src)
	if loc == nil {
		return nil, fmt.Errorf("kernel %q not declared in source", entry)
	}
	open := loc[1]
	depth := 1
	end := -1
	for i := open; i < len(src) && end < 0; i++ {
		switch src[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				end = i
			}
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("kernel %q: unterminated parameter list", entry)
	}

	list := strings.TrimSpace(src[open:end])
	if list == "" || list == "void" {
		return nil, nil
	}
	var params []Param
	for i, decl := range splitTopLevel(list) {
		p, err := parseParam(decl)
		if err != nil {
			return nil, fmt.Errorf("kernel %q parameter %d: %w", entry, i, err)
		}
		p.Index = i
		params = append(params, p)
	}
	return params, nil
}

func parseParam(decl string) (Param, error) {
	decl = strings.TrimSpace(decl)
	if decl == "" {
		return Param{}, fmt.Errorf("empty declaration")
	}
	pointer := strings.Count(decl, "*")
	if i := strings.Index(decl, "["); i >= 0 {
		pointer++
		decl = decl[:i]
	}
	fields := strings.Fields(strings.ReplaceAll(decl, "*", " "))
	if len(fields) < 2 {
		return Param{}, fmt.Errorf("cannot parse %q", decl)
	}
	p := Param{Name: fields[len(fields)-1]}
	var typ []string
	for _, f := range fields[:len(fields)-1] {
		if space, ok := qualifiers[f]; ok {
			if space != "" {
				p.Space = space
			}
			continue
		}
		typ = append(typ, f)
	}
	if len(typ) == 0 {
		return Param{}, fmt.Errorf("no type in %q", decl)
	}
	p.Type = normalizeType(typ)

	if pointer > 0 {
		if p.Space == "local" {
			return Param{}, fmt.Errorf("%s: local memory parameters are not supported", p.Name)
		}
		p.Type += strings.Repeat("*", pointer)
		p.Kind = KindBuffer
		if p.Space == "" {
			p.Space = "private"
		}
		return p, nil
	}
	if s, ok := scalarSizes[p.Type]; ok {
		p.Kind, p.Size = s.kind, s.size
		return p, nil
	}
	if m := vectorRE.FindStringSubmatch(p.Type); m != nil {
		n, _ := strconv.Atoi(m[2])
		if n == 3 {
			n = 4
		}
		p.Kind, p.Size = KindBytes, n*scalarSizes[m[1]].size
		return p, nil
	}
	// by-value struct or typedef: size is not known without a full front end
	p.Kind = KindBytes
	return p, nil
}

// normalizeType folds C spellings such as "unsigned int" onto OpenCL names.
func normalizeType(words []string) string {
	s := strings.Join(words, " ")
	switch s {
	case "unsigned char":
		return "uchar"
	case "unsigned short":
		return "ushort"
	case "unsigned", "unsigned int":
		return "uint"
	case "unsigned long":
		return "ulong"
	case "long long":
		return "long"
	}
	return s
}

func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '<':
			depth++
		case ')', ']', '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch {
		case strings.HasPrefix(s[i:], "//"):
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte('\n')
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			b.WriteByte(' ')
			i += end + 3
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
