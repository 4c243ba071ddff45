package host

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/23skdu/longbow-kernelrt/internal/device"
)

var errorDirectiveRE = regexp.MustCompile(`(?m)^[ \t]*#[ \t]*error\b(.*)$`)

// Compile checks the source the way a device compiler front end would and binds
// the registered Go body for entry. Diagnostics are returned as a build log.
func (d *Driver) Compile(source, entry string) (device.Program, error) {
	var diags []string
	if i := strings.Index(source, "{{"); i >= 0 && strings.Contains(source[i:], "}}") {
		diags = append(diags, fmt.Sprintf("line %d: unexpanded template token", lineOf(source, i)))
	}
	if i := strings.Index(source, "{%"); i >= 0 {
		diags = append(diags, fmt.Sprintf("line %d: unexpanded template tag", lineOf(source, i)))
	}
	for _, m := range errorDirectiveRE.FindAllStringSubmatchIndex(source, -1) {
		diags = append(diags, fmt.Sprintf("line %d: #error%s", lineOf(source, m[0]), source[m[2]:m[3]]))
	}
	if msg := checkBalance(stripComments(source)); msg != "" {
		diags = append(diags, msg)
	}
	entryRE := regexp.MustCompile(`(?:__)?kernel\s+void\s+` + regexp.QuoteMeta(entry) + `\s*\(`)
	if !entryRE.MatchString(source) {
		diags = append(diags, fmt.Sprintf("kernel entry point %q not declared", entry))
	}
	if len(diags) > 0 {
		return nil, fmt.Errorf("build failed:\n%s", strings.Join(diags, "\n"))
	}

	factory, ok := lookupKernel(entry)
	if !ok {
		return nil, fmt.Errorf("no host implementation registered for kernel %q", entry)
	}
	src := parseSource(source, entry)
	fn, err := factory(src)
	if err != nil {
		return nil, fmt.Errorf("specialise %s: %w", entry, err)
	}
	return &program{owner: d, entry: entry, src: src, fn: fn}, nil
}

func lineOf(s string, off int) int {
	return strings.Count(s[:off], "\n") + 1
}

// stripComments blanks out // and /* */ comments, keeping newlines.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch {
		case strings.HasPrefix(s[i:], "//"):
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				end = len(s) - i - 2
			}
			b.WriteString(strings.Repeat("\n", strings.Count(s[i:i+2+end], "\n")))
			i += end + 3
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func checkBalance(s string) string {
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []byte
	var lines []int
	line := 1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\n':
			line++
		case '(', '[', '{':
			stack = append(stack, c)
			lines = append(lines, line)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Sprintf("line %d: unexpected '%c'", line, c)
			}
			stack = stack[:len(stack)-1]
			lines = lines[:len(lines)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Sprintf("line %d: unclosed '%c'", lines[len(lines)-1], stack[len(stack)-1])
	}
	return ""
}
