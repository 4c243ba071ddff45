package template

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingParameter = errors.New("missing render parameter")
	ErrInvalidParameter = errors.New("invalid render parameter")
	ErrSyntax           = errors.New("template syntax error")
)

// MissingParameterError reports render parameters referenced by the template
// but absent from the supplied Params.
type MissingParameterError struct {
	Name  string   // first missing parameter
	Names []string // every missing parameter, in order of appearance
}

func (e *MissingParameterError) Error() string {
	if len(e.Names) > 1 {
		return fmt.Sprintf("missing render parameter %q (also missing: %s)", e.Name, strings.Join(e.Names[1:], ", "))
	}
	return fmt.Sprintf("missing render parameter %q", e.Name)
}

func (e *MissingParameterError) Is(target error) bool { return target == ErrMissingParameter }

// SyntaxError reports malformed loop tags.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template line %d: %s", e.Line, e.Msg)
}

func (e *SyntaxError) Is(target error) bool { return target == ErrSyntax }
