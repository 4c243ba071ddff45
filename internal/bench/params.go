package bench

import (
	"fmt"
	"math"
	"strconv"
)

// Int reads an integer parameter. Suite files decode whole numbers as int64.
func (s *Session) Int(name string) (int, error) {
	v, ok := s.params[name]
	if !ok {
		return 0, fmt.Errorf("parameter %q is not set", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("parameter %q: %v is not a whole number", name, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", name, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("parameter %q: %T is not an integer", name, v)
}

func (s *Session) Text(name string) (string, error) {
	v, ok := s.params[name]
	if !ok {
		return "", fmt.Errorf("parameter %q is not set", name)
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprint(v), nil
}

func (s *Session) Bool(name string) (bool, error) {
	v, ok := s.params[name]
	if !ok {
		return false, fmt.Errorf("parameter %q is not set", name)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("parameter %q: %w", name, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("parameter %q: %T is not a bool", name, v)
}

// ints reads several positive integer parameters at once.
func (s *Session) ints(names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		v, err := s.Int(n)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("parameter %q must be positive, got %d", n, v)
		}
		out[i] = v
	}
	return out, nil
}
