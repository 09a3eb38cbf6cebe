// Package transform holds the small library of field transforms applied when
// translating entities between the local store and a remote platform.
package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Func transforms a single field value. arg carries the transform's
// configuration (e.g. a max length or a date layout) and may be empty.
type Func func(value any, arg string) (any, error)

var registry = map[string]Func{
	"to_upper":       toUpper,
	"to_lower":       toLower,
	"trim":           trim,
	"truncate":       truncate,
	"date_format":    dateFormat,
	"currency_round": currencyRound,
	"phone_digits":   phoneDigits,
}

// Get returns the named transform
func Get(name string) (Func, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform: %s", name)
	}
	return fn, nil
}

// Step is one named transform with its argument.
type Step struct {
	Name string `json:"name" validate:"required"`
	Arg  string `json:"arg,omitempty"`
}

// Apply runs a chain of transforms over a value in order.
func Apply(value any, steps []Step) (any, error) {
	var err error
	for _, step := range steps {
		fn, getErr := Get(step.Name)
		if getErr != nil {
			return nil, getErr
		}
		value, err = fn(value, step.Arg)
		if err != nil {
			return nil, fmt.Errorf("transform %s failed: %w", step.Name, err)
		}
	}
	return value, nil
}

func asString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	case fmt.Stringer:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", value)
	}
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

func toUpper(value any, _ string) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func toLower(value any, _ string) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func trim(value any, _ string) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func truncate(value any, arg string) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	maxLen, err := strconv.Atoi(arg)
	if err != nil || maxLen < 0 {
		return nil, fmt.Errorf("truncate requires a non-negative length argument, got %q", arg)
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s, nil
	}
	return string(runes[:maxLen]), nil
}

// dateFormat re-renders a timestamp in the layout given by arg. Inputs may be
// RFC3339 strings, date-only strings, or time.Time values.
func dateFormat(value any, arg string) (any, error) {
	if arg == "" {
		arg = time.RFC3339
	}

	var t time.Time
	switch v := value.(type) {
	case time.Time:
		t = v
	case string:
		var err error
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			t, err = time.Parse(layout, v)
			if err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse date %q", v)
		}
	default:
		return nil, fmt.Errorf("cannot convert %T to date", value)
	}

	return t.Format(arg), nil
}

// currencyRound rounds half-up to 2 decimal places.
func currencyRound(value any, _ string) (any, error) {
	f, err := asFloat(value)
	if err != nil {
		return nil, err
	}
	// Small epsilon compensates for binary float error on decimal inputs
	// like 19.995, which would otherwise land just below the half boundary.
	return math.Floor(f*100+0.5+1e-9) / 100, nil
}

// phoneDigits strips everything but digits, keeping a leading plus.
func phoneDigits(value any, _ string) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}
