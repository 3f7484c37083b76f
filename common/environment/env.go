// Package environment provides helpers for loading configuration from environment variables.
//
// Optional variables fall back to a caller-supplied value when unset. Typed
// parsers report malformed values as errors instead of silently using the
// fallback, so a typo in a deployment manifest is caught at startup.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the trimmed value of the named environment variable, or
// defaultValue if the variable is unset or blank.
func StringOr(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// Missing returns the subset of names whose variables are unset or blank,
// preserving the order they were given in.
func Missing(names ...string) []string {
	var out []string
	for _, n := range names {
		if strings.TrimSpace(os.Getenv(n)) == "" {
			out = append(out, n)
		}
	}
	return out
}

// Bool parses the named variable with strconv.ParseBool. Unset returns
// defaultValue.
func Bool(name string, defaultValue bool) (bool, error) {
	v, ok := lookup(name)
	if !ok {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", name, v)
	}
	return b, nil
}

// Int parses the named variable as a decimal integer. Unset returns
// defaultValue.
func Int(name string, defaultValue int) (int, error) {
	v, ok := lookup(name)
	if !ok {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

// Float parses the named variable as a float64. Unset returns defaultValue.
func Float(name string, defaultValue float64) (float64, error) {
	v, ok := lookup(name)
	if !ok {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid number %q", name, v)
	}
	return f, nil
}

// Duration parses the named variable as a time.Duration ("15s", "2m").
// Unset returns defaultValue.
func Duration(name string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := lookup(name)
	if !ok {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", name, v)
	}
	return d, nil
}

func lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}
