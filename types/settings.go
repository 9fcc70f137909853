package types

import (
	"fmt"
	"strconv"
	"time"
)

// Recognized settings keys. Anything else is passed through untouched.
const (
	SettingInternalTraceLevel  = "InternalTraceLevel"
	SettingInternalTraceWriter = "InternalTraceWriter"
	SettingWorkDirectory       = "WorkDirectory"
	SettingDefaultTimeout      = "DefaultTimeout"
	SettingGoBinary            = "GoBinary"
	SettingStopOnError         = "StopOnError"
	SettingCategories          = "Categories"
)

// Settings is the string-keyed configuration map handed to a controller at
// construction and passed through to its engines.
type Settings map[string]any

// Has reports whether key is present
func (s Settings) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// String returns the value for key as a string, or def when absent
func (s Settings) String(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Bool returns the value for key as a bool. Strings are parsed with strconv.
func (s Settings) Bool(key string, def bool) (bool, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return def, fmt.Errorf("setting %s: %w", key, err)
		}
		return b, nil
	}
	return def, fmt.Errorf("setting %s: unsupported type %T", key, v)
}

// Duration returns the value for key as a duration. Strings use
// time.ParseDuration, numbers are taken as seconds.
func (s Settings) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return def, fmt.Errorf("setting %s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	}
	return def, fmt.Errorf("setting %s: unsupported type %T", key, v)
}

// Strings returns the value for key as a string slice
func (s Settings) Strings(key string) []string {
	v, ok := s[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// Copy returns a shallow copy of s, never nil
func (s Settings) Copy() Settings {
	cp := make(Settings, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}
