package driver

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Options map names to driver specific configuration values.
//
// Supported value types are string, bool and the integer types. Integer getters accept
// any integer type.
type Options map[string]any

// String returns the options sorted by key, for logging.
func (o Options) String() string {
	parts := make([]string, 0, len(o))
	for _, key := range slices.Sorted(maps.Keys(o)) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, o[key]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Int64 returns the option key as an int64, or defaultValue if it is not set.
func (o Options) Int64(key string, defaultValue int64) (int64, error) {
	anyValue, found := o[key]
	if !found {
		return defaultValue, nil
	}
	switch value := anyValue.(type) {
	case int:
		return int64(value), nil
	case int32:
		return int64(value), nil
	case int64:
		return value, nil
	case uint:
		return int64(value), nil
	case uint32:
		return int64(value), nil
	case uint64:
		return int64(value), nil
	default:
		return 0, errors.Errorf("option %q was set to unsupported type %T (value=%v), an integer was expected",
			key, anyValue, anyValue)
	}
}

// Int returns the option key as an int, or defaultValue if it is not set.
func (o Options) Int(key string, defaultValue int) (int, error) {
	v, err := o.Int64(key, int64(defaultValue))
	return int(v), err
}

// Str returns the option key as a string, or defaultValue if it is not set.
func (o Options) Str(key, defaultValue string) (string, error) {
	anyValue, found := o[key]
	if !found {
		return defaultValue, nil
	}
	value, ok := anyValue.(string)
	if !ok {
		return "", errors.Errorf("option %q was set to unsupported type %T (value=%v), a string was expected",
			key, anyValue, anyValue)
	}
	return value, nil
}

// Bool returns the option key as a bool, or defaultValue if it is not set.
func (o Options) Bool(key string, defaultValue bool) (bool, error) {
	anyValue, found := o[key]
	if !found {
		return defaultValue, nil
	}
	value, ok := anyValue.(bool)
	if !ok {
		return false, errors.Errorf("option %q was set to unsupported type %T (value=%v), a bool was expected",
			key, anyValue, anyValue)
	}
	return value, nil
}

// Merge returns a new Options with the values of o overwritten by the values of other.
func (o Options) Merge(other Options) Options {
	merged := make(Options, len(o)+len(other))
	maps.Copy(merged, o)
	maps.Copy(merged, other)
	return merged
}
