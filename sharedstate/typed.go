package sharedstate

import (
	"fmt"
	"reflect"

	"github.com/golobby/cast"
)

// GetAs reads key and converts it to T. Numeric values convert between
// numeric kinds, and string values are parsed into T.
func GetAs[T any](s *Store, key string) (T, error) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}

	target := reflect.TypeOf(zero)
	if target == nil {
		return zero, fmt.Errorf("%w: %q cannot convert to interface type", ErrTypeMismatch, key)
	}

	rv := reflect.ValueOf(v)
	if rv.IsValid() && isNumericKind(rv.Kind()) && isNumericKind(target.Kind()) {
		return rv.Convert(target).Interface().(T), nil
	}

	if str, isStr := v.(string); isStr {
		converted, err := cast.FromType(str, target)
		if err != nil {
			return zero, fmt.Errorf("%w: %q: %w", ErrTypeMismatch, key, err)
		}
		if typed, ok := converted.(T); ok {
			return typed, nil
		}
	}

	return zero, fmt.Errorf("%w: %q holds %T, want %s", ErrTypeMismatch, key, v, target)
}

// GetOr reads key as T, returning fallback when the key is missing or
// cannot be converted.
func GetOr[T any](s *Store, key string, fallback T) T {
	v, err := GetAs[T](s, key)
	if err != nil {
		return fallback
	}
	return v
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func toFloat(v Value) (float64, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || !isNumericKind(rv.Kind()) {
		return 0, false
	}
	return rv.Convert(reflect.TypeOf(float64(0))).Float(), true
}
