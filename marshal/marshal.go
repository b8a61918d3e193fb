// Package marshal converts values between the host and the script engine.
package marshal

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/caffeineduck/evaljs/engine"
)

var (
	ErrInvalidString = errors.New("marshal: string is not valid UTF-8")
	ErrUnsupported   = errors.New("marshal: unsupported value")
)

const maxDepth = 64

// ToHost converts a script result into its host string form. ok is false
// when the value has no host representation: undefined, null and the kinds
// that are not convertible (symbol, function, external, bigint).
//
// Numbers go through ToInt32, so fractional and out-of-range values are
// truncated.
func ToHost(v engine.Value) (s string, ok bool, err error) {
	if v == nil || !v.Kind().Convertible() {
		return "", false, nil
	}
	switch v.Kind() {
	case engine.Boolean:
		return strconv.FormatBool(v.Bool()), true, nil
	case engine.Number:
		return strconv.FormatInt(int64(Int32(v.Float())), 10), true, nil
	case engine.String:
		return strings.ToValidUTF8(v.String(), string(utf8.RuneError)), true, nil
	case engine.Object:
		return v.Stringify()
	}
	return "", false, nil
}

// Int32 applies the ECMAScript ToInt32 conversion.
func Int32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	if f >= math.MinInt32 && f <= math.MaxInt32 {
		return int32(f)
	}
	m := math.Mod(f, 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	return int32(uint32(m))
}

// Script validates host script text before it is handed to the engine.
func Script(src string) (string, error) {
	if !utf8.ValidString(src) {
		return "", ErrInvalidString
	}
	return src, nil
}

// Snapshot returns a deep copy of args that shares no mutable memory with
// the caller. Channels, functions and unsafe pointers are rejected.
func Snapshot(args []any) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		c, err := snapshot(reflect.ValueOf(a), 0)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if c.IsValid() {
			out[i] = c.Interface()
		}
	}
	return out, nil
}

var timeType = reflect.TypeOf(time.Time{})

func snapshot(v reflect.Value, depth int) (reflect.Value, error) {
	if !v.IsValid() {
		return v, nil
	}
	if depth > maxDepth {
		return reflect.Value{}, fmt.Errorf("%w: nesting deeper than %d", ErrUnsupported, maxDepth)
	}

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnsupported, v.Type())

	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		inner, err := snapshot(v.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out, nil

	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		elem, err := snapshot(v.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(elem)
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			e, err := snapshot(v.Index(i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			setValue(out.Index(i), e)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			e, err := snapshot(v.Index(i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			setValue(out.Index(i), e)
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k, err := snapshot(iter.Key(), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			e, err := snapshot(iter.Value(), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			if !e.IsValid() {
				e = reflect.Zero(v.Type().Elem())
			}
			out.SetMapIndex(k, e)
		}
		return out, nil

	case reflect.Struct:
		if v.Type() == timeType {
			return v, nil
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			f, err := snapshot(v.Field(i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			setValue(out.Field(i), f)
		}
		return out, nil
	}

	return v, nil
}

func setValue(dst, src reflect.Value) {
	if !src.IsValid() {
		dst.Set(reflect.Zero(dst.Type()))
		return
	}
	dst.Set(src)
}
