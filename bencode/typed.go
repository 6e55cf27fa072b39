package bencode

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrType reports a mismatch between a bencoded value and the Go type
// it is being mapped to.
var ErrType = errors.New("bencode: type mismatch")

// Unmarshal parses data and stores the result in the value pointed to
// by out. Struct fields map to dictionary keys through the `bencode`
// tag (falling back to the field name); keys present in the input but
// absent from the struct are ignored.
func Unmarshal(data []byte, out interface{}) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	return FromValue(v, out)
}

// Marshal encodes a Go value as canonical bencode.
func Marshal(in interface{}) ([]byte, error) {
	v, err := ToValue(in)
	if err != nil {
		return nil, err
	}
	return Encode(v), nil
}

// FromValue maps a parsed value onto out, which must be a non-nil
// pointer.
func FromValue(v Value, out interface{}) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("%w: target must be a non-nil pointer, got %T", ErrType, out)
	}
	return assign(v, rv.Elem())
}

var valueType = reflect.TypeOf(Value{})

func assign(v Value, dst reflect.Value) error {
	if dst.Type() == valueType {
		dst.Set(reflect.ValueOf(v))
		return nil
	}
	switch dst.Kind() {
	case reflect.String:
		if v.Kind != KindBytes {
			return fmt.Errorf("%w: cannot map %s to string", ErrType, v.Kind)
		}
		dst.SetString(string(v.Bytes))
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			if v.Kind != KindBytes {
				return fmt.Errorf("%w: cannot map %s to []byte", ErrType, v.Kind)
			}
			b := make([]byte, len(v.Bytes))
			copy(b, v.Bytes)
			dst.SetBytes(b)
			return nil
		}
		if v.Kind != KindList {
			return fmt.Errorf("%w: cannot map %s to %s", ErrType, v.Kind, dst.Type())
		}
		out := reflect.MakeSlice(dst.Type(), len(v.List), len(v.List))
		for i, item := range v.List {
			if err := assign(item, out.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Kind != KindInt {
			return fmt.Errorf("%w: cannot map %s to %s", ErrType, v.Kind, dst.Type())
		}
		if dst.OverflowInt(v.Int) {
			return fmt.Errorf("%w: %d overflows %s", ErrOutOfRange, v.Int, dst.Type())
		}
		dst.SetInt(v.Int)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.Kind != KindInt {
			return fmt.Errorf("%w: cannot map %s to %s", ErrType, v.Kind, dst.Type())
		}
		if v.Int < 0 || dst.OverflowUint(uint64(v.Int)) {
			return fmt.Errorf("%w: %d overflows %s", ErrOutOfRange, v.Int, dst.Type())
		}
		dst.SetUint(uint64(v.Int))
		return nil
	case reflect.Struct:
		if v.Kind != KindDict {
			return fmt.Errorf("%w: cannot map %s to %s", ErrType, v.Kind, dst.Type())
		}
		for i := 0; i < dst.NumField(); i++ {
			field := dst.Type().Field(i)
			if field.PkgPath != "" {
				continue // unexported
			}
			key := field.Tag.Get("bencode")
			if key == "-" {
				continue
			}
			if key == "" {
				key = field.Name
			}
			item, ok := v.Dict[key]
			if !ok {
				continue
			}
			if err := assign(item, dst.Field(i)); err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
		}
		return nil
	case reflect.Ptr:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assign(v, dst.Elem())
	default:
		return fmt.Errorf("%w: unsupported target type %s", ErrType, dst.Type())
	}
}

// ToValue maps a Go value to its bencode representation. Supported
// inputs mirror FromValue: strings and []byte become byte strings,
// integers become integers (unsigned values must fit in int64),
// slices become lists and structs become dictionaries.
func ToValue(in interface{}) (Value, error) {
	return toValue(reflect.ValueOf(in))
}

func toValue(rv reflect.Value) (Value, error) {
	if rv.Type() == valueType {
		return rv.Interface().(Value), nil
	}
	switch rv.Kind() {
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Bytes(rv.Bytes()), nil
		}
		list := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := toValue(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			list[i] = item
		}
		return Value{Kind: KindList, List: list}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Integer(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d does not fit in a bencode integer", ErrOutOfRange, rv.Uint())
		}
		return Integer(int64(rv.Uint())), nil
	case reflect.Struct:
		dict := make(map[string]Value, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if field.PkgPath != "" {
				continue
			}
			key := field.Tag.Get("bencode")
			if key == "-" {
				continue
			}
			if key == "" {
				key = field.Name
			}
			item, err := toValue(rv.Field(i))
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", key, err)
			}
			dict[key] = item
		}
		return Value{Kind: KindDict, Dict: dict}, nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Value{}, fmt.Errorf("%w: cannot encode nil", ErrType)
		}
		return toValue(rv.Elem())
	default:
		return Value{}, fmt.Errorf("%w: unsupported source type %s", ErrType, rv.Type())
	}
}
