// Package dtypes lists the element types that can be stored in typed device buffers.
package dtypes

import (
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a device buffer.
type DType int32

const (
	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
)

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64 | complex64 | complex128
}

var dtypeNames = []string{"Invalid", "Bool", "Int8", "Int16", "Int32", "Int64", "Uint8", "Uint16", "Uint32",
	"Uint64", "Float16", "Float32", "Float64", "Complex64", "Complex128"}

var dtypeSizes = []int{0, 1, 1, 2, 4, 8, 1, 2, 4, 8, 2, 4, 8, 8, 16}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return "Invalid"
	}
	return dtypeNames[dtype]
}

// Size returns the number of bytes of one element of the dtype.
func (dtype DType) Size() int {
	if dtype < 0 || int(dtype) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[dtype]
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is a signed or unsigned integer type.
func (dtype DType) IsInt() bool {
	return dtype >= Int8 && dtype <= Uint64
}

// IsUnsigned returns whether dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	return dtype >= Uint8 && dtype <= Uint64
}

// IsComplex returns whether dtype is a complex type.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// GoType returns the Go type of the dtype, or nil for Invalid.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeFor[bool]()
	case Int8:
		return reflect.TypeFor[int8]()
	case Int16:
		return reflect.TypeFor[int16]()
	case Int32:
		return reflect.TypeFor[int32]()
	case Int64:
		return reflect.TypeFor[int64]()
	case Uint8:
		return reflect.TypeFor[uint8]()
	case Uint16:
		return reflect.TypeFor[uint16]()
	case Uint32:
		return reflect.TypeFor[uint32]()
	case Uint64:
		return reflect.TypeFor[uint64]()
	case Float16:
		return reflect.TypeFor[float16.Float16]()
	case Float32:
		return reflect.TypeFor[float32]()
	case Float64:
		return reflect.TypeFor[float64]()
	case Complex64:
		return reflect.TypeFor[complex64]()
	case Complex128:
		return reflect.TypeFor[complex128]()
	}
	return nil
}

// FromGenericsType returns the DType of the generic type T.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromAny(t)
}

// FromAny returns the DType of the value, or Invalid if it is not one of the Supported types.
func FromAny(value any) DType {
	switch value.(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return Invalid
}

// MapOfNames maps the names of the dtypes (and the usual aliases, in lower case and upper case) to the DType.
var MapOfNames = make(map[string]DType)

func init() {
	aliases := map[DType][]string{
		Bool:       {"pred"},
		Int8:       {"s8", "i8"},
		Int16:      {"s16", "i16"},
		Int32:      {"s32", "i32"},
		Int64:      {"s64", "i64"},
		Uint8:      {"u8"},
		Uint16:     {"u16"},
		Uint32:     {"u32"},
		Uint64:     {"u64"},
		Float16:    {"f16", "half"},
		Float32:    {"f32"},
		Float64:    {"f64"},
		Complex64:  {"c64"},
		Complex128: {"c128"},
	}
	for dtype := Bool; dtype <= Complex128; dtype++ {
		names := append([]string{dtype.String()}, aliases[dtype]...)
		for _, name := range names {
			MapOfNames[name] = dtype
			MapOfNames[strings.ToLower(name)] = dtype
			MapOfNames[strings.ToUpper(name)] = dtype
		}
	}
}
