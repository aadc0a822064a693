package dtypes

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])
	require.Equal(t, Uint32, MapOfNames["u32"])
	require.Equal(t, Int32, MapOfNames["S32"])
}

func testSize[T Supported](t *testing.T) {
	var v T
	dtype := FromGenericsType[T]()
	require.NotEqual(t, Invalid, dtype)
	require.Equal(t, int(unsafe.Sizeof(v)), dtype.Size(), "size of %s", dtype)
	require.Equal(t, reflect.TypeOf(v), dtype.GoType())
}

func TestSizes(t *testing.T) {
	testSize[bool](t)
	testSize[int8](t)
	testSize[int16](t)
	testSize[int32](t)
	testSize[int64](t)
	testSize[uint8](t)
	testSize[uint16](t)
	testSize[uint32](t)
	testSize[uint64](t)
	testSize[float16.Float16](t)
	testSize[float32](t)
	testSize[float64](t)
	testSize[complex64](t)
	testSize[complex128](t)
	require.Equal(t, Invalid, FromAny("string"))
	require.Zero(t, Invalid.Size())
	require.True(t, Float16.IsFloat())
	require.True(t, Uint8.IsUnsigned())
	require.False(t, Int8.IsUnsigned())
}
