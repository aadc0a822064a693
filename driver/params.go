package driver

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ParamBuffer packs kernel arguments into the flat parameter buffer passed to LaunchKernel.
//
// Each value is placed at the next offset aligned to its natural alignment (its size, for scalars and
// pointers), in little-endian order. This is the layout the CUDA driver expects when parameters are
// passed with CU_LAUNCH_PARAM_BUFFER_POINTER.
type ParamBuffer struct {
	buf []byte
}

// Len returns the current size of the packed parameters, in bytes.
func (p *ParamBuffer) Len() int { return len(p.buf) }

// Bytes returns the packed parameters. It's not a copy.
func (p *ParamBuffer) Bytes() []byte { return p.buf }

// Raw appends value at the next offset aligned to align bytes. align must be a power of 2.
func (p *ParamBuffer) Raw(value []byte, align int) {
	if align <= 0 {
		align = 1
	}
	offset := alignUp(len(p.buf), align)
	for len(p.buf) < offset {
		p.buf = append(p.buf, 0)
	}
	p.buf = append(p.buf, value...)
}

func (p *ParamBuffer) Uint8(v uint8) { p.Raw([]byte{v}, 1) }

func (p *ParamBuffer) Uint16(v uint16) { p.Raw(binary.LittleEndian.AppendUint16(nil, v), 2) }

func (p *ParamBuffer) Uint32(v uint32) { p.Raw(binary.LittleEndian.AppendUint32(nil, v), 4) }

func (p *ParamBuffer) Uint64(v uint64) { p.Raw(binary.LittleEndian.AppendUint64(nil, v), 8) }

func (p *ParamBuffer) Int32(v int32) { p.Uint32(uint32(v)) }

func (p *ParamBuffer) Int64(v int64) { p.Uint64(uint64(v)) }

func (p *ParamBuffer) Float32(v float32) { p.Uint32(math.Float32bits(v)) }

func (p *ParamBuffer) Float64(v float64) { p.Uint64(math.Float64bits(v)) }

// Ptr appends a device pointer, always 64 bits.
func (p *ParamBuffer) Ptr(v DevicePtr) { p.Uint64(uint64(v)) }

// ParamReader reads the values packed by ParamBuffer, in the same order. Drivers implemented in Go
// (the simulator) use it to decode kernel arguments.
type ParamReader struct {
	buf    []byte
	offset int
}

// NewParamReader returns a reader over the packed parameters buf.
func NewParamReader(buf []byte) *ParamReader {
	return &ParamReader{buf: buf}
}

// Remaining returns the number of bytes not read yet.
func (r *ParamReader) Remaining() int { return len(r.buf) - r.offset }

// Raw reads size bytes aligned to align.
func (r *ParamReader) Raw(size, align int) ([]byte, error) {
	if align <= 0 {
		align = 1
	}
	start := alignUp(r.offset, align)
	end := start + size
	if end > len(r.buf) {
		return nil, errors.Errorf("kernel parameters too short: reading %d bytes at offset %d, but only %d bytes given",
			size, start, len(r.buf))
	}
	r.offset = end
	return r.buf[start:end], nil
}

func (r *ParamReader) Uint8() (uint8, error) {
	b, err := r.Raw(1, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *ParamReader) Uint16() (uint16, error) {
	b, err := r.Raw(2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *ParamReader) Uint32() (uint32, error) {
	b, err := r.Raw(4, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *ParamReader) Uint64() (uint64, error) {
	b, err := r.Raw(8, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *ParamReader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *ParamReader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

func (r *ParamReader) Float32() (float32, error) {
	v, err := r.Uint32()
	return math.Float32frombits(v), err
}

func (r *ParamReader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

func (r *ParamReader) Ptr() (DevicePtr, error) {
	v, err := r.Uint64()
	return DevicePtr(v), err
}

func alignUp(offset, align int) int {
	return (offset + align - 1) &^ (align - 1)
}
