package inference

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gorgonia.org/tensor"
)

// Dims is a tensor shape. A negative extent is unknown until execution.
type Dims []int

// Volume returns the element count, or -1 if any extent is unknown.
func (d Dims) Volume() int {
	v := 1
	for _, n := range d {
		if n < 0 {
			return -1
		}
		v *= n
	}
	return v
}

// Equal reports whether d and o have the same extents.
func (d Dims) Equal(o Dims) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of d.
func (d Dims) Clone() Dims {
	if d == nil {
		return nil
	}
	return append(Dims(nil), d...)
}

// String renders d as [a,b,c].
func (d Dims) String() string {
	return fmt.Sprint([]int(d))
}

// TensorDesc describes one tensor position during negotiation and configure.
type TensorDesc struct {
	Dims      Dims      `json:"dims" yaml:"dims"`
	Precision Precision `json:"precision" yaml:"precision"`
	Format    Format    `json:"format" yaml:"format"`
}

// DescOf describes an existing tensor in linear format.
func DescOf(t *tensor.Dense) (TensorDesc, error) {
	p, err := PrecisionOf(t.Dtype())
	if err != nil {
		return TensorDesc{}, err
	}
	return TensorDesc{Dims: Dims(t.Shape().Clone()), Precision: p, Format: FormatLinear}, nil
}

// NewTensor allocates a zeroed tensor of the given shape and precision.
func NewTensor(dims Dims, p Precision) (*tensor.Dense, error) {
	dt, err := p.Dtype()
	if err != nil {
		return nil, err
	}
	if dims.Volume() < 0 {
		return nil, errors.Errorf("cannot allocate tensor with unknown dims %v", dims)
	}
	return tensor.New(tensor.Of(dt), tensor.WithShape(dims...)), nil
}

// FromFloat32 wraps data as a tensor of precision p. FP32 shares data;
// FP16 encodes a copy.
func FromFloat32(data []float32, dims Dims, p Precision) (*tensor.Dense, error) {
	if dims.Volume() != len(data) {
		return nil, errors.Errorf("%d values do not fill dims %v", len(data), dims)
	}
	if len(data) == 0 && p.IsFloat() {
		return NewTensor(dims, p)
	}
	switch p {
	case PrecisionFP32:
		return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data)), nil
	case PrecisionFP16:
		half := make([]uint16, len(data))
		EncodeHalf(half, data)
		return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(half)), nil
	default:
		return nil, errors.Errorf("precision %q is not a float type", p)
	}
}

// backing returns the backing slice of t. Tensors with no elements have no
// backing array, so they yield a typed empty slice instead.
func backing(t *tensor.Dense) interface{} {
	if t.Shape().TotalSize() > 0 {
		return t.Data()
	}
	switch t.Dtype() {
	case tensor.Float32:
		return []float32{}
	case tensor.Uint16:
		return []uint16{}
	case tensor.Int32:
		return []int32{}
	}
	return nil
}

// Float32s returns the FP32 backing slice of t without copying.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if v, ok := backing(t).([]float32); ok {
		return v, nil
	}
	return nil, errors.Errorf("tensor of %v is not float32 backed", t.Dtype())
}

// Halves returns the FP16 backing slice of t without copying.
func Halves(t *tensor.Dense) ([]uint16, error) {
	if v, ok := backing(t).([]uint16); ok {
		return v, nil
	}
	return nil, errors.Errorf("tensor of %v is not float16 backed", t.Dtype())
}

// Int32s returns the INT32 backing slice of t without copying.
func Int32s(t *tensor.Dense) ([]int32, error) {
	if v, ok := backing(t).([]int32); ok {
		return v, nil
	}
	return nil, errors.Errorf("tensor of %v is not int32 backed", t.Dtype())
}

// ToFloat32 returns the values of a float tensor as float32, decoding FP16.
// FP32 tensors return their backing slice.
func ToFloat32(t *tensor.Dense) ([]float32, error) {
	switch v := backing(t).(type) {
	case []float32:
		return v, nil
	case []uint16:
		out := make([]float32, len(v))
		DecodeHalf(out, v)
		return out, nil
	default:
		return nil, errors.Errorf("tensor of %v is not a float tensor", t.Dtype())
	}
}

// DecodeHalf widens IEEE half bits into dst.
func DecodeHalf(dst []float32, src []uint16) {
	for i, h := range src {
		dst[i] = float16.Frombits(h).Float32()
	}
}

// EncodeHalf narrows src into IEEE half bits, rounding to nearest even.
func EncodeHalf(dst []uint16, src []float32) {
	for i, f := range src {
		dst[i] = float16.Fromfloat32(f).Bits()
	}
}
