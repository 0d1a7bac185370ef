// Package inference - Tensor boundary, compute stream and workspace provider.
package inference

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Precision represents the element type of a tensor crossing the boundary.
type Precision string

// Precision constants are the element types a host may propose. Only FP32,
// FP16 and INT32 are ever accepted by the NMS façades.
const (
	PrecisionINT8  Precision = "INT8"
	PrecisionFP16  Precision = "FP16"
	PrecisionFP32  Precision = "FP32"
	PrecisionINT32 Precision = "INT32"
)

// precisionCodes is the stable numbering used in serialized blobs.
var precisionCodes = map[Precision]int32{
	PrecisionFP32:  0,
	PrecisionFP16:  1,
	PrecisionINT8:  2,
	PrecisionINT32: 3,
}

// Code returns the serialized form of p, or -1 if p is unknown.
func (p Precision) Code() int32 {
	if c, ok := precisionCodes[p]; ok {
		return c
	}
	return -1
}

// PrecisionFromCode is the inverse of Code.
func PrecisionFromCode(code int32) (Precision, error) {
	for p, c := range precisionCodes {
		if c == code {
			return p, nil
		}
	}
	return "", errors.Errorf("unknown precision code %d", code)
}

// IsFloat reports whether p is one of the floating types the engine runs on.
func (p Precision) IsFloat() bool {
	return p == PrecisionFP32 || p == PrecisionFP16
}

// ElementSize returns the byte width of one element, or 0 if unknown.
func (p Precision) ElementSize() int {
	switch p {
	case PrecisionFP32, PrecisionINT32:
		return 4
	case PrecisionFP16:
		return 2
	case PrecisionINT8:
		return 1
	default:
		return 0
	}
}

// Dtype returns the gorgonia element type carrying p. FP16 travels as the raw
// IEEE half bits in a Uint16 tensor.
func (p Precision) Dtype() (tensor.Dtype, error) {
	switch p {
	case PrecisionFP32:
		return tensor.Float32, nil
	case PrecisionFP16:
		return tensor.Uint16, nil
	case PrecisionINT32:
		return tensor.Int32, nil
	case PrecisionINT8:
		return tensor.Int8, nil
	default:
		return tensor.Dtype{}, errors.Errorf("no tensor type for precision %q", p)
	}
}

// PrecisionOf maps a gorgonia element type back to a Precision.
func PrecisionOf(dt tensor.Dtype) (Precision, error) {
	switch dt {
	case tensor.Float32:
		return PrecisionFP32, nil
	case tensor.Uint16:
		return PrecisionFP16, nil
	case tensor.Int32:
		return PrecisionINT32, nil
	case tensor.Int8:
		return PrecisionINT8, nil
	default:
		return "", errors.Errorf("unsupported tensor type %v", dt)
	}
}

// Format is the memory layout of a tensor.
type Format string

// Formats a host may propose. The NMS façades accept only FormatLinear.
const (
	FormatLinear Format = "LINEAR"
	FormatCHW4   Format = "CHW4"
	FormatHWC8   Format = "HWC8"
)
