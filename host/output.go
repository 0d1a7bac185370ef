package host

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-nms/boxes"
	"github.com/nvr-ai/go-nms/inference"
	"github.com/nvr-ai/go-nms/plugin"
	"github.com/nvr-ai/go-nms/postprocess"
)

// Output holds the tensors of one batch in façade output order.
type Output struct {
	Tensors []*tensor.Dense
}

// Batch returns the number of items in the output.
func (o *Output) Batch() int {
	return o.Tensors[plugin.OutputNumDetections].Shape()[0]
}

// Count returns the number of detections of item.
func (o *Output) Count(item int) (int, error) {
	counts, err := inference.Int32s(o.Tensors[plugin.OutputNumDetections])
	if err != nil {
		return 0, err
	}
	if item < 0 || item >= len(counts) {
		return 0, errors.Errorf("item %d outside batch of %d", item, len(counts))
	}
	return int(counts[item]), nil
}

// Detections decodes the kept detections of item. Prior indices are not
// part of the output, so Index is -1.
func (o *Output) Detections(item int) ([]postprocess.Detection, error) {
	n, err := o.Count(item)
	if err != nil {
		return nil, err
	}
	bx, err := inference.ToFloat32(o.Tensors[plugin.OutputBoxes])
	if err != nil {
		return nil, err
	}
	sc, err := inference.ToFloat32(o.Tensors[plugin.OutputScores])
	if err != nil {
		return nil, err
	}
	lm, err := inference.ToFloat32(o.Tensors[plugin.OutputLandmarks])
	if err != nil {
		return nil, err
	}
	var classes []int32
	if len(o.Tensors) > plugin.OutputClasses {
		if classes, err = inference.Int32s(o.Tensors[plugin.OutputClasses]); err != nil {
			return nil, err
		}
	}

	keep := o.Tensors[plugin.OutputScores].Shape()[1]
	stride := 0
	if keep > 0 {
		stride = len(lm) / (o.Batch() * keep)
	}

	out := make([]postprocess.Detection, n)
	for r := range out {
		slot := item*keep + r
		d := postprocess.Detection{
			Box:       boxes.FromSlice(bx[slot*4 : slot*4+4]),
			Score:     sc[slot],
			Index:     -1,
			Rank:      r,
			Landmarks: append([]float32(nil), lm[slot*stride:(slot+1)*stride]...),
		}
		if classes != nil {
			d.Class = int(classes[slot])
		}
		out[r] = d
	}
	return out, nil
}
