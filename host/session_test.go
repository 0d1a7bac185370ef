package host

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-nms/boxes"
	"github.com/nvr-ai/go-nms/inference"
	"github.com/nvr-ai/go-nms/logging"
	"github.com/nvr-ai/go-nms/params"
	"github.com/nvr-ai/go-nms/plugin"
	"github.com/nvr-ai/go-nms/profiler"
	"github.com/nvr-ai/go-nms/status"
)

func faceParams() params.NMSParameters {
	p := params.WiderFaceParameters()
	p.TopK = 8
	p.KeepTopK = 3
	return p
}

// faceBatch is two items of two priors with one landmark each. Item 0 holds
// two overlapping faces, item 1 two separate faces.
func faceBatch(t testing.TB, p inference.Precision) []*tensor.Dense {
	t.Helper()
	bx := []float32{
		0, 0, 0.5, 0.5, 0, 0, 0.5, 0.5,
		0, 0, 0.25, 0.25, 0.5, 0.5, 0.75, 0.75,
	}
	sc := []float32{0.75, 0.875, 0.75, 0.625}
	lm := []float32{0.125, 0.25, 0.375, 0.5, 0.5, 0.625, 0.75, 0.875}

	bt, err := inference.FromFloat32(bx, inference.Dims{2, 2, 1, 4}, p)
	require.NoError(t, err)
	st, err := inference.FromFloat32(sc, inference.Dims{2, 2, 1}, p)
	require.NoError(t, err)
	lt, err := inference.FromFloat32(lm, inference.Dims{2, 2, 2}, p)
	require.NoError(t, err)
	return []*tensor.Dense{bt, st, lt}
}

func assertFaces(t *testing.T, out *Output) {
	t.Helper()
	require.Equal(t, 2, out.Batch())

	first, err := out.Detections(0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, float32(0.875), first[0].Score)
	assert.Equal(t, []float32{0.375, 0.5}, first[0].Landmarks)

	second, err := out.Detections(1)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, boxes.Box{X1: 0, Y1: 0, X2: 0.25, Y2: 0.25}, second[0].Box)
	assert.Equal(t, 1, second[1].Rank)
	assert.Equal(t, -1, second[1].Index)
	assert.Equal(t, []float32{0.75, 0.875}, second[1].Landmarks)

	_, err = out.Detections(2)
	assert.Error(t, err)
}

func TestSessionDynamic(t *testing.T) {
	d, err := plugin.NewDynamic(faceParams())
	require.NoError(t, err)

	s, err := NewSessionBuilder().
		WithPlugin(d).
		WithInputs(inference.Dims{-1, 2, 1, 4}, inference.Dims{-1, 2, 1}, inference.Dims{-1, 2, 2}).
		WithLogger(logging.Discard()).
		Negotiate().
		Configure().
		Build()
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, inference.PrecisionFP32, s.Precision())

	out, err := s.Run(context.Background(), faceBatch(t, inference.PrecisionFP32))
	require.NoError(t, err)
	assertFaces(t, out)
}

func TestSessionHalfPrecisionFallback(t *testing.T) {
	s := NewSessionBuilder().
		WithCreator(plugin.NameDynamic, []params.Field{
			params.Float32Field("scoreThreshold", 0.5),
			params.Float32Field("iouThreshold", 0.4),
			params.Int32Field("topK", 8),
			params.Int32Field("keepTopK", 3),
		}).
		WithInputs(inference.Dims{2, 2, 1, 4}, inference.Dims{2, 2, 1}, inference.Dims{2, 2, 2}).
		WithLogger(logging.Discard()).
		Negotiate(inference.PrecisionINT8, inference.PrecisionFP16).
		MustBuild()
	defer s.Close()
	assert.Equal(t, inference.PrecisionFP16, s.Precision())

	out, err := s.Run(context.Background(), faceBatch(t, inference.PrecisionFP16))
	require.NoError(t, err)
	assert.Equal(t, tensor.Uint16, out.Tensors[plugin.OutputScores].Dtype())
	assertFaces(t, out)
}

func TestSessionFixedBatch(t *testing.T) {
	f, err := plugin.NewFixedBatch(faceParams(), 2)
	require.NoError(t, err)

	stream := inference.NewStream(2, inference.WithLogger(logging.Discard()))
	defer stream.Close()
	prof := profiler.New(2)

	s, err := NewSessionBuilder().
		WithPlugin(f).
		WithInputs(inference.Dims{2, 2, 1, 4}, inference.Dims{2, 2, 1}, inference.Dims{2, 2, 2}).
		WithStream(stream).
		WithProvider(inference.NewPoolProvider(1 << 20)).
		WithProfiler(prof).
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)
	assert.Equal(t, 2, f.MaxBatchSize())

	for i := 0; i < 3; i++ {
		out, err := s.Run(context.Background(), faceBatch(t, inference.PrecisionFP32))
		require.NoError(t, err)
		assertFaces(t, out)
	}
	require.NoError(t, s.Close())

	assert.Same(t, prof, s.Profiler())
	run, ok := prof.Summary(OpRun)
	require.True(t, ok)
	assert.Equal(t, int64(3), run.Count)
	enqueue, ok := prof.Summary(OpEnqueue)
	require.True(t, ok)
	assert.LessOrEqual(t, enqueue.Min, run.Max)
}

func TestSessionNegotiationRejected(t *testing.T) {
	d, err := plugin.NewDynamic(faceParams())
	require.NoError(t, err)

	b := NewSessionBuilder().
		WithPlugin(d).
		WithInputs(inference.Dims{1, 2, 1, 4}, inference.Dims{1, 2, 1}, inference.Dims{1, 2, 2}).
		WithLogger(logging.Discard()).
		Negotiate(inference.PrecisionINT8, inference.PrecisionINT32)
	require.True(t, b.HasError())
	assert.True(t, errors.Is(b.Err(), status.ErrNegotiationRejected))

	// A rejected negotiation leaves the façade unconfigured.
	assert.Zero(t, d.NumPriors())

	_, err = b.Build()
	assert.Error(t, err)
	assert.Panics(t, func() { b.MustBuild() })
}

func TestSessionConfigureShapeMismatch(t *testing.T) {
	_, err := NewSessionBuilder().
		WithCreator(plugin.NameDynamic, nil).
		WithInputs(inference.Dims{1, 2, 1, 4}, inference.Dims{1, 2, 3}, inference.Dims{1, 2, 2}).
		WithLogger(logging.Discard()).
		Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrShapeMismatch))

	_, err = NewSessionBuilder().WithCreator("unknown", nil).Build()
	assert.Error(t, err)
	_, err = NewSessionBuilder().Build()
	assert.Error(t, err)
}

func TestSessionRunErrors(t *testing.T) {
	s := NewSessionBuilder().
		WithCreator(plugin.NameDynamic, []params.Field{params.Int32Field("keepTopK", 3)}).
		WithInputs(inference.Dims{-1, 2, 1, 4}, inference.Dims{-1, 2, 1}, inference.Dims{-1, 2, 2}).
		WithLogger(logging.Discard()).
		MustBuild()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx, faceBatch(t, inference.PrecisionFP32))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Run(context.Background(), nil)
	assert.Error(t, err)

	// Inputs in a precision other than the negotiated one.
	_, err = s.Run(context.Background(), faceBatch(t, inference.PrecisionFP16))
	assert.True(t, errors.Is(err, status.ErrNegotiationRejected))

	assert.Empty(t, s.Profiler().Summaries())
}

func BenchmarkSessionRun(b *testing.B) {
	for _, p := range []inference.Precision{inference.PrecisionFP32, inference.PrecisionFP16} {
		b.Run(string(p), func(b *testing.B) {
			inputs := faceBatch(b, p)
			s := NewSessionBuilder().
				WithCreator(plugin.NameDynamic, []params.Field{params.Int32Field("keepTopK", 3)}).
				WithInputs(inference.Dims{-1, 2, 1, 4}, inference.Dims{-1, 2, 1}, inference.Dims{-1, 2, 2}).
				WithLogger(logging.Discard()).
				Negotiate(p).
				MustBuild()
			defer s.Close()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.Run(context.Background(), inputs); err != nil {
					b.Fatal(err)
				}
			}
			b.StopTimer()
			if b.Elapsed() > 0 {
				b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "batches/s")
			}
		})
	}
}
