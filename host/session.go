// Package host - Drives an NMS façade through negotiation, configuration and
// execution the way an inference runtime does.
package host

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-nms/inference"
	"github.com/nvr-ai/go-nms/logging"
	"github.com/nvr-ai/go-nms/params"
	"github.com/nvr-ai/go-nms/plugin"
	"github.com/nvr-ai/go-nms/profiler"
	"github.com/nvr-ai/go-nms/status"
)

// Profiler operation names recorded by Session.Run.
const (
	OpRun     = "run"
	OpEnqueue = "enqueue"
)

// DefaultPrecisions is the negotiation order used when none is given.
var DefaultPrecisions = []inference.Precision{inference.PrecisionFP32, inference.PrecisionFP16}

// SessionBuilder assembles a Session with a fluent API. The first failing
// step is kept and every later step is skipped.
type SessionBuilder struct {
	plugin   plugin.Plugin
	inputs   []inference.Dims
	stream   *inference.Stream
	provider inference.WorkspaceProvider
	log      *logrus.Logger
	profiler *profiler.Profiler

	negotiated bool
	precision  inference.Precision
	in, out    []inference.TensorDesc
	configured bool

	err error
}

// NewSessionBuilder creates a new session builder.
//
// Returns:
//   - *SessionBuilder: The session builder.
func NewSessionBuilder() *SessionBuilder {
	return &SessionBuilder{}
}

// WithPlugin sets the façade the session drives. It must be a
// plugin.FixedPlugin or a plugin.DynamicPlugin.
//
// Arguments:
//   - p: The façade.
//
// Returns:
//   - *SessionBuilder: The session builder.
func (b *SessionBuilder) WithPlugin(p plugin.Plugin) *SessionBuilder {
	if b.HasError() {
		return b
	}
	switch p.(type) {
	case plugin.DynamicPlugin, plugin.FixedPlugin:
		b.plugin = p
	default:
		b.err = status.New(status.NotSupported, status.ErrConfiguration, "plugin %T has no execution interface", p)
	}
	return b
}

// WithCreator creates the façade registered under name from fields.
//
// Arguments:
//   - name: The plugin name.
//   - fields: The creation fields.
//
// Returns:
//   - *SessionBuilder: The session builder.
func (b *SessionBuilder) WithCreator(name string, fields []params.Field) *SessionBuilder {
	if b.HasError() {
		return b
	}
	c, err := plugin.NewCreator(name)
	if err != nil {
		b.err = err
		return b
	}
	p, err := c.CreatePlugin(name, fields)
	if err != nil {
		b.err = err
		return b
	}
	return b.WithPlugin(p)
}

// WithInputs sets the batch-major input shapes: boxes [B, P, locC, 4],
// scores [B, P, C] and landmarks [B, P, 2L]. For a fixed-batch façade B is
// the maximum batch size; a dynamic façade accepts -1.
//
// Arguments:
//   - boxes: The boxes shape.
//   - scores: The scores shape.
//   - landmarks: The landmarks shape.
//
// Returns:
//   - *SessionBuilder: The session builder.
func (b *SessionBuilder) WithInputs(boxes, scores, landmarks inference.Dims) *SessionBuilder {
	if b.HasError() {
		return b
	}
	b.inputs = []inference.Dims{boxes.Clone(), scores.Clone(), landmarks.Clone()}
	return b
}

// WithStream sets the compute stream. Without one the session owns a stream
// sized to GOMAXPROCS.
func (b *SessionBuilder) WithStream(s *inference.Stream) *SessionBuilder {
	b.stream = s
	return b
}

// WithProvider sets the workspace provider. The default is an unbounded
// inference.PoolProvider.
func (b *SessionBuilder) WithProvider(p inference.WorkspaceProvider) *SessionBuilder {
	b.provider = p
	return b
}

// WithProfiler sets the profiler recording run timings. The default keeps
// profiler.DefaultMaxSamples per operation.
func (b *SessionBuilder) WithProfiler(p *profiler.Profiler) *SessionBuilder {
	b.profiler = p
	return b
}

// WithLogger sets the session logger.
func (b *SessionBuilder) WithLogger(log *logrus.Logger) *SessionBuilder {
	b.log = log
	return b
}

// Negotiate picks the first precision every tensor position accepts.
//
// Each candidate is tried in order; a rejected candidate leaves the façade
// untouched. When every candidate is rejected the builder holds an error
// wrapping status.ErrNegotiationRejected.
//
// Arguments:
//   - prefs: The precisions to try, DefaultPrecisions when empty.
//
// Returns:
//   - *SessionBuilder: The session builder.
func (b *SessionBuilder) Negotiate(prefs ...inference.Precision) *SessionBuilder {
	if b.HasError() {
		return b
	}
	if b.plugin == nil || len(b.inputs) != plugin.NumInputs {
		b.err = status.New(status.BadParam, status.ErrConfiguration, "negotiate needs a plugin and three input shapes")
		return b
	}
	for i, d := range b.inputs {
		if len(d) < 2 {
			b.err = status.New(status.ShapeMismatch, status.ErrShapeMismatch, "input %d dims %v lack a batch dimension", i, d)
			return b
		}
	}
	if len(prefs) == 0 {
		prefs = DefaultPrecisions
	}

	var last error
	for _, p := range prefs {
		in, out, err := b.describe(p)
		if err == nil {
			err = b.accepts(in, out)
		}
		if err != nil {
			last = err
			b.logger().WithError(err).WithField("precision", p).Debug("combination rejected")
			continue
		}
		b.precision, b.in, b.out, b.negotiated = p, in, out, true
		b.logger().WithField("precision", p).Debug("negotiated")
		return b
	}
	b.err = errors.WithMessagef(last, "negotiate %s over %v", b.plugin.PluginType(), prefs)
	return b
}

// describe builds the descriptors of every position for precision p.
func (b *SessionBuilder) describe(p inference.Precision) (in, out []inference.TensorDesc, err error) {
	for _, d := range b.inputs {
		in = append(in, inference.TensorDesc{Dims: d, Precision: p, Format: inference.FormatLinear})
	}
	types := []inference.Precision{p, p, p}
	batch := b.inputs[plugin.InputBoxes][0]
	for i := 0; i < b.plugin.NbOutputs(); i++ {
		dt, err := b.plugin.OutputDataType(i, types)
		if err != nil {
			return nil, nil, err
		}
		var dims inference.Dims
		switch f := b.plugin.(type) {
		case plugin.DynamicPlugin:
			dims, err = f.OutputDimensions(i, b.inputs)
		case plugin.FixedPlugin:
			dims, err = f.OutputDimensions(i, itemShapes(b.inputs))
			dims = append(inference.Dims{batch}, dims...)
		}
		if err != nil {
			return nil, nil, err
		}
		out = append(out, inference.TensorDesc{Dims: dims, Precision: dt, Format: inference.FormatLinear})
	}
	return in, out, nil
}

// accepts queries the façade for every position in order.
func (b *SessionBuilder) accepts(in, out []inference.TensorDesc) error {
	inOut := append(append([]inference.TensorDesc(nil), in...), out...)
	for pos, desc := range inOut {
		var ok bool
		switch f := b.plugin.(type) {
		case plugin.DynamicPlugin:
			ok = f.SupportsFormatCombination(pos, inOut, len(in), len(out))
		case plugin.FixedPlugin:
			ok = f.SupportsFormat(desc.Precision, desc.Format)
		}
		if !ok {
			return status.New(status.NotSupported, status.ErrNegotiationRejected,
				"position %d rejects %s %s", pos, desc.Precision, desc.Format)
		}
	}
	return nil
}

func itemShapes(dims []inference.Dims) []inference.Dims {
	out := make([]inference.Dims, len(dims))
	for i, d := range dims {
		if len(d) > 0 {
			out[i] = d[1:]
		}
	}
	return out
}

// Configure hands the negotiated shapes to the façade and initializes it.
//
// Returns:
//   - *SessionBuilder: The session builder.
func (b *SessionBuilder) Configure() *SessionBuilder {
	if b.HasError() {
		return b
	}
	if !b.negotiated {
		b.Negotiate()
		if b.HasError() {
			return b
		}
	}

	var err error
	switch f := b.plugin.(type) {
	case plugin.DynamicPlugin:
		err = f.Configure(b.in, b.out)
	case plugin.FixedPlugin:
		maxBatch := b.inputs[plugin.InputBoxes][0]
		types := make([]inference.Precision, len(b.out))
		outDims := make([]inference.Dims, len(b.out))
		for i, o := range b.out {
			types[i] = o.Precision
			outDims[i] = o.Dims[1:]
		}
		err = f.Configure(itemShapes(b.inputs), outDims, []inference.Precision{b.precision, b.precision, b.precision},
			types, inference.FormatLinear, maxBatch)
	}
	if err == nil {
		err = b.plugin.Initialize()
	}
	if err != nil {
		b.err = errors.WithMessage(err, "configure")
		return b
	}
	b.configured = true
	return b
}

// HasError checks if the session builder has errors.
//
// Returns:
//   - bool: True if a step failed.
func (b *SessionBuilder) HasError() bool {
	return b.err != nil
}

// Err returns the first error recorded by the builder.
func (b *SessionBuilder) Err() error {
	return b.err
}

func (b *SessionBuilder) logger() *logrus.Entry {
	log := b.log
	if log == nil {
		log = logging.Default()
	}
	return log.WithField("component", "host")
}

// Build returns the configured session.
//
// Returns:
//   - *Session: The session.
//   - error: The first builder error, or a configuration error if a step was
//     skipped.
func (b *SessionBuilder) Build() (*Session, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.plugin == nil {
		return nil, errors.New("plugin not configured")
	}
	if !b.configured {
		b.Configure()
		if b.HasError() {
			return nil, b.err
		}
	}

	s := &Session{
		plugin:    b.plugin,
		precision: b.precision,
		in:        b.in,
		out:       b.out,
		stream:    b.stream,
		provider:  b.provider,
		profiler:  b.profiler,
		log:       b.logger().WithField("plugin", b.plugin.PluginType()),
	}
	if s.stream == nil {
		var opts []inference.StreamOption
		if b.log != nil {
			opts = append(opts, inference.WithLogger(b.log))
		}
		s.stream = inference.NewStream(0, opts...)
		s.ownStream = true
	}
	if s.provider == nil {
		s.provider = inference.NewPoolProvider(0)
	}
	if s.profiler == nil {
		s.profiler = profiler.New(0)
	}
	return s, nil
}

// MustBuild builds the session and panics if there is an error.
//
// Returns:
//   - *Session: The session.
func (b *SessionBuilder) MustBuild() *Session {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// Session runs batches through a configured façade.
//
// A Session is not safe for concurrent Run calls; use one per goroutine,
// each with a cloned façade.
type Session struct {
	plugin    plugin.Plugin
	precision inference.Precision
	in, out   []inference.TensorDesc
	stream    *inference.Stream
	ownStream bool
	provider  inference.WorkspaceProvider
	profiler  *profiler.Profiler
	log       *logrus.Entry
}

// Plugin returns the driven façade.
func (s *Session) Plugin() plugin.Plugin { return s.plugin }

// Precision returns the negotiated precision.
func (s *Session) Precision() inference.Precision { return s.precision }

// Profiler returns the profiler holding the OpRun and OpEnqueue timings of
// successful runs.
func (s *Session) Profiler() *profiler.Profiler { return s.profiler }

// Run executes one batch and waits for its outputs.
//
// Arguments:
//   - ctx: Checked before the batch is enqueued. A running launch is not
//     interrupted.
//   - inputs: Boxes, scores and landmarks in the negotiated precision.
//
// Returns:
//   - *Output: The output tensors.
//   - error: Any validation or execution error. No output is returned with
//     an error.
func (s *Session) Run(ctx context.Context, inputs []*tensor.Dense) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	if len(inputs) != plugin.NumInputs {
		return nil, status.New(status.BadParam, status.ErrExecution, "got %d inputs, want %d", len(inputs), plugin.NumInputs)
	}

	in := make([]inference.TensorDesc, len(inputs))
	for i, t := range inputs {
		if t == nil {
			return nil, status.New(status.BadParam, status.ErrExecution, "input %d is nil", i)
		}
		desc, err := inference.DescOf(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %d", i)
		}
		in[i] = desc
	}
	batch := in[plugin.InputBoxes].Dims[0]

	out := make([]inference.TensorDesc, len(s.out))
	outputs := make([]*tensor.Dense, len(s.out))
	for i, o := range s.out {
		dims := append(inference.Dims{batch}, o.Dims[1:]...)
		t, err := inference.NewTensor(dims, o.Precision)
		if err != nil {
			return nil, errors.WithMessagef(err, "output %d", i)
		}
		out[i] = inference.TensorDesc{Dims: dims, Precision: o.Precision, Format: o.Format}
		outputs[i] = t
	}

	var size int
	switch f := s.plugin.(type) {
	case plugin.DynamicPlugin:
		size = f.WorkspaceSize(in, out)
	case plugin.FixedPlugin:
		size = f.WorkspaceSize(batch)
	}
	ws, err := s.provider.Acquire(size)
	if err != nil {
		return nil, err
	}
	defer s.provider.Release(ws)

	launched := time.Now()
	switch f := s.plugin.(type) {
	case plugin.DynamicPlugin:
		err = f.Enqueue(in, out, inputs, outputs, ws, s.stream)
	case plugin.FixedPlugin:
		err = f.Enqueue(batch, inputs, outputs, ws, s.stream)
	}
	if err == nil {
		err = s.stream.Synchronize()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "run batch of %d", batch)
	}
	done := time.Now()
	s.profiler.Record(OpEnqueue, done.Sub(launched))
	s.profiler.Record(OpRun, done.Sub(start))
	s.log.WithFields(logrus.Fields{"batch": batch, "elapsed": done.Sub(start)}).Debug("batch complete")
	return &Output{Tensors: outputs}, nil
}

// Close terminates the façade and closes a session-owned stream.
func (s *Session) Close() error {
	s.plugin.Terminate()
	if s.ownStream {
		return s.stream.Close()
	}
	return nil
}
