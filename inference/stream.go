package inference

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-nms/logging"
	"github.com/nvr-ai/go-nms/status"
)

// ErrStreamClosed is returned when launching on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// Kernel processes one batch item of a launch.
type Kernel func(item int) error

// launch is a queued data-parallel operation.
type launch struct {
	name   string
	n      int
	kernel Kernel
}

// Stream is an ordered asynchronous work queue.
//
// Launches run one after another in submission order. Inside a launch the
// items are spread over up to Workers goroutines. Launch returns as soon as
// the work is queued; completion is observed through Synchronize.
type Stream struct {
	workers int
	log     *logrus.Entry

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []launch
	pending int
	err     error
	closed  bool
	done    chan struct{}
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithLogger sets the stream logger.
func WithLogger(log *logrus.Logger) StreamOption {
	return func(s *Stream) {
		if log != nil {
			s.log = log.WithField("component", "stream")
		}
	}
}

// NewStream starts a stream dispatching items over `workers` goroutines.
// A non-positive worker count uses GOMAXPROCS.
func NewStream(workers int, opts ...StreamOption) *Stream {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	s := &Stream{
		workers: workers,
		log:     logging.Default().WithField("component", "stream"),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	go s.dispatch()
	return s
}

// Workers returns the per-launch parallelism.
func (s *Stream) Workers() int {
	return s.workers
}

// Launch queues kernel over items 0..n-1 and returns immediately.
//
// Arguments:
//   - name: Label used in logs and errors.
//   - n: Number of items.
//   - kernel: Called once per item, possibly concurrently.
//
// Returns:
//   - error: ErrStreamClosed if the stream no longer accepts work.
func (s *Stream) Launch(name string, n int, kernel Kernel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrapf(ErrStreamClosed, "launch %s", name)
	}
	s.queue = append(s.queue, launch{name: name, n: n, kernel: kernel})
	s.pending++
	s.cond.Broadcast()
	return nil
}

// Synchronize blocks until every queued launch has finished and returns the
// first error raised since the previous Synchronize.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// Close drains the queue, stops the dispatcher and returns any pending error.
// Closing twice is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done
	return s.Synchronize()
}

func (s *Stream) dispatch() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		l := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := s.run(l)
		if err != nil {
			s.log.WithError(err).WithField("launch", l.name).Error("launch failed")
		}

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// run executes every item of l and returns the error of the lowest failing
// item.
func (s *Stream) run(l launch) error {
	if l.n <= 0 {
		return nil
	}
	workers := min(s.workers, l.n)
	errs := make([]error, l.n)

	var wg sync.WaitGroup
	next := make(chan int, l.n)
	for i := 0; i < l.n; i++ {
		next <- i
	}
	close(next)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range next {
				errs[item] = s.call(l, item)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// call runs one item, turning a kernel panic into an internal error.
func (s *Stream) call(l launch, item int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.New(status.InternalError, status.ErrExecution, "%s item %d panicked: %v", l.name, item, r)
		}
	}()
	return l.kernel(item)
}
