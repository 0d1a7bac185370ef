package inference

import (
	"sync"
	"unsafe"

	"github.com/nvr-ai/go-nms/status"
)

// WorkspaceProvider hands out scratch buffers for one in-flight call.
type WorkspaceProvider interface {
	// Acquire returns a buffer of at least size bytes.
	Acquire(size int) ([]byte, error)
	// Release returns a buffer once the stream has synchronized.
	Release(buf []byte)
}

// PoolProvider recycles workspace buffers through a sync.Pool.
type PoolProvider struct {
	// MaxSize rejects requests above this many bytes; zero means unlimited.
	MaxSize int
	pool    sync.Pool
}

// NewPoolProvider creates a pooled provider with an optional size cap.
func NewPoolProvider(maxSize int) *PoolProvider {
	return &PoolProvider{MaxSize: maxSize}
}

// Acquire returns a buffer of exactly size bytes, reusing a pooled one when
// it is large enough. Reused buffers are not cleared.
func (p *PoolProvider) Acquire(size int) ([]byte, error) {
	if size < 0 || (p.MaxSize > 0 && size > p.MaxSize) {
		return nil, status.New(status.AllocFailed, status.ErrExecution,
			"workspace request of %d bytes exceeds limit %d", size, p.MaxSize)
	}
	if v, ok := p.pool.Get().(*[]byte); ok && cap(*v) >= size {
		return (*v)[:size], nil
	}
	return make([]byte, size), nil
}

// Release makes buf available to later calls.
func (p *PoolProvider) Release(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Float32Region carves n aligned float32 values from the front of buf and
// returns them with the remaining bytes. Use Float32RegionSize to size buf.
func Float32Region(buf []byte, n int) ([]float32, []byte, error) {
	if n == 0 {
		return nil, buf, nil
	}
	off := 0
	if len(buf) > 0 {
		if rem := int(uintptr(unsafe.Pointer(&buf[0])) % 4); rem != 0 {
			off = 4 - rem
		}
	}
	end := off + 4*n
	if end > len(buf) {
		return nil, nil, status.New(status.AllocFailed, status.ErrExecution,
			"workspace region of %d bytes too small for %d floats", len(buf), n)
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&buf[off])), n), buf[end:], nil
}

// Float32RegionSize is the bytes Float32Region needs for n values,
// including alignment slack.
func Float32RegionSize(n int) int {
	if n == 0 {
		return 0
	}
	return 4*n + 3
}
