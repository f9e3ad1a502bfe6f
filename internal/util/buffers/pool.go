// Package buffers pools the copy buffers used to stream transfer bodies
// between the network and disk.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/rescale/rescale-xfer/internal/constants"
)

var (
	copyAllocations int64
	copyGets        int64
)

var copyPool = &sync.Pool{
	New: func() any {
		atomic.AddInt64(&copyAllocations, 1)
		buf := make([]byte, constants.CopyBufferSize)
		return &buf
	},
}

// GetCopyBuffer retrieves a CopyBufferSize buffer from the pool. Return it
// with PutCopyBuffer when the copy finishes.
//
//	buf := buffers.GetCopyBuffer()
//	defer buffers.PutCopyBuffer(buf)
//	io.CopyBuffer(dst, src, *buf)
func GetCopyBuffer() *[]byte {
	atomic.AddInt64(&copyGets, 1)
	return copyPool.Get().(*[]byte)
}

// PutCopyBuffer returns a buffer to the pool. Buffers of any other size are
// dropped.
func PutCopyBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.CopyBufferSize {
		copyPool.Put(buf)
	}
}

// Stats reports pool usage.
type Stats struct {
	BufferSize  int
	Allocations int64
	Gets        int64
}

func GetStats() Stats {
	return Stats{
		BufferSize:  constants.CopyBufferSize,
		Allocations: atomic.LoadInt64(&copyAllocations),
		Gets:        atomic.LoadInt64(&copyGets),
	}
}
