package duplex

import (
	"math/bits"
	"sync"
)

// Scratch buffers for outgoing frame bytes. Inbound bodies are handed to the
// application and are never pooled.
const (
	minBufferSize = 32        // smallest pooled class.
	maxBufferSize = 64 * 1024 // larger requests are allocated exactly.
)

// bufferPool holds one sync.Pool per power-of-two size class.
type bufferPool struct {
	pools []*sync.Pool
}

var scratch = newBufferPool()

func newBufferPool() *bufferPool {
	bp := &bufferPool{}
	for size := minBufferSize; size <= maxBufferSize; size <<= 1 {
		size := size
		bp.pools = append(bp.pools, &sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		})
	}

	return bp
}

// class returns the pool index for a buffer of at least size bytes.
func class(size int) int {
	if size <= minBufferSize {
		return 0
	}
	return bits.Len(uint(size-1)) - bits.Len(uint(minBufferSize-1))
}

// get returns a buffer with len >= size.
func (bp *bufferPool) get(size int) []byte {
	if size > maxBufferSize {
		return make([]byte, size)
	}

	p, _ := bp.pools[class(size)].Get().(*[]byte)
	if p == nil || len(*p) < size {
		return make([]byte, size)
	}

	return *p
}

// put recycles a buffer obtained from get.
func (bp *bufferPool) put(buf []byte) {
	n := cap(buf)
	if n < minBufferSize || n > maxBufferSize || n&(n-1) != 0 {
		return
	}
	buf = buf[:n]
	bp.pools[class(n)].Put(&buf)
}

func getBuffer(size int) []byte { return scratch.get(size) }

func putBuffer(buf []byte) { scratch.put(buf) }
