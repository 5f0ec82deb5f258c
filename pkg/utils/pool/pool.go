package pool

import (
	"math"
	"math/bits"
	"sync"

	"github.com/molerat-dev/molerat/pkg/utils/syncmap"
)

var MaxSegmentSize = math.MaxUint16

const DefaultSize = 16 * 0x400

var poolMap syncmap.SyncMap[int, *sync.Pool]

func buffPool(size int) *sync.Pool {
	if v, ok := poolMap.Load(size); ok {
		return v
	}

	p := &sync.Pool{New: func() any { return make([]byte, size) }}
	poolMap.Store(size, p)
	return p
}

// GetBytes returns a buffer with at least size bytes, rounded up to the
// next power of two. Callers must PutBytes it back.
func GetBytes(size int) []byte {
	if size <= 0 {
		return nil
	}

	l := bits.Len(uint(size)) - 1
	if size != 1<<l {
		size = 1 << (l + 1)
	}
	return buffPool(size).Get().([]byte)
}

func PutBytes(b []byte) {
	if len(b) == 0 {
		return
	}

	l := bits.Len(uint(len(b))) - 1
	buffPool(1 << l).Put(b) //lint:ignore SA6002 ignore temporarily
}
