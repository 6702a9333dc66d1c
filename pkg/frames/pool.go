package frames

import "sync"

// BlockSize is the nominal capture callback length in samples.
const BlockSize = 128

var blockPool = sync.Pool{
	New: func() any {
		return make([]float32, 0, 1024)
	},
}

// AcquireBlock returns a float sample slice of length size from the pool.
func AcquireBlock(size int) []float32 {
	b := blockPool.Get().([]float32)
	if cap(b) < size {
		return make([]float32, size)
	}
	return b[:size]
}

// ReleaseBlock returns a block to the pool. The caller must not touch it afterwards.
func ReleaseBlock(b []float32) {
	if b == nil {
		return
	}
	blockPool.Put(b[:0])
}
