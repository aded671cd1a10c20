package runtime

// BufferPool recycles strip pixel buffers between jobs. Buffers move through
// a channel, so a buffer is owned by exactly one goroutine at a time.
type BufferPool struct {
	buffers chan []byte
}

// NewBufferPool creates a pool holding at most poolSize idle buffers.
func NewBufferPool(poolSize int) *BufferPool {
	return &BufferPool{buffers: make(chan []byte, poolSize)}
}

// Get returns a buffer of length n, reusing an idle one when its capacity
// suffices. Reused buffers are not cleared; every strip overwrites all its
// bytes.
func (bp *BufferPool) Get(n int) []byte {
	if bp == nil {
		return make([]byte, n)
	}
	select {
	case buf := <-bp.buffers:
		if cap(buf) >= n {
			return buf[:n]
		}
	default:
	}
	return make([]byte, n)
}

// Put returns a buffer to the pool. Nil pools and full pools drop it.
func (bp *BufferPool) Put(buf []byte) {
	if bp == nil || buf == nil {
		return
	}
	select {
	case bp.buffers <- buf[:0]:
	default:
	}
}

// Idle returns the number of buffers waiting in the pool.
func (bp *BufferPool) Idle() int {
	if bp == nil {
		return 0
	}
	return len(bp.buffers)
}
