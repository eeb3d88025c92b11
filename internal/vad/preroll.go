package vad

// preRoll keeps the most recent samples seen while idle. Oldest samples are
// evicted once the capacity is exceeded. Not safe for concurrent use; the
// owning Segmenter holds the lock.
type preRoll struct {
	buf []float32
}

// push appends samples and evicts from the front down to capacity.
func (p *preRoll) push(samples []float32, capacity int) {
	p.buf = append(p.buf, samples...)
	if excess := len(p.buf) - capacity; excess > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(p.buf, p.buf[excess:])
		p.buf = p.buf[:n]
	}
}

// drain returns a copy of the buffered samples and empties the buffer.
func (p *preRoll) drain() []float32 {
	out := make([]float32, len(p.buf))
	copy(out, p.buf)
	p.buf = p.buf[:0]
	return out
}

func (p *preRoll) clear() { p.buf = p.buf[:0] }

func (p *preRoll) len() int { return len(p.buf) }
