package crdt

// ring is a fixed-capacity FIFO that evicts its oldest entry on overflow.
type ring struct {
	buf   [][]byte
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([][]byte, capacity)}
}

// push appends v and reports whether an entry was evicted to make room.
func (r *ring) push(v []byte) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// items returns copies of the entries oldest-first.
func (r *ring) items() [][]byte {
	out := make([][]byte, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = cloneBytes(r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
