package pricing

// ring is a fixed-capacity FIFO of closed bars.
type ring struct {
	buf   []Bar
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Bar, capacity)}
}

func (r *ring) push(b Bar) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = b
		r.n++
		return
	}
	r.buf[r.start] = b
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to limit of the newest bars, oldest first. limit <= 0 means all.
func (r *ring) last(limit int) []Bar {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Bar, limit)
	offset := r.n - limit
	for i := range out {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int {
	return r.n
}
