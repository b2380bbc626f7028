package indicator

// ring is a fixed-capacity buffer that overwrites its oldest value.
type ring struct {
	buf    []float64
	start  int
	length int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]float64, capacity)}
}

// push appends v and returns the evicted value, if any.
func (r *ring) push(v float64) (evicted float64, full bool) {
	if r.length < len(r.buf) {
		r.buf[(r.start+r.length)%len(r.buf)] = v
		r.length++
		return 0, false
	}
	evicted = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return evicted, true
}

func (r *ring) len() int { return r.length }

func (r *ring) get(i int) float64 { return r.buf[(r.start+i)%len(r.buf)] }
