// Package ring is a single-producer, single-consumer byte ring used to hand
// serial bytes from a UART pump to the GPS decoder without locks.
package ring

import "sync/atomic"

// Ring is a single-producer, single-consumer byte ring.
type Ring struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	dropped atomic.Uint32 // bytes refused by Write when full

	readable chan struct{} // 0->>0 available edge
	writable chan struct{} // 0->>0 space edge
}

// New allocates a ring; size must be a power of two >= 2.
func New(size int) *Ring {
	if size < 2 || (size&(size-1)) != 0 {
		panic("ring: size must be power of two >= 2")
	}
	return &Ring{
		buf:      make([]byte, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.buf)) }

func (r *Ring) Space() int {
	return int(r.size() - (r.wr.Load() - r.rd.Load()))
}

func (r *Ring) Available() int {
	return int(r.wr.Load() - r.rd.Load())
}

// Dropped reports how many bytes Write has discarded for lack of space.
func (r *Ring) Dropped() uint32 { return r.dropped.Load() }

// Producer side

// WriteFrom copies as much of src as fits and returns the count.
func (r *Ring) WriteFrom(src []byte) (n int) {
	if len(src) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load()
	beforeAvail := wr - rd
	space := int(r.size() - beforeAvail)
	if space <= 0 {
		return 0
	}
	n = min(len(src), space)

	wrIdx := wr & r.mask
	first := min(int(r.size()-wrIdx), n)
	copy(r.buf[wrIdx:wrIdx+uint32(first)], src[:first])
	if second := n - first; second > 0 {
		copy(r.buf[:second], src[first:n])
	}
	r.wr.Store(wr + uint32(n)) // release

	if beforeAvail == 0 {
		select {
		case r.readable <- struct{}{}:
		default:
		}
	}
	return n
}

// Write implements io.Writer for a lossy serial pump: whatever does not fit
// is counted as dropped and never reported as an error.
func (r *Ring) Write(p []byte) (int, error) {
	n := r.WriteFrom(p)
	if n < len(p) {
		r.dropped.Add(uint32(len(p) - n))
	}
	return len(p), nil
}

// Consumer side

// ReadInto copies up to len(dst) pending bytes into dst.
func (r *Ring) ReadInto(dst []byte) (n int) {
	if len(dst) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load() // acquire
	avail := int(wr - rd)
	if avail <= 0 {
		return 0
	}
	n = min(len(dst), avail)

	size := r.size()
	rdIdx := rd & r.mask
	first := min(int(size-rdIdx), n)
	copy(dst[:first], r.buf[rdIdx:rdIdx+uint32(first)])
	if second := n - first; second > 0 {
		copy(dst[first:n], r.buf[:second])
	}
	r.rd.Store(rd + uint32(n)) // release

	if wr-rd == size {
		select {
		case r.writable <- struct{}{}:
		default:
		}
	}
	return n
}

func (r *Ring) Readable() <-chan struct{} { return r.readable }
func (r *Ring) Writable() <-chan struct{} { return r.writable }
