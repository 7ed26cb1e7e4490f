package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kernelgate/kbus/internal/shared/errs"
)

// alignment of every allocation, in bytes.
const alignment = 8

// span is one contiguous free range.
type span struct {
	off  uint64
	size uint64
}

// Slice is one allocation inside a Pool, addressed by its byte offset.
// A slice starts private to the writer; Publish makes it readable and
// accounts its bytes against the pool's published total.
type Slice struct {
	pool      *Pool
	off       uint64
	size      uint64
	written   uint64 // end of the furthest Write, relative to off
	published bool
	freed     bool
}

// Offset returns the slice's byte offset, the handle handed to receivers.
func (s *Slice) Offset() uint64 { return s.off }

// Size returns the allocated size in bytes.
func (s *Slice) Size() uint64 { return s.size }

// Published reports whether the slice has been made readable.
func (s *Slice) Published() bool {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.published
}

// Write copies b into the slice at the given relative offset.
func (s *Slice) Write(at uint64, b []byte) error {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()

	if s.freed {
		return fmt.Errorf("write to freed slice: %w", errs.ErrInvalidArgument)
	}
	if at+uint64(len(b)) > s.size {
		return fmt.Errorf("write of %d bytes at %d exceeds slice size %d: %w",
			len(b), at, s.size, errs.ErrInvalidArgument)
	}
	copy(s.pool.buf[s.off+at:], b)
	if end := at + uint64(len(b)); end > s.written {
		s.written = end
	}
	return nil
}

// Bytes returns the written part of the slice: from its start to the end
// of the furthest Write, without the alignment padding. The view stays
// valid until the slice is freed.
func (s *Slice) Bytes() []byte {
	return s.pool.buf[s.off : s.off+s.written]
}

// Pool is a fixed-capacity byte arena with a coalescing free-range index.
// All methods are safe for concurrent use.
type Pool struct {
	mu  sync.Mutex
	buf []byte

	// byOff holds free spans sorted by offset, for neighbor coalescing.
	// bySize holds the same spans sorted by (size, offset), for best-fit
	// allocation. Both are binary-searched.
	byOff  []span
	bySize []span

	busy      map[uint64]*Slice
	busyBytes uint64
	accounted uint64
}

// New creates a pool of the given capacity in bytes. The capacity is
// rounded up to the allocation alignment.
func New(size uint64) (*Pool, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero pool size: %w", errs.ErrInvalidArgument)
	}
	size = align(size)
	p := &Pool{
		buf:  make([]byte, size),
		busy: make(map[uint64]*Slice),
	}
	whole := span{off: 0, size: size}
	p.byOff = []span{whole}
	p.bySize = []span{whole}
	return p, nil
}

func align(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Size returns the pool capacity in bytes.
func (p *Pool) Size() uint64 { return uint64(len(p.buf)) }

// BusyBytes returns the bytes currently allocated.
func (p *Pool) BusyBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busyBytes
}

// AccountedBytes returns the bytes held by published slices.
func (p *Pool) AccountedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accounted
}

// Alloc reserves size bytes and returns the slice. The allocation is
// best-fit over the free ranges; ErrOutOfSpace reports that no free range
// is large enough.
func (p *Pool) Alloc(size uint64) (*Slice, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero alloc: %w", errs.ErrInvalidArgument)
	}
	size = align(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.bySize), func(i int) bool {
		return p.bySize[i].size >= size
	})
	if i == len(p.bySize) {
		return nil, fmt.Errorf("alloc of %d bytes: %w", size, errs.ErrOutOfSpace)
	}
	sp := p.bySize[i]
	p.removeSpan(sp)

	if rest := sp.size - size; rest > 0 {
		p.insertSpan(span{off: sp.off + size, size: rest})
	}

	s := &Slice{pool: p, off: sp.off, size: size}
	p.busy[s.off] = s
	p.busyBytes += size
	return s, nil
}

// Free returns the slice's range to the free index, coalescing with
// adjacent free ranges. Published bytes are un-accounted first.
func (p *Pool) Free(s *Slice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked(s)
}

func (p *Pool) freeLocked(s *Slice) error {
	if s.freed {
		return fmt.Errorf("double free at offset %d: %w", s.off, errs.ErrInvalidArgument)
	}
	if s.published {
		p.accounted -= s.size
		s.published = false
	}
	s.freed = true
	delete(p.busy, s.off)
	p.busyBytes -= s.size

	merged := span{off: s.off, size: s.size}

	// Merge with the preceding free range if it ends where we start.
	i := sort.Search(len(p.byOff), func(i int) bool {
		return p.byOff[i].off >= merged.off
	})
	if i > 0 {
		prev := p.byOff[i-1]
		if prev.off+prev.size == merged.off {
			p.removeSpan(prev)
			merged.off = prev.off
			merged.size += prev.size
		}
	}

	// Merge with the following free range if it starts where we end.
	i = sort.Search(len(p.byOff), func(i int) bool {
		return p.byOff[i].off >= merged.off
	})
	if i < len(p.byOff) {
		next := p.byOff[i]
		if merged.off+merged.size == next.off {
			p.removeSpan(next)
			merged.size += next.size
		}
	}

	p.insertSpan(merged)
	return nil
}

// Publish marks the slice readable and accounts its bytes.
func (p *Pool) Publish(s *Slice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.freed || s.published {
		return
	}
	s.published = true
	p.accounted += s.size
}

// SliceAt returns the published slice at the given offset.
func (p *Pool) SliceAt(off uint64) (*Slice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.busy[off]
	if !ok || !s.published {
		return nil, fmt.Errorf("no published slice at offset %d: %w", off, errs.ErrNotFound)
	}
	return s, nil
}

// Flush frees every published slice.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var published []*Slice
	for _, s := range p.busy {
		if s.published {
			published = append(published, s)
		}
	}
	for _, s := range published {
		_ = p.freeLocked(s)
	}
}

// Move transfers the slice's content into dst. The source slice is freed;
// the returned slice carries the same bytes and published state.
func (p *Pool) Move(s *Slice, dst *Pool) (*Slice, error) {
	ns, err := p.Copy(s, dst)
	if err != nil {
		return nil, err
	}
	if err := p.Free(s); err != nil {
		_ = dst.Free(ns)
		return nil, err
	}
	return ns, nil
}

// Copy duplicates the slice's content into dst, preserving the published
// state. The source slice is untouched.
func (p *Pool) Copy(s *Slice, dst *Pool) (*Slice, error) {
	ns, err := dst.Alloc(s.size)
	if err != nil {
		return nil, err
	}
	if err := ns.Write(0, s.Bytes()); err != nil {
		_ = dst.Free(ns)
		return nil, err
	}

	p.mu.Lock()
	published := s.published
	p.mu.Unlock()
	if published {
		dst.Publish(ns)
	}
	return ns, nil
}

// removeSpan deletes sp from both sorted indexes. Caller holds p.mu.
func (p *Pool) removeSpan(sp span) {
	i := sort.Search(len(p.byOff), func(i int) bool {
		return p.byOff[i].off >= sp.off
	})
	p.byOff = append(p.byOff[:i], p.byOff[i+1:]...)

	j := sort.Search(len(p.bySize), func(i int) bool {
		a := p.bySize[i]
		return a.size > sp.size || (a.size == sp.size && a.off >= sp.off)
	})
	p.bySize = append(p.bySize[:j], p.bySize[j+1:]...)
}

// insertSpan adds sp to both sorted indexes. Caller holds p.mu.
func (p *Pool) insertSpan(sp span) {
	i := sort.Search(len(p.byOff), func(i int) bool {
		return p.byOff[i].off >= sp.off
	})
	p.byOff = append(p.byOff, span{})
	copy(p.byOff[i+1:], p.byOff[i:])
	p.byOff[i] = sp

	j := sort.Search(len(p.bySize), func(i int) bool {
		a := p.bySize[i]
		return a.size > sp.size || (a.size == sp.size && a.off >= sp.off)
	})
	p.bySize = append(p.bySize, span{})
	copy(p.bySize[j+1:], p.bySize[j:])
	p.bySize[j] = sp
}
