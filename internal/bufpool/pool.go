// Package bufpool recycles byte slices keyed by their exact length.
//
// A Pool is built from a list of size classes. Each class starts with a
// number of pre-allocated buffers and grows in small batches when it runs
// dry. Requests for a length outside every class are served with a fresh
// allocation that is never cached.
package bufpool

import (
	"errors"
	"sync"
)

// ErrBufferInUse is returned by Acquire when the holder still references a
// buffer that was never freed.
var ErrBufferInUse = errors.New("bufpool: holder already references a buffer")

// replenish is the number of buffers allocated when a known class is empty.
const replenish = 5

// Class describes one buffer length and how many to pre-allocate for it.
type Class struct {
	Size  int
	Count int
}

type sizeClass struct {
	mu   sync.Mutex
	size int
	free [][]byte
}

// Pool is safe for concurrent use.
type Pool struct {
	mu      sync.RWMutex
	classes map[int]*sizeClass
}

func New(classes ...Class) *Pool {
	p := &Pool{classes: make(map[int]*sizeClass, len(classes))}
	for _, c := range classes {
		if c.Size <= 0 {
			continue
		}
		sc, ok := p.classes[c.Size]
		if !ok {
			sc = &sizeClass{size: c.Size}
			p.classes[c.Size] = sc
		}
		for i := 0; i < c.Count; i++ {
			sc.free = append(sc.free, make([]byte, c.Size))
		}
	}
	return p
}

func (p *Pool) class(size int) *sizeClass {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.classes[size]
}

// Get returns a buffer of exactly size bytes.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return []byte{}
	}

	sc := p.class(size)
	if sc == nil {
		return make([]byte, size)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if len(sc.free) == 0 {
		for i := 0; i < replenish; i++ {
			sc.free = append(sc.free, make([]byte, size))
		}
	}

	last := len(sc.free) - 1
	buf := sc.free[last]
	sc.free[last] = nil
	sc.free = sc.free[:last]
	return buf
}

// Acquire stores a buffer of size bytes in holder. The holder must be nil;
// a non-nil holder means a previous buffer was never freed.
func (p *Pool) Acquire(holder *[]byte, size int) error {
	if *holder != nil {
		return ErrBufferInUse
	}
	*holder = p.Get(size)
	return nil
}

// Release hands buf back to its size class, zeroing it first when clear is
// set. Buffers whose length matches no class are left to the garbage
// collector.
func (p *Pool) Release(buf []byte, clear bool) {
	if len(buf) == 0 {
		return
	}

	sc := p.class(len(buf))
	if sc == nil {
		return
	}

	if clear {
		for i := range buf {
			buf[i] = 0
		}
	}

	sc.mu.Lock()
	sc.free = append(sc.free, buf)
	sc.mu.Unlock()
}

// Free releases the buffer held by holder and resets holder to nil so the
// caller cannot keep using it.
func (p *Pool) Free(holder *[]byte, clear bool) {
	if *holder == nil {
		return
	}
	p.Release(*holder, clear)
	*holder = nil
}

// Available reports how many idle buffers the class for size holds.
func (p *Pool) Available(size int) int {
	sc := p.class(size)
	if sc == nil {
		return 0
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.free)
}
