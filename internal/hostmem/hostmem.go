// Package hostmem backs allocator arenas with real anonymous mmap pages
// instead of a bare make([]byte, n): raw PROT_READ|PROT_WRITE,
// MAP_PRIVATE|MAP_ANONYMOUS mappings, plus a size-bucketed pool that
// recycles released pages instead of mmap'ing and munmap'ing on every
// allocation. The fl and tlsf packages take any caller-supplied byte
// slice; nothing in this module builds their arenas on hostmem yet.
package hostmem

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-kcore"
)

// Page is an mmap-backed byte region. Cap may exceed Len so a Buffer built
// on top can Grow into the spare capacity (internal/hostmem pre-reserves
// address space the way a kernel arena extends into already-mapped virtual
// memory rather than relocating).
type Page struct {
	data []byte
}

// Map reserves reserveBytes of anonymous memory and exposes the first
// lenBytes of it as data. reserveBytes must be >= lenBytes.
func Map(lenBytes, reserveBytes int) (*Page, error) {
	if reserveBytes < lenBytes {
		reserveBytes = lenBytes
	}
	full, err := unix.Mmap(-1, 0, reserveBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kcore.NewErrnoError("Map", "hostmem", err.(unix.Errno))
	}
	return &Page{data: full[:lenBytes:reserveBytes]}, nil
}

// Bytes returns the currently-sized region backing a Buffer.
func (p *Page) Bytes() []byte {
	return p.data
}

// Grow extends the visible region by extra bytes, within the reserved
// capacity, mirroring buffer.Buffer.Grow.
func (p *Page) Grow(extra int) {
	newLen := len(p.data) + extra
	if newLen > cap(p.data) {
		panic("hostmem: Grow exceeds reserved mapping")
	}
	p.data = p.data[:newLen]
}

// Unmap releases the full reservation backing p.
func (p *Page) Unmap() error {
	full := p.data[:cap(p.data)]
	return unix.Munmap(full)
}

// Pool recycles fixed-size mmap'd pages in buckets keyed by exact byte
// length, so repeated arena setup/teardown of the same size doesn't pay an
// mmap/munmap syscall pair every time.
type Pool struct {
	mu      sync.Mutex
	buckets map[int][]*Page
}

// NewPool returns an empty page pool.
func NewPool() *Pool {
	return &Pool{buckets: make(map[int][]*Page)}
}

// Get returns a page of exactly size bytes, reusing a pooled page of that
// exact size if one is available, otherwise mapping a fresh one.
func (p *Pool) Get(size int) (*Page, error) {
	p.mu.Lock()
	if pages := p.buckets[size]; len(pages) > 0 {
		page := pages[len(pages)-1]
		p.buckets[size] = pages[:len(pages)-1]
		p.mu.Unlock()
		return page, nil
	}
	p.mu.Unlock()
	return Map(size, size)
}

// Put returns page to the pool, keyed by its current visible length.
func (p *Pool) Put(page *Page) {
	size := len(page.data)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets[size] = append(p.buckets[size], page)
}
