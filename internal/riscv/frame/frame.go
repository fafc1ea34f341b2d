// Package frame implements the physical frame allocator contract consumed
// by the virtual-memory core: exclusive ownership of physical pages, with
// release returning a frame to the free pool.
package frame

import (
	"sync"

	kerrors "github.com/rvkern/rvos/internal/errors"
)

// PageSize is the size in bytes of a single physical frame.
const PageSize = 4096

// PPN is a physical page number (a physical address shifted right by
// log2(PageSize)).
type PPN uint64

// Handle is an exclusively-owned physical page. Go has no destructors, so
// the Rust original's Drop-on-scope-exit becomes an explicit Release call
// by whichever owner (a MapArea, a page-table node) is done with the page.
// Releasing twice is a programmer error and panics rather than silently
// corrupting the free list.
type Handle struct {
	ppn      PPN
	alloc    *Allocator
	released bool

	// Bytes is the frame's backing storage. It is zeroed on allocation.
	Bytes []byte
}

// PPN returns the physical page number backing this handle.
func (h *Handle) PPN() PPN { return h.ppn }

// Release returns the frame to its allocator's free pool. It is safe to
// call at most once; a second call panics.
func (h *Handle) Release() {
	if h.released {
		panic("frame: double release")
	}

	h.released = true
	h.alloc.release(h.ppn)
}

// Allocator is a bitmap-backed pool of physical frames. It is the reference
// implementation of the frame-allocator contract the VM core consumes;
// production kernels may swap in a buddy allocator behind the same
// interface without the VM core noticing.
type Allocator struct {
	mu    sync.Mutex
	base  PPN
	free  []bool // index i free <=> free[i]
	used  map[PPN]*Handle
	avail int
}

// NewAllocator creates an allocator owning frameCount frames starting at
// physical page number base.
func NewAllocator(base PPN, frameCount int) *Allocator {
	free := make([]bool, frameCount)
	for i := range free {
		free[i] = true
	}

	return &Allocator{
		base:  base,
		free:  free,
		used:  make(map[PPN]*Handle),
		avail: frameCount,
	}
}

// Alloc returns a freshly zeroed frame, or ok=false if the pool is
// exhausted. Callers that cannot tolerate exhaustion (see spec error
// table) should treat a false result as fatal.
func (a *Allocator) Alloc() (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, isFree := range a.free {
		if !isFree {
			continue
		}

		a.free[i] = false
		a.avail--

		ppn := a.base + PPN(i)
		h := &Handle{
			ppn:   ppn,
			alloc: a,
			Bytes: make([]byte, PageSize),
		}
		a.used[ppn] = h

		return h, true
	}

	return nil, false
}

// release returns ppn to the pool. Called only from Handle.Release.
func (a *Allocator) release(ppn PPN) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := int(ppn - a.base)
	if idx < 0 || idx >= len(a.free) || a.free[idx] {
		panic(kerrors.InvariantViolation("double free of physical frame",
			map[string]interface{}{"ppn": uint64(ppn)}).Error())
	}

	a.free[idx] = true
	a.avail++
	delete(a.used, ppn)
}

// AvailableFrames reports how many frames remain unallocated. Tests use it
// to verify frame-count invariants (e.g. that recycling an address space's
// data pages returns usage to its pre-task baseline).
func (a *Allocator) AvailableFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.avail
}

// PageBytes returns the backing storage for an allocated frame, or
// ok=false if ppn was never handed out by this allocator (e.g. it belongs
// to an Identical or Mmio mapping, which owns no real frame). The VM core
// uses this to implement byte-level page copies during address-space
// cloning without requiring every caller to thread a *Handle around.
func (a *Allocator) PageBytes(ppn PPN) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.used[ppn]
	if !ok {
		return nil, false
	}

	return h.Bytes, true
}
