// Package pagetable implements the page-table contract the virtual-memory
// core consumes: map/unmap/translate over virtual page numbers, plus token
// extraction for hardware activation. The reference implementation here
// models a three-level Sv39-shaped tree; a real kernel would replace it
// with code that writes the literal hardware format, behind the same
// interface.
package pagetable

import (
	"github.com/rvkern/rvos/internal/riscv/frame"
)

// VPN is a virtual page number.
type VPN uint64

// PPN is a physical page number.
type PPN = frame.PPN

// Flags mirrors the hardware PTE flag layout bit-for-bit so that a
// MapPermission value can be reinterpreted as Flags without translation.
// R=2, W=4, X=8, U=16, matching the bit positions spec.md assigns.
type Flags uint8

const (
	FlagR Flags = 1 << 1
	FlagW Flags = 1 << 2
	FlagX Flags = 1 << 3
	FlagU Flags = 1 << 4
)

// PTE is a leaf page-table entry as observed by translate.
type PTE struct {
	PPN   PPN
	Flags Flags
}

func (e PTE) Readable() bool   { return e.Flags&FlagR != 0 }
func (e PTE) Writable() bool   { return e.Flags&FlagW != 0 }
func (e PTE) Executable() bool { return e.Flags&FlagX != 0 }
func (e PTE) User() bool       { return e.Flags&FlagU != 0 }

const entriesPerLevel = 512

// indices splits a VPN into its three 9-bit Sv39 level indices, most
// significant first.
func indices(vpn VPN) [3]int {
	return [3]int{
		int((vpn >> 18) & 0x1FF),
		int((vpn >> 9) & 0x1FF),
		int(vpn & 0x1FF),
	}
}

// PageTable is the external contract the VM core is built against.
type PageTable interface {
	Map(vpn VPN, ppn PPN, flags Flags) error
	Unmap(vpn VPN)
	Translate(vpn VPN) (PTE, bool)
	Token() uint64
}

type node struct {
	children [entriesPerLevel]*node
	leaves   [entriesPerLevel]PTE
	present  [entriesPerLevel]bool
	handle   *frame.Handle
}

// SoftwareTable is the reference PageTable implementation. Interior table
// frames are taken from the same allocator that backs Framed mappings, so
// that tearing a table down (Close) returns every frame it ever consumed.
type SoftwareTable struct {
	alloc *frame.Allocator
	root  *node
}

// New allocates a root table frame from alloc and returns a fresh,
// otherwise-empty page table.
func New(alloc *frame.Allocator) (*SoftwareTable, error) {
	h, ok := alloc.Alloc()
	if !ok {
		return nil, errFrameExhausted("page table root")
	}

	return &SoftwareTable{alloc: alloc, root: &node{handle: h}}, nil
}

func errFrameExhausted(who string) error {
	return &exhaustedError{who: who}
}

type exhaustedError struct{ who string }

func (e *exhaustedError) Error() string { return "pagetable: frame exhausted for " + e.who }

// walk returns the level-0 node holding vpn's leaf slot, allocating
// intermediate table frames as needed when alloc is true.
func (t *SoftwareTable) walk(vpn VPN, alloc bool) (*node, int, error) {
	idx := indices(vpn)
	cur := t.root

	for level := 0; level < 2; level++ {
		i := idx[level]
		if cur.children[i] == nil {
			if !alloc {
				return nil, 0, nil
			}

			h, ok := t.alloc.Alloc()
			if !ok {
				return nil, 0, errFrameExhausted("interior page-table node")
			}

			cur.children[i] = &node{handle: h}
		}

		cur = cur.children[i]
	}

	return cur, idx[2], nil
}

// Map installs a leaf mapping for vpn, allocating any missing intermediate
// table frames along the way.
func (t *SoftwareTable) Map(vpn VPN, ppn PPN, flags Flags) error {
	leaf, i, err := t.walk(vpn, true)
	if err != nil {
		return err
	}

	leaf.leaves[i] = PTE{PPN: ppn, Flags: flags}
	leaf.present[i] = true

	return nil
}

// Unmap clears the leaf entry for vpn. Intermediate tables are retained,
// matching the external contract's stated behavior.
func (t *SoftwareTable) Unmap(vpn VPN) {
	leaf, i, _ := t.walk(vpn, false)
	if leaf == nil {
		return
	}

	leaf.present[i] = false
	leaf.leaves[i] = PTE{}
}

// Translate returns the current leaf PTE for vpn, if present.
func (t *SoftwareTable) Translate(vpn VPN) (PTE, bool) {
	leaf, i, _ := t.walk(vpn, false)
	if leaf == nil || !leaf.present[i] {
		return PTE{}, false
	}

	return leaf.leaves[i], true
}

// Token returns the activation value for this table: the root frame's
// physical page number, the software analogue of a satp CSR value.
func (t *SoftwareTable) Token() uint64 {
	return uint64(t.root.handle.PPN())
}

// Close releases every interior table frame this table ever allocated,
// the Go equivalent of the Rust PageTable's Drop impl freeing its frames.
func (t *SoftwareTable) Close() {
	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.children {
			if c != nil {
				walk(c)
			}
		}

		n.handle.Release()
	}

	walk(t.root)
}
