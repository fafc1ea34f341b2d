// Package vm implements the address-space object ("memory set"), mapping
// areas, and the mmap-family API described by the virtual-memory core
// specification. It is built directly against the pagetable and frame
// contracts rather than any particular hardware walker, the same way the
// teacher's VirtualMemoryManager is built against a PageTable abstraction
// rather than raw CR3 manipulation.
package vm

import (
	"github.com/rvkern/rvos/internal/riscv/pagetable"
)

// PageSize is the hardware page size in bytes.
const PageSize = 4096

const pageShift = 12

// Addr is a byte virtual address.
type Addr uint64

// VPN is a virtual page number.
type VPN = pagetable.VPN

// floorVPN returns the page containing addr.
func floorVPN(a Addr) VPN { return VPN(a >> pageShift) }

// ceilVPN returns the first page at or after addr, rounding up.
func ceilVPN(a Addr) VPN {
	if a&(PageSize-1) == 0 {
		return VPN(a >> pageShift)
	}

	return VPN(a>>pageShift) + 1
}

// VPNRange is a half-open virtual page range [Start, End).
type VPNRange struct {
	Start VPN
	End   VPN
}

// Len reports the number of pages in the range.
func (r VPNRange) Len() int { return int(r.End - r.Start) }

// Overlaps reports whether r and o share any page.
func (r VPNRange) Overlaps(o VPNRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Contains reports whether vpn falls within r.
func (r VPNRange) Contains(vpn VPN) bool {
	return vpn >= r.Start && vpn < r.End
}
