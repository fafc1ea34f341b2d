package vm

import (
	"fmt"

	kerrors "github.com/rvkern/rvos/internal/errors"
	"github.com/rvkern/rvos/internal/riscv/frame"
	"github.com/rvkern/rvos/internal/riscv/pagetable"
)

// MapType is a MapArea's mapping policy.
type MapType int

const (
	// Identical maps VPN == PPN numerically. Used for kernel sections and
	// the direct physical-memory window. Owns no frames.
	Identical MapType = iota
	// Framed binds each VPN to a freshly allocated, area-owned frame.
	Framed
	// Mmio maps VPN == PPN, like Identical, but is tracked separately for
	// device-register bookkeeping and future cacheability policy.
	Mmio
)

// MapArea is a contiguous virtual page range with a uniform mapping
// policy and permission set. For Framed areas it owns the backing
// physical frames, keyed by VPN.
type MapArea struct {
	Range VPNRange
	Policy MapType
	Perm  MapPermission

	dataFrames map[VPN]*frame.Handle // only populated for Framed
}

// NewMapArea normalizes [startVA, endVA) to a page-aligned VPN range and
// returns an unmapped area of the given policy and permissions.
func NewMapArea(startVA, endVA Addr, policy MapType, perm MapPermission) *MapArea {
	a := &MapArea{
		Range:  VPNRange{Start: floorVPN(startVA), End: ceilVPN(endVA)},
		Policy: policy,
		Perm:   perm,
	}
	if policy == Framed {
		a.dataFrames = make(map[VPN]*frame.Handle)
	}

	return a
}

// AreaFromAnother copies another area's shape (range, policy, permissions)
// without copying its frames — used when cloning an address space, where
// the new area must allocate its own fresh frames.
func AreaFromAnother(other *MapArea) *MapArea {
	return NewMapArea(Addr(other.Range.Start)<<pageShift, Addr(other.Range.End)<<pageShift, other.Policy, other.Perm)
}

// Map installs a hardware mapping for every VPN in the area's range,
// allocating a fresh frame per page for Framed areas. Frame exhaustion is
// fatal: no partial-area recovery is attempted, matching spec §7.
func (a *MapArea) Map(pt pagetable.PageTable, alloc *frame.Allocator) error {
	for vpn := a.Range.Start; vpn < a.Range.End; vpn++ {
		ppn, err := a.mapOne(pt, alloc, vpn)
		if err != nil {
			return err
		}

		if err := pt.Map(vpn, ppn, a.Perm); err != nil {
			return fmt.Errorf("map vpn %#x: %w", vpn, err)
		}
	}

	return nil
}

func (a *MapArea) mapOne(pt pagetable.PageTable, alloc *frame.Allocator, vpn VPN) (pagetable.PPN, error) {
	switch a.Policy {
	case Identical, Mmio:
		return pagetable.PPN(vpn), nil
	case Framed:
		h, ok := alloc.Alloc()
		if !ok {
			panic(kerrors.FrameExhausted("MapArea.Map").Error())
		}

		a.dataFrames[vpn] = h

		return h.PPN(), nil
	default:
		panic("vm: unknown map policy")
	}
}

// Unmap drops every owned frame (for Framed areas) and clears the
// page-table entry for each VPN in the area's range. The order is not
// observable on a non-active address space; the caller is responsible for
// a TLB barrier if this area belongs to the currently active space.
func (a *MapArea) Unmap(pt pagetable.PageTable) {
	for vpn := a.Range.Start; vpn < a.Range.End; vpn++ {
		if a.Policy == Framed {
			if h, ok := a.dataFrames[vpn]; ok {
				h.Release()
				delete(a.dataFrames, vpn)
			}
		}

		pt.Unmap(vpn)
	}
}

// CopyData copies bytes into the area's freshly mapped pages, page by
// page, starting at the range's first VPN. The precondition is that the
// area is Framed and len(bytes) does not exceed the range's byte capacity.
// Unlike the source this is grounded on, CopyData explicitly zeroes the
// unwritten tail of the last touched page and any fully-untouched trailing
// pages, resolving the spec's open question about relying on the
// allocator to have zeroed them (see DESIGN.md).
func (a *MapArea) CopyData(data []byte) error {
	if a.Policy != Framed {
		return fmt.Errorf("vm: CopyData requires a Framed area")
	}

	capacity := a.Range.Len() * PageSize
	if len(data) > capacity {
		return fmt.Errorf("vm: data length %d exceeds area capacity %d", len(data), capacity)
	}

	off := 0
	for vpn := a.Range.Start; vpn < a.Range.End; vpn++ {
		h, ok := a.dataFrames[vpn]
		if !ok {
			return fmt.Errorf("vm: %w", kerrors.InvariantViolation(
				"framed area missing data frame for vpn",
				map[string]interface{}{"vpn": uint64(vpn)}))
		}

		n := 0
		if off < len(data) {
			n = copy(h.Bytes, data[off:min(off+PageSize, len(data))])
		}

		for i := n; i < PageSize; i++ {
			h.Bytes[i] = 0
		}

		off += PageSize
	}

	return nil
}
