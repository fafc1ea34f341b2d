package vm

import (
	"fmt"
	"sort"
	"sync/atomic"

	kerrors "github.com/rvkern/rvos/internal/errors"
	"github.com/rvkern/rvos/internal/riscv/elfload"
	"github.com/rvkern/rvos/internal/riscv/frame"
	"github.com/rvkern/rvos/internal/riscv/kconfig"
	"github.com/rvkern/rvos/internal/riscv/pagetable"
)

// ErrInvalidRequest is the sentinel spec.md's error table maps to -1:
// reserved port bits, zero permissions, oversized request, unaligned
// start, overlap on map, or partial/gapped coverage on unmap.
var ErrInvalidRequest = fmt.Errorf("vm: invalid request")

const maxMapBytes = 1 << 30

// hartCSR simulates the single hart's address-translation register and
// TLB-flush counter that Activate writes to. There is exactly one hart in
// this core's concurrency model (§5), so a single package-level value is
// sufficient — a multi-hart kernel would key this per-CPU.
var hartCSR atomic.Uint64
var tlbFlushes atomic.Uint64

// CurrentToken reports the token last written by Activate. Tests use it to
// confirm activation occurred; a real kernel would instead read satp.
func CurrentToken() uint64 { return hartCSR.Load() }

// TLBFlushCount reports how many times Activate has issued its barrier.
func TLBFlushCount() uint64 { return tlbFlushes.Load() }

// MemorySet is an address space: one page table and an ordered collection
// of MapAreas.
type MemorySet struct {
	pageTable *pagetable.SoftwareTable
	alloc     *frame.Allocator
	areas     []*MapArea
}

// NewBare returns an empty address space: a fresh page table, no areas.
func NewBare(alloc *frame.Allocator) (*MemorySet, error) {
	pt, err := pagetable.New(alloc)
	if err != nil {
		return nil, err
	}

	return &MemorySet{pageTable: pt, alloc: alloc}, nil
}

// Token returns the page table's activation token.
func (m *MemorySet) Token() uint64 { return m.pageTable.Token() }

// Translate delegates to the page table.
func (m *MemorySet) Translate(vpn VPN) (pagetable.PTE, bool) {
	return m.pageTable.Translate(vpn)
}

// Activate writes this address space's token to the simulated
// translation register and issues a full TLB flush, the software
// analogue of `satp::write` followed by `sfence.vma zero, zero`.
func (m *MemorySet) Activate() {
	hartCSR.Store(m.Token())
	tlbFlushes.Add(1)
}

// push maps a freshly constructed area and appends it to the area list.
// Callers assert no overlap, matching the source's documented precondition.
func (m *MemorySet) push(a *MapArea, data []byte) error {
	if err := a.Map(m.pageTable, m.alloc); err != nil {
		return err
	}

	if data != nil {
		if err := a.CopyData(data); err != nil {
			return err
		}
	}

	m.areas = append(m.areas, a)

	return nil
}

// mapTrampoline installs the trampoline page directly into the page
// table at the fixed TRAMPOLINE virtual address. It is never recorded as
// an area, per spec.
func (m *MemorySet) mapTrampoline(cfg kconfig.Layout, trampolinePPN pagetable.PPN) error {
	return m.pageTable.Map(floorVPN(Addr(cfg.Trampoline)), trampolinePPN, PermR|PermX)
}

// InsertFramedArea constructs a Framed area over [startVA, endVA) with
// the given permissions and maps it. The caller asserts no overlap with
// any existing area.
func (m *MemorySet) InsertFramedArea(startVA, endVA Addr, perm MapPermission) error {
	return m.push(NewMapArea(startVA, endVA, Framed, perm), nil)
}

// RemoveAreaWithStartVPN finds the first area whose start VPN equals vpn,
// unmaps and removes it. It is a no-op if no such area exists.
func (m *MemorySet) RemoveAreaWithStartVPN(vpn VPN) {
	for i, a := range m.areas {
		if a.Range.Start == vpn {
			a.Unmap(m.pageTable)
			m.areas = append(m.areas[:i], m.areas[i+1:]...)

			return
		}
	}
}

// RecycleDataPages clears the area list, releasing every framed page, but
// retains the page table so the address space stays valid for
// translation during teardown sequences where the current hart may still
// be running on it.
func (m *MemorySet) RecycleDataPages() {
	for _, a := range m.areas {
		a.Unmap(m.pageTable)
	}

	m.areas = nil
}

// Close tears the address space down completely: every framed page and
// every interior page-table frame is released. Rust's MemorySet relies on
// Drop to do this implicitly when the value goes out of scope; Go has no
// destructors, so callers that are really done with an address space (as
// opposed to a RecycleDataPages teardown-in-progress) call Close
// explicitly.
func (m *MemorySet) Close() {
	m.RecycleDataPages()
	m.pageTable.Close()
}

func (m *MemorySet) isMappedArea(r VPNRange) bool {
	for _, a := range m.areas {
		if a.Range.Overlaps(r) {
			return true
		}
	}

	return false
}

// Mmap validates and installs a Framed user mapping. See spec §4.2/§7 for
// the exact validation order. The returned byte count is end-start (the
// page-ceiled size), which for an unaligned len may differ from the
// requested len — a deliberate, spec-documented choice, not a bug.
func (m *MemorySet) Mmap(start, length uintptr, port uint) (uintptr, error) {
	if port&^0b111 != 0 || port&0b111 == 0 || length > maxMapBytes {
		return 0, ErrInvalidRequest
	}

	startVA := Addr(start)
	if Addr(floorVPN(startVA))<<pageShift != startVA {
		return 0, ErrInvalidRequest
	}

	endVPN := ceilVPN(Addr(start + length))
	startVPN := floorVPN(startVA)

	if m.isMappedArea(VPNRange{Start: startVPN, End: endVPN}) {
		return 0, ErrInvalidRequest
	}

	perm := PortToPerm(port)
	if err := m.push(NewMapArea(startVA, Addr(endVPN)<<pageShift, Framed, perm), nil); err != nil {
		return 0, err
	}

	return uintptr(endVPN-startVPN) * PageSize, nil
}

// Munmap unmaps the whole-area tiling of [start, start+length). Any gap
// or partial area coverage fails without mutating the address space.
func (m *MemorySet) Munmap(start, length uintptr) (uintptr, error) {
	return m.munmapRange(start, start+length)
}

// MmioMap validates and installs an Mmio area over [start, end) — same
// validation shape as Mmap, but the size cap applies to end-start and no
// frame is allocated.
func (m *MemorySet) MmioMap(start, end uintptr, port uint) (uintptr, error) {
	if port&^0b111 != 0 || port&0b111 == 0 || end-start > maxMapBytes {
		return 0, ErrInvalidRequest
	}

	startVA := Addr(start)
	if Addr(floorVPN(startVA))<<pageShift != startVA {
		return 0, ErrInvalidRequest
	}

	endVPN := ceilVPN(Addr(end))
	startVPN := floorVPN(startVA)

	if m.isMappedArea(VPNRange{Start: startVPN, End: endVPN}) {
		return 0, ErrInvalidRequest
	}

	perm := PortToPerm(port)
	if err := m.push(NewMapArea(startVA, Addr(endVPN)<<pageShift, Mmio, perm), nil); err != nil {
		return 0, err
	}

	return uintptr(endVPN-startVPN) * PageSize, nil
}

// MmioUnmap is MmioMap's inverse: same whole-area tiling rule as Munmap.
func (m *MemorySet) MmioUnmap(start, end uintptr) (uintptr, error) {
	n, err := m.munmapRange(start, end)
	if err != nil {
		return 0, err
	}

	return n, nil
}

// munmapRange implements the shared tiling-validation-then-remove logic
// behind Munmap and MmioUnmap.
func (m *MemorySet) munmapRange(start, end uintptr) (uintptr, error) {
	startVA := Addr(start)
	if Addr(floorVPN(startVA))<<pageShift != startVA {
		return 0, ErrInvalidRequest
	}

	endVPN := ceilVPN(Addr(end))
	startVPN := floorVPN(startVA)

	var toUnmap []int
	for i, a := range m.areas {
		if a.Range.Overlaps(VPNRange{Start: startVPN, End: endVPN}) {
			toUnmap = append(toUnmap, i)
		}
	}

	sort.Slice(toUnmap, func(i, j int) bool {
		return m.areas[toUnmap[i]].Range.Start < m.areas[toUnmap[j]].Range.Start
	})

	cursor := startVPN
	for _, i := range toUnmap {
		if m.areas[i].Range.Start != cursor {
			return 0, ErrInvalidRequest
		}

		cursor = m.areas[i].Range.End
	}

	if cursor != endVPN {
		return 0, ErrInvalidRequest
	}

	sort.Sort(sort.Reverse(sort.IntSlice(toUnmap)))
	for _, i := range toUnmap {
		m.areas[i].Unmap(m.pageTable)
		m.areas = append(m.areas[:i], m.areas[i+1:]...)
	}

	return end - start, nil
}

// NewKernel builds the process-wide kernel address space, mapping the
// kernel image sections, the direct physical-memory window, the PLIC and
// UART MMIO windows, and installing the trampoline.
func NewKernel(alloc *frame.Allocator, cfg kconfig.Layout, trampolinePPN pagetable.PPN) (*MemorySet, error) {
	m, err := NewBare(alloc)
	if err != nil {
		return nil, err
	}

	if err := m.mapTrampoline(cfg, trampolinePPN); err != nil {
		return nil, err
	}

	s := cfg.Sections
	sections := []struct {
		start, end Addr
		perm       MapPermission
	}{
		{Addr(s.TextStart), Addr(s.TextEnd), PermR | PermX},
		{Addr(s.RodataStart), Addr(s.RodataEnd), PermR},
		{Addr(s.DataStart), Addr(s.DataEnd), PermR | PermW},
		{Addr(s.BSSStart), Addr(s.BSSEnd), PermR | PermW},
		{Addr(s.KernelEnd), Addr(cfg.MemoryEnd), PermR | PermW},
	}

	for _, sec := range sections {
		if err := m.push(NewMapArea(sec.start, sec.end, Identical, sec.perm), nil); err != nil {
			return nil, err
		}
	}

	if err := m.push(NewMapArea(Addr(cfg.PLICStart), Addr(cfg.PLICEnd), Mmio, PermR|PermW), nil); err != nil {
		return nil, err
	}

	if err := m.push(NewMapArea(Addr(cfg.UARTStart), Addr(cfg.UAREnd), Mmio, PermR|PermW), nil); err != nil {
		return nil, err
	}

	return m, nil
}

// FromELF parses a 64-bit RISC-V ELF image and builds the user address
// space it describes: one Framed area per LOAD segment, a guarded user
// stack, and the trap-context page. It returns the space, the top of the
// user stack, and the ELF entry point.
func FromELF(alloc *frame.Allocator, cfg kconfig.Layout, trampolinePPN pagetable.PPN, image []byte) (m *MemorySet, userSP, entry uint64, err error) {
	m, err = NewBare(alloc)
	if err != nil {
		return nil, 0, 0, err
	}

	if err := m.mapTrampoline(cfg, trampolinePPN); err != nil {
		return nil, 0, 0, err
	}

	img, perr := elfload.Parse(image)
	if perr == elfload.ErrBadMagic {
		panic(kerrors.ELFMagicMismatch(firstFour(image)).Error())
	}

	if perr != nil {
		return nil, 0, 0, fmt.Errorf("vm: parse ELF: %w", perr)
	}

	var maxEndVPN VPN

	for _, seg := range img.Segments {
		perm := PermU
		if seg.Readable {
			perm |= PermR
		}

		if seg.Writable {
			perm |= PermW
		}

		if seg.Executable {
			perm |= PermX
		}

		startVA := Addr(seg.VirtAddr)
		endVA := Addr(seg.VirtAddr + seg.MemSize)
		area := NewMapArea(startVA, endVA, Framed, perm)

		if area.Range.End > maxEndVPN {
			maxEndVPN = area.Range.End
		}

		if err := m.push(area, seg.Data); err != nil {
			return nil, 0, 0, err
		}
	}

	maxEndVA := Addr(maxEndVPN) << pageShift
	stackBottom := uint64(maxEndVA) + PageSize // skip exactly one guard page
	stackTop := stackBottom + cfg.UserStackSize

	if err := m.push(NewMapArea(Addr(stackBottom), Addr(stackTop), Framed, PermR|PermW|PermU), nil); err != nil {
		return nil, 0, 0, err
	}

	if err := m.push(NewMapArea(Addr(cfg.TrapContext), Addr(cfg.Trampoline), Framed, PermR|PermW), nil); err != nil {
		return nil, 0, 0, err
	}

	return m, stackTop, img.Entry, nil
}

func firstFour(b []byte) [4]byte {
	var out [4]byte
	copy(out[:], b)

	return out
}

// FromExistedUser clones a user address space: fork's address-space
// duplication, no copy-on-write. Every area is rebuilt with fresh frames
// and its contents copied byte-for-byte from the source.
func FromExistedUser(alloc *frame.Allocator, cfg kconfig.Layout, trampolinePPN pagetable.PPN, src *MemorySet) (*MemorySet, error) {
	m, err := NewBare(alloc)
	if err != nil {
		return nil, err
	}

	if err := m.mapTrampoline(cfg, trampolinePPN); err != nil {
		return nil, err
	}

	for _, srcArea := range src.areas {
		newArea := AreaFromAnother(srcArea)
		if err := m.push(newArea, nil); err != nil {
			return nil, err
		}

		if newArea.Policy != Framed {
			continue
		}

		for vpn := newArea.Range.Start; vpn < newArea.Range.End; vpn++ {
			srcPTE, ok := src.Translate(vpn)
			if !ok {
				continue
			}

			dstPTE, ok := m.Translate(vpn)
			if !ok {
				continue
			}

			srcBytes, ok := alloc.PageBytes(srcPTE.PPN)
			if !ok {
				continue
			}

			dstBytes, ok := alloc.PageBytes(dstPTE.PPN)
			if !ok {
				continue
			}

			copy(dstBytes, srcBytes)
		}
	}

	return m, nil
}
