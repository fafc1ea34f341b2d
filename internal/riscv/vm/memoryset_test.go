package vm

import (
	"encoding/binary"
	"testing"

	"github.com/rvkern/rvos/internal/riscv/frame"
	"github.com/rvkern/rvos/internal/riscv/kconfig"
)

func newTestMemorySet(t *testing.T, frames int) (*MemorySet, *frame.Allocator) {
	t.Helper()

	alloc := frame.NewAllocator(0, frames)

	m, err := NewBare(alloc)
	if err != nil {
		t.Fatalf("NewBare() failed: %v", err)
	}

	return m, alloc
}

func TestMmapInsertsAreaAndReturnsCeiledSize(t *testing.T) {
	m, _ := newTestMemorySet(t, 64)

	n, err := m.Mmap(0, PageSize+1, 0b011) // R|W, spans into a second page
	if err != nil {
		t.Fatalf("Mmap() failed: %v", err)
	}

	if n != 2*PageSize {
		t.Fatalf("Mmap() returned %d, want %d (ceiled to whole pages)", n, 2*PageSize)
	}

	pte, ok := m.Translate(0)
	if !ok {
		t.Fatalf("Translate(0) ok = false after Mmap()")
	}

	if !pte.Readable() || !pte.Writable() || pte.Executable() {
		t.Fatalf("mapped flags = %v, want R|W only", pte.Flags)
	}
}

func TestMmapRejectsReservedPortBits(t *testing.T) {
	m, _ := newTestMemorySet(t, 8)

	if _, err := m.Mmap(0, PageSize, 0b1000); err != ErrInvalidRequest {
		t.Fatalf("Mmap() with reserved port bits set, error = %v, want ErrInvalidRequest", err)
	}
}

func TestMmapRejectsZeroPermission(t *testing.T) {
	m, _ := newTestMemorySet(t, 8)

	if _, err := m.Mmap(0, PageSize, 0); err != ErrInvalidRequest {
		t.Fatalf("Mmap() with port=0, error = %v, want ErrInvalidRequest", err)
	}
}

func TestMmapRejectsUnalignedStart(t *testing.T) {
	m, _ := newTestMemorySet(t, 8)

	if _, err := m.Mmap(1, PageSize, 0b001); err != ErrInvalidRequest {
		t.Fatalf("Mmap() with an unaligned start, error = %v, want ErrInvalidRequest", err)
	}
}

func TestMmapRejectsOverlapWithExistingArea(t *testing.T) {
	m, _ := newTestMemorySet(t, 8)

	if _, err := m.Mmap(0, PageSize, 0b001); err != nil {
		t.Fatalf("first Mmap() failed: %v", err)
	}

	if _, err := m.Mmap(0, PageSize, 0b001); err != ErrInvalidRequest {
		t.Fatalf("overlapping Mmap(), error = %v, want ErrInvalidRequest", err)
	}
}

func TestMunmapWholeAreaSucceeds(t *testing.T) {
	m, alloc := newTestMemorySet(t, 8)

	if _, err := m.Mmap(0, 2*PageSize, 0b001); err != nil {
		t.Fatalf("Mmap() failed: %v", err)
	}

	baseline := alloc.AvailableFrames()

	n, err := m.Munmap(0, 2*PageSize)
	if err != nil {
		t.Fatalf("Munmap() failed: %v", err)
	}

	if n != 2*PageSize {
		t.Fatalf("Munmap() returned %d, want %d", n, 2*PageSize)
	}

	if got := alloc.AvailableFrames(); got != baseline+2 {
		t.Fatalf("AvailableFrames() after Munmap() = %d, want %d", got, baseline+2)
	}

	if _, ok := m.Translate(0); ok {
		t.Fatalf("Translate(0) ok = true after Munmap()")
	}
}

func TestMunmapRejectsPartialAreaCoverage(t *testing.T) {
	m, _ := newTestMemorySet(t, 8)

	if _, err := m.Mmap(0, 2*PageSize, 0b001); err != nil {
		t.Fatalf("Mmap() failed: %v", err)
	}

	// Unmapping only the first page of a two-page area must fail without
	// mutating the address space.
	if _, err := m.Munmap(0, PageSize); err != ErrInvalidRequest {
		t.Fatalf("Munmap() of a partial area, error = %v, want ErrInvalidRequest", err)
	}

	if _, ok := m.Translate(0); !ok {
		t.Fatalf("Translate(0) ok = false: a rejected Munmap must not have mutated the address space")
	}
}

func TestMunmapRejectsGappedRange(t *testing.T) {
	m, _ := newTestMemorySet(t, 8)

	if _, err := m.Mmap(0, PageSize, 0b001); err != nil {
		t.Fatalf("Mmap() failed: %v", err)
	}

	if _, err := m.Mmap(2*PageSize, PageSize, 0b001); err != nil {
		t.Fatalf("Mmap() failed: %v", err)
	}

	// [0, 3*PageSize) covers both areas but leaves a hole at [PageSize, 2*PageSize).
	if _, err := m.Munmap(0, 3*PageSize); err != ErrInvalidRequest {
		t.Fatalf("Munmap() across a gap, error = %v, want ErrInvalidRequest", err)
	}
}

func TestMmioMapAndUnmapRoundTrip(t *testing.T) {
	m, alloc := newTestMemorySet(t, 8)

	baseline := alloc.AvailableFrames()

	n, err := m.MmioMap(0x1000_0000, 0x1000_1000, 0b011)
	if err != nil {
		t.Fatalf("MmioMap() failed: %v", err)
	}

	if n != PageSize {
		t.Fatalf("MmioMap() returned %d, want %d", n, PageSize)
	}

	// Mmio areas own no frames; only the two interior page-table frames
	// the walk to VPN 0x10000 needs are taken from the allocator.
	if got := alloc.AvailableFrames(); got != baseline-2 {
		t.Fatalf("AvailableFrames() after MmioMap() = %d, want %d", got, baseline-2)
	}

	if _, err := m.MmioUnmap(0x1000_0000, 0x1000_1000); err != nil {
		t.Fatalf("MmioUnmap() failed: %v", err)
	}

	if _, ok := m.Translate(VPN(0x1000_0000 >> pageShift)); ok {
		t.Fatalf("Translate() ok = true after MmioUnmap()")
	}
}

// TestNewKernelSectionPermissionsAndMmioWindows exercises property 8: the
// kernel address space's .text/.rodata/.data midpoints carry the expected
// permission bits, and (scenario S5) mmio_map rejects a range overlapping
// the already-mapped PLIC window while succeeding into an unmapped one.
func TestNewKernelSectionPermissionsAndMmioWindows(t *testing.T) {
	alloc := frame.NewAllocator(0, 4096)
	cfg := kconfig.DefaultLayout()

	trampPPN, err := AllocTrampolinePage(alloc)
	if err != nil {
		t.Fatalf("AllocTrampolinePage() failed: %v", err)
	}

	m, err := NewKernel(alloc, cfg, trampPPN)
	if err != nil {
		t.Fatalf("NewKernel() failed: %v", err)
	}

	s := cfg.Sections

	textMid := floorVPN(Addr((s.TextStart + s.TextEnd) / 2))
	pte, ok := m.Translate(textMid)
	if !ok {
		t.Fatalf(".text midpoint not mapped")
	}

	if !pte.Executable() || pte.Writable() {
		t.Fatalf(".text flags = %v, want X set and W clear", pte.Flags)
	}

	rodataMid := floorVPN(Addr((s.RodataStart + s.RodataEnd) / 2))
	pte, ok = m.Translate(rodataMid)
	if !ok {
		t.Fatalf(".rodata midpoint not mapped")
	}

	if !pte.Readable() || pte.Writable() {
		t.Fatalf(".rodata flags = %v, want R set and W clear", pte.Flags)
	}

	dataMid := floorVPN(Addr((s.DataStart + s.DataEnd) / 2))
	pte, ok = m.Translate(dataMid)
	if !ok {
		t.Fatalf(".data midpoint not mapped")
	}

	if !pte.Writable() || pte.Executable() {
		t.Fatalf(".data flags = %v, want W set and X clear", pte.Flags)
	}

	// Scenario S5: the PLIC window is already mapped by NewKernel.
	if _, err := m.MmioMap(uintptr(cfg.PLICStart), uintptr(cfg.PLICStart)+PageSize, 0b011); err != ErrInvalidRequest {
		t.Fatalf("MmioMap() over the already-mapped PLIC window, error = %v, want ErrInvalidRequest", err)
	}

	// An unmapped MMIO window at the first page boundary past the UART
	// range must still succeed.
	freeWindow := uintptr(ceilVPN(Addr(cfg.UAREnd))) << pageShift
	if _, err := m.MmioMap(freeWindow, freeWindow+PageSize, 0b011); err != nil {
		t.Fatalf("MmioMap() into an unmapped window failed: %v", err)
	}
}

// buildMinimalELF assembles just enough of a 64-bit ELF64 image (header +
// one PT_LOAD program header + its file bytes) to drive FromELF.
func buildMinimalELF(entry, vaddr uint64, data []byte) []byte {
	const (
		ehsize = 64
		phsize = 56
		pfR    = 1 << 2
		pfW    = 1 << 1
	)

	ord := binary.LittleEndian
	buf := make([]byte, ehsize+phsize+len(data))

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2

	ord.PutUint64(buf[24:32], entry)
	ord.PutUint64(buf[32:40], ehsize)
	ord.PutUint16(buf[54:56], phsize)
	ord.PutUint16(buf[56:58], 1)

	ph := buf[ehsize : ehsize+phsize]
	ord.PutUint32(ph[0:4], 1) // PT_LOAD
	ord.PutUint32(ph[4:8], pfR|pfW)
	ord.PutUint64(ph[8:16], ehsize+phsize)
	ord.PutUint64(ph[16:24], vaddr)
	ord.PutUint64(ph[32:40], uint64(len(data)))
	ord.PutUint64(ph[40:48], uint64(len(data)))

	copy(buf[ehsize+phsize:], data)

	return buf
}

func TestFromELFBuildsSegmentsStackAndTrapContext(t *testing.T) {
	alloc := frame.NewAllocator(0, 4096)
	cfg := kconfig.DefaultLayout()

	trampPPN, err := AllocTrampolinePage(alloc)
	if err != nil {
		t.Fatalf("AllocTrampolinePage() failed: %v", err)
	}

	segData := []byte{1, 2, 3, 4}
	image := buildMinimalELF(0x1000, 0x10000, segData)

	m, userSP, entry, err := FromELF(alloc, cfg, trampPPN, image)
	if err != nil {
		t.Fatalf("FromELF() failed: %v", err)
	}

	if entry != 0x1000 {
		t.Fatalf("entry = %#x, want %#x", entry, 0x1000)
	}

	if userSP <= uint64(0x10000) {
		t.Fatalf("userSP = %#x, want something above the loaded segment", userSP)
	}

	pte, ok := m.Translate(floorVPN(0x10000))
	if !ok {
		t.Fatalf("loaded segment not mapped")
	}

	if !pte.User() {
		t.Fatalf("loaded segment flags = %v, want U set", pte.Flags)
	}

	trapVPN := floorVPN(Addr(cfg.TrapContext))
	if _, ok := m.Translate(trapVPN); !ok {
		t.Fatalf("trap-context page not mapped")
	}
}

func TestFromExistedUserClonesDataWithFreshFrames(t *testing.T) {
	alloc := frame.NewAllocator(0, 4096)
	cfg := kconfig.DefaultLayout()

	trampPPN, err := AllocTrampolinePage(alloc)
	if err != nil {
		t.Fatalf("AllocTrampolinePage() failed: %v", err)
	}

	segData := []byte{0xAA, 0xBB, 0xCC}
	image := buildMinimalELF(0, 0x20000, segData)

	src, _, _, err := FromELF(alloc, cfg, trampPPN, image)
	if err != nil {
		t.Fatalf("FromELF() failed: %v", err)
	}

	clone, err := FromExistedUser(alloc, cfg, trampPPN, src)
	if err != nil {
		t.Fatalf("FromExistedUser() failed: %v", err)
	}

	srcPTE, ok := src.Translate(floorVPN(0x20000))
	if !ok {
		t.Fatalf("source segment not mapped")
	}

	clonePTE, ok := clone.Translate(floorVPN(0x20000))
	if !ok {
		t.Fatalf("clone segment not mapped")
	}

	if clonePTE.PPN == srcPTE.PPN {
		t.Fatalf("clone PPN %d == source PPN %d, want distinct frames", clonePTE.PPN, srcPTE.PPN)
	}

	cloneBytes, ok := alloc.PageBytes(clonePTE.PPN)
	if !ok {
		t.Fatalf("PageBytes() failed for clone PPN")
	}

	for i, b := range segData {
		if cloneBytes[i] != b {
			t.Fatalf("clone byte %d = %#x, want %#x", i, cloneBytes[i], b)
		}
	}
}
