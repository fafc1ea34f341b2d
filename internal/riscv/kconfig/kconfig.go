// Package kconfig abstracts the raw section symbols and platform address
// constants that a real kernel would receive from its linker script and
// board configuration. The VM core never names TRAMPOLINE, MEMORY_END,
// or the UART window inline; it asks this package instead, the same way
// the teacher kernel's KernelConfig/DefaultKernelConfig centralizes boot
// parameters rather than scattering literals through vmm.go and memory.go.
package kconfig

// PageSize is the hardware page size in bytes.
const PageSize = 4096

// KernelSections describes the linker-provided byte ranges of the kernel
// image, as would normally come from extern "C" section symbols
// (stext/etext/srodata/... in the original).
type KernelSections struct {
	TextStart, TextEnd     uint64
	RodataStart, RodataEnd uint64
	DataStart, DataEnd     uint64
	BSSStart, BSSEnd       uint64
	KernelEnd              uint64 // ekernel
}

// Layout is the platform-configurable set of constants §6 of the spec
// names: MEMORY_END, TRAMPOLINE, TRAP_CONTEXT, USER_STACK_SIZE, plus the
// PLIC and UART MMIO windows new_kernel maps. PAGE_SIZE is the package
// constant PageSize, not a Layout field.
type Layout struct {
	Sections KernelSections

	MemoryEnd     uint64
	Trampoline    uint64
	TrapContext   uint64
	UserStackSize uint64

	PLICStart, PLICEnd uint64
	UARTStart, UAREnd  uint64
}

// DefaultLayout returns the constants used by the QEMU virt-machine board
// configuration this core targets: a 6-page kernel image stand-in ending
// at 0x80206000, 8MB of usable RAM, and the trampoline/trap-context pages
// parked at the top of the 39-bit address space.
func DefaultLayout() Layout {
	const (
		trampoline  = uint64(0xFFFF_FFFF_FFFF_F000)
		trapContext = trampoline - PageSize
	)

	return Layout{
		Sections: KernelSections{
			TextStart:   0x8020_0000,
			TextEnd:     0x8020_3000,
			RodataStart: 0x8020_3000,
			RodataEnd:   0x8020_4000,
			DataStart:   0x8020_4000,
			DataEnd:     0x8020_5000,
			BSSStart:    0x8020_5000,
			BSSEnd:      0x8020_6000,
			KernelEnd:   0x8020_6000,
		},
		MemoryEnd:     0x8080_0000,
		Trampoline:    trampoline,
		TrapContext:   trapContext,
		UserStackSize: 2 * PageSize,
		PLICStart:     0x0C00_0000,
		PLICEnd:       0x1000_0000,
		UARTStart:     0x1000_0000,
		UAREnd:        0x1000_0300,
	}
}
