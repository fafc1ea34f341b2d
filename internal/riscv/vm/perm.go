package vm

import "github.com/rvkern/rvos/internal/riscv/pagetable"

// MapPermission is the permission-bit layout §3 of the spec defines:
// R=2, W=4, X=8, U=16. It is deliberately the same width and bit
// positions as pagetable.Flags so that converting one to the other is a
// direct, lossless reinterpretation rather than a remapping — but it is
// still a typed conversion function, never an unchecked cast, so that
// reserved bits can never leak into a PTE (see PortToPerm below).
type MapPermission = pagetable.Flags

const (
	PermR MapPermission = pagetable.FlagR
	PermW MapPermission = pagetable.FlagW
	PermX MapPermission = pagetable.FlagX
	PermU MapPermission = pagetable.FlagU
)

// PortToPerm converts an mmap-style port word (bit0=R, bit1=W, bit2=X) into
// the §3 permission-bit layout, always setting U and masking away every
// other bit of port first. Reserved bits in port must be rejected by the
// caller before this is invoked; this function only ever emits the four
// bits a PTE understands.
func PortToPerm(port uint) MapPermission {
	return MapPermission((port&0b111)<<1) | PermU
}
