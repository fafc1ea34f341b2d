// Command rvos-kernel is the boot entry point for the RISC-V kernel's
// virtual-memory core: it builds the kernel address space, activates it,
// and loads a demo user program from an embedded ELF image to exercise
// FromELF end to end. It plays the role the teacher's
// cmd/orizon-kernel/main.go plays for Orizon OS: a minimal, staged boot
// sequence printing a banner to the console.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/rvkern/rvos/internal/riscv/console"
	"github.com/rvkern/rvos/internal/riscv/frame"
	"github.com/rvkern/rvos/internal/riscv/kconfig"
	"github.com/rvkern/rvos/internal/riscv/vm"
)

// totalPhysicalFrames sizes the demo physical memory pool: enough frames
// for the kernel page table's own table frames plus a handful of user
// address spaces in the boot demo. The kernel's direct-mapped window is
// an Identical mapping and takes no frames from this pool.
const totalPhysicalFrames = 4096

// demoUserEntry and demoUserVaddr place the boot demo's one-segment user
// program at an address distinct from the kernel image, so FromELF's
// segment mapping is visibly exercised rather than aliasing kernel space.
const (
	demoUserVaddr = 0x1_0000
	demoUserEntry = demoUserVaddr
)

// buildDemoUserImage assembles a minimal 64-bit ELF image with a single
// PT_LOAD segment, just enough to drive vm.FromELF during boot. It stands
// in for a program image a real boot loader would read from disk or an
// initramfs; this core only ever consumes ELF bytes, never produces them.
func buildDemoUserImage() []byte {
	const (
		ehsize = 64
		phsize = 56
		ptLoad = 1
		pfX    = 1 << 0
		pfR    = 1 << 2
	)

	// A handful of bytes standing in for the user program's code; FromELF
	// does not interpret their contents.
	text := []byte{0x13, 0x00, 0x00, 0x00} // riscv64 "nop" (addi x0, x0, 0)

	ord := binary.LittleEndian
	buf := make([]byte, ehsize+phsize+len(text))

	copy(buf[0:4], []byte{0x7F, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64

	ord.PutUint64(buf[24:32], demoUserEntry)
	ord.PutUint64(buf[32:40], ehsize) // phoff
	ord.PutUint16(buf[54:56], phsize)
	ord.PutUint16(buf[56:58], 1) // phnum

	ph := buf[ehsize : ehsize+phsize]
	ord.PutUint32(ph[0:4], ptLoad)
	ord.PutUint32(ph[4:8], pfR|pfX)
	ord.PutUint64(ph[8:16], ehsize+phsize) // offset
	ord.PutUint64(ph[16:24], demoUserVaddr)
	ord.PutUint64(ph[32:40], uint64(len(text)))
	ord.PutUint64(ph[40:48], uint64(len(text)))

	copy(buf[ehsize+phsize:], text)

	return buf
}

func main() {
	con := console.Default()

	con.Print("\n")
	con.Print("========================================\n")
	con.Print("   rvos virtual memory core - booting   \n")
	con.Print("========================================\n")
	con.Print("\n")

	cfg := kconfig.DefaultLayout()
	alloc := frame.NewAllocator(0, totalPhysicalFrames)

	trampolinePPN, err := vm.AllocTrampolinePage(alloc)
	if err != nil {
		con.Print("failed to reserve trampoline page: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := vm.InitKernelSpace(alloc, cfg, trampolinePPN); err != nil {
		con.Print("kernel address space construction failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	kernelSpace := vm.KernelSpaceHandle()
	kernelSpace.Activate()

	con.Print(fmt.Sprintf("kernel space activated, token=%#x\n", vm.CurrentToken()))
	con.Print(fmt.Sprintf("frames free: %d/%d\n", alloc.AvailableFrames(), totalPhysicalFrames))

	userSpace, userSP, entry, err := vm.FromELF(alloc, cfg, trampolinePPN, buildDemoUserImage())
	if err != nil {
		con.Print("demo user address space construction failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	con.Print(fmt.Sprintf("loaded demo user image: entry=%#x sp=%#x token=%#x\n", entry, userSP, userSpace.Token()))
	con.Print(fmt.Sprintf("frames free: %d/%d\n", alloc.AvailableFrames(), totalPhysicalFrames))

	userSpace.Close()

	con.Print(fmt.Sprintf("demo user address space torn down, frames free: %d/%d\n", alloc.AvailableFrames(), totalPhysicalFrames))
	con.Print("\nrvos is ready.\n")
}
