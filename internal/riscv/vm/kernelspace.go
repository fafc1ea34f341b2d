package vm

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rvkern/rvos/internal/riscv/frame"
	"github.com/rvkern/rvos/internal/riscv/kconfig"
	"github.com/rvkern/rvos/internal/riscv/pagetable"
)

// KernelSpace is the process-wide MemorySet for the kernel image. It is
// built once via NewKernel and guarded by a mutex, the same way the
// teacher's GlobalVMM/GlobalKernel pair guards process-wide kernel state.
// Production kernels activate it once at boot; every subsequent
// kernel-only code path shares its token, while user address spaces are
// switched in and out via their own tokens at context switch.
type KernelSpace struct {
	mu sync.Mutex
	ms *MemorySet

	group singleflight.Group
}

var kernelSpace = &KernelSpace{}

// InitKernelSpace builds the kernel address space via NewKernel and
// installs it as the process singleton. It is idempotent: a second call
// is a no-op returning nil, matching the teacher's
// InitializeVMM/InitializeKernel pattern of tolerating redundant boot
// calls rather than panicking. Concurrent first-time callers (there is
// normally only one, the boot hart, but a richer scheduler could race
// early kernel threads) collapse into a single NewKernel build via
// singleflight, rather than racing to construct two kernel page tables.
func InitKernelSpace(alloc *frame.Allocator, cfg kconfig.Layout, trampolinePPN pagetable.PPN) error {
	_, err, _ := kernelSpace.group.Do("init", func() (interface{}, error) {
		kernelSpace.mu.Lock()
		defer kernelSpace.mu.Unlock()

		if kernelSpace.ms != nil {
			return nil, nil
		}

		ms, err := NewKernel(alloc, cfg, trampolinePPN)
		if err != nil {
			return nil, fmt.Errorf("vm: init kernel space: %w", err)
		}

		kernelSpace.ms = ms

		return nil, nil
	})

	return err
}

// KernelSpaceHandle returns the process-wide kernel MemorySet, or nil if
// InitKernelSpace has not yet run.
func KernelSpaceHandle() *MemorySet {
	kernelSpace.mu.Lock()
	defer kernelSpace.mu.Unlock()

	return kernelSpace.ms
}

// AllocTrampolinePage reserves the single physical frame that holds the
// trampoline's trap-entry/trap-exit code. It is allocated like any other
// frame but is never tracked by a MapArea: the trampoline is installed
// directly into every address space's page table at the fixed TRAMPOLINE
// virtual address and is never unmapped for the lifetime of the kernel.
func AllocTrampolinePage(alloc *frame.Allocator) (pagetable.PPN, error) {
	h, ok := alloc.Alloc()
	if !ok {
		return 0, fmt.Errorf("vm: out of frames allocating trampoline page")
	}

	return h.PPN(), nil
}

// resetKernelSpaceForTest clears the singleton so tests can exercise
// InitKernelSpace repeatedly against independent allocators. Test-only.
func resetKernelSpaceForTest() {
	kernelSpace.mu.Lock()
	defer kernelSpace.mu.Unlock()

	kernelSpace.ms = nil
	kernelSpace.group = singleflight.Group{}
}
