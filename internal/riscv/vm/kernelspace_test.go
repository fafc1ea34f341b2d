package vm

import (
	"sync"
	"testing"

	"github.com/rvkern/rvos/internal/riscv/frame"
	"github.com/rvkern/rvos/internal/riscv/kconfig"
)

func TestInitKernelSpaceIsIdempotent(t *testing.T) {
	resetKernelSpaceForTest()
	defer resetKernelSpaceForTest()

	alloc := frame.NewAllocator(0, 4096)
	cfg := kconfig.DefaultLayout()

	trampPPN, err := AllocTrampolinePage(alloc)
	if err != nil {
		t.Fatalf("AllocTrampolinePage() failed: %v", err)
	}

	if err := InitKernelSpace(alloc, cfg, trampPPN); err != nil {
		t.Fatalf("first InitKernelSpace() failed: %v", err)
	}

	first := KernelSpaceHandle()
	if first == nil {
		t.Fatalf("KernelSpaceHandle() = nil after InitKernelSpace()")
	}

	// A second call must be a no-op, not rebuild the singleton.
	if err := InitKernelSpace(alloc, cfg, trampPPN); err != nil {
		t.Fatalf("second InitKernelSpace() failed: %v", err)
	}

	if second := KernelSpaceHandle(); second != first {
		t.Fatalf("KernelSpaceHandle() changed across idempotent InitKernelSpace() calls")
	}
}

func TestInitKernelSpaceConcurrentCallersCollapseToOneBuild(t *testing.T) {
	resetKernelSpaceForTest()
	defer resetKernelSpaceForTest()

	alloc := frame.NewAllocator(0, 4096)
	cfg := kconfig.DefaultLayout()

	trampPPN, err := AllocTrampolinePage(alloc)
	if err != nil {
		t.Fatalf("AllocTrampolinePage() failed: %v", err)
	}

	const callers = 8

	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = InitKernelSpace(alloc, cfg, trampPPN)
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("InitKernelSpace() caller %d failed: %v", i, err)
		}
	}

	if KernelSpaceHandle() == nil {
		t.Fatalf("KernelSpaceHandle() = nil after concurrent InitKernelSpace() calls")
	}
}

func TestActivateWritesTokenAndCountsFlush(t *testing.T) {
	m, _ := newTestMemorySet(t, 4)

	before := TLBFlushCount()

	m.Activate()

	if CurrentToken() != m.Token() {
		t.Fatalf("CurrentToken() = %#x, want %#x", CurrentToken(), m.Token())
	}

	if got := TLBFlushCount(); got != before+1 {
		t.Fatalf("TLBFlushCount() = %d, want %d", got, before+1)
	}
}
