//go:build unix

package pagetable

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rvkern/rvos/internal/riscv/frame"
)

// TestPageSizeMatchesHostOnUnix cross-checks the simulated Sv39 page size
// against the host kernel's own page size. This module targets RISC-V's
// fixed 4KiB page unconditionally, so it only makes sense to run the
// allocator/page-table tests on a dev/CI host whose own page size agrees —
// a host with 16KiB or 64KiB pages (some arm64 Linux configs) can't usefully
// exercise byte-level frame math sized for 4KiB pages, so skip rather than
// silently passing on a mismatched assumption.
func TestPageSizeMatchesHostOnUnix(t *testing.T) {
	if got := unix.Getpagesize(); got != frame.PageSize {
		t.Skipf("host page size %d differs from the simulated Sv39 page size %d", got, frame.PageSize)
	}
}
