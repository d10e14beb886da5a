package kernel

import (
	"io"
	"testing"

	"github.com/tinyrange/xv6/internal/machine"
	"github.com/tinyrange/xv6/internal/riscv/paging"
)

func testKernel(t *testing.T, harts int, interval uint64) *Kernel {
	t.Helper()
	cfg := machine.DefaultConfig()
	cfg.Harts = harts
	cfg.RAMMiB = 16
	cfg.TimerInterval = interval
	k, err := New(cfg, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

// cpu0 returns hart 0's CPU for tests that drive kernel internals
// directly instead of booting.
func cpu0(k *Kernel) *CPU { return &k.cpus[0] }

func TestAllocatorClosure(t *testing.T) {
	k := testKernel(t, 1, 1000000)
	c := cpu0(k)
	k.kinit(c)
	a := k.alloc

	total := a.FreeCount(c)
	if total == 0 {
		t.Fatal("empty freelist after kinit")
	}

	seen := make(map[paging.PhysAddr]bool)
	var frames []paging.PhysAddr
	for i := 0; i < 64; i++ {
		pa, ok := a.Kalloc(c, false)
		if !ok {
			t.Fatalf("kalloc %d failed", i)
		}
		if pa.PageOffset() != 0 {
			t.Fatalf("frame %v not aligned", pa)
		}
		if pa < a.Start() || pa >= a.End() {
			t.Fatalf("frame %v outside [%v, %v)", pa, a.Start(), a.End())
		}
		if seen[pa] {
			t.Fatalf("frame %v handed out twice", pa)
		}
		seen[pa] = true
		frames = append(frames, pa)
	}

	if got := a.FreeCount(c); got != total-64 {
		t.Fatalf("free count %d, want %d", got, total-64)
	}

	for _, pa := range frames {
		a.Kfree(c, pa)
	}
	if got := a.FreeCount(c); got != total {
		t.Fatalf("free count after refill %d, want %d", got, total)
	}
}

func TestAllocPoison(t *testing.T) {
	k := testKernel(t, 1, 1000000)
	c := cpu0(k)
	k.kinit(c)

	pa, ok := k.alloc.Kalloc(c, false)
	if !ok {
		t.Fatal("kalloc failed")
	}
	page, err := k.mach.RAM().Page(pa)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range page {
		if b != 0xAA {
			t.Fatalf("byte %d = 0x%x after poisoned alloc", i, b)
		}
	}

	k.alloc.Kfree(c, pa)
	// Past the freelist link, a freed frame is all 0xFF.
	for i := 8; i < len(page); i++ {
		if page[i] != 0xFF {
			t.Fatalf("byte %d = 0x%x after free", i, page[i])
		}
	}

	pa2, ok := k.alloc.Kalloc(c, true)
	if !ok {
		t.Fatal("kalloc failed")
	}
	page2, _ := k.mach.RAM().Page(pa2)
	for i, b := range page2 {
		if b != 0 {
			t.Fatalf("byte %d = 0x%x after zeroed alloc", i, b)
		}
	}
}

func TestKfreeBadFramePanics(t *testing.T) {
	k := testKernel(t, 1, 1000000)
	c := cpu0(k)
	k.kinit(c)

	defer func() {
		if recover() == nil {
			t.Fatal("kfree of unaligned frame did not panic")
		}
	}()
	k.alloc.Kfree(c, k.alloc.Start().Add(1))
}

func TestAllocatorExhaustion(t *testing.T) {
	k := testKernel(t, 1, 1000000)
	c := cpu0(k)
	k.kinit(c)
	a := k.alloc

	n := 0
	for {
		_, ok := a.Kalloc(c, false)
		if !ok {
			break
		}
		n++
	}
	if got := a.FreeCount(c); got != 0 {
		t.Fatalf("free count %d after exhaustion", got)
	}
	if n == 0 {
		t.Fatal("allocated nothing before exhaustion")
	}
}
