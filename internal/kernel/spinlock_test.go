package kernel

import (
	"strings"
	"sync"
	"testing"
)

func TestSpinLockPushPopDiscipline(t *testing.T) {
	k := testKernel(t, 1, 1000000)
	c := cpu0(k)
	c.hart.IntrOn()

	var a, b SpinLock
	a.Init("a")
	b.Init("b")

	a.Acquire(c)
	if c.hart.IntrEnabled() {
		t.Fatal("interrupts on while holding a spinlock")
	}
	if c.noff != 1 {
		t.Fatalf("noff = %d", c.noff)
	}

	b.Acquire(c)
	if c.noff != 2 {
		t.Fatalf("nested noff = %d", c.noff)
	}

	b.Release(c)
	if c.hart.IntrEnabled() {
		t.Fatal("inner release re-enabled interrupts")
	}
	a.Release(c)
	if !c.hart.IntrEnabled() {
		t.Fatal("outermost release did not restore interrupts")
	}
	if c.noff != 0 {
		t.Fatalf("noff = %d after releases", c.noff)
	}
}

func TestSpinLockReacquirePanics(t *testing.T) {
	k := testKernel(t, 1, 1000000)
	c := cpu0(k)

	var l SpinLock
	l.Init("testlock")
	l.Acquire(c)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("double acquire did not panic")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "acquire testlock") {
			t.Fatalf("panic = %v", r)
		}
	}()
	l.Acquire(c)
}

func TestSpinLockBadReleasePanics(t *testing.T) {
	k := testKernel(t, 2, 1000000)
	c0 := &k.cpus[0]
	c1 := &k.cpus[1]

	var l SpinLock
	l.Init("testlock")
	l.Acquire(c0)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("release without holding did not panic")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "release testlock") {
			t.Fatalf("panic = %v", r)
		}
	}()
	l.Release(c1)
}

func TestSpinLockContention(t *testing.T) {
	k := testKernel(t, 2, 1000000)

	var l SpinLock
	l.Init("counter")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		c := &k.cpus[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				l.Acquire(c)
				counter++
				l.Release(c)
			}
		}()
	}
	wg.Wait()

	if counter != 2000 {
		t.Fatalf("counter = %d", counter)
	}
	if l.cpu.Load() != nil {
		t.Fatal("lock still held")
	}
}
