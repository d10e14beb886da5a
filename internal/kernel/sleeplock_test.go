package kernel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestSleepLockOrdering has a parent take a sleep lock, nap while
// holding it, and release; the child blocks on the same lock and must
// only get it after the release.
func TestSleepLockOrdering(t *testing.T) {
	k := testKernel(t, 2, 10000)

	var lk SleepLock
	lk.Init("testsleep")

	var parentHasLock atomic.Bool
	var mu sync.Mutex
	var order []string
	record := func(ev string) {
		mu.Lock()
		order = append(order, ev)
		mu.Unlock()
	}

	text := []UserInst{
		// 0: fork
		func(u *UserEnv) { u.Ecall(SysFork) },
		// 1: parent grabs the lock straight away; child detours
		func(u *UserEnv) {
			if u.Reg(10) == 0 {
				u.JumpSlot(6)
				return
			}
			lk.Acquire(u.p)
			record("parent acquired")
			parentHasLock.Store(true)
			u.Ecall(SysSleep, 2)
		},
		// 2: parent releases after its nap
		func(u *UserEnv) {
			record("parent released")
			lk.Release(u.p)
		},
		// 3: parent reaps the child
		func(u *UserEnv) { u.Ecall(SysWait, 0) },
		// 4: done
		func(u *UserEnv) { u.Ecall(SysShutdown) },
		// 5: (unused)
		func(u *UserEnv) {},
		// 6: child naps until the parent holds the lock
		func(u *UserEnv) { u.Ecall(SysSleep, 1) },
		// 7: child contends on the lock once it is surely taken
		func(u *UserEnv) {
			if !parentHasLock.Load() {
				u.JumpSlot(6)
				return
			}
			lk.Acquire(u.p)
			record("child acquired")
			if !lk.Holding(u.p) {
				record("holding check failed")
			}
			lk.Release(u.p)
		},
		// 8: child exits
		func(u *UserEnv) { u.Ecall(SysExit, 0) },
	}
	k.SetInitProgram(NewProgram("sleeplock", text...))

	runKernel(t, k, 30*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("events = %v", order)
	}
	if order[0] != "parent acquired" || order[1] != "parent released" || order[2] != "child acquired" {
		t.Fatalf("order = %v", order)
	}
}
