package kernel

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/xv6/internal/riscv"
)

// runKernel runs k until it halts or the deadline passes.
func runKernel(t *testing.T, k *Kernel, deadline time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		k.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		k.Halt()
		t.Fatal("kernel did not halt in time")
	}
}

// idleAt returns instruction slots that nap forever starting at slot i.
func idleAt(i int) []UserInst {
	return []UserInst{
		func(u *UserEnv) { u.Ecall(SysSleep, 1000) },
		func(u *UserEnv) { u.JumpSlot(i) },
	}
}

func TestForkExitWait(t *testing.T) {
	k := testKernel(t, 2, 10000)

	var (
		parentForkRet atomic.Int64
		childSawZero  atomic.Bool
		waitRet       atomic.Int64
		waitStatus    atomic.Int32
	)

	text := []UserInst{
		// 0: fork
		func(u *UserEnv) { u.Ecall(SysFork) },
		// 1: both sides resume here with fork's return value in a0
		func(u *UserEnv) {
			if u.Reg(riscv.RegA0) == 0 {
				childSawZero.Store(true)
				u.JumpSlot(4)
			} else {
				parentForkRet.Store(int64(u.Reg(riscv.RegA0)))
			}
		},
		// 2: parent reaps, status written to user address 256
		func(u *UserEnv) { u.Ecall(SysWait, 256) },
		// 3: parent records and shuts down
		func(u *UserEnv) {
			waitRet.Store(int64(u.Reg(riscv.RegA0)))
			var buf [4]byte
			if err := u.Load(256, buf[:]); err == nil {
				waitStatus.Store(int32(binary.LittleEndian.Uint32(buf[:])))
			}
			u.Ecall(SysShutdown)
		},
		// 4: child exits with status 7
		func(u *UserEnv) { u.Ecall(SysExit, 7) },
	}
	text = append(text, idleAt(5)...)
	k.SetInitProgram(NewProgram("forktest", text...))

	runKernel(t, k, 30*time.Second)

	if !childSawZero.Load() {
		t.Error("fork did not return 0 in the child")
	}
	pid := parentForkRet.Load()
	if pid <= 0 {
		t.Fatalf("fork returned %d in the parent", pid)
	}
	if got := waitRet.Load(); got != pid {
		t.Errorf("wait returned %d, want %d", got, pid)
	}
	if got := waitStatus.Load(); got != 7 {
		t.Errorf("exit status = %d, want 7", got)
	}
}

func TestWaitWithoutChildren(t *testing.T) {
	k := testKernel(t, 1, 10000)

	var waitRet atomic.Int64
	text := []UserInst{
		func(u *UserEnv) { u.Ecall(SysWait, 0) },
		func(u *UserEnv) {
			waitRet.Store(int64(u.Reg(riscv.RegA0)))
			u.Ecall(SysShutdown)
		},
	}
	text = append(text, idleAt(2)...)
	k.SetInitProgram(NewProgram("nowait", text...))

	runKernel(t, k, 30*time.Second)

	if got := waitRet.Load(); got != -1 {
		t.Fatalf("wait with no children = %d", got)
	}
}

func TestKillWakesSleeper(t *testing.T) {
	k := testKernel(t, 2, 10000)

	var (
		childPid atomic.Int64
		waitRet  atomic.Int64
	)

	text := []UserInst{
		// 0: fork
		func(u *UserEnv) { u.Ecall(SysFork) },
		// 1: child naps forever; parent records its pid
		func(u *UserEnv) {
			if u.Reg(riscv.RegA0) == 0 {
				u.JumpSlot(5)
			} else {
				childPid.Store(int64(u.Reg(riscv.RegA0)))
			}
		},
		// 2: kill the sleeping child
		func(u *UserEnv) { u.Ecall(SysKill, uint64(childPid.Load())) },
		// 3: reap it
		func(u *UserEnv) { u.Ecall(SysWait, 0) },
		// 4: record and shut down
		func(u *UserEnv) {
			waitRet.Store(int64(u.Reg(riscv.RegA0)))
			u.Ecall(SysShutdown)
		},
		// 5: the child sleeps far past the test deadline
		func(u *UserEnv) { u.Ecall(SysSleep, 1_000_000) },
		func(u *UserEnv) { u.JumpSlot(5) },
	}
	k.SetInitProgram(NewProgram("killtest", text...))

	runKernel(t, k, 30*time.Second)

	if pid := childPid.Load(); pid <= 0 {
		t.Fatalf("child pid = %d", pid)
	}
	if got := waitRet.Load(); got != childPid.Load() {
		t.Fatalf("wait after kill = %d, want %d", got, childPid.Load())
	}
}

func TestTimerTicksAdvance(t *testing.T) {
	k := testKernel(t, 1, 5000)

	text := idleAt(0)
	k.SetInitProgram(NewProgram("ticker", text...))

	done := make(chan struct{})
	go func() {
		k.Run()
		close(done)
	}()

	deadline := time.After(10 * time.Second)
	for k.Ticks() < 10 {
		select {
		case <-deadline:
			k.Halt()
			<-done
			t.Fatalf("only %d ticks before deadline", k.Ticks())
		case <-time.After(time.Millisecond):
		}
	}
	k.Halt()
	<-done
}

func TestBootSingleHart(t *testing.T) {
	k := testKernel(t, 1, 10000)

	var (
		sawCPU  atomic.Int64
		sawPriv atomic.Int64
	)
	text := []UserInst{
		func(u *UserEnv) {
			sawCPU.Store(int64(u.p.cpu.ID()))
			sawPriv.Store(int64(u.p.cpu.hart.Priv))
			u.Ecall(SysShutdown)
		},
	}
	text = append(text, idleAt(1)...)
	k.SetInitProgram(NewProgram("boottest", text...))

	runKernel(t, k, 30*time.Second)

	if got := sawCPU.Load(); got != 0 {
		t.Errorf("cpuid = %d", got)
	}
	if got := riscv.PrivilegeLevel(sawPriv.Load()); got != riscv.PrivUser {
		t.Errorf("user code ran at privilege %v", got)
	}

	h := k.cpus[0].hart
	if got := riscv.SatpMODE.Get(h.Satp().Read()); got != uint64(riscv.SatpSv39) {
		t.Errorf("satp mode = %d", got)
	}
	if got := h.Tp().Read(); got != 0 {
		t.Errorf("tp = %d", got)
	}
	if h.Priv == riscv.PrivMachine {
		t.Error("hart still in machine mode")
	}
}

func TestSbrkGrowsAndShrinks(t *testing.T) {
	k := testKernel(t, 1, 10000)

	var (
		oldSize  atomic.Int64
		rtOK     atomic.Bool
		shrunkOK atomic.Bool
	)
	text := []UserInst{
		// 0: grow by two pages
		func(u *UserEnv) { u.Ecall(SysSbrk, 2*4096) },
		// 1: record old size, then round trip data in the new pages
		func(u *UserEnv) {
			oldSize.Store(int64(u.Reg(riscv.RegA0)))
			msg := []byte("deep in the new heap")
			if err := u.Store(2*4096+100, msg); err == nil {
				buf := make([]byte, len(msg))
				if err := u.Load(2*4096+100, buf); err == nil && string(buf) == string(msg) {
					rtOK.Store(true)
				}
			}
			u.Ecall(SysSbrk, ^uint64(4096)+1) // -4096
		},
		// 2: the freed page is gone
		func(u *UserEnv) {
			if err := u.Store(2*4096+100, []byte{1}); err != nil {
				shrunkOK.Store(true)
			}
			u.Ecall(SysShutdown)
		},
	}
	text = append(text, idleAt(3)...)
	k.SetInitProgram(NewProgram("sbrktest", text...))

	runKernel(t, k, 30*time.Second)

	if got := oldSize.Load(); got != 4096 {
		t.Errorf("sbrk returned old size %d, want 4096", got)
	}
	if !rtOK.Load() {
		t.Error("data round trip through grown memory failed")
	}
	if !shrunkOK.Load() {
		t.Error("freed page still accessible")
	}
}

func TestProcStateString(t *testing.T) {
	for s, want := range map[State]string{
		Unused: "unused", Used: "used", Sleeping: "sleeping",
		Runnable: "runnable", Running: "running", Zombie: "zombie",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", int32(s), s.String())
		}
	}
}
