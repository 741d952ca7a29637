package proc

import "testing"
import "time"

import "github.com/go-logr/logr"
import "github.com/stretchr/testify/require"

import "defs"
import "fs"
import "mem"
import "vm"

func mkkern(t *testing.T) (*Ptable_t, *fs.Vfs_t) {
	t.Helper()
	phys := mem.Mkphysmem(8 << 20)
	vmx := vm.Mkvm(phys)
	vfs := fs.Mkvfs()
	require.Zero(t, vfs.Mount("/", fs.Mkext2(fs.Mkmemdisk(1024, 512))))
	kvm := mem.Mkkvmheap(4 << 20)
	pt := Mkptable(vmx, vfs, kvm, logr.Discard())
	pt.Spawn_init_process(nil)
	return pt, vfs
}

// waitstatus spins until p reaches the wanted status.
func waitstatus(t *testing.T, p *Proc_t, status int) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if p.Status == status {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("process %d never reached status %d (now %d)", p.Pid, status, p.Status)
}

func TestForkSemantics(t *testing.T) {
	pt, vfs := mkkern(t)
	p := pt.Initp

	uva := mem.Va_t(0x100000)
	pt.Vmx.Map_memory(p.Pd, uva, mem.PGSIZE, mem.BLOCK_USER)
	require.Zero(t, pt.Vmx.Vwrite(p.Pd, uva, []uint8("parent data")))

	_, err := vfs.Create_file("/f", 0)
	require.Zero(t, err)
	fd, err := vfs.Open_file("/f", fs.FD_READ)
	require.Zero(t, err)
	require.Equal(t, 3, pt.Fdalloc(p, fd))

	tf := &Trapframe_t{Eax: defs.SYS_FORK, Eip: 0x1000, Esp: 0x2000}
	child := pt.Fork(p, tf)
	require.Equal(t, 2, child.Pid)
	require.Equal(t, p.Pid, child.Ppid)
	require.Equal(t, defs.PROC_STATUS_RUNNING, child.Status)

	// the child's snapshot answers zero from fork
	require.Zero(t, child.Active.Gregs.Eax)
	require.Equal(t, uint32(0x1000), child.Active.Eip)

	// descriptor slot 3 is shared, instance counted
	require.Same(t, fd, child.Files[3])
	require.Equal(t, 2, fd.Instances)

	// the address space was copied, not shared
	require.NotEqual(t, p.Pd, child.Pd)
	buf := make([]uint8, 11)
	require.Zero(t, pt.Vmx.Vread(child.Pd, uva, buf))
	require.Equal(t, []uint8("parent data"), buf)
	require.Zero(t, pt.Vmx.Vwrite(child.Pd, uva, []uint8("child  data")))
	require.Zero(t, pt.Vmx.Vread(p.Pd, uva, buf))
	require.Equal(t, []uint8("parent data"), buf)

	// the child inherits group and session
	require.Same(t, p.Group, child.Group)

	// close in the child leaves the parent's descriptor usable
	pt.Close_fd(child, 3)
	require.Equal(t, 1, fd.Instances)
	require.Same(t, fd, p.Files[3])
	gbuf := make([]uint8, 1)
	require.Equal(t, defs.ERR_FILE_OUT, vfs.Read_file(fd, gbuf), "empty file, but the descriptor still works")
}

func TestExitWaitReapsZombie(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})

	pt.Exit_process(child, defs.EXIT_CONDITION_USER|7)
	require.Equal(t, defs.PROC_STATUS_ZOMBIE, child.Status)

	rpid, code, err := pt.Wait(p, -1)
	require.Zero(t, err)
	require.Equal(t, child.Pid, rpid)
	require.Equal(t, defs.EXIT_CONDITION_USER|7, code)
	require.Nil(t, pt.Get(child.Pid), "reaped pid slot must clear")
	require.Empty(t, p.Children)

	_, _, err = pt.Wait(p, -1)
	require.Equal(t, defs.ERR_HAS_NO_CHILD, err)
}

func TestWaitSpecificPid(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	c1 := pt.Fork(p, &Trapframe_t{})
	c2 := pt.Fork(p, &Trapframe_t{})

	_, _, err := pt.Wait(p, 99)
	require.Equal(t, defs.ERR_PERMISSION, err)

	pt.Exit_process(c2, defs.EXIT_CONDITION_USER|1)
	rpid, _, err := pt.Wait(p, c2.Pid)
	require.Zero(t, err)
	require.Equal(t, c2.Pid, rpid)
	require.Len(t, p.Children, 1)
	require.Same(t, c1, p.Children[0])
}

func TestWaitBlocksUntilChildExits(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})

	done := make(chan int, 1)
	go func() {
		rpid, _, err := pt.Wait(p, -1)
		if err != 0 {
			done <- -1
			return
		}
		done <- rpid
	}()
	select {
	case <-done:
		t.Fatal("wait returned before any child exited")
	case <-time.After(20 * time.Millisecond):
	}
	pt.Exit_process(child, defs.EXIT_CONDITION_USER|0)
	select {
	case rpid := <-done:
		require.Equal(t, child.Pid, rpid)
	case <-time.After(time.Second):
		t.Fatal("wait never woke up")
	}
}

func TestWaitByGroup(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	c1 := pt.Fork(p, &Trapframe_t{})
	c2 := pt.Fork(p, &Trapframe_t{})
	require.Zero(t, pt.Setgroup(5, c2))

	pt.Exit_process(c1, defs.EXIT_CONDITION_USER|1)
	pt.Exit_process(c2, defs.EXIT_CONDITION_USER|2)

	rpid, code, err := pt.Wait(p, -5)
	require.Zero(t, err)
	require.Equal(t, c2.Pid, rpid)
	require.Equal(t, defs.EXIT_CONDITION_USER|2, code)
}

func TestKillSleepingChild(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})

	started := make(chan bool)
	go func() {
		// the child blocks in the kernel, far in the future
		close(started)
		if !pt.Block(child, child.Active, SLEEP_TIME, 1<<20, nil) {
			// killed while sleeping: the system call never
			// completes
			pt.Exit_process(child, defs.EXIT_CONDITION_SIGNAL|defs.SIGKILL)
		}
	}()
	<-started
	waitstatus(t, child, defs.PROC_STATUS_ASLEEP_THREADS)
	require.Zero(t, pt.Send_signal(child.Pid, defs.SIGKILL))
	waitstatus(t, child, defs.PROC_STATUS_ZOMBIE)

	rpid, code, err := pt.Wait(p, child.Pid)
	require.Zero(t, err)
	require.Equal(t, child.Pid, rpid)
	require.Equal(t, defs.EXIT_CONDITION_SIGNAL|defs.SIGKILL, code)
}

func TestSbrk(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	p.Heap_addr = 0x200000

	old := pt.Sbrk(p, 0)
	require.Equal(t, mem.Va_t(0x200000), old)
	old = pt.Sbrk(p, 5000)
	require.Equal(t, mem.Va_t(0x200000), old)
	require.Equal(t, uint32(5000), p.Heap_size)

	// the grown range is mapped and writable
	require.Zero(t, pt.Vmx.Vwrite(p.Pd, 0x200000, []uint8("heap")))
	old = pt.Sbrk(p, 100)
	require.Equal(t, mem.Va_t(0x200000+5000), old)
}

func TestTickWakesTimeSleeper(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	woke := make(chan bool, 1)
	go func() {
		woke <- pt.Block(p, p.Active, SLEEP_TIME, 3, nil)
	}()
	waitstatus(t, p, defs.PROC_STATUS_ASLEEP_THREADS)
	for i := 0; i < 3; i++ {
		select {
		case <-woke:
			t.Fatal("woke before the deadline")
		default:
		}
		pt.Tick()
	}
	select {
	case ok := <-woke:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("sleeper never woke")
	}
	require.Equal(t, defs.PROC_STATUS_RUNNING, p.Status)
}

func TestIrqWakeup(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	woke := make(chan bool, 1)
	go func() {
		woke <- pt.Block(p, p.Active, SLEEP_WAIT_IRQ, 1, nil)
	}()
	waitstatus(t, p, defs.PROC_STATUS_ASLEEP_THREADS)
	// the wrong IRQ does not wake the sleeper
	pt.Irq_wakeup(14)
	select {
	case <-woke:
		t.Fatal("woken by unrelated irq")
	case <-time.After(20 * time.Millisecond):
	}
	pt.Irq_wakeup(1)
	select {
	case ok := <-woke:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("sleeper never woke")
	}
}

func TestSchedulerCyclesRunnable(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	c1 := pt.Fork(p, &Trapframe_t{})
	c2 := pt.Fork(p, &Trapframe_t{})

	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		pt.Schedule()
		seen[pt.Cur.Pid] = true
	}
	require.True(t, seen[p.Pid])
	require.True(t, seen[c1.Pid])
	require.True(t, seen[c2.Pid])

	// the quantum preempts through the timer
	cur := pt.Cur
	for i := 0; i < SCHED_QUANTUM; i++ {
		pt.Tick()
	}
	require.NotEqual(t, cur, pt.Cur)
}

func TestIdleRunsWhenNothingRunnable(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	done := make(chan bool, 1)
	go func() {
		done <- pt.Block(p, p.Active, SLEEP_TIME, 1<<20, nil)
	}()
	waitstatus(t, p, defs.PROC_STATUS_ASLEEP_THREADS)
	require.Equal(t, pt.Idlep, pt.Cur)
	require.Zero(t, pt.Send_signal(p.Pid, defs.SIGKILL))
	<-done
}

func TestSignalHandlerTrampoline(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	// give the thread a live user stack
	pt.Vmx.Map_memory(p.Pd, 0x300000, mem.PGSIZE, mem.BLOCK_USER)
	p.Active.Esp = uint32(0x300000 + mem.PGSIZE)
	p.Active.Eip = 0x1234

	const handler = 0x5000
	old, err := pt.Sigaction(p, defs.SIGUSR1, handler)
	require.Zero(t, err)
	require.Equal(t, defs.SIG_DFL, old)

	require.Zero(t, pt.Send_signal(p.Pid, defs.SIGUSR1))
	require.True(t, pt.Pending(p))
	require.True(t, pt.Deliver(p))
	require.False(t, pt.Pending(p))

	// exactly one trampoline frame, and the thread runs the handler
	require.Equal(t, uint32(handler), p.Active.Eip)
	require.Len(t, p.sigframes, 1)
	sig, rerr := pt.Vmx.Vreadn(p.Pd, mem.Va_t(p.Active.Esp), 4)
	require.Zero(t, rerr)
	require.Equal(t, uint32(defs.SIGUSR1), sig)

	// sigreturn restores the interrupted context
	require.Zero(t, pt.Sigreturn(p))
	require.Equal(t, uint32(0x1234), p.Active.Eip)
	require.Empty(t, p.sigframes)
}

func TestSignalDefaults(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})

	// SIGCHLD is ignored by default
	require.Zero(t, pt.Send_signal(child.Pid, defs.SIGCHLD))
	require.True(t, pt.Deliver(child))
	require.NotEqual(t, defs.PROC_STATUS_ZOMBIE, child.Status)

	// SIGTERM terminates by default
	require.Zero(t, pt.Send_signal(child.Pid, defs.SIGTERM))
	require.False(t, pt.Deliver(child))
	require.Equal(t, defs.PROC_STATUS_ZOMBIE, child.Status)
	rpid, code, err := pt.Wait(p, child.Pid)
	require.Zero(t, err)
	require.Equal(t, child.Pid, rpid)
	require.Equal(t, defs.EXIT_CONDITION_SIGNAL|defs.SIGTERM, code)
}

func TestSignalsDeliverLowestFirst(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	pt.Vmx.Map_memory(p.Pd, 0x300000, mem.PGSIZE, mem.BLOCK_USER)
	p.Active.Esp = uint32(0x300000 + mem.PGSIZE)

	_, err := pt.Sigaction(p, defs.SIGUSR1, 0x5000)
	require.Zero(t, err)
	_, err = pt.Sigaction(p, defs.SIGUSR2, 0x6000)
	require.Zero(t, err)
	require.Zero(t, pt.Send_signal(p.Pid, defs.SIGUSR2))
	require.Zero(t, pt.Send_signal(p.Pid, defs.SIGUSR1))
	require.True(t, pt.Deliver(p))

	// frames push in delivery order: the lowest numbered signal went
	// first, so the top of stack belongs to the higher one
	require.Len(t, p.sigframes, 2)
	require.Equal(t, uint32(0x5000), p.sigframes[1].eip, "second frame interrupted the first handler")
	sig0, rerr := pt.Vmx.Vreadn(p.Pd, mem.Va_t(p.Active.Esp), 4)
	require.Zero(t, rerr)
	require.Equal(t, uint32(defs.SIGUSR2), sig0)
}

func TestSigactionRejectsKillAndStop(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	_, err := pt.Sigaction(p, defs.SIGKILL, 0x5000)
	require.Equal(t, defs.ERR_INVALID_SIGNAL, err)
	_, err = pt.Sigaction(p, defs.SIGSTOP, 0x5000)
	require.Equal(t, defs.ERR_INVALID_SIGNAL, err)
	_, err = pt.Sigaction(p, 0, 0x5000)
	require.Equal(t, defs.ERR_INVALID_SIGNAL, err)
	_, err = pt.Sigaction(p, defs.NSIG, 0x5000)
	require.Equal(t, defs.ERR_INVALID_SIGNAL, err)
}

func TestStopAndContinue(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})

	require.Zero(t, pt.Send_signal(child.Pid, defs.SIGSTOP))
	done := make(chan bool, 1)
	go func() {
		done <- pt.Deliver(child)
	}()
	waitstatus(t, child, defs.PROC_STATUS_ASLEEP_SIGNAL)
	select {
	case <-done:
		t.Fatal("stopped process returned to user")
	case <-time.After(20 * time.Millisecond):
	}
	require.Zero(t, pt.Send_signal(child.Pid, defs.SIGCONT))
	select {
	case alive := <-done:
		require.True(t, alive)
	case <-time.After(time.Second):
		t.Fatal("continued process never resumed")
	}
	require.Equal(t, defs.PROC_STATUS_RUNNING, child.Status)
}

func TestGroupSignalBroadcast(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	c1 := pt.Fork(p, &Trapframe_t{})
	c2 := pt.Fork(p, &Trapframe_t{})
	require.Zero(t, pt.Setgroup(7, c1))
	require.Zero(t, pt.Setgroup(7, c2))

	require.Zero(t, pt.Send_signal_to_group(7, defs.SIGTERM))
	require.True(t, pt.Pending(c1))
	require.True(t, pt.Pending(c2))
	require.False(t, pt.Pending(p))
}

func TestSetgroupMovesMembership(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})
	oldgrp := child.Group
	require.Zero(t, pt.Setgroup(9, child))
	require.Equal(t, 9, child.Group.Gid)
	require.Same(t, oldgrp.Session, child.Group.Session)
	for _, q := range oldgrp.Procs {
		require.NotSame(t, child, q)
	}
	require.Equal(t, defs.ERR_INVALID_PID, pt.Setgroup(-3, child))
}

func TestChildrenReparentToInit(t *testing.T) {
	pt, _ := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})
	grandchild := pt.Fork(child, &Trapframe_t{})

	pt.Exit_process(child, defs.EXIT_CONDITION_USER|0)
	require.Equal(t, p.Pid, grandchild.Ppid)
	found := false
	for _, c := range p.Children {
		if c == grandchild {
			found = true
		}
	}
	require.True(t, found, "orphan must land in init's children list")
}

func TestExitClosesDescriptors(t *testing.T) {
	pt, vfs := mkkern(t)
	p := pt.Initp
	child := pt.Fork(p, &Trapframe_t{})
	_, err := vfs.Create_file("/f", 0)
	require.Zero(t, err)
	fd, _ := vfs.Open_file("/f", fs.FD_READ)
	pt.Fdalloc(child, fd)
	require.Equal(t, 1, fd.Instances)

	pt.Exit_process(child, defs.EXIT_CONDITION_USER|0)
	require.Zero(t, fd.Instances)
}
