// Package proc implements the process and thread model, the round-robin
// scheduler with its sleep/wake primitives, and the signal machinery.
package proc

import "sync"

import "github.com/go-logr/logr"

import "defs"
import "elf"
import "fs"
import "mem"
import "tty"
import "vm"

/// Default stack sizes for new threads.
const (
	PROCESS_STACK_SIZE_DEFAULT  uint32 = 8192
	PROCESS_KSTACK_SIZE_DEFAULT uint32 = 8192
)

// ustack_top is the top of the user stack; the stack grows down from the
// kernel boundary.
const ustack_top mem.Va_t = mem.Va_t(defs.KERNEL_BASE)

/// Gregs_t is a thread's general register snapshot.
type Gregs_t struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
	Esi uint32
	Edi uint32
}

/// Sregs_t is a thread's segment register snapshot.
type Sregs_t struct {
	Cs uint32
	Ds uint32
	Es uint32
	Fs uint32
	Gs uint32
	Ss uint32
}

/// Trapframe_t is the register file captured at the trap boundary. The
/// fork primitive operates on copies of it.
type Trapframe_t struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
	Esi uint32
	Edi uint32
	Eip uint32
	Esp uint32
	Ebp uint32
}

/// Thread_t is exclusively owned by its process. Registers are backed up
/// on every context switch.
type Thread_t struct {
	Gregs       Gregs_t
	Sregs       Sregs_t
	Eip         uint32
	Esp         uint32
	Ebp         uint32
	Kesp        uint32
	Base_stack  mem.Va_t
	Base_kstack mem.Va_t
	Status      int

	sleep_reason int
	sleep_d1     uint32
	sleep_tag    interface{}
	killed       bool
}

/// Sleep reasons passed to Wait_thread.
const (
	SLEEP_WAIT_IRQ   = 1
	SLEEP_PAUSED     = 2
	SLEEP_TIME       = 3
	SLEEP_WAIT_MUTEX = 4
	SLEEP_WAIT_IO    = 5
	SLEEP_WAIT_CHILD = 6
)

// sigframe_t is a signal trampoline frame pushed on the user stack.
type sigframe_t struct {
	eip   uint32
	gregs Gregs_t
}

/// Proc_t is one process. The parent is kept as a pid (a weak handle);
/// the children list is owned by the parent and entries are removed on
/// reap.
type Proc_t struct {
	Pid       int
	Ppid      int
	Children  []*Proc_t
	Group     *Pgroup_t
	Status    int
	Pd        vm.Pd_t
	Dataloc   []elf.Seg_t
	Heap_addr mem.Va_t
	Heap_size uint32
	Files     []*fs.Fd_t
	Tty       *tty.Tty_t
	Sighand   [defs.NSIG]uint32
	Cur_dir   string
	Active    *Thread_t
	Runq      []*Thread_t
	Waitq     []*Thread_t

	sigpend   uint32
	sigframes []sigframe_t
}

/// Session reports the process's session through its group.
func (p *Proc_t) Session() *Psession_t {
	return p.Group.Session
}

/// Pgroup_t is a process group; it owns its member list and points back
/// to the session.
type Pgroup_t struct {
	Gid     int
	Procs   []*Proc_t
	Session *Psession_t
}

/// Psession_t holds a session's groups and its controlling terminal.
type Psession_t struct {
	Groups []*Pgroup_t
	Ctty   *tty.Tty_t
}

/// Ptable_t is the process table and scheduler state. The embedded mutex
/// serializes all scheduling decisions; the condition variable parks
/// threads sleeping in the kernel.
type Ptable_t struct {
	sync.Mutex
	cond *sync.Cond

	Vmx *vm.Vmctx_t
	Vfs *fs.Vfs_t
	Kvm *mem.Kvmheap_t

	procs  []*Proc_t
	groups []*Pgroup_t
	runq   []*Proc_t
	curi   int

	Cur     *Proc_t
	Idlep   *Proc_t
	Kernelp *Proc_t
	Initp   *Proc_t

	ticks   uint64
	quantum int
	qleft   int

	// wake events latched for io sleepers that have not parked yet
	iopending map[interface{}]int

	log logr.Logger
}

/// SCHED_QUANTUM is the number of timer ticks a thread runs before the
/// scheduler moves on.
const SCHED_QUANTUM = 4

/// Mkptable creates the process table together with the kernel and idle
/// processes.
func Mkptable(vmx *vm.Vmctx_t, vfs *fs.Vfs_t, kvm *mem.Kvmheap_t, log logr.Logger) *Ptable_t {
	pt := &Ptable_t{Vmx: vmx, Vfs: vfs, Kvm: kvm, quantum: SCHED_QUANTUM, log: log}
	pt.cond = sync.NewCond(pt)
	pt.qleft = pt.quantum
	pt.procs = make([]*Proc_t, 1, 16)
	pt.iopending = make(map[interface{}]int)

	ses := &Psession_t{}
	kgrp := &Pgroup_t{Gid: 0, Session: ses}
	ses.Groups = append(ses.Groups, kgrp)

	pt.Kernelp = pt.mkproc_locked(defs.PID_KERNEL, vmx.Kpd, kgrp)
	pt.Idlep = pt.mkproc_locked(defs.PID_IDLE, vmx.Kpd, kgrp)
	pt.Cur = pt.Kernelp
	return pt
}

// mkproc_locked builds a bare process with a single INIT thread.
func (pt *Ptable_t) mkproc_locked(pid int, pd vm.Pd_t, grp *Pgroup_t) *Proc_t {
	p := &Proc_t{
		Pid:     pid,
		Ppid:    defs.PID_INVALID,
		Group:   grp,
		Status:  defs.PROC_STATUS_INIT,
		Pd:      pd,
		Files:   make([]*fs.Fd_t, 8),
		Cur_dir: "/",
	}
	grp.Procs = append(grp.Procs, p)
	t := pt.mkthread_locked()
	p.Active = t
	p.Runq = append(p.Runq, t)
	return p
}

// mkthread_locked allocates a thread with a fresh kernel stack carved
// from the kernel virtual heap.
func (pt *Ptable_t) mkthread_locked() *Thread_t {
	t := &Thread_t{Status: defs.THREAD_STATUS_INIT}
	if pt.Kvm != nil {
		t.Base_kstack = pt.Kvm.Reserve(PROCESS_KSTACK_SIZE_DEFAULT)
		if t.Base_kstack != 0 {
			pt.Vmx.Map_memory(pt.Vmx.Kpd, t.Base_kstack,
				PROCESS_KSTACK_SIZE_DEFAULT, mem.BLOCK_KERNEL)
			t.Kesp = uint32(t.Base_kstack) + PROCESS_KSTACK_SIZE_DEFAULT
		}
	}
	return t
}

// free_thread_locked returns the thread's kernel stack.
func (pt *Ptable_t) free_thread_locked(t *Thread_t) {
	if t.Base_kstack != 0 {
		pt.Vmx.Unmap_if_mapped(pt.Vmx.Kpd, t.Base_kstack, PROCESS_KSTACK_SIZE_DEFAULT)
		pt.Kvm.Free(t.Base_kstack)
		t.Base_kstack = 0
	}
}

// newpid_locked finds the first unused table slot from 1 upward.
func (pt *Ptable_t) newpid_locked() int {
	for pid := 1; pid < len(pt.procs); pid++ {
		if pt.procs[pid] == nil {
			return pid
		}
	}
	pt.procs = append(pt.procs, nil)
	return len(pt.procs) - 1
}

/// Get returns the process with the given pid, or nil.
func (pt *Ptable_t) Get(pid int) *Proc_t {
	pt.Lock()
	defer pt.Unlock()
	return pt.get_locked(pid)
}

func (pt *Ptable_t) get_locked(pid int) *Proc_t {
	if pid <= 0 || pid >= len(pt.procs) {
		return nil
	}
	return pt.procs[pid]
}

/// Procs_size returns the size of the pid table.
func (pt *Ptable_t) Procs_size() int {
	pt.Lock()
	defer pt.Unlock()
	return len(pt.procs)
}

/// Get_group finds the group with the given id, or nil.
func (pt *Ptable_t) Get_group(gid int) *Pgroup_t {
	pt.Lock()
	defer pt.Unlock()
	return pt.get_group_locked(gid)
}

func (pt *Ptable_t) get_group_locked(gid int) *Pgroup_t {
	for _, g := range pt.groups {
		if g.Gid == gid {
			return g
		}
	}
	return nil
}

/// Setgroup moves p into the group with the given id, creating the group
/// in p's session when it does not exist yet.
func (pt *Ptable_t) Setgroup(gid int, p *Proc_t) defs.Err_t {
	if gid <= 0 {
		return defs.ERR_INVALID_PID
	}
	pt.Lock()
	defer pt.Unlock()
	g := pt.get_group_locked(gid)
	if g == nil {
		g = &Pgroup_t{Gid: gid, Session: p.Group.Session}
		g.Session.Groups = append(g.Session.Groups, g)
		pt.groups = append(pt.groups, g)
	}
	old := p.Group
	for i, q := range old.Procs {
		if q == p {
			old.Procs = append(old.Procs[:i], old.Procs[i+1:]...)
			break
		}
	}
	g.Procs = append(g.Procs, p)
	p.Group = g
	return defs.ERR_NONE
}

/// Spawn_init_process creates pid 1: the reparent target and the first
/// schedulable process. It owns a fresh address space and session.
func (pt *Ptable_t) Spawn_init_process(t *tty.Tty_t) *Proc_t {
	pt.Lock()
	defer pt.Unlock()
	ses := &Psession_t{Ctty: t}
	grp := &Pgroup_t{Gid: 1, Session: ses}
	ses.Groups = append(ses.Groups, grp)
	pt.groups = append(pt.groups, grp)

	pd := pt.Vmx.Kernel_pd_clone()
	p := pt.mkproc_locked(pt.newpid_locked(), pd, grp)
	p.Tty = t
	pt.procs[p.Pid] = p
	p.Status = defs.PROC_STATUS_RUNNING
	p.Active.Status = defs.THREAD_STATUS_RUNNING
	pt.runq = append(pt.runq, p)
	pt.Initp = p
	pt.Cur = p
	pt.log.V(0).Info("spawned init process", "pid", p.Pid)
	return p
}

/// Fdalloc stores fd in the first free descriptor slot at or above 3,
/// growing the table as needed, and returns the slot index.
func (pt *Ptable_t) Fdalloc(p *Proc_t, fd *fs.Fd_t) int {
	pt.Lock()
	defer pt.Unlock()
	return pt.fdalloc_locked(p, fd)
}

func (pt *Ptable_t) fdalloc_locked(p *Proc_t, fd *fs.Fd_t) int {
	for i := 3; i < len(p.Files); i++ {
		if p.Files[i] == nil {
			p.Files[i] = fd
			return i
		}
	}
	p.Files = append(p.Files, make([]*fs.Fd_t, len(p.Files))...)
	return pt.fdalloc_locked(p, fd)
}

/// Fdget returns the descriptor in slot i, or nil.
func (pt *Ptable_t) Fdget(p *Proc_t, i uint32) *fs.Fd_t {
	pt.Lock()
	defer pt.Unlock()
	if int(i) >= len(p.Files) {
		return nil
	}
	return p.Files[i]
}
