package proc

import "defs"
import "elf"
import "fs"
import "mem"
import "util"

/// Fork creates a child of p observing the state captured in tf: the
/// address space is deep-copied, the descriptor table is shared entry by
/// entry, and the child's register snapshot answers 0 from fork.
func (pt *Ptable_t) Fork(p *Proc_t, tf *Trapframe_t) *Proc_t {
	pt.Lock()
	defer pt.Unlock()

	pid := pt.newpid_locked()
	child := &Proc_t{
		Pid:       pid,
		Ppid:      p.Pid,
		Group:     p.Group,
		Status:    defs.PROC_STATUS_RUNNING,
		Pd:        pt.Vmx.Copy_address_space(p.Pd),
		Heap_addr: p.Heap_addr,
		Heap_size: p.Heap_size,
		Tty:       p.Tty,
		Sighand:   p.Sighand,
		Cur_dir:   p.Cur_dir,
		Dataloc:   append([]elf.Seg_t(nil), p.Dataloc...),
	}
	child.Files = make([]*fs.Fd_t, len(p.Files))
	for i, fd := range p.Files {
		if fd != nil {
			fd.Instances++
			child.Files[i] = fd
		}
	}
	p.Group.Procs = append(p.Group.Procs, child)

	t := pt.mkthread_locked()
	t.Gregs = Gregs_t{Eax: 0, Ebx: tf.Ebx, Ecx: tf.Ecx, Edx: tf.Edx,
		Esi: tf.Esi, Edi: tf.Edi}
	t.Eip = tf.Eip
	t.Esp = tf.Esp
	t.Ebp = tf.Ebp
	t.Base_stack = p.Active.Base_stack
	t.Status = defs.THREAD_STATUS_RUNNING
	// the child's registers are a copy of the caller's trap frame with
	// eax zero, so its first schedule returns from fork with 0; no kernel
	// stack contents are copied
	child.Active = t
	child.Runq = append(child.Runq, t)

	pt.procs[pid] = child
	p.Children = append(p.Children, child)
	pt.add_process_locked(child)
	pt.log.V(3).Info("fork", "parent", p.Pid, "child", pid)
	return child
}

// close_fd_locked drops the descriptor in slot i.
func (pt *Ptable_t) close_fd_locked(p *Proc_t, i int) {
	if fd := p.Files[i]; fd != nil {
		p.Files[i] = nil
		pt.Vfs.Close_file(fd)
	}
}

/// Close_fd closes slot i of p's descriptor table.
func (pt *Ptable_t) Close_fd(p *Proc_t, i int) {
	pt.Lock()
	defer pt.Unlock()
	pt.close_fd_locked(p, i)
}

// free_process_memory_locked drops the image segments, the heap and the
// user stack mappings.
func (pt *Ptable_t) free_process_memory_locked(p *Proc_t) {
	for _, seg := range p.Dataloc {
		pt.Vmx.Unmap_if_mapped(p.Pd, seg.Vaddr, seg.Size)
	}
	p.Dataloc = nil
	if p.Heap_size > 0 {
		pt.Vmx.Unmap_if_mapped(p.Pd, p.Heap_addr, p.Heap_size)
	}
	p.Heap_addr, p.Heap_size = 0, 0
	if p.Active != nil && p.Active.Base_stack != 0 {
		pt.Vmx.Unmap_if_mapped(p.Pd, p.Active.Base_stack, PROCESS_STACK_SIZE_DEFAULT)
		p.Active.Base_stack = 0
	}
}

/// Load_executable replaces p's image with the ELF behind fd and builds
/// the initial user stack carrying argc, argv and envp. The argument
/// strings must already live in kernel memory; the old address space is
/// gone before they are written back.
func (pt *Ptable_t) Load_executable(p *Proc_t, fd *fs.Fd_t, argv, env []string) defs.Err_t {
	entry, segs, err := elf.Elf_load(pt.Vfs, fd, pt.Vmx, p.Pd)
	if err != 0 {
		return err
	}
	p.Dataloc = segs

	// the process heap opens just past the highest image address
	var top mem.Va_t
	for _, seg := range segs {
		if end := seg.Vaddr + mem.Va_t(seg.Size); end > top {
			top = end
		}
	}
	p.Heap_addr = mem.Va_t(util.Roundup(uint32(top), mem.PGSIZE))
	p.Heap_size = 0

	base := ustack_top - mem.Va_t(PROCESS_STACK_SIZE_DEFAULT)
	pt.Vmx.Map_if_not_mapped(p.Pd, base, PROCESS_STACK_SIZE_DEFAULT, mem.BLOCK_USER)

	sp := uint32(ustack_top)
	push := func(v uint32) defs.Err_t {
		sp -= 4
		return pt.Vmx.Vwriten(p.Pd, mem.Va_t(sp), 4, v)
	}
	pushstr := func(s string) (uint32, defs.Err_t) {
		b := append([]uint8(s), 0)
		sp -= uint32(len(b))
		sp &^= 3
		return sp, pt.Vmx.Vwrite(p.Pd, mem.Va_t(sp), b)
	}

	envp := make([]uint32, len(env)+1)
	for i := len(env) - 1; i >= 0; i-- {
		va, err := pushstr(env[i])
		if err != 0 {
			return err
		}
		envp[i] = va
	}
	argvp := make([]uint32, len(argv)+1)
	for i := len(argv) - 1; i >= 0; i-- {
		va, err := pushstr(argv[i])
		if err != 0 {
			return err
		}
		argvp[i] = va
	}
	for i := len(envp) - 1; i >= 0; i-- {
		if err := push(envp[i]); err != 0 {
			return err
		}
	}
	envbase := sp
	for i := len(argvp) - 1; i >= 0; i-- {
		if err := push(argvp[i]); err != 0 {
			return err
		}
	}
	argvbase := sp
	if err := push(envbase); err != 0 {
		return err
	}
	if err := push(argvbase); err != 0 {
		return err
	}
	if err := push(uint32(len(argv))); err != 0 {
		return err
	}

	t := p.Active
	t.Gregs = Gregs_t{}
	t.Eip = uint32(entry)
	t.Esp = sp
	t.Ebp = sp
	t.Base_stack = base
	return defs.ERR_NONE
}

/// Exec replaces the current image. The caller's argument and
/// environment vectors were copied to kernel memory before the old
/// address space was torn down. Close-on-exec descriptors are dropped;
/// user-defined signal handlers fall back to the default action.
func (pt *Ptable_t) Exec(p *Proc_t, fd *fs.Fd_t, argv, env []string) defs.Err_t {
	if err := elf.Elf_check(pt.Vfs, fd); err != 0 {
		return err
	}
	pt.Lock()
	for i := range p.Files {
		if f := p.Files[i]; f != nil && f.Mode&fs.FD_CLOEXEC != 0 {
			pt.close_fd_locked(p, i)
		}
	}
	for sig := range p.Sighand {
		if p.Sighand[sig] != defs.SIG_DFL && p.Sighand[sig] != defs.SIG_IGN {
			p.Sighand[sig] = defs.SIG_DFL
		}
	}
	p.sigframes = nil
	pt.free_process_memory_locked(p)
	pt.Unlock()

	if err := pt.Load_executable(p, fd, argv, env); err != 0 {
		pt.Exit_process(p, defs.EXIT_CONDITION_LOAD)
		return err
	}
	return defs.ERR_NONE
}

/// Exit_process turns p into a zombie: the user address space is freed
/// apart from the directory frame, descriptors close, children are
/// reparented to init and the parent gets SIGCHLD plus a child wakeup.
func (pt *Ptable_t) Exit_process(p *Proc_t, exitcode uint32) {
	pt.Lock()
	defer pt.Unlock()
	if p.Status == defs.PROC_STATUS_ZOMBIE {
		return
	}
	p.Status = defs.PROC_STATUS_ZOMBIE
	// the exit code parks in the active thread's snapshot until the
	// parent reaps it
	p.Active.Gregs.Eax = exitcode
	for _, t := range p.Runq {
		t.Status = defs.THREAD_STATUS_ZOMBIE
	}
	for _, t := range p.Waitq {
		t.Status = defs.THREAD_STATUS_ZOMBIE
	}
	p.Runq, p.Waitq = nil, nil
	pt.Vmx.Free_user(p.Pd)
	for i := range p.Files {
		pt.close_fd_locked(p, i)
	}
	for _, c := range p.Children {
		c.Ppid = pt.Initp.Pid
		pt.Initp.Children = append(pt.Initp.Children, c)
	}
	p.Children = nil
	pt.remove_process_locked(p)

	if parent := pt.get_locked(p.Ppid); parent != nil {
		pt.post_locked(parent, defs.SIGCHLD)
		pt.wake_child_waiters_locked(parent)
	}
	pt.log.V(3).Info("exit", "pid", p.Pid, "code", exitcode)
	pt.cond.Broadcast()
}

// reap_locked frees the zombie's remains and unlinks it from its parent.
func (pt *Ptable_t) reap_locked(parent, z *Proc_t) (int, uint32) {
	pid := z.Pid
	code := z.Active.Gregs.Eax
	pt.free_thread_locked(z.Active)
	pt.Vmx.Free_pd(z.Pd)
	pt.procs[pid] = nil
	for i, c := range parent.Children {
		if c == z {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	for i, q := range z.Group.Procs {
		if q == z {
			z.Group.Procs = append(z.Group.Procs[:i], z.Group.Procs[i+1:]...)
			break
		}
	}
	return pid, code
}

/// Wait blocks until a matching child of p is a zombie and reaps it.
/// pid selects the match: below -1 any zombie of group -pid, -1 any
/// child, 0 any zombie of p's own group, above 0 that specific child.
func (pt *Ptable_t) Wait(p *Proc_t, pid int) (int, uint32, defs.Err_t) {
	pt.Lock()
	defer pt.Unlock()
	if len(p.Children) == 0 {
		return 0, 0, defs.ERR_HAS_NO_CHILD
	}
	for {
		found := false
		for _, c := range p.Children {
			match := false
			switch {
			case pid < -1:
				match = c.Group.Gid == -pid
			case pid == -1:
				match = true
			case pid == 0:
				match = c.Group.Gid == p.Group.Gid
			default:
				match = c.Pid == pid
			}
			if !match {
				continue
			}
			found = true
			if c.Status == defs.PROC_STATUS_ZOMBIE {
				rpid, code := pt.reap_locked(p, c)
				return rpid, code, defs.ERR_NONE
			}
		}
		if pid > 0 && !found {
			return 0, 0, defs.ERR_PERMISSION
		}
		if !pt.block(p, p.Active, SLEEP_WAIT_CHILD, 0, nil) {
			return 0, 0, defs.ERR_UNKNOWN
		}
	}
}

/// Sbrk grows p's heap by incr bytes, mapping whole pages past the
/// current break, and returns the old break.
func (pt *Ptable_t) Sbrk(p *Proc_t, incr uint32) mem.Va_t {
	pt.Lock()
	defer pt.Unlock()
	old := p.Heap_addr + mem.Va_t(p.Heap_size)
	if incr > 0 {
		pt.Vmx.Map_if_not_mapped(p.Pd, old, incr, mem.BLOCK_USER)
		p.Heap_size += incr
	}
	return old
}
