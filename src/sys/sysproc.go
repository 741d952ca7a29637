package sys

import "defs"
import "mem"
import "proc"

func (sc *Syscall_t) sys_fork(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	child := sc.Pt.Fork(p, tf)
	return uint32(child.Pid), defs.ERR_NONE
}

func (sc *Syscall_t) sys_exit(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	sc.Pt.Exit_process(p, defs.EXIT_CONDITION_USER|(tf.Ebx&0xff))
	return 0, defs.ERR_NONE
}

// uservec reads a NUL-terminated array of string pointers from user
// memory. The strings are copied out before the caller's address space
// is torn down.
func (sc *Syscall_t) uservec(p *proc.Proc_t, ptr uint32) ([]string, defs.Err_t) {
	var out []string
	for i := uint32(0); ; i++ {
		sptr, err := sc.Vmx.Vreadn(p.Pd, mem.Va_t(ptr+4*i), 4)
		if err != 0 {
			return nil, err
		}
		if sptr == 0 {
			return out, defs.ERR_NONE
		}
		s, err := sc.Vmx.Vreadstr(p.Pd, mem.Va_t(sptr), 4096)
		if err != 0 {
			return nil, err
		}
		out = append(out, s)
	}
}

func (sc *Syscall_t) sys_exec(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	var argv, env []string
	var err defs.Err_t
	if tf.Edx != 0 {
		if !sc.ptr_validate(p, tf.Edx) {
			return 0, defs.ERR_INVALID_PTR
		}
		if argv, err = sc.uservec(p, tf.Edx); err != 0 {
			return 0, err
		}
	}
	if tf.Ecx != 0 {
		if !sc.ptr_validate(p, tf.Ecx) {
			return 0, defs.ERR_INVALID_PTR
		}
		if env, err = sc.uservec(p, tf.Ecx); err != 0 {
			return 0, err
		}
	}
	if err := sc.Pt.Exec(p, fd, argv, env); err != 0 {
		return 0, err
	}
	// the new image resumes at its entry point; the return pair is
	// never observed
	return 0, defs.ERR_NONE
}

func (sc *Syscall_t) sys_wait(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	pid := int(int32(tf.Ebx))
	wstatus := tf.Ecx
	if wstatus != 0 && !sc.ptr_validate(p, wstatus) {
		return 0, defs.ERR_INVALID_PTR
	}
	rpid, code, err := sc.Pt.Wait(p, pid)
	if err != 0 {
		return 0, err
	}
	if wstatus != 0 {
		if werr := sc.Vmx.Vwriten(p.Pd, mem.Va_t(wstatus), 4, code); werr != 0 {
			return 0, werr
		}
	}
	return uint32(rpid), defs.ERR_NONE
}

// pinfo_target resolves the pid argument: 0 names the caller; otherwise
// only the caller itself or a direct child may be inspected.
func (sc *Syscall_t) pinfo_target(p *proc.Proc_t, pid uint32) (*proc.Proc_t, defs.Err_t) {
	id := int(int32(pid))
	if id < 0 || id >= sc.Pt.Procs_size() {
		return nil, defs.ERR_INVALID_PID
	}
	target := p
	if id != 0 {
		target = sc.Pt.Get(id)
	}
	if target == nil || (target != p && target.Ppid != p.Pid) {
		return nil, defs.ERR_PERMISSION
	}
	return target, defs.ERR_NONE
}

func (sc *Syscall_t) sys_getpinfo(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	if !sc.ptr_validate(p, tf.Edx) {
		return 0, defs.ERR_INVALID_PTR
	}
	target, err := sc.pinfo_target(p, tf.Ebx)
	if err != 0 {
		return 0, err
	}
	switch tf.Ecx {
	case defs.PINFO_PID:
		return 0, sc.Vmx.Vwriten(p.Pd, mem.Va_t(tf.Edx), 4, uint32(target.Pid))
	case defs.PINFO_PPID:
		ppid := int32(target.Ppid)
		if sc.Pt.Get(target.Ppid) == nil {
			ppid = -1
		}
		return 0, sc.Vmx.Vwriten(p.Pd, mem.Va_t(tf.Edx), 4, uint32(ppid))
	case defs.PINFO_WORKING_DIRECTORY:
		out := append([]uint8(target.Cur_dir), 0)
		return 0, sc.Vmx.Vwrite(p.Pd, mem.Va_t(tf.Edx), out)
	case defs.PINFO_GID:
		return 0, sc.Vmx.Vwriten(p.Pd, mem.Va_t(tf.Edx), 4, uint32(target.Group.Gid))
	}
	return 0, defs.ERR_UNKNOWN
}

func (sc *Syscall_t) sys_setpinfo(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	target, err := sc.pinfo_target(p, tf.Ebx)
	if err != 0 {
		return 0, err
	}
	switch tf.Ecx {
	case defs.PINFO_WORKING_DIRECTORY:
		if !sc.ptr_validate(p, tf.Edx) {
			return 0, defs.ERR_INVALID_PTR
		}
		newdir, rerr := sc.Vmx.Vreadstr(p.Pd, mem.Va_t(tf.Edx), 256)
		if rerr != 0 {
			return 0, rerr
		}
		if len(newdir) >= 99 {
			return 0, defs.ERR_FILE_OUT
		}
		// the directory must exist
		f, oerr := sc.Vfs.Open_file(sc.fullpath(p, newdir), 0)
		if oerr != 0 {
			return 0, defs.ERR_FILE_NOT_FOUND
		}
		sc.Vfs.Close_file(f)
		target.Cur_dir = newdir
		return 0, defs.ERR_NONE
	case defs.PINFO_GID:
		return 0, sc.Pt.Setgroup(int(int32(tf.Edx)), target)
	}
	return 0, defs.ERR_UNKNOWN
}

func (sc *Syscall_t) sys_sig(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	pid := int(int32(tf.Ebx))
	if pid == 0 || pid > sc.Pt.Procs_size() {
		return 0, defs.ERR_INVALID_PID
	}
	sig := int(int32(tf.Ecx))
	if sig <= 0 || sig >= defs.NSIG {
		return 0, defs.ERR_INVALID_SIGNAL
	}
	if pid < 0 {
		return 0, sc.Pt.Send_signal_to_group(-pid, sig)
	}
	return 0, sc.Pt.Send_signal(pid, sig)
}

func (sc *Syscall_t) sys_sigaction(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	old, err := sc.Pt.Sigaction(p, int(int32(tf.Ebx)), tf.Ecx)
	if err != 0 {
		return 0, err
	}
	return old, defs.ERR_NONE
}

func (sc *Syscall_t) sys_sigret(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	return 0, sc.Pt.Sigreturn(p)
}

func (sc *Syscall_t) sys_sbrk(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	return uint32(sc.Pt.Sbrk(p, tf.Ebx)), defs.ERR_NONE
}
