package proc

import "defs"
import "mem"
import "tty"

// Signals post as pending bits and are acted on at the next return to
// user mode. SIGKILL tears a sleeping target out of its nap so the
// interrupted system call never completes.

func sig_default_ignored(sig int) bool {
	switch sig {
	case defs.SIGCHLD, defs.SIGCONT, defs.SIGURG, defs.SIGWINCH:
		return true
	}
	return false
}

func sig_stops(sig int) bool {
	switch sig {
	case defs.SIGSTOP, defs.SIGTSTP, defs.SIGTTIN, defs.SIGTTOU:
		return true
	}
	return false
}

/// Send_signal posts sig to the process with the given pid.
func (pt *Ptable_t) Send_signal(pid int, sig int) defs.Err_t {
	if sig <= 0 || sig >= defs.NSIG {
		return defs.ERR_INVALID_SIGNAL
	}
	pt.Lock()
	defer pt.Unlock()
	p := pt.get_locked(pid)
	if p == nil || p.Status == defs.PROC_STATUS_ZOMBIE {
		return defs.ERR_INVALID_PID
	}
	pt.post_locked(p, sig)
	return defs.ERR_NONE
}

/// Send_signal_to_group posts sig to every member of the group.
func (pt *Ptable_t) Send_signal_to_group(gid int, sig int) defs.Err_t {
	if sig <= 0 || sig >= defs.NSIG {
		return defs.ERR_INVALID_SIGNAL
	}
	pt.Lock()
	defer pt.Unlock()
	g := pt.get_group_locked(gid)
	if g == nil {
		return defs.ERR_INVALID_PID
	}
	for _, p := range g.Procs {
		if p.Status != defs.PROC_STATUS_ZOMBIE {
			pt.post_locked(p, sig)
		}
	}
	return defs.ERR_NONE
}

func (pt *Ptable_t) post_locked(p *Proc_t, sig int) {
	p.sigpend |= 1 << uint(sig)
	switch {
	case sig == defs.SIGKILL:
		// no handler can stand in the way; sleepers die on wake
		for _, t := range p.Runq {
			t.killed = true
		}
		for _, t := range p.Waitq {
			t.killed = true
		}
		if p.Status == defs.PROC_STATUS_ASLEEP_SIGNAL {
			pt.add_process_locked(p)
		}
	case sig == defs.SIGCONT:
		if p.Status == defs.PROC_STATUS_ASLEEP_SIGNAL {
			pt.add_process_locked(p)
		}
	}
	pt.cond.Broadcast()
}

/// Pending reports whether any signal is pending for p.
func (pt *Ptable_t) Pending(p *Proc_t) bool {
	pt.Lock()
	defer pt.Unlock()
	return p.sigpend != 0
}

/// Sigaction installs a handler for sig and returns the previous one.
/// SIGKILL and SIGSTOP cannot be overridden.
func (pt *Ptable_t) Sigaction(p *Proc_t, sig int, handler uint32) (uint32, defs.Err_t) {
	if sig <= 0 || sig >= defs.NSIG || sig == defs.SIGKILL || sig == defs.SIGSTOP {
		return 0, defs.ERR_INVALID_SIGNAL
	}
	pt.Lock()
	defer pt.Unlock()
	old := p.Sighand[sig]
	p.Sighand[sig] = handler
	return old, defs.ERR_NONE
}

/// Deliver runs the pending signals of p, lowest number first. It is
/// called on the return path to user mode: handled signals get a
/// trampoline frame on the user stack, the rest take their default
/// action. Deliver reports false when p died.
func (pt *Ptable_t) Deliver(p *Proc_t) bool {
	for {
		pt.Lock()
		if p.Status == defs.PROC_STATUS_ZOMBIE {
			pt.Unlock()
			return false
		}
		sig := 0
		for s := 1; s < defs.NSIG; s++ {
			if p.sigpend&(1<<uint(s)) != 0 {
				sig = s
				break
			}
		}
		if sig == 0 {
			pt.Unlock()
			return true
		}
		p.sigpend &^= 1 << uint(sig)
		handler := p.Sighand[sig]
		pt.Unlock()

		if sig == defs.SIGKILL {
			pt.Exit_process(p, defs.EXIT_CONDITION_SIGNAL|uint32(sig))
			return false
		}
		if sig == defs.SIGSTOP || (handler == defs.SIG_DFL && sig_stops(sig)) {
			pt.stop(p)
			continue
		}
		if handler == defs.SIG_IGN {
			continue
		}
		if handler == defs.SIG_DFL {
			if sig_default_ignored(sig) {
				continue
			}
			pt.Exit_process(p, defs.EXIT_CONDITION_SIGNAL|uint32(sig))
			return false
		}
		pt.trampoline(p, sig, handler)
	}
}

// stop parks the whole process until SIGCONT or SIGKILL arrives.
func (pt *Ptable_t) stop(p *Proc_t) {
	pt.Lock()
	defer pt.Unlock()
	p.Status = defs.PROC_STATUS_ASLEEP_SIGNAL
	pt.remove_process_locked(p)
	for p.Status == defs.PROC_STATUS_ASLEEP_SIGNAL {
		if p.Active != nil && p.Active.killed {
			break
		}
		pt.cond.Wait()
	}
}

// trampoline augments the user stack with a return frame and points the
// thread at the handler. Sigreturn unwinds it.
func (pt *Ptable_t) trampoline(p *Proc_t, sig int, handler uint32) {
	pt.Lock()
	defer pt.Unlock()
	t := p.Active
	frame := sigframe_t{eip: t.Eip, gregs: t.Gregs}
	p.sigframes = append(p.sigframes, frame)

	sp := t.Esp
	sp -= 4
	pt.Vmx.Vwriten(p.Pd, mem.Va_t(sp), 4, t.Eip)
	sp -= 4
	pt.Vmx.Vwriten(p.Pd, mem.Va_t(sp), 4, uint32(sig))
	t.Esp = sp
	t.Gregs.Ebx = uint32(sig)
	t.Eip = handler
	pt.log.V(3).Info("signal delivered", "pid", p.Pid, "sig", sig)
}

/// Signal_foreground posts sig to the process group attached to the
/// terminal; the keyboard ISIG path ends up here.
func (pt *Ptable_t) Signal_foreground(t *tty.Tty_t, sig int) {
	pt.Lock()
	defer pt.Unlock()
	for _, p := range pt.procs {
		if p == nil || p.Tty != t || p.Status == defs.PROC_STATUS_ZOMBIE {
			continue
		}
		for _, q := range p.Group.Procs {
			if q.Status != defs.PROC_STATUS_ZOMBIE {
				pt.post_locked(q, sig)
			}
		}
		return
	}
}

/// Sigreturn pops the newest trampoline frame, restoring the register
/// file the handler interrupted.
func (pt *Ptable_t) Sigreturn(p *Proc_t) defs.Err_t {
	pt.Lock()
	defer pt.Unlock()
	n := len(p.sigframes)
	if n == 0 {
		return defs.ERR_UNKNOWN
	}
	frame := p.sigframes[n-1]
	p.sigframes = p.sigframes[:n-1]
	t := p.Active
	t.Eip = frame.eip
	t.Gregs = frame.gregs
	t.Esp += 8
	return defs.ERR_NONE
}
