// Package sys is the system call boundary: a trap-frame-driven table
// indexed by call number. Every handler validates its user pointers
// against the caller's page directory, translates the POSIX-flavored
// semantics into core operations and returns a (value, status) pair that
// the trap glue writes into eax and ecx. Pending signals run on the
// return path to user mode.
package sys

import "strings"

import "github.com/go-logr/logr"

import "defs"
import "fs"
import "mem"
import "proc"
import "tty"
import "vm"

type sysfn_t func(*Syscall_t, *proc.Proc_t, *proc.Trapframe_t) (uint32, defs.Err_t)

// system_calls is the dispatch table; gaps hold nil.
var system_calls = map[uint32]sysfn_t{
	defs.SYS_OPEN:      (*Syscall_t).sys_open,
	defs.SYS_CLOSE:     (*Syscall_t).sys_close,
	defs.SYS_READ:      (*Syscall_t).sys_read,
	defs.SYS_WRITE:     (*Syscall_t).sys_write,
	defs.SYS_LINK:      (*Syscall_t).sys_link,
	defs.SYS_UNLINK:    (*Syscall_t).sys_unlink,
	defs.SYS_SEEK:      (*Syscall_t).sys_seek,
	defs.SYS_STAT:      (*Syscall_t).sys_stat,
	defs.SYS_RENAME:    (*Syscall_t).sys_rename,
	defs.SYS_FINFO:     (*Syscall_t).sys_finfo,
	defs.SYS_MOUNT:     (*Syscall_t).sys_mount,
	defs.SYS_UMOUNT:    (*Syscall_t).sys_umount,
	defs.SYS_MKDIR:     (*Syscall_t).sys_mkdir,
	defs.SYS_READDIR:   (*Syscall_t).sys_readdir,
	defs.SYS_OPENIO:    (*Syscall_t).sys_openio,
	defs.SYS_DUP:       (*Syscall_t).sys_dup,
	defs.SYS_FSINFO:    (*Syscall_t).sys_fsinfo,
	defs.SYS_FORK:      (*Syscall_t).sys_fork,
	defs.SYS_EXIT:      (*Syscall_t).sys_exit,
	defs.SYS_EXEC:      (*Syscall_t).sys_exec,
	defs.SYS_WAIT:      (*Syscall_t).sys_wait,
	defs.SYS_GETPINFO:  (*Syscall_t).sys_getpinfo,
	defs.SYS_SETPINFO:  (*Syscall_t).sys_setpinfo,
	defs.SYS_SIG:       (*Syscall_t).sys_sig,
	defs.SYS_SIGACTION: (*Syscall_t).sys_sigaction,
	defs.SYS_SIGRET:    (*Syscall_t).sys_sigret,
	defs.SYS_SBRK:      (*Syscall_t).sys_sbrk,
	defs.SYS_IOCTL:     (*Syscall_t).sys_ioctl,
}

/// Syscall_t carries the kernel state every handler operates on.
type Syscall_t struct {
	Pt    *proc.Ptable_t
	Vfs   *fs.Vfs_t
	Vmx   *vm.Vmctx_t
	Kh    *mem.Kheap_t
	Ttys  *tty.Ttys_t
	Devfs *fs.Filesys_t

	log logr.Logger
}

/// Mksyscall wires the dispatcher to the kernel subsystems.
func Mksyscall(pt *proc.Ptable_t, vfs *fs.Vfs_t, vmx *vm.Vmctx_t, kh *mem.Kheap_t,
	ttys *tty.Ttys_t, devfs *fs.Filesys_t, log logr.Logger) *Syscall_t {
	return &Syscall_t{Pt: pt, Vfs: vfs, Vmx: vmx, Kh: kh, Ttys: ttys,
		Devfs: devfs, log: log}
}

/// Syscall dispatches one trap for the current process. The call number
/// arrives in eax with up to three argument words in ebx, ecx and edx;
/// the value lands in eax and the status in ecx. Signals pending for the
/// caller are delivered before it reenters user mode.
func (sc *Syscall_t) Syscall(tf *proc.Trapframe_t) {
	p := sc.Pt.Cur
	sc.Syscall_as(p, tf)
}

/// Syscall_as runs one trap on behalf of p.
func (sc *Syscall_t) Syscall_as(p *proc.Proc_t, tf *proc.Trapframe_t) {
	h, ok := system_calls[tf.Eax]
	var v uint32
	err := defs.ERR_UNKNOWN
	if ok {
		v, err = h(sc, p, tf)
	}
	tf.Eax = v
	tf.Ecx = uint32(err)
	sc.Pt.Deliver(p)
}

// ptr_validate accepts user pointers only: below the kernel boundary and
// mapped in the caller's directory.
func (sc *Syscall_t) ptr_validate(p *proc.Proc_t, ptr uint32) bool {
	if ptr >= defs.KERNEL_BASE {
		return false
	}
	return sc.Vmx.Is_mapped(p.Pd, mem.Va_t(ptr))
}

// userpath fetches a path argument and resolves it against the caller's
// working directory. The join runs through a transient kernel heap
// allocation, as dir + '/' + rel with no further normalization.
func (sc *Syscall_t) userpath(p *proc.Proc_t, ptr uint32) (string, defs.Err_t) {
	if !sc.ptr_validate(p, ptr) {
		return "", defs.ERR_INVALID_PTR
	}
	path, err := sc.Vmx.Vreadstr(p.Pd, mem.Va_t(ptr), 512)
	if err != 0 {
		return "", err
	}
	return sc.fullpath(p, path), defs.ERR_NONE
}

func (sc *Syscall_t) fullpath(p *proc.Proc_t, path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	n := uint32(len(p.Cur_dir) + 1 + len(path))
	tmp := sc.Kh.Kmalloc(n)
	b := sc.Kh.View(tmp)
	copy(b, p.Cur_dir)
	b[len(p.Cur_dir)] = '/'
	copy(b[len(p.Cur_dir)+1:], path)
	joined := string(b[:n])
	sc.Kh.Kfree(tmp)
	return joined
}

// fdget returns the descriptor in slot i, nil for reserved or empty
// slots.
func (sc *Syscall_t) fdget(p *proc.Proc_t, i uint32) *fs.Fd_t {
	return sc.Pt.Fdget(p, i)
}
