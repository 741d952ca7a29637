package sys

import "defs"
import "fs"
import "mem"
import "proc"
import "tty"
import "util"

func (sc *Syscall_t) sys_open(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	path, err := sc.userpath(p, tf.Ebx)
	if err != 0 {
		return 0, err
	}
	mode := uint8(tf.Ecx)
	fd, err := sc.Vfs.Open_file(path, mode)
	if err == defs.ERR_FILE_NOT_FOUND && mode&fs.FD_CREATE != 0 {
		if _, cerr := sc.Vfs.Create_file(path, 0); cerr == 0 {
			fd, err = sc.Vfs.Open_file(path, mode)
		}
	}
	if err != 0 {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	slot := sc.Pt.Fdalloc(p, fd)
	sc.log.V(3).Info("SYS_OPEN", "path", path, "mode", tf.Ecx, "fd", slot)
	return uint32(slot), defs.ERR_NONE
}

func (sc *Syscall_t) sys_close(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	if tf.Ebx >= 3 && sc.fdget(p, tf.Ebx) != nil {
		sc.Pt.Close_fd(p, int(tf.Ebx))
		sc.log.V(3).Info("SYS_CLOSE", "fd", tf.Ebx)
	}
	return 0, defs.ERR_NONE
}

func (sc *Syscall_t) sys_read(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	if !sc.ptr_validate(p, tf.Ecx) {
		return 0, defs.ERR_INVALID_PTR
	}
	buf := make([]uint8, tf.Edx)
	old := fd.Offset
	err := sc.Vfs.Read_file(fd, buf)
	count := fd.Offset - old
	out := buf[:count]
	if fd.File.Fs.Fs_type == fs.FS_TYPE_DEVFS {
		// terminal reads zero the remainder of the user buffer
		out = buf
	}
	if werr := sc.Vmx.Vwrite(p.Pd, mem.Va_t(tf.Ecx), out); werr != 0 {
		return count, werr
	}
	return count, err
}

func (sc *Syscall_t) sys_write(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	if !sc.ptr_validate(p, tf.Ecx) {
		return 0, defs.ERR_INVALID_PTR
	}
	buf := make([]uint8, tf.Edx)
	if err := sc.Vmx.Vread(p.Pd, mem.Va_t(tf.Ecx), buf); err != 0 {
		return 0, err
	}
	old := fd.Offset
	err := sc.Vfs.Write_file(fd, buf)
	return fd.Offset - old, err
}

func (sc *Syscall_t) sys_link(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	oldp, err := sc.userpath(p, tf.Ebx)
	if err != 0 {
		return 0, err
	}
	newp, err := sc.userpath(p, tf.Ecx)
	if err != 0 {
		return 0, err
	}
	return 0, sc.Vfs.Link(oldp, newp)
}

func (sc *Syscall_t) sys_unlink(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	path, err := sc.userpath(p, tf.Ebx)
	if err != 0 {
		return 0, err
	}
	return 0, sc.Vfs.Unlink(path)
}

func (sc *Syscall_t) sys_seek(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	return sc.Vfs.Seek(fd, tf.Ecx, int(tf.Edx)), defs.ERR_NONE
}

func (sc *Syscall_t) sys_stat(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	if !sc.ptr_validate(p, tf.Edx) {
		return 0, defs.ERR_INVALID_PTR
	}
	var st fs.Stat_t
	sc.Vfs.Fstat(fd, &st)
	sc.log.V(3).Info("SYS_STAT", "fd", tf.Ebx)
	return 0, sc.Vmx.Vwrite(p.Pd, mem.Va_t(tf.Edx), st.Bytes())
}

func (sc *Syscall_t) sys_rename(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	oldp, err := sc.userpath(p, tf.Ebx)
	if err != 0 {
		return 0, err
	}
	if !sc.ptr_validate(p, tf.Ecx) {
		return 0, defs.ERR_INVALID_PTR
	}
	newname, err := sc.Vmx.Vreadstr(p.Pd, mem.Va_t(tf.Ecx), 256)
	if err != 0 {
		return 0, err
	}
	return 0, sc.Vfs.Rename(oldp, newname)
}

func (sc *Syscall_t) sys_finfo(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	if !sc.ptr_validate(p, tf.Edx) {
		return 0, defs.ERR_INVALID_PTR
	}
	switch tf.Ecx {
	case defs.FINFO_DEVICE_TYPE:
		dt := uint32(defs.NOT_A_DEVICE)
		if sp, ok := fd.File.Spec.(*fs.Devspec_t); ok {
			dt = uint32(sp.Dtype)
		}
		return 0, sc.Vmx.Vwriten(p.Pd, mem.Va_t(tf.Edx), 4, dt)
	case defs.FINFO_PATH:
		out := append([]uint8(fd.Path), 0)
		return 0, sc.Vmx.Vwrite(p.Pd, mem.Va_t(tf.Edx), out)
	}
	return 0, defs.ERR_UNKNOWN
}

func (sc *Syscall_t) sys_mount(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	return 0, defs.ERR_UNKNOWN
}

func (sc *Syscall_t) sys_umount(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	return 0, defs.ERR_UNKNOWN
}

func (sc *Syscall_t) sys_mkdir(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	path, err := sc.userpath(p, tf.Ebx)
	if err != 0 {
		return 0, err
	}
	if _, err := sc.Vfs.Create_file(path, fs.FILE_ATTR_DIR); err != 0 {
		return 0, err
	}
	return 0, defs.ERR_NONE
}

func (sc *Syscall_t) sys_readdir(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	if !sc.ptr_validate(p, tf.Edx) {
		return 0, defs.ERR_INVALID_PTR
	}
	ents, err := sc.Vfs.Read_directory(fd)
	if err != 0 {
		return 0, err
	}
	if tf.Ecx >= uint32(len(ents)) {
		return 0, defs.ERR_FILE_OUT
	}
	de := ents[tf.Ecx]
	nl := util.Min(len(de.Name), 255)
	buf := make([]uint8, 4+nl+1)
	util.Writen(buf, 4, 0, de.Inode)
	copy(buf[4:], de.Name[:nl])
	return 0, sc.Vmx.Vwrite(p.Pd, mem.Va_t(tf.Edx), buf)
}

// iofile_t adapts an anonymous byte stream to the device interface so
// openio descriptors ride the normal read/write path.
type iofile_t struct {
	st *tty.Iostream_t
}

func (io *iofile_t) Dread(dst []uint8) (uint32, defs.Err_t) {
	return uint32(io.st.Read(dst)), defs.ERR_NONE
}

func (io *iofile_t) Dwrite(src []uint8) (uint32, defs.Err_t) {
	for _, c := range src {
		io.st.Putc(c)
	}
	return uint32(len(src)), defs.ERR_NONE
}

func (sc *Syscall_t) sys_openio(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	node := &fs.Fsnode_t{
		Name:       "io",
		Fs:         sc.Devfs,
		Hard_links: 1,
		Spec:       &fs.Devspec_t{Dtype: 0, Ops: &iofile_t{st: tty.Mkiostream()}},
	}
	fd := sc.Vfs.Wrap_node(node, fs.FD_READ|fs.FD_WRITE, "")
	return uint32(sc.Pt.Fdalloc(p, fd)), defs.ERR_NONE
}

func (sc *Syscall_t) sys_dup(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	oldf := sc.fdget(p, tf.Ebx)
	if oldf == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	if tf.Ecx != 0 {
		if tf.Ecx < 3 {
			return 0, defs.ERR_UNKNOWN
		}
		target := int(tf.Ecx)
		sc.Pt.Lock()
		for len(p.Files) <= target {
			p.Files = append(p.Files, make([]*fs.Fd_t, len(p.Files))...)
		}
		sc.Pt.Unlock()
		if p.Files[target] != nil {
			sc.Pt.Close_fd(p, target)
		}
		oldf.Instances++
		p.Files[target] = oldf
		sc.log.V(3).Info("SYS_DUP", "old", tf.Ebx, "new", target)
		return tf.Ecx, defs.ERR_NONE
	}
	oldf.Instances++
	slot := sc.Pt.Fdalloc(p, oldf)
	sc.log.V(3).Info("SYS_DUP", "old", tf.Ebx, "new", slot)
	return uint32(slot), defs.ERR_NONE
}

func (sc *Syscall_t) sys_fsinfo(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	if !sc.ptr_validate(p, tf.Ecx) {
		return 0, defs.ERR_INVALID_PTR
	}
	switch tf.Ebx {
	case defs.FSINFO_MOUNTED_FS_NUMBER:
		n := uint32(sc.Vfs.Mount_count())
		if err := sc.Vmx.Vwriten(p.Pd, mem.Va_t(tf.Ecx), 4, n); err != 0 {
			return 0, err
		}
		return n, defs.ERR_NONE
	case defs.FSINFO_MOUNTED_FS_ALL:
		n := sc.Vfs.Mount_count()
		sts := make([]fs.Statfs_t, n)
		n = sc.Vfs.Statfs(sts)
		va := mem.Va_t(tf.Ecx)
		for i := 0; i < n; i++ {
			b := sts[i].Bytes()
			if err := sc.Vmx.Vwrite(p.Pd, va, b); err != 0 {
				return 0, err
			}
			va += mem.Va_t(len(b))
		}
		return uint32(n), defs.ERR_NONE
	}
	return 0, defs.ERR_UNKNOWN
}

func (sc *Syscall_t) sys_ioctl(p *proc.Proc_t, tf *proc.Trapframe_t) (uint32, defs.Err_t) {
	fd := sc.fdget(p, tf.Ebx)
	if fd == nil {
		return 0, defs.ERR_FILE_NOT_FOUND
	}
	if fd.File.Fs.Fs_type != fs.FS_TYPE_DEVFS {
		return 0, defs.ERR_NO_DEVICE
	}
	sp, ok := fd.File.Spec.(*fs.Devspec_t)
	if !ok {
		return 0, defs.ERR_NO_DEVICE
	}
	switch sp.Dtype {
	case defs.DEVFS_TYPE_TTY:
		t, ok := sp.Ops.(*tty.Tty_t)
		if !ok {
			return 0, defs.ERR_NO_DEVICE
		}
		return sc.tty_ioctl(p, t, tf.Ecx, tf.Edx)
	}
	return 0, defs.ERR_UNKNOWN
}

func (sc *Syscall_t) tty_ioctl(p *proc.Proc_t, t *tty.Tty_t, cmd, arg uint32) (uint32, defs.Err_t) {
	switch cmd {
	case tty.TCGETS:
		if !sc.ptr_validate(p, arg) {
			return 0, defs.ERR_INVALID_PTR
		}
		tio := t.Get_termios()
		return 0, sc.Vmx.Vwrite(p.Pd, mem.Va_t(arg), tio.Bytes())
	case tty.TCSETS:
		if !sc.ptr_validate(p, arg) {
			return 0, defs.ERR_INVALID_PTR
		}
		buf := make([]uint8, 16+tty.NCCS)
		if err := sc.Vmx.Vread(p.Pd, mem.Va_t(arg), buf); err != 0 {
			return 0, err
		}
		t.Set_termios(tty.Termios_from(buf))
		return 0, defs.ERR_NONE
	}
	return 0, defs.ERR_UNKNOWN
}
