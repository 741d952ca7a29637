// Package kernel wires the subsystems into a bootable kernel instance:
// physical memory, paging, the kernel heaps, the VFS with its root and
// device file systems, the terminals, the process table and the system
// call dispatcher.
package kernel

import "log"
import "os"

import "github.com/go-logr/logr"
import "github.com/go-logr/stdr"

import "defs"
import "fs"
import "mem"
import "proc"
import "sys"
import "tty"
import "vm"

/// RAM_SIZE_DEFAULT is the detected memory of the machine model.
const RAM_SIZE_DEFAULT uint32 = 16 << 20

/// KVM_WINDOW_SIZE is the span of the kernel virtual heap.
const KVM_WINDOW_SIZE uint32 = 16 << 20

/// Kernel_t is the kernel context object holding what used to be global
/// mutable state: the allocators, the namespace, the terminals and the
/// process table.
type Kernel_t struct {
	Args  Bootargs_t
	Phys  *mem.Physmem_t
	Vmx   *vm.Vmctx_t
	Kh    *mem.Kheap_t
	Kvm   *mem.Kvmheap_t
	Vfs   *fs.Vfs_t
	Devfs *fs.Filesys_t
	Ttys  *tty.Ttys_t
	Pt    *proc.Ptable_t
	Sys   *sys.Syscall_t
	Log   logr.Logger
}

/// Ramcons_t is the console seam used when no text-mode device is
/// attached: it records what the foreground terminal shows.
type Ramcons_t struct {
	buf []uint8
}

/// Mkramcons returns an empty recording console.
func Mkramcons() *Ramcons_t {
	return &Ramcons_t{}
}

/// Putc appends one character.
func (rc *Ramcons_t) Putc(c uint8, attr uint8) {
	rc.buf = append(rc.buf, c)
}

/// Unputc removes the last character.
func (rc *Ramcons_t) Unputc() {
	if n := len(rc.buf); n > 0 {
		rc.buf = rc.buf[:n-1]
	}
}

/// Redraw replaces the display with the given screen contents.
func (rc *Ramcons_t) Redraw(screen []uint8) {
	rc.buf = append(rc.buf[:0], screen...)
}

/// Contents returns what the console currently shows.
func (rc *Ramcons_t) Contents() []uint8 {
	out := make([]uint8, len(rc.buf))
	copy(out, rc.buf)
	return out
}

/// Mkkernel boots the kernel: parses the command line, brings up memory
/// and paging, mounts the root and device file systems, starts the three
/// terminals and spawns the init process. rootdisk may be nil, in which
/// case a fresh in-memory ext2 becomes the root; a disk with 2048-byte
/// blocks is mounted as iso9660 and any other disk as ext2.
func Mkkernel(cmdline string, rootdisk fs.Disk_i, cons tty.Console_i) *Kernel_t {
	k := &Kernel_t{}
	k.Args = Args_parse(cmdline)

	if k.Args.Asilent {
		k.Log = logr.Discard()
	} else {
		k.Log = stdr.New(log.New(os.Stderr, "", log.LstdFlags))
	}
	k.Log.V(0).Info("VK 0.0-indev booting", "live", k.Args.Alive)

	k.Phys = mem.Mkphysmem(RAM_SIZE_DEFAULT)
	k.Vmx = vm.Mkvm(k.Phys)
	k.Kh = mem.Mkkheap(func(va mem.Va_t, size uint32) bool {
		k.Vmx.Map_if_not_mapped(k.Vmx.Kpd, va, size, mem.BLOCK_KERNEL)
		return true
	})
	k.Kvm = mem.Mkkvmheap(KVM_WINDOW_SIZE)

	k.Vfs = fs.Mkvfs()
	root := mount_root(rootdisk)
	if err := k.Vfs.Mount("/", root); err != 0 {
		panic("cannot mount root file system")
	}
	k.Devfs = fs.Mkdevfs()
	if err := k.Vfs.Mount("/dev", k.Devfs); err != 0 {
		panic("cannot mount /dev")
	}

	if cons == nil {
		cons = Mkramcons()
	}
	k.Ttys = tty.Mkttys(3, k.Kh, cons)
	for _, t := range k.Ttys.Ttys {
		t.Node = k.Devfs.Dev.Register_device(k.Devfs.Root, t.Name,
			defs.DEVFS_TYPE_TTY, t)
		f, err := k.Vfs.Open_file("/dev/"+t.Name, fs.FD_READ)
		if err != 0 {
			panic("Failed to initialize " + t.Name + " (file can't be opened)")
		}
		k.Vfs.Close_file(f)
		tt := t
		t.Onsig = func(sig int) {
			k.Pt.Signal_foreground(tt, sig)
		}
	}

	k.Pt = proc.Mkptable(k.Vmx, k.Vfs, k.Kvm, k.Log)
	k.Ttys.Set_waiter(k.Pt)
	k.Pt.Spawn_init_process(k.Ttys.Ttys[0])

	k.Sys = sys.Mksyscall(k.Pt, k.Vfs, k.Vmx, k.Kh, k.Ttys, k.Devfs, k.Log)
	k.Log.V(0).Info("boot complete", "mounts", k.Vfs.Mount_count())
	return k
}

func mount_root(disk fs.Disk_i) *fs.Filesys_t {
	if disk == nil {
		md := fs.Mkmemdisk(1024, 4096)
		return fs.Mkext2(md)
	}
	if disk.Bsize() == 2048 {
		iso, err := fs.Mountiso(disk)
		if err != 0 {
			panic("bad iso9660 root volume")
		}
		return iso
	}
	e2, err := fs.Mountext2(disk)
	if err != 0 {
		panic("bad ext2 root volume")
	}
	return e2
}

/// Timer_tick advances the scheduler clock; it stands in for the timer
/// IRQ.
func (k *Kernel_t) Timer_tick() {
	k.Pt.Tick()
}

/// Kbd_input feeds one byte from the keyboard IRQ into the foreground
/// terminal.
func (k *Kernel_t) Kbd_input(c uint8) {
	k.Ttys.Current().Input(c)
	k.Pt.Irq_wakeup(1)
}

/// Syscall dispatches a trap for the current process.
func (k *Kernel_t) Syscall(tf *proc.Trapframe_t) {
	k.Sys.Syscall(tf)
}
