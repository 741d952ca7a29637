package kernel

import "strings"
import "testing"
import "time"

import "github.com/stretchr/testify/require"

import "defs"
import "fs"
import "mem"
import "proc"

func TestArgsParse(t *testing.T) {
	args := Args_parse("-live -silent")
	require.True(t, args.Alive)
	require.Equal(t, defs.KERNEL_MODE_LIVE, args.Aboot_hint_present)
	require.True(t, args.Asilent)

	args = Args_parse("")
	require.False(t, args.Alive)
	require.Zero(t, args.Aboot_hint_present)
	require.False(t, args.Asilent)

	// unknown tokens are ignored; flags are found anywhere in the line
	args = Args_parse("root=/dev/hda1 -quiet x-silenty -live")
	require.True(t, args.Alive)
	require.True(t, args.Asilent)
}

func TestBoot(t *testing.T) {
	k := Mkkernel("-live -silent", nil, nil)
	require.True(t, k.Args.Alive)
	require.True(t, k.Args.Asilent)
	require.Equal(t, 2, k.Vfs.Mount_count())
	require.NotNil(t, k.Pt.Initp)
	require.Equal(t, 1, k.Pt.Initp.Pid)
	require.Equal(t, k.Pt.Initp, k.Pt.Cur)

	// tty1..tty3 exist under /dev
	for _, name := range []string{"tty1", "tty2", "tty3"} {
		fd, err := k.Vfs.Open_file("/dev/"+name, fs.FD_READ)
		require.Zero(t, err, "missing /dev/%s", name)
		k.Vfs.Close_file(fd)
	}
}

func TestBootBannerOnConsole(t *testing.T) {
	cons := Mkramcons()
	Mkkernel("-silent", nil, cons)
	require.Equal(t, "VK 0.0-indev (tty1)\n", string(cons.Contents()))
}

// trap is the test harness's int 0x40: it fills a frame and dispatches.
func trap(k *Kernel_t, p *proc.Proc_t, num, ebx, ecx, edx uint32) (uint32, defs.Err_t) {
	tf := &proc.Trapframe_t{Eax: num, Ebx: ebx, Ecx: ecx, Edx: edx}
	k.Sys.Syscall_as(p, tf)
	return tf.Eax, defs.Err_t(tf.Ecx)
}

const argbase uint32 = 0x100000

func bootwithpage(t *testing.T) (*Kernel_t, *proc.Proc_t) {
	t.Helper()
	k := Mkkernel("-silent", nil, nil)
	p := k.Pt.Initp
	k.Vmx.Map_memory(p.Pd, mem.Va_t(argbase), mem.PGSIZE, mem.BLOCK_USER)
	return k, p
}

func putstr(t *testing.T, k *Kernel_t, p *proc.Proc_t, off uint32, s string) uint32 {
	t.Helper()
	va := argbase + off
	require.Zero(t, k.Vmx.Vwrite(p.Pd, mem.Va_t(va), append([]uint8(s), 0)))
	return va
}

func TestTtyWriteThroughSyscalls(t *testing.T) {
	k, p := bootwithpage(t)
	path := putstr(t, k, p, 0, "/dev/tty1")
	fd, err := trap(k, p, defs.SYS_OPEN, path, uint32(fs.FD_READ|fs.FD_WRITE), 0)
	require.Zero(t, err)
	require.Equal(t, uint32(3), fd)

	msg := putstr(t, k, p, 64, "Hi")
	n, err := trap(k, p, defs.SYS_WRITE, fd, msg, 2)
	require.Zero(t, err)
	require.Equal(t, uint32(2), n)
	require.True(t, strings.HasSuffix(string(k.Ttys.Ttys[0].Screen()), "Hi"))
}

func TestKeyboardToCanonicalRead(t *testing.T) {
	k, p := bootwithpage(t)
	path := putstr(t, k, p, 0, "/dev/tty1")
	fd, err := trap(k, p, defs.SYS_OPEN, path, uint32(fs.FD_READ), 0)
	require.Zero(t, err)

	dst := argbase + 256
	got := make(chan string, 1)
	go func() {
		n, rerr := trap(k, p, defs.SYS_READ, fd, dst, 16)
		if rerr != 0 {
			got <- "error"
			return
		}
		buf := make([]uint8, n)
		k.Vmx.Vread(p.Pd, mem.Va_t(dst), buf)
		got <- string(buf)
	}()

	select {
	case s := <-got:
		t.Fatalf("read returned %q before any input", s)
	case <-time.After(20 * time.Millisecond):
	}
	for _, c := range []uint8("hey\n") {
		k.Kbd_input(c)
	}
	select {
	case s := <-got:
		require.Equal(t, "hey\n", s)
	case <-time.After(time.Second):
		t.Fatal("canonical read never completed")
	}
}

func TestTimerPreemptsThroughKernel(t *testing.T) {
	k, p := bootwithpage(t)
	cpid, err := trap(k, p, defs.SYS_FORK, 0, 0, 0)
	require.Zero(t, err)
	require.NotZero(t, cpid)

	cur := k.Pt.Cur
	for i := 0; i < proc.SCHED_QUANTUM; i++ {
		k.Timer_tick()
	}
	require.NotEqual(t, cur, k.Pt.Cur, "the quantum must rotate the run queue")
}

func TestIsoRoot(t *testing.T) {
	disk := fs.Mkmemdisk(2048, 64)
	pvd := make([]uint8, 2048)
	pvd[0] = 1
	copy(pvd[1:], "CD001")
	// an empty root directory at sector 20
	rec := make([]uint8, 34)
	rec[0] = 34
	rec[2] = 20
	rec[10] = 0
	rec[25] = 2
	rec[32] = 1
	copy(pvd[156:], rec)
	require.Zero(t, disk.Bwrite(16, pvd))

	k := Mkkernel("-silent", disk, nil)
	require.Equal(t, fs.FS_TYPE_ISO9660, k.Vfs.Root_point().Next().Fs.Fs_type)
}
