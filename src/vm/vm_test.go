package vm

import "testing"

import "github.com/stretchr/testify/require"

import "defs"
import "mem"

func mkvmx(t *testing.T) *Vmctx_t {
	t.Helper()
	phys := mem.Mkphysmem(8 << 20)
	return Mkvm(phys)
}

func TestMapUnmap(t *testing.T) {
	vmx := mkvmx(t)
	pd := vmx.Kernel_pd_clone()
	va := mem.Va_t(0x400000)

	require.False(t, vmx.Is_mapped(pd, va))
	vmx.Map_memory(pd, va, 2*mem.PGSIZE, mem.BLOCK_USER)
	require.True(t, vmx.Is_mapped(pd, va))
	require.True(t, vmx.Is_mapped(pd, va+mem.Va_t(mem.PGSIZE)))

	pa, ok := vmx.Get_physical(pd, va+5)
	require.True(t, ok)
	blk := vmx.Phys.Get_block(pa)
	require.NotNil(t, blk)
	require.Equal(t, mem.BLOCK_USER, blk.Type)
	require.Equal(t, mem.Pa_t(5), pa&mem.Pa_t(mem.PGOFFSET))

	first, _ := vmx.Get_physical(pd, va)
	vmx.Unmap_if_mapped(pd, va, 2*mem.PGSIZE)
	require.False(t, vmx.Is_mapped(pd, va))
	// the backing frame went back to the allocator
	require.Equal(t, mem.BLOCK_FREE, vmx.Phys.Get_block(first).Type)

	// remapping allocates a fresh frame owned by this address space
	vmx.Map_memory(pd, va, mem.PGSIZE, mem.BLOCK_USER)
	again, _ := vmx.Get_physical(pd, va)
	require.Equal(t, mem.BLOCK_USER, vmx.Phys.Get_block(again).Type)
}

func TestMapIfNotMappedIsIdempotent(t *testing.T) {
	vmx := mkvmx(t)
	pd := vmx.Kernel_pd_clone()
	va := mem.Va_t(0x10000)
	vmx.Map_memory(pd, va, mem.PGSIZE, mem.BLOCK_USER)
	pa, _ := vmx.Get_physical(pd, va)
	vmx.Map_if_not_mapped(pd, va, mem.PGSIZE, mem.BLOCK_USER)
	pa2, _ := vmx.Get_physical(pd, va)
	require.Equal(t, pa, pa2)
	require.Panics(t, func() {
		vmx.Map_memory(pd, va, mem.PGSIZE, mem.BLOCK_USER)
	})
}

func TestMapFlexible(t *testing.T) {
	vmx := mkvmx(t)
	pd := vmx.Kernel_pd_clone()
	va := mem.Va_t(0x800000)
	vmx.Map_flexible(pd, va, 0x3000, mem.PGSIZE)
	pa, ok := vmx.Get_physical(pd, va+0x10)
	require.True(t, ok)
	require.Equal(t, mem.Pa_t(0x3010), pa)
}

func TestKernelAlias(t *testing.T) {
	vmx := mkvmx(t)
	pd1 := vmx.Kernel_pd_clone()
	pd2 := vmx.Kernel_pd_clone()
	kva := mem.Va_t(defs.KERNEL_BASE + 0x5000)
	p1, ok1 := vmx.Get_physical(pd1, kva)
	p2, ok2 := vmx.Get_physical(pd2, kva)
	pk, _ := vmx.Get_physical(vmx.Kpd, kva)
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, pk, p1, "kernel mappings alias across directories")
	require.Equal(t, pk, p2)
}

func TestCopyAddressSpaceIsDeep(t *testing.T) {
	vmx := mkvmx(t)
	parent := vmx.Kernel_pd_clone()
	va := mem.Va_t(0x400000)
	vmx.Map_memory(parent, va, mem.PGSIZE, mem.BLOCK_USER)
	require.Zero(t, vmx.Vwrite(parent, va, []uint8("hello child")))

	child := vmx.Copy_address_space(parent)
	ppa, _ := vmx.Get_physical(parent, va)
	cpa, _ := vmx.Get_physical(child, va)
	require.NotEqual(t, ppa, cpa, "user frames must be copied, not shared")

	buf := make([]uint8, 11)
	require.Zero(t, vmx.Vread(child, va, buf))
	require.Equal(t, []uint8("hello child"), buf)

	// writes in the parent after the copy stay invisible to the child
	require.Zero(t, vmx.Vwrite(parent, va, []uint8("HELLO CHILD")))
	require.Zero(t, vmx.Vread(child, va, buf))
	require.Equal(t, []uint8("hello child"), buf)
}

func TestUserCopiesCrossPages(t *testing.T) {
	vmx := mkvmx(t)
	pd := vmx.Kernel_pd_clone()
	va := mem.Va_t(0x400000)
	vmx.Map_memory(pd, va, 2*mem.PGSIZE, mem.BLOCK_USER)

	msg := make([]uint8, 600)
	for i := range msg {
		msg[i] = uint8(i)
	}
	start := va + mem.Va_t(mem.PGSIZE) - 300
	require.Zero(t, vmx.Vwrite(pd, start, msg))
	got := make([]uint8, len(msg))
	require.Zero(t, vmx.Vread(pd, start, got))
	require.Equal(t, msg, got)

	require.Zero(t, vmx.Vwriten(pd, start, 4, 0xDEADBEEF))
	v, err := vmx.Vreadn(pd, start, 4)
	require.Zero(t, err)
	require.Equal(t, uint32(0xDEADBEEF), v)
}

func TestVreadstr(t *testing.T) {
	vmx := mkvmx(t)
	pd := vmx.Kernel_pd_clone()
	va := mem.Va_t(0x400000)
	vmx.Map_memory(pd, va, mem.PGSIZE, mem.BLOCK_USER)
	require.Zero(t, vmx.Vwrite(pd, va, append([]uint8("/dev/tty1"), 0)))
	s, err := vmx.Vreadstr(pd, va, 64)
	require.Zero(t, err)
	require.Equal(t, "/dev/tty1", s)

	_, err = vmx.Vreadstr(pd, mem.Va_t(0x700000), 64)
	require.Equal(t, defs.ERR_INVALID_PTR, err)
}

func TestFreeUserKeepsDirectory(t *testing.T) {
	vmx := mkvmx(t)
	pd := vmx.Kernel_pd_clone()
	va := mem.Va_t(0x400000)
	vmx.Map_memory(pd, va, mem.PGSIZE, mem.BLOCK_USER)
	vmx.Free_user(pd)
	require.False(t, vmx.Is_mapped(pd, va))
	// kernel mappings survive
	require.True(t, vmx.Is_mapped(pd, mem.Va_t(defs.KERNEL_BASE)))
	vmx.Free_pd(pd)
}
