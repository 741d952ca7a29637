// Package vm owns the page directories. A directory is a physical frame
// holding 1024 entries; each entry is empty or names a page table frame.
// The kernel quarter (virtual addresses at and above defs.KERNEL_BASE) is
// shared with the kernel directory by reference: those directory entries
// alias the kernel page tables in every address space.
package vm

import "sync"

import "defs"
import "mem"
import "util"

/// Page table entry flag bits.
const (
	PTE_P uint32 = 1 << 0 /// present
	PTE_W uint32 = 1 << 1 /// writable
	PTE_U uint32 = 1 << 2 /// user accessible
)

/// PTE_ADDR extracts the frame address of an entry.
const PTE_ADDR uint32 = mem.PGMASK

/// Pd_t names the frame holding a page directory.
type Pd_t mem.Pa_t

/// Vmctx_t is the paging context: the physical allocator, the kernel page
/// directory and the currently loaded directory.
type Vmctx_t struct {
	sync.Mutex
	Phys *mem.Physmem_t
	Kpd  Pd_t
	cur  Pd_t
}

const pdes = uint32(defs.KERNEL_BASE) >> 22 // directory entries below the kernel quarter

/// Mkvm builds the kernel address space: the whole of physical memory is
/// mapped at defs.KERNEL_BASE and the kernel directory becomes current.
func Mkvm(phys *mem.Physmem_t) *Vmctx_t {
	vmx := &Vmctx_t{Phys: phys}
	kpd := phys.Pgalloc(mem.BLOCK_KERNELF)
	if kpd == 0 {
		panic("no frame for kernel pd")
	}
	vmx.Kpd = Pd_t(kpd)
	vmx.cur = vmx.Kpd
	vmx.Map_flexible(vmx.Kpd, mem.Va_t(defs.KERNEL_BASE), 0, phys.Size())
	return vmx
}

// walk returns the physical address of the page table entry for va,
// creating the page table when create is set.
func (vmx *Vmctx_t) walk(pd Pd_t, va mem.Va_t, create bool) (mem.Pa_t, bool) {
	pdi := uint32(va) >> 22
	pti := (uint32(va) >> 12) & 0x3ff
	pdea := mem.Pa_t(pd) + mem.Pa_t(4*pdi)
	pde := vmx.Phys.Readw(pdea)
	if pde&PTE_P == 0 {
		if !create {
			return 0, false
		}
		pt := vmx.Phys.Pgalloc(mem.BLOCK_KERNELF)
		if pt == 0 {
			panic("no frame for page table")
		}
		flags := PTE_P | PTE_W
		if uint32(va) < defs.KERNEL_BASE {
			flags |= PTE_U
		}
		pde = uint32(pt) | flags
		vmx.Phys.Writew(pdea, pde)
	}
	return mem.Pa_t(pde&PTE_ADDR) + mem.Pa_t(4*pti), true
}

/// Map_memory backs every page of [va, va+size) with a fresh frame of the
/// given block type and installs it present and writable. Page tables are
/// created on demand, zero-initialized. Mapping over a present entry is a
/// kernel bug and panics.
func (vmx *Vmctx_t) Map_memory(pd Pd_t, va mem.Va_t, size uint32, typ mem.Btype_t) {
	vmx.map_pages(pd, va, size, typ, false)
}

/// Map_if_not_mapped is the idempotent variant of Map_memory: pages with a
/// present entry are skipped.
func (vmx *Vmctx_t) Map_if_not_mapped(pd Pd_t, va mem.Va_t, size uint32, typ mem.Btype_t) {
	vmx.map_pages(pd, va, size, typ, true)
}

func (vmx *Vmctx_t) map_pages(pd Pd_t, va mem.Va_t, size uint32, typ mem.Btype_t, skip bool) {
	vmx.Lock()
	defer vmx.Unlock()
	end := util.Roundup(uint32(va)+size, mem.PGSIZE)
	for a := util.Rounddown(uint32(va), mem.PGSIZE); a < end; a += mem.PGSIZE {
		ptea, _ := vmx.walk(pd, mem.Va_t(a), true)
		if vmx.Phys.Readw(ptea)&PTE_P != 0 {
			if skip {
				continue
			}
			panic("mapping over a present pte")
		}
		frame := vmx.Phys.Pgalloc(typ)
		if frame == 0 {
			panic("out of physical memory")
		}
		flags := PTE_P | PTE_W
		if typ == mem.BLOCK_USER {
			flags |= PTE_U
		}
		vmx.Phys.Writew(ptea, uint32(frame)|flags)
	}
}

/// Map_flexible installs the caller's physical range at va without
/// allocating frames; used for MMIO, the framebuffer and shared windows.
func (vmx *Vmctx_t) Map_flexible(pd Pd_t, va mem.Va_t, pa mem.Pa_t, size uint32) {
	vmx.Lock()
	defer vmx.Unlock()
	end := util.Roundup(uint32(va)+size, mem.PGSIZE)
	p := util.Rounddown(uint32(pa), mem.PGSIZE)
	for a := util.Rounddown(uint32(va), mem.PGSIZE); a < end; a, p = a+mem.PGSIZE, p+mem.PGSIZE {
		ptea, _ := vmx.walk(pd, mem.Va_t(a), true)
		flags := PTE_P | PTE_W
		if uint32(a) < defs.KERNEL_BASE {
			flags |= PTE_U
		}
		vmx.Phys.Writew(ptea, p|flags)
	}
}

/// Unmap_if_mapped invalidates every present entry in [va, va+size),
/// frees the backing frame and discards page tables that become empty.
func (vmx *Vmctx_t) Unmap_if_mapped(pd Pd_t, va mem.Va_t, size uint32) {
	vmx.unmap(pd, va, size, true)
}

/// Unmap_flexible clears entries without releasing the backing frames.
func (vmx *Vmctx_t) Unmap_flexible(pd Pd_t, va mem.Va_t, size uint32) {
	vmx.unmap(pd, va, size, false)
}

func (vmx *Vmctx_t) unmap(pd Pd_t, va mem.Va_t, size uint32, freefr bool) {
	vmx.Lock()
	defer vmx.Unlock()
	end := util.Roundup(uint32(va)+size, mem.PGSIZE)
	for a := util.Rounddown(uint32(va), mem.PGSIZE); a < end; a += mem.PGSIZE {
		ptea, ok := vmx.walk(pd, mem.Va_t(a), false)
		if !ok {
			continue
		}
		pte := vmx.Phys.Readw(ptea)
		if pte&PTE_P == 0 {
			continue
		}
		vmx.Phys.Writew(ptea, 0)
		if freefr {
			vmx.Phys.Free(mem.Pa_t(pte & PTE_ADDR))
		}
		vmx.drop_empty_table(pd, uint32(a)>>22)
	}
}

// drop_empty_table frees the page table behind directory entry pdi when
// it holds no present entries. Kernel quarter tables are shared and never
// dropped here.
func (vmx *Vmctx_t) drop_empty_table(pd Pd_t, pdi uint32) {
	if pdi >= pdes {
		return
	}
	pdea := mem.Pa_t(pd) + mem.Pa_t(4*pdi)
	pde := vmx.Phys.Readw(pdea)
	if pde&PTE_P == 0 {
		return
	}
	pt := mem.Pa_t(pde & PTE_ADDR)
	frame := vmx.Phys.Frame(pt)
	for i := 0; i < int(mem.PGSIZE); i += 4 {
		if util.Readn(frame, 4, i)&PTE_P != 0 {
			return
		}
	}
	vmx.Phys.Writew(pdea, 0)
	vmx.Phys.Free(pt)
}

/// Is_mapped reports whether va has a present entry in pd.
func (vmx *Vmctx_t) Is_mapped(pd Pd_t, va mem.Va_t) bool {
	_, ok := vmx.Get_physical(pd, va)
	return ok
}

/// Get_physical resolves va through pd to a physical address.
func (vmx *Vmctx_t) Get_physical(pd Pd_t, va mem.Va_t) (mem.Pa_t, bool) {
	vmx.Lock()
	defer vmx.Unlock()
	return vmx.translate(pd, va)
}

func (vmx *Vmctx_t) translate(pd Pd_t, va mem.Va_t) (mem.Pa_t, bool) {
	ptea, ok := vmx.walk(pd, va, false)
	if !ok {
		return 0, false
	}
	pte := vmx.Phys.Readw(ptea)
	if pte&PTE_P == 0 {
		return 0, false
	}
	return mem.Pa_t(pte&PTE_ADDR) + mem.Pa_t(uint32(va)&mem.PGOFFSET), true
}

/// Copy_address_space produces a new directory in which every user mapping
/// is deep-copied into fresh frames and the kernel quarter is aliased.
/// The hardware kernel would run this with interrupts disabled around its
/// directory switches; the model copies through the frame windows instead.
func (vmx *Vmctx_t) Copy_address_space(pd Pd_t) Pd_t {
	vmx.Lock()
	defer vmx.Unlock()
	npd := vmx.clone_kernel_locked()
	for pdi := uint32(0); pdi < pdes; pdi++ {
		pde := vmx.Phys.Readw(mem.Pa_t(pd) + mem.Pa_t(4*pdi))
		if pde&PTE_P == 0 {
			continue
		}
		pt := mem.Pa_t(pde & PTE_ADDR)
		for pti := uint32(0); pti < 1024; pti++ {
			pte := vmx.Phys.Readw(pt + mem.Pa_t(4*pti))
			if pte&PTE_P == 0 {
				continue
			}
			frame := vmx.Phys.Pgalloc(mem.BLOCK_USER)
			if frame == 0 {
				panic("out of physical memory")
			}
			copy(vmx.Phys.Frame(frame), vmx.Phys.Frame(mem.Pa_t(pte&PTE_ADDR)))
			va := mem.Va_t(pdi<<22 | pti<<12)
			ptea, _ := vmx.walk(npd, va, true)
			vmx.Phys.Writew(ptea, uint32(frame)|pte&^PTE_ADDR)
		}
	}
	return npd
}

/// Kernel_pd_clone produces an address space containing only the kernel
/// mappings.
func (vmx *Vmctx_t) Kernel_pd_clone() Pd_t {
	vmx.Lock()
	defer vmx.Unlock()
	return vmx.clone_kernel_locked()
}

func (vmx *Vmctx_t) clone_kernel_locked() Pd_t {
	npd := vmx.Phys.Pgalloc(mem.BLOCK_KERNELF)
	if npd == 0 {
		panic("no frame for pd")
	}
	for pdi := pdes; pdi < 1024; pdi++ {
		pde := vmx.Phys.Readw(mem.Pa_t(vmx.Kpd) + mem.Pa_t(4*pdi))
		vmx.Phys.Writew(mem.Pa_t(npd)+mem.Pa_t(4*pdi), pde)
	}
	return Pd_t(npd)
}

/// Pd_switch loads pd as the active directory.
func (vmx *Vmctx_t) Pd_switch(pd Pd_t) {
	vmx.Lock()
	vmx.cur = pd
	vmx.Unlock()
}

/// Current returns the active directory.
func (vmx *Vmctx_t) Current() Pd_t {
	vmx.Lock()
	defer vmx.Unlock()
	return vmx.cur
}

/// Free_user releases every user frame and user page table of pd. The
/// directory frame itself survives so a parent can still reap the zombie.
func (vmx *Vmctx_t) Free_user(pd Pd_t) {
	vmx.Lock()
	defer vmx.Unlock()
	for pdi := uint32(0); pdi < pdes; pdi++ {
		pdea := mem.Pa_t(pd) + mem.Pa_t(4*pdi)
		pde := vmx.Phys.Readw(pdea)
		if pde&PTE_P == 0 {
			continue
		}
		pt := mem.Pa_t(pde & PTE_ADDR)
		for pti := uint32(0); pti < 1024; pti++ {
			pte := vmx.Phys.Readw(pt + mem.Pa_t(4*pti))
			if pte&PTE_P != 0 {
				vmx.Phys.Free(mem.Pa_t(pte & PTE_ADDR))
			}
		}
		vmx.Phys.Writew(pdea, 0)
		vmx.Phys.Free(pt)
	}
}

/// Free_pd releases the user space and the directory frame of pd.
func (vmx *Vmctx_t) Free_pd(pd Pd_t) {
	vmx.Free_user(pd)
	vmx.Phys.Free(mem.Pa_t(pd))
}
