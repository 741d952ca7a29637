package mem

import "util"

/// KHEAP_BASE_START is the virtual base of the kernel heap window.
const KHEAP_BASE_START Va_t = 0xC0400000

/// KHEAP_BASE_SIZE is the initial size of the kernel heap window.
const KHEAP_BASE_SIZE uint32 = 0x400000

/// Kernel heap block header fields. The header is packed in front of every
/// payload: size u32, magic u16, status u16. All payload sizes are rounded
/// up to a multiple of 4 so returned pointers are 4-byte aligned.
const (
	kheap_hdr   uint32 = 8
	kheap_magic uint16 = 0xB1
	kheap_free  uint16 = 0
	kheap_used  uint16 = 1
)

/// Growfn_t is called when the heap maps additional pages at the end of
/// its window. It may be nil.
type Growfn_t func(va Va_t, size uint32) bool

/// Kheap_t is a packed free-list allocator over a fixed virtual window.
type Kheap_t struct {
	base Va_t
	buf  []uint8
	grow Growfn_t
}

/// Mkkheap installs a kernel heap of the default base size. grow is
/// invoked for every window extension, including the initial one.
func Mkkheap(grow Growfn_t) *Kheap_t {
	return Mkkheap_sized(KHEAP_BASE_SIZE, grow)
}

/// Mkkheap_sized installs a kernel heap with the given initial window.
func Mkkheap_sized(size uint32, grow Growfn_t) *Kheap_t {
	size = util.Roundup(size, PGSIZE)
	if size < PGSIZE {
		panic("kheap too small")
	}
	kh := &Kheap_t{base: KHEAP_BASE_START, grow: grow}
	if grow != nil && !grow(kh.base, size) {
		panic("kheap: cannot map base window")
	}
	kh.buf = make([]uint8, size)
	kh.sethdr(0, size-kheap_hdr, kheap_free)
	return kh
}

func (kh *Kheap_t) sethdr(off, size uint32, status uint16) {
	util.Writen(kh.buf, 4, int(off), size)
	util.Writen(kh.buf, 2, int(off+4), uint32(kheap_magic))
	util.Writen(kh.buf, 2, int(off+6), uint32(status))
}

func (kh *Kheap_t) hdr(off uint32) (size uint32, status uint16) {
	if util.Readn(kh.buf, 2, int(off+4)) != uint32(kheap_magic) {
		panic("kheap: bad magic")
	}
	return util.Readn(kh.buf, 4, int(off)), uint16(util.Readn(kh.buf, 2, int(off+6)))
}

func (kh *Kheap_t) off(p Va_t) uint32 {
	if p < kh.base+Va_t(kheap_hdr) || uint32(p-kh.base) > uint32(len(kh.buf)) {
		panic("kheap: pointer outside window")
	}
	return uint32(p-kh.base) - kheap_hdr
}

/// Kmalloc allocates n bytes and returns the virtual address of the
/// payload. Allocation failure is fatal; the kernel heap is the allocator
/// of last resort.
func (kh *Kheap_t) Kmalloc(n uint32) Va_t {
	if n == 0 {
		n = 4
	}
	n = util.Roundup(n, 4)
	if p, ok := kh.alloc(n); ok {
		return p
	}
	kh.extend(util.Roundup(n+kheap_hdr, PGSIZE))
	if p, ok := kh.alloc(n); ok {
		return p
	}
	panic("kheap: out of memory")
}

func (kh *Kheap_t) alloc(n uint32) (Va_t, bool) {
	var off uint32
	for off+kheap_hdr <= uint32(len(kh.buf)) {
		size, status := kh.hdr(off)
		if status == kheap_free && size >= n {
			if size >= n+kheap_hdr+4 {
				kh.sethdr(off+kheap_hdr+n, size-n-kheap_hdr, kheap_free)
				size = n
			}
			kh.sethdr(off, size, kheap_used)
			return kh.base + Va_t(off+kheap_hdr), true
		}
		off += kheap_hdr + size
	}
	return 0, false
}

// extend grows the window by at least want bytes, merging the new space
// into a trailing FREE block when there is one.
func (kh *Kheap_t) extend(want uint32) {
	old := uint32(len(kh.buf))
	if kh.grow != nil && !kh.grow(kh.base+Va_t(old), want) {
		panic("kheap: cannot grow window")
	}
	kh.buf = append(kh.buf, make([]uint8, want)...)
	// find the final block; absorb the new bytes if it is free
	var off, size uint32
	var status uint16
	for off+kheap_hdr <= old {
		size, status = kh.hdr(off)
		if off+kheap_hdr+size == old {
			break
		}
		off += kheap_hdr + size
	}
	if status == kheap_free {
		kh.sethdr(off, size+want, kheap_free)
	} else {
		kh.sethdr(old, want-kheap_hdr, kheap_free)
	}
}

/// Kfree releases the allocation at p and coalesces it with the following
/// block when that block is free. Backward coalescing is not performed.
func (kh *Kheap_t) Kfree(p Va_t) {
	off := kh.off(p)
	size, status := kh.hdr(off)
	if status != kheap_used {
		panic("kheap: double free")
	}
	next := off + kheap_hdr + size
	if next+kheap_hdr <= uint32(len(kh.buf)) {
		nsize, nstatus := kh.hdr(next)
		if nstatus == kheap_free {
			size += kheap_hdr + nsize
		}
	}
	kh.sethdr(off, size, kheap_free)
}

/// Krealloc resizes the allocation at p to n bytes, moving it if needed.
func (kh *Kheap_t) Krealloc(p Va_t, n uint32) Va_t {
	if p == 0 {
		return kh.Kmalloc(n)
	}
	n = util.Roundup(util.Max(n, 4), 4)
	off := kh.off(p)
	size, status := kh.hdr(off)
	if status != kheap_used {
		panic("kheap: realloc of free block")
	}
	if n <= size {
		if size >= n+kheap_hdr+4 {
			kh.sethdr(off+kheap_hdr+n, size-n-kheap_hdr, kheap_free)
			kh.sethdr(off, n, kheap_used)
		}
		return p
	}
	np := kh.Kmalloc(n)
	copy(kh.View(np), kh.View(p)[:size])
	kh.Kfree(p)
	return np
}

/// Ksize returns the payload size of the allocation at p.
func (kh *Kheap_t) Ksize(p Va_t) uint32 {
	size, _ := kh.hdr(kh.off(p))
	return size
}

/// View exposes the payload bytes of the allocation at p.
func (kh *Kheap_t) View(p Va_t) []uint8 {
	off := kh.off(p)
	size, status := kh.hdr(off)
	if status != kheap_used {
		panic("kheap: view of free block")
	}
	return kh.buf[off+kheap_hdr : off+kheap_hdr+size]
}

/// Walk calls f with the offset, payload size and used flag of every block
/// in the chain. It is used by integrity checks.
func (kh *Kheap_t) Walk(f func(off, size uint32, used bool)) {
	var off uint32
	for off+kheap_hdr <= uint32(len(kh.buf)) {
		size, status := kh.hdr(off)
		f(off, size, status == kheap_used)
		off += kheap_hdr + size
	}
}

/// Windowsize returns the current size of the heap window in bytes.
func (kh *Kheap_t) Windowsize() uint32 {
	return uint32(len(kh.buf))
}
