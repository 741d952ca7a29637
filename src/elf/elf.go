// Package elf loads 32-bit little-endian ET_EXEC images into a target
// address space.
package elf

import "golang.org/x/arch/x86/x86asm"

import "defs"
import "fs"
import "mem"
import "util"
import "vm"

const (
	elf_hdrsize = 52
	et_exec     = 2
	pt_load     = 1
)

/// Seg_t records one mapped segment so the process can tear it down on
/// exit or exec.
type Seg_t struct {
	Vaddr mem.Va_t
	Size  uint32
}

// readfull reads n bytes from the start of the file, retrying up to
// three times to tolerate transient IO errors.
func readfull(vfs *fs.Vfs_t, fd *fs.Fd_t, n uint32) ([]uint8, defs.Err_t) {
	buf := make([]uint8, n)
	old := fd.Offset
	defer func() { fd.Offset = old }()
	var err defs.Err_t
	for try := 0; try < 3; try++ {
		fd.Offset = 0
		if err = vfs.Read_file(fd, buf); err == 0 {
			return buf, defs.ERR_NONE
		}
	}
	return nil, err
}

/// Elf_check validates the image behind fd: 32-bit, little-endian,
/// executable, instruction set none or x86. The descriptor offset is
/// preserved.
func Elf_check(vfs *fs.Vfs_t, fd *fs.Fd_t) defs.Err_t {
	if vfs.Flength(fd) < elf_hdrsize {
		return defs.ERR_IS_NOT_ELF
	}
	eh, err := readfull(vfs, fd, elf_hdrsize)
	if err != 0 {
		return err
	}
	if eh[0] != 0x7F || eh[1] != 'E' || eh[2] != 'L' || eh[3] != 'F' {
		return defs.ERR_IS_NOT_ELF
	}
	if eh[4] != 1 {
		return defs.ERR_IS_64_BITS
	}
	if eh[5] != 1 {
		return defs.ERR_IS_NOT_ELF
	}
	if util.Readn(eh, 2, 16) != et_exec {
		return defs.ERR_IS_NOT_EXECUTABLE
	}
	if iset := util.Readn(eh, 2, 18); iset != 0 && iset != 3 {
		return defs.ERR_WRONG_INSTRUCTION_SET
	}
	return defs.ERR_NONE
}

/// Elf_load maps every PT_LOAD segment of the image into pd, copies the
/// file bytes and zeroes the memory tail of each segment. It returns the
/// program entry point and the list of mapped ranges.
func Elf_load(vfs *fs.Vfs_t, fd *fs.Fd_t, vmx *vm.Vmctx_t, pd vm.Pd_t) (mem.Va_t, []Seg_t, defs.Err_t) {
	flen := vfs.Flength(fd)
	buf, err := readfull(vfs, fd, flen)
	if err != 0 {
		return 0, nil, err
	}
	entry := mem.Va_t(util.Readn(buf, 4, 24))
	phoff := util.Readn(buf, 4, 28)
	phentsize := util.Readn(buf, 2, 42)
	phnum := util.Readn(buf, 2, 44)

	var segs []Seg_t
	for i := uint32(0); i < phnum; i++ {
		off := phoff + i*phentsize
		if off+32 > flen {
			return 0, nil, defs.ERR_IS_NOT_ELF
		}
		ph := buf[off : off+32]
		if util.Readn(ph, 4, 0) != pt_load {
			continue
		}
		memsz := util.Readn(ph, 4, 20)
		if memsz == 0 {
			continue
		}
		vaddr := mem.Va_t(util.Readn(ph, 4, 8))
		foff := util.Readn(ph, 4, 4)
		filesz := util.Readn(ph, 4, 16)
		if foff+filesz > flen || filesz > memsz {
			return 0, nil, defs.ERR_IS_NOT_ELF
		}
		vmx.Map_if_not_mapped(pd, vaddr, memsz, mem.BLOCK_USER)
		if err := vmx.Vwrite(pd, vaddr, buf[foff:foff+filesz]); err != 0 {
			return 0, nil, err
		}
		if memsz > filesz {
			zero := make([]uint8, memsz-filesz)
			if err := vmx.Vwrite(pd, vaddr+mem.Va_t(filesz), zero); err != 0 {
				return 0, nil, err
			}
		}
		segs = append(segs, Seg_t{Vaddr: vaddr, Size: memsz})
	}

	// the entry must decode as an x86 instruction; anything else means
	// the image was built for some other machine
	var head [16]uint8
	n := uint32(len(head))
	if err := vmx.Vread(pd, entry, head[:n]); err != 0 {
		return 0, nil, defs.ERR_IS_NOT_EXECUTABLE
	}
	if _, err := x86asm.Decode(head[:], 32); err != nil {
		return 0, nil, defs.ERR_WRONG_INSTRUCTION_SET
	}
	return entry, segs, defs.ERR_NONE
}
