package fs

import "sync"

import "defs"
import "util"

// A deliberately small ext2: rev 0, one block group, 1024 byte blocks and
// direct block pointers only. Block 1 holds the superblock, block 3 the
// block bitmap, block 4 the inode bitmap, the inode table starts at block
// 5. Data blocks follow the inode table.

const (
	ext2_bsize    uint32 = 1024
	ext2_magic    uint32 = 0xEF53
	ext2_isize    uint32 = 128
	ext2_root_ino uint32 = 2
	ext2_ndirect  uint32 = 12

	ext2_sb_block     uint32 = 1
	ext2_bbitmap      uint32 = 3
	ext2_ibitmap      uint32 = 4
	ext2_itable_start uint32 = 5

	ext2_ifdir uint32 = 0x4000
	ext2_ifreg uint32 = 0x8000

	ext2_ft_reg uint8 = 1
	ext2_ft_dir uint8 = 2
)

/// Ext2super_t wraps a superblock buffer with field accessors.
type Ext2super_t struct {
	Data []uint8
}

func (sb *Ext2super_t) fieldr(n int) uint32 {
	return util.Readn(sb.Data, 4, 4*n)
}

func (sb *Ext2super_t) fieldw(n int, v uint32) {
	util.Writen(sb.Data, 4, 4*n, v)
}

/// Inodes returns the total inode count.
func (sb *Ext2super_t) Inodes() uint32 { return sb.fieldr(0) }

/// Blocks returns the total block count.
func (sb *Ext2super_t) Blocks() uint32 { return sb.fieldr(1) }

/// Magic returns the file system magic (low 16 bits of word 14).
func (sb *Ext2super_t) Magic() uint32 { return util.Readn(sb.Data, 2, 56) }

/// SetInodes writes the total inode count.
func (sb *Ext2super_t) SetInodes(v uint32) { sb.fieldw(0, v) }

/// SetBlocks writes the total block count.
func (sb *Ext2super_t) SetBlocks(v uint32) { sb.fieldw(1, v) }

/// SetMagic writes the file system magic.
func (sb *Ext2super_t) SetMagic(v uint32) { util.Writen(sb.Data, 2, 56, v) }

// ext2ino_t wraps one 128 byte inode record.
type ext2ino_t struct {
	d []uint8
}

func (in ext2ino_t) mode() uint32      { return util.Readn(in.d, 2, 0) }
func (in ext2ino_t) size() uint32      { return util.Readn(in.d, 4, 4) }
func (in ext2ino_t) mtime() uint32     { return util.Readn(in.d, 4, 16) }
func (in ext2ino_t) links() uint32     { return util.Readn(in.d, 2, 26) }
func (in ext2ino_t) block(i int) uint32 {
	return util.Readn(in.d, 4, 40+4*i)
}
func (in ext2ino_t) wmode(v uint32)  { util.Writen(in.d, 2, 0, v) }
func (in ext2ino_t) wsize(v uint32)  { util.Writen(in.d, 4, 4, v) }
func (in ext2ino_t) wmtime(v uint32) { util.Writen(in.d, 4, 16, v) }
func (in ext2ino_t) wlinks(v uint32) { util.Writen(in.d, 2, 26, v) }
func (in ext2ino_t) wblock(i int, v uint32) {
	util.Writen(in.d, 4, 40+4*i, v)
}

/// Ext2fs_t implements the read-write ext2 variant over a block device.
type Ext2fs_t struct {
	sync.Mutex
	disk       Disk_i
	ninodes    uint32
	nblocks    uint32
	first_data uint32
	nodes      map[uint32]*Fsnode_t
	fs         *Filesys_t
}

func (e *Ext2fs_t) itblocks() uint32 {
	return util.Roundup(e.ninodes*ext2_isize, ext2_bsize) / ext2_bsize
}

func (e *Ext2fs_t) bread(lba uint32) ([]uint8, defs.Err_t) {
	buf := make([]uint8, ext2_bsize)
	if err := e.disk.Bread(lba, buf); err != 0 {
		return nil, err
	}
	return buf, defs.ERR_NONE
}

func (e *Ext2fs_t) bwrite(lba uint32, buf []uint8) defs.Err_t {
	return e.disk.Bwrite(lba, buf)
}

/// Mkext2 formats disk with an empty file system and mounts it. The disk
/// block size must be 1024.
func Mkext2(disk Disk_i) *Filesys_t {
	if disk.Bsize() != ext2_bsize {
		panic("ext2 wants 1024 byte blocks")
	}
	e := &Ext2fs_t{disk: disk, ninodes: 128, nblocks: disk.Nblocks()}
	e.first_data = ext2_itable_start + e.itblocks()

	sb := &Ext2super_t{Data: make([]uint8, ext2_bsize)}
	sb.SetInodes(e.ninodes)
	sb.SetBlocks(e.nblocks)
	sb.SetMagic(ext2_magic)
	if e.bwrite(ext2_sb_block, sb.Data) != 0 {
		panic("ext2 format failed")
	}

	// metadata blocks and the two reserved inodes are born used
	bbm := make([]uint8, ext2_bsize)
	for b := uint32(0); b < e.first_data; b++ {
		bbm[b/8] |= 1 << (b % 8)
	}
	ibm := make([]uint8, ext2_bsize)
	ibm[0] |= 0x3
	e.bwrite(ext2_bbitmap, bbm)
	e.bwrite(ext2_ibitmap, ibm)

	zero := make([]uint8, ext2_bsize)
	for b := ext2_itable_start; b < e.first_data; b++ {
		e.bwrite(b, zero)
	}

	// the root directory: links for "." and its name in itself
	rootblk, _ := e.balloc()
	ib, off, _ := e.iget(ext2_root_ino)
	in := ext2ino_t{d: ib[off : off+ext2_isize]}
	in.wmode(ext2_ifdir)
	in.wlinks(2)
	in.wsize(ext2_bsize)
	in.wblock(0, rootblk)
	e.iput(ext2_root_ino, ib)
	dir := dirents_pack([]diskent_t{
		{inum: ext2_root_ino, name: ".", ftype: ext2_ft_dir},
		{inum: ext2_root_ino, name: "..", ftype: ext2_ft_dir},
	})
	e.bwrite(rootblk, dir)
	// mount only once the root inode is on disk, so the root node is a directory
	return e.mount()
}

/// Mountext2 reads the superblock from disk and mounts the file system.
func Mountext2(disk Disk_i) (*Filesys_t, defs.Err_t) {
	if disk.Bsize() != ext2_bsize {
		return nil, defs.ERR_IO
	}
	e := &Ext2fs_t{disk: disk}
	buf, err := e.bread(ext2_sb_block)
	if err != 0 {
		return nil, err
	}
	sb := &Ext2super_t{Data: buf}
	if sb.Magic() != ext2_magic {
		return nil, defs.ERR_IO
	}
	e.ninodes = sb.Inodes()
	e.nblocks = sb.Blocks()
	e.first_data = ext2_itable_start + e.itblocks()
	return e.mount(), defs.ERR_NONE
}

func (e *Ext2fs_t) mount() *Filesys_t {
	e.nodes = make(map[uint32]*Fsnode_t)
	fs := &Filesys_t{Fs_type: FS_TYPE_EXT2, Ext2: e, Blocks: e.nblocks, Bsize: ext2_bsize}
	e.fs = fs
	root, err := e.mknode(ext2_root_ino, "/", nil)
	if err != 0 {
		panic("no root inode")
	}
	fs.Root = root
	return fs
}

// iget reads the inode table block holding inum and returns the buffer
// with the inode's byte offset inside it.
func (e *Ext2fs_t) iget(inum uint32) ([]uint8, uint32, defs.Err_t) {
	if inum == 0 || inum > e.ninodes {
		return nil, 0, defs.ERR_IO
	}
	byteoff := (inum - 1) * ext2_isize
	blk := ext2_itable_start + byteoff/ext2_bsize
	buf, err := e.bread(blk)
	if err != 0 {
		return nil, 0, err
	}
	return buf, byteoff % ext2_bsize, defs.ERR_NONE
}

func (e *Ext2fs_t) iput(inum uint32, buf []uint8) defs.Err_t {
	blk := ext2_itable_start + (inum-1)*ext2_isize/ext2_bsize
	return e.bwrite(blk, buf)
}

// iupdate rewrites the inode record from the node's metadata.
func (e *Ext2fs_t) iupdate(node *Fsnode_t, f func(in ext2ino_t)) defs.Err_t {
	inum := node.Spec.(*Ext2spec_t).Inum
	buf, off, err := e.iget(inum)
	if err != 0 {
		return err
	}
	f(ext2ino_t{d: buf[off : off+ext2_isize]})
	return e.iput(inum, buf)
}

func (e *Ext2fs_t) balloc() (uint32, defs.Err_t) {
	bbm, err := e.bread(ext2_bbitmap)
	if err != 0 {
		return 0, err
	}
	for b := e.first_data; b < e.nblocks; b++ {
		if bbm[b/8]&(1<<(b%8)) == 0 {
			bbm[b/8] |= 1 << (b % 8)
			if err := e.bwrite(ext2_bbitmap, bbm); err != 0 {
				return 0, err
			}
			e.bwrite(b, make([]uint8, ext2_bsize))
			return b, defs.ERR_NONE
		}
	}
	return 0, defs.ERR_IO
}

func (e *Ext2fs_t) bfree(lba uint32) {
	bbm, err := e.bread(ext2_bbitmap)
	if err != 0 {
		return
	}
	bbm[lba/8] &^= 1 << (lba % 8)
	e.bwrite(ext2_bbitmap, bbm)
}

func (e *Ext2fs_t) ialloc() (uint32, defs.Err_t) {
	ibm, err := e.bread(ext2_ibitmap)
	if err != 0 {
		return 0, err
	}
	for i := uint32(0); i < e.ninodes; i++ {
		if ibm[i/8]&(1<<(i%8)) == 0 {
			ibm[i/8] |= 1 << (i % 8)
			if err := e.bwrite(ext2_ibitmap, ibm); err != 0 {
				return 0, err
			}
			return i + 1, defs.ERR_NONE
		}
	}
	return 0, defs.ERR_IO
}

func (e *Ext2fs_t) ifree(inum uint32) {
	ibm, err := e.bread(ext2_ibitmap)
	if err != 0 {
		return
	}
	ibm[(inum-1)/8] &^= 1 << ((inum - 1) % 8)
	e.bwrite(ext2_ibitmap, ibm)
}

// mknode materializes the fsnode for inum, reusing the cached one so a
// hard-linked file resolves to a single node.
func (e *Ext2fs_t) mknode(inum uint32, name string, parent *Fsnode_t) (*Fsnode_t, defs.Err_t) {
	if n, ok := e.nodes[inum]; ok {
		return n, defs.ERR_NONE
	}
	buf, off, err := e.iget(inum)
	if err != 0 {
		return nil, err
	}
	in := ext2ino_t{d: buf[off : off+ext2_isize]}
	node := &Fsnode_t{
		Name:       name,
		Parent:     parent,
		Fs:         e.fs,
		Length:     in.size(),
		Hard_links: uint16(in.links()),
		Mtime:      in.mtime(),
		Spec:       &Ext2spec_t{Inum: inum},
	}
	if in.mode()&ext2_ifdir != 0 {
		node.Attrs |= FILE_ATTR_DIR
	}
	e.nodes[inum] = node
	return node, defs.ERR_NONE
}

// diskent_t is one on-disk directory entry.
type diskent_t struct {
	inum  uint32
	name  string
	ftype uint8
}

// dirents_pack serializes entries into a single block; the final entry's
// record length runs to the block end.
func dirents_pack(ents []diskent_t) []uint8 {
	buf := make([]uint8, ext2_bsize)
	off := 0
	for i, de := range ents {
		rl := 8 + int(util.Roundup(uint32(len(de.name)), 4))
		if i == len(ents)-1 {
			rl = int(ext2_bsize) - off
		}
		util.Writen(buf, 4, off, de.inum)
		util.Writen(buf, 2, off+4, uint32(rl))
		util.Writen(buf, 1, off+6, uint32(len(de.name)))
		util.Writen(buf, 1, off+7, uint32(de.ftype))
		copy(buf[off+8:], de.name)
		off += rl
	}
	return buf
}

func dirents_parse(buf []uint8) []diskent_t {
	var ents []diskent_t
	off := 0
	for off+8 <= len(buf) {
		inum := util.Readn(buf, 4, off)
		rl := int(util.Readn(buf, 2, off+4))
		nl := int(util.Readn(buf, 1, off+6))
		ft := uint8(util.Readn(buf, 1, off+7))
		if rl < 8 {
			break
		}
		if inum != 0 && off+8+nl <= len(buf) {
			ents = append(ents, diskent_t{inum: inum,
				name: string(buf[off+8 : off+8+nl]), ftype: ft})
		}
		off += rl
	}
	return ents
}

// dirread collects every entry of the directory inode.
func (e *Ext2fs_t) dirread(dir *Fsnode_t) ([]diskent_t, defs.Err_t) {
	var all []diskent_t
	inum := dir.Spec.(*Ext2spec_t).Inum
	buf, off, err := e.iget(inum)
	if err != 0 {
		return nil, err
	}
	in := ext2ino_t{d: buf[off : off+ext2_isize]}
	for i := uint32(0); i < ext2_ndirect; i++ {
		blk := in.block(int(i))
		if blk == 0 {
			continue
		}
		data, err := e.bread(blk)
		if err != 0 {
			return nil, err
		}
		all = append(all, dirents_parse(data)...)
	}
	return all, defs.ERR_NONE
}

// dirwrite replaces the directory contents with ents.
func (e *Ext2fs_t) dirwrite(dir *Fsnode_t, ents []diskent_t) defs.Err_t {
	// all current directories fit one block; grow here when they no
	// longer do
	need := 0
	for _, de := range ents {
		need += 8 + int(util.Roundup(uint32(len(de.name)), 4))
	}
	if need > int(ext2_bsize) {
		return defs.ERR_FILE_OUT
	}
	var blk uint32
	err := e.iupdate(dir, func(in ext2ino_t) {
		blk = in.block(0)
	})
	if err != 0 {
		return err
	}
	if blk == 0 {
		if blk, err = e.balloc(); err != 0 {
			return err
		}
		if err = e.iupdate(dir, func(in ext2ino_t) {
			in.wblock(0, blk)
			in.wsize(ext2_bsize)
		}); err != 0 {
			return err
		}
		dir.Length = ext2_bsize
	}
	return e.bwrite(blk, dirents_pack(ents))
}

/// Lookup resolves name inside dir.
func (e *Ext2fs_t) Lookup(dir *Fsnode_t, name string) (*Fsnode_t, defs.Err_t) {
	e.Lock()
	defer e.Unlock()
	if c, ok := dir.child(name); ok {
		return c, defs.ERR_NONE
	}
	ents, err := e.dirread(dir)
	if err != 0 {
		return nil, err
	}
	for _, de := range ents {
		if de.name == name {
			node, err := e.mknode(de.inum, name, dir)
			if err != 0 {
				return nil, err
			}
			dir.setchild(name, node)
			return node, defs.ERR_NONE
		}
	}
	return nil, defs.ERR_FILE_NOT_FOUND
}

/// Readdir enumerates dir.
func (e *Ext2fs_t) Readdir(dir *Fsnode_t) ([]Dirent_t, defs.Err_t) {
	e.Lock()
	defer e.Unlock()
	ents, err := e.dirread(dir)
	if err != 0 {
		return nil, err
	}
	out := make([]Dirent_t, 0, len(ents))
	for _, de := range ents {
		out = append(out, Dirent_t{Inode: de.inum, Name: de.name})
	}
	return out, defs.ERR_NONE
}

/// Read copies file bytes at off into dst.
func (e *Ext2fs_t) Read(node *Fsnode_t, off uint32, dst []uint8) (uint32, defs.Err_t) {
	e.Lock()
	defer e.Unlock()
	if off > node.Length || (off == node.Length && len(dst) > 0) {
		return 0, defs.ERR_FILE_OUT
	}
	n := util.Min(uint32(len(dst)), node.Length-off)
	inum := node.Spec.(*Ext2spec_t).Inum
	buf, ioff, err := e.iget(inum)
	if err != 0 {
		return 0, err
	}
	in := ext2ino_t{d: buf[ioff : ioff+ext2_isize]}
	var done uint32
	for done < n {
		idx := (off + done) / ext2_bsize
		boff := (off + done) % ext2_bsize
		c := util.Min(n-done, ext2_bsize-boff)
		if idx >= ext2_ndirect {
			return done, defs.ERR_FILE_OUT
		}
		blk := in.block(int(idx))
		if blk == 0 {
			// sparse
			clear(dst[done : done+c])
		} else {
			data, err := e.bread(blk)
			if err != 0 {
				return done, err
			}
			copy(dst[done:done+c], data[boff:boff+c])
		}
		done += c
	}
	return done, defs.ERR_NONE
}

/// Write stores src at off, extending the file as needed. Files are
/// bounded by the direct block pointers.
func (e *Ext2fs_t) Write(node *Fsnode_t, off uint32, src []uint8) (uint32, defs.Err_t) {
	e.Lock()
	defer e.Unlock()
	n := uint32(len(src))
	if off+n > ext2_ndirect*ext2_bsize {
		return 0, defs.ERR_FILE_OUT
	}
	inum := node.Spec.(*Ext2spec_t).Inum
	buf, ioff, err := e.iget(inum)
	if err != 0 {
		return 0, err
	}
	in := ext2ino_t{d: buf[ioff : ioff+ext2_isize]}
	var done uint32
	for done < n {
		idx := (off + done) / ext2_bsize
		boff := (off + done) % ext2_bsize
		c := util.Min(n-done, ext2_bsize-boff)
		blk := in.block(int(idx))
		if blk == 0 {
			if blk, err = e.balloc(); err != 0 {
				return done, err
			}
			in.wblock(int(idx), blk)
		}
		data, err := e.bread(blk)
		if err != 0 {
			return done, err
		}
		copy(data[boff:boff+c], src[done:done+c])
		if err := e.bwrite(blk, data); err != 0 {
			return done, err
		}
		done += c
	}
	if off+n > node.Length {
		node.Length = off + n
	}
	in.wsize(node.Length)
	if err := e.iput(inum, buf); err != 0 {
		return done, err
	}
	return done, defs.ERR_NONE
}

/// Create makes a file or directory named name inside dir.
func (e *Ext2fs_t) Create(dir *Fsnode_t, name string, attrs uint32) (*Fsnode_t, defs.Err_t) {
	e.Lock()
	defer e.Unlock()
	inum, err := e.ialloc()
	if err != 0 {
		return nil, err
	}
	isdir := attrs&FILE_ATTR_DIR != 0
	buf, off, err := e.iget(inum)
	if err != 0 {
		return nil, err
	}
	in := ext2ino_t{d: buf[off : off+ext2_isize]}
	clear(in.d)
	if isdir {
		in.wmode(ext2_ifdir)
		in.wlinks(2)
	} else {
		in.wmode(ext2_ifreg)
		in.wlinks(1)
	}
	if err := e.iput(inum, buf); err != 0 {
		return nil, err
	}
	ft := ext2_ft_reg
	if isdir {
		ft = ext2_ft_dir
	}
	ents, err := e.dirread(dir)
	if err != 0 {
		return nil, err
	}
	ents = append(ents, diskent_t{inum: inum, name: name, ftype: ft})
	if err := e.dirwrite(dir, ents); err != 0 {
		return nil, err
	}
	node, err := e.mknode(inum, name, dir)
	if err != 0 {
		return nil, err
	}
	node.Attrs = attrs
	if isdir {
		sub := []diskent_t{
			{inum: inum, name: ".", ftype: ext2_ft_dir},
			{inum: dir.Spec.(*Ext2spec_t).Inum, name: "..", ftype: ext2_ft_dir},
		}
		if err := e.dirwrite(node, sub); err != 0 {
			return nil, err
		}
		dir.Hard_links++
		e.iupdate(dir, func(pin ext2ino_t) {
			pin.wlinks(uint32(dir.Hard_links))
		})
	}
	dir.setchild(name, node)
	return node, defs.ERR_NONE
}

/// Unlink removes the entry called name from dir and releases the inode
/// when the last link drops.
func (e *Ext2fs_t) Unlink(dir *Fsnode_t, node *Fsnode_t, name string) defs.Err_t {
	e.Lock()
	defer e.Unlock()
	ents, err := e.dirread(dir)
	if err != 0 {
		return err
	}
	kept := ents[:0]
	for _, de := range ents {
		if de.name != name {
			kept = append(kept, de)
		}
	}
	if err := e.dirwrite(dir, kept); err != 0 {
		return err
	}
	dir.delchild(name)
	if node.Isdir() {
		node.Hard_links = 0
		dir.Hard_links--
		e.iupdate(dir, func(in ext2ino_t) {
			in.wlinks(uint32(dir.Hard_links))
		})
	} else {
		node.Hard_links--
	}
	inum := node.Spec.(*Ext2spec_t).Inum
	if node.Hard_links > 0 {
		return e.iupdate(node, func(in ext2ino_t) {
			in.wlinks(uint32(node.Hard_links))
		})
	}
	err = e.iupdate(node, func(in ext2ino_t) {
		for i := 0; i < int(ext2_ndirect); i++ {
			if blk := in.block(i); blk != 0 {
				e.bfree(blk)
				in.wblock(i, 0)
			}
		}
		in.wlinks(0)
	})
	e.ifree(inum)
	delete(e.nodes, inum)
	return err
}

/// Link adds a second entry for node under dir with the given name.
func (e *Ext2fs_t) Link(node *Fsnode_t, dir *Fsnode_t, name string) defs.Err_t {
	e.Lock()
	defer e.Unlock()
	ents, err := e.dirread(dir)
	if err != 0 {
		return err
	}
	ents = append(ents, diskent_t{inum: node.Spec.(*Ext2spec_t).Inum,
		name: name, ftype: ext2_ft_reg})
	if err := e.dirwrite(dir, ents); err != 0 {
		return err
	}
	node.Hard_links++
	dir.setchild(name, node)
	return e.iupdate(node, func(in ext2ino_t) {
		in.wlinks(uint32(node.Hard_links))
	})
}

/// Rename changes node's entry in dir to newname.
func (e *Ext2fs_t) Rename(dir *Fsnode_t, node *Fsnode_t, newname string) defs.Err_t {
	e.Lock()
	defer e.Unlock()
	ents, err := e.dirread(dir)
	if err != 0 {
		return err
	}
	for i := range ents {
		if ents[i].name == node.Name {
			ents[i].name = newname
		}
	}
	if err := e.dirwrite(dir, ents); err != 0 {
		return err
	}
	dir.delchild(node.Name)
	node.Name = newname
	dir.setchild(newname, node)
	return defs.ERR_NONE
}
