// Package fs implements the virtual file system: the generic file-node
// abstraction, file descriptors, the mount table and path resolution.
// Operations dispatch on the owning file system's type to one of the
// concrete variants (ext2, iso9660, devfs).
package fs

import "strings"
import "sync"

import "defs"

/// Fstype_t discriminates the file system variants.
type Fstype_t int

const (
	FS_TYPE_EXT2    Fstype_t = 1
	FS_TYPE_ISO9660 Fstype_t = 2
	FS_TYPE_DEVFS   Fstype_t = 3
)

/// File attribute bits.
const (
	FILE_ATTR_DIR    uint32 = 1 << 0
	FILE_ATTR_HIDDEN uint32 = 1 << 1
)

/// File descriptor mode bits.
const (
	FD_READ    uint8 = 0x1
	FD_WRITE   uint8 = 0x2
	FD_CLOEXEC uint8 = 0x4
	FD_CREATE  uint8 = 0x8
)

/// Spec_i is the node-specific payload, a sum discriminated by the owning
/// file system's type.
type Spec_i interface {
	fsspec()
}

/// Ext2spec_t carries the on-disk inode number.
type Ext2spec_t struct {
	Inum uint32
}

func (*Ext2spec_t) fsspec() {}

/// Isospec_t carries the extent geometry of an iso9660 record.
type Isospec_t struct {
	Extent_start uint32
	Extent_size  uint32
}

func (*Isospec_t) fsspec() {}

/// Devops_i is implemented by devices registered in the device tree.
type Devops_i interface {
	Dread(dst []uint8) (uint32, defs.Err_t)
	Dwrite(src []uint8) (uint32, defs.Err_t)
}

/// Devspec_t carries a device node's type and operations.
type Devspec_t struct {
	Dtype int
	Ops   Devops_i
}

func (*Devspec_t) fsspec() {}

/// Fsnode_t is the in-memory representation of a file system object.
/// A node is owned by its file system and lives until that file system is
/// unmounted; the children map caches resolved entries so that every path
/// names a single node.
type Fsnode_t struct {
	Name       string
	Parent     *Fsnode_t
	Fs         *Filesys_t
	Length     uint32
	Attrs      uint32
	Hard_links uint16
	Atime      uint32
	Mtime      uint32
	Ctime      uint32
	Spec       Spec_i
	children   map[string]*Fsnode_t
	opens      int
}

/// Isdir reports whether the node is a directory.
func (fn *Fsnode_t) Isdir() bool {
	return fn.Attrs&FILE_ATTR_DIR != 0
}

func (fn *Fsnode_t) child(name string) (*Fsnode_t, bool) {
	c, ok := fn.children[name]
	return c, ok
}

func (fn *Fsnode_t) setchild(name string, c *Fsnode_t) {
	if fn.children == nil {
		fn.children = make(map[string]*Fsnode_t)
	}
	fn.children[name] = c
}

func (fn *Fsnode_t) delchild(name string) {
	delete(fn.children, name)
}

/// Fd_t is a handle held by a process into a node, with its own offset
/// and mode. Instances counts the descriptor-table slots sharing this
/// handle; the node is released when the last one closes.
type Fd_t struct {
	File      *Fsnode_t
	Offset    uint32
	Mode      uint8
	Instances int
	Path      string
}

/// Dirent_t is one directory enumeration result.
type Dirent_t struct {
	Inode uint32
	Name  string
}

/// Filesys_t is one mounted file system: the type tag, the root node and
/// the variant implementation.
type Filesys_t struct {
	Fs_type Fstype_t
	Flags   uint32
	Root    *Fsnode_t
	Ext2    *Ext2fs_t
	Iso     *Isofs_t
	Dev     *Devfs_t
	Blocks  uint32
	Bsize   uint32
}

/// Mount_t binds a file system under an absolute path.
type Mount_t struct {
	Path string
	Fs   *Filesys_t
	next *Mount_t
}

/// Next returns the following mount point or nil.
func (mp *Mount_t) Next() *Mount_t {
	return mp.next
}

/// Vfs_t is the mount table and the entry point for every file
/// operation.
type Vfs_t struct {
	sync.Mutex
	root_point *Mount_t
	mounts     int
}

/// Mkvfs returns an empty namespace.
func Mkvfs() *Vfs_t {
	return &Vfs_t{}
}

/// Mount attaches fs at the absolute path. The first mount must be "/".
func (vfs *Vfs_t) Mount(path string, fs *Filesys_t) defs.Err_t {
	if !strings.HasPrefix(path, "/") {
		return defs.ERR_FILE_NOT_FOUND
	}
	vfs.Lock()
	defer vfs.Unlock()
	if vfs.root_point == nil && path != "/" {
		return defs.ERR_FILE_NOT_FOUND
	}
	mp := &Mount_t{Path: path, Fs: fs, next: vfs.root_point}
	vfs.root_point = mp
	vfs.mounts++
	// a mount point pins its root node
	fs.Root.opens++
	return defs.ERR_NONE
}

/// Mount_count returns the number of mounted file systems.
func (vfs *Vfs_t) Mount_count() int {
	vfs.Lock()
	defer vfs.Unlock()
	return vfs.mounts
}

/// Root_point returns the head of the mount list.
func (vfs *Vfs_t) Root_point() *Mount_t {
	vfs.Lock()
	defer vfs.Unlock()
	return vfs.root_point
}

// mountfor selects the mount with the longest prefix of path and returns
// it with the remaining path components.
func (vfs *Vfs_t) mountfor(path string) (*Mount_t, string) {
	var best *Mount_t
	var rest string
	for mp := vfs.root_point; mp != nil; mp = mp.next {
		var r string
		switch {
		case mp.Path == "/":
			r = path
		case path == mp.Path:
			r = ""
		case strings.HasPrefix(path, mp.Path+"/"):
			r = path[len(mp.Path):]
		default:
			continue
		}
		if best == nil || len(mp.Path) > len(best.Path) {
			best, rest = mp, r
		}
	}
	return best, rest
}

// namei walks path from the matching mount root to a node. Component
// names are byte strings compared case-sensitively; "." and ".." are
// honored.
func (vfs *Vfs_t) namei(path string) (*Fsnode_t, defs.Err_t) {
	vfs.Lock()
	mp, rest := vfs.mountfor(path)
	vfs.Unlock()
	if mp == nil {
		return nil, defs.ERR_FILE_NOT_FOUND
	}
	node := mp.Fs.Root
	for _, comp := range strings.Split(rest, "/") {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." {
			if node.Parent != nil {
				node = node.Parent
			}
			continue
		}
		if !node.Isdir() {
			return nil, defs.ERR_FILE_NOT_FOUND
		}
		child, err := vfs.lookup(node, comp)
		if err != 0 {
			return nil, err
		}
		node = child
	}
	return node, defs.ERR_NONE
}

func (vfs *Vfs_t) lookup(dir *Fsnode_t, name string) (*Fsnode_t, defs.Err_t) {
	switch dir.Fs.Fs_type {
	case FS_TYPE_EXT2:
		return dir.Fs.Ext2.Lookup(dir, name)
	case FS_TYPE_ISO9660:
		return dir.Fs.Iso.Lookup(dir, name)
	case FS_TYPE_DEVFS:
		return dir.Fs.Dev.Lookup(dir, name)
	}
	panic("bad fs type")
}

/// Open_file resolves the absolute path and returns a new descriptor
/// referencing the node.
func (vfs *Vfs_t) Open_file(path string, mode uint8) (*Fd_t, defs.Err_t) {
	node, err := vfs.namei(path)
	if err != 0 {
		return nil, err
	}
	vfs.Lock()
	node.opens++
	vfs.Unlock()
	return &Fd_t{File: node, Mode: mode, Instances: 1, Path: path}, defs.ERR_NONE
}

/// Wrap_node builds a descriptor around a node that was created outside
/// path resolution (anonymous io streams).
func (vfs *Vfs_t) Wrap_node(node *Fsnode_t, mode uint8, path string) *Fd_t {
	vfs.Lock()
	node.opens++
	vfs.Unlock()
	return &Fd_t{File: node, Mode: mode, Instances: 1, Path: path}
}

/// Close_file drops one instance of the descriptor, releasing the node
/// reference when the last instance goes away.
func (vfs *Vfs_t) Close_file(fd *Fd_t) {
	vfs.Lock()
	defer vfs.Unlock()
	fd.Instances--
	if fd.Instances > 0 {
		return
	}
	fd.File.opens--
	if fd.File.opens < 0 {
		panic("fsnode over-released")
	}
}

/// Read_file reads up to len(dst) bytes at the descriptor's offset and
/// advances it by the number of bytes read.
func (vfs *Vfs_t) Read_file(fd *Fd_t, dst []uint8) defs.Err_t {
	node := fd.File
	var n uint32
	var err defs.Err_t
	switch node.Fs.Fs_type {
	case FS_TYPE_EXT2:
		n, err = node.Fs.Ext2.Read(node, fd.Offset, dst)
	case FS_TYPE_ISO9660:
		n, err = node.Fs.Iso.Read(node, fd.Offset, dst)
	case FS_TYPE_DEVFS:
		n, err = node.Fs.Dev.Read(node, dst)
	default:
		panic("bad fs type")
	}
	fd.Offset += n
	return err
}

/// Write_file writes len(src) bytes at the descriptor's offset and
/// advances it by the number of bytes written.
func (vfs *Vfs_t) Write_file(fd *Fd_t, src []uint8) defs.Err_t {
	node := fd.File
	var n uint32
	var err defs.Err_t
	switch node.Fs.Fs_type {
	case FS_TYPE_EXT2:
		n, err = node.Fs.Ext2.Write(node, fd.Offset, src)
	case FS_TYPE_ISO9660:
		// iso9660 volumes are read-only
		return defs.ERR_PERMISSION
	case FS_TYPE_DEVFS:
		n, err = node.Fs.Dev.Write(node, src)
	default:
		panic("bad fs type")
	}
	fd.Offset += n
	return err
}

/// Seek repositions the descriptor and returns the new offset.
func (vfs *Vfs_t) Seek(fd *Fd_t, off uint32, whence int) uint32 {
	switch whence {
	case defs.SEEK_SET:
		fd.Offset = off
	case defs.SEEK_CUR:
		fd.Offset += off
	case defs.SEEK_END:
		fd.Offset = fd.File.Length + off
	}
	return fd.Offset
}

/// Flength returns the node length behind the descriptor.
func (vfs *Vfs_t) Flength(fd *Fd_t) uint32 {
	return fd.File.Length
}

// splitpath separates an absolute path into its parent directory path
// and final component.
func splitpath(path string) (string, string) {
	path = strings.TrimRight(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/", strings.TrimPrefix(path, "/")
	}
	return path[:i], path[i+1:]
}

/// Create_file creates a regular file or directory at path.
func (vfs *Vfs_t) Create_file(path string, attrs uint32) (*Fsnode_t, defs.Err_t) {
	dirpath, name := splitpath(path)
	if name == "" {
		return nil, defs.ERR_FILE_NOT_FOUND
	}
	dir, err := vfs.namei(dirpath)
	if err != 0 {
		return nil, err
	}
	if !dir.Isdir() {
		return nil, defs.ERR_FILE_NOT_FOUND
	}
	if _, err := vfs.lookup(dir, name); err == 0 {
		return nil, defs.ERR_UNKNOWN
	}
	switch dir.Fs.Fs_type {
	case FS_TYPE_EXT2:
		return dir.Fs.Ext2.Create(dir, name, attrs)
	case FS_TYPE_ISO9660:
		return nil, defs.ERR_PERMISSION
	case FS_TYPE_DEVFS:
		return dir.Fs.Dev.Create(dir, name, attrs)
	}
	panic("bad fs type")
}

/// Unlink removes the directory entry at path, releasing the node when
/// its last hard link goes away. Non-empty directories are refused.
func (vfs *Vfs_t) Unlink(path string) defs.Err_t {
	node, err := vfs.namei(path)
	if err != 0 {
		return err
	}
	if node.Parent == nil {
		// root of a mounted fs
		return defs.ERR_PERMISSION
	}
	if node.Isdir() {
		ents, err := vfs.readdir(node)
		if err != 0 {
			return err
		}
		for _, de := range ents {
			if de.Name != "." && de.Name != ".." {
				return defs.ERR_UNKNOWN
			}
		}
	}
	_, name := splitpath(path)
	switch node.Fs.Fs_type {
	case FS_TYPE_EXT2:
		return node.Fs.Ext2.Unlink(node.Parent, node, name)
	case FS_TYPE_ISO9660:
		return defs.ERR_PERMISSION
	case FS_TYPE_DEVFS:
		return node.Fs.Dev.Unlink(node.Parent, node, name)
	}
	panic("bad fs type")
}

/// Link creates a second directory entry for oldpath at newpath. Both
/// paths must land on the same file system.
func (vfs *Vfs_t) Link(oldpath, newpath string) defs.Err_t {
	node, err := vfs.namei(oldpath)
	if err != 0 {
		return err
	}
	dirpath, name := splitpath(newpath)
	dir, err := vfs.namei(dirpath)
	if err != 0 {
		return err
	}
	if dir.Fs != node.Fs || !dir.Isdir() {
		return defs.ERR_PERMISSION
	}
	if _, err := vfs.lookup(dir, name); err == 0 {
		return defs.ERR_UNKNOWN
	}
	switch node.Fs.Fs_type {
	case FS_TYPE_EXT2:
		return node.Fs.Ext2.Link(node, dir, name)
	default:
		return defs.ERR_PERMISSION
	}
}

/// Rename gives the entry at oldpath the new final component newname
/// within its directory.
func (vfs *Vfs_t) Rename(oldpath, newname string) defs.Err_t {
	node, err := vfs.namei(oldpath)
	if err != 0 {
		return err
	}
	if node.Parent == nil {
		return defs.ERR_PERMISSION
	}
	if _, err := vfs.lookup(node.Parent, newname); err == 0 {
		return defs.ERR_UNKNOWN
	}
	switch node.Fs.Fs_type {
	case FS_TYPE_EXT2:
		return node.Fs.Ext2.Rename(node.Parent, node, newname)
	case FS_TYPE_DEVFS:
		return node.Fs.Dev.Rename(node.Parent, node, newname)
	default:
		return defs.ERR_PERMISSION
	}
}

/// Read_directory enumerates the directory behind the descriptor.
func (vfs *Vfs_t) Read_directory(fd *Fd_t) ([]Dirent_t, defs.Err_t) {
	if !fd.File.Isdir() {
		return nil, defs.ERR_UNKNOWN
	}
	return vfs.readdir(fd.File)
}

func (vfs *Vfs_t) readdir(dir *Fsnode_t) ([]Dirent_t, defs.Err_t) {
	switch dir.Fs.Fs_type {
	case FS_TYPE_EXT2:
		return dir.Fs.Ext2.Readdir(dir)
	case FS_TYPE_ISO9660:
		return dir.Fs.Iso.Readdir(dir)
	case FS_TYPE_DEVFS:
		return dir.Fs.Dev.Readdir(dir)
	}
	panic("bad fs type")
}

/// Fstat fills st from the node behind the descriptor. Inode numbers are
/// the on-disk inode for ext2 and the extent start for iso9660.
func (vfs *Vfs_t) Fstat(fd *Fd_t, st *Stat_t) {
	node := fd.File
	*st = Stat_t{}
	st.St_ino = 0x20
	if node.Isdir() {
		st.St_mode = S_IFDIR
	} else {
		st.St_mode = S_IFREG
	}
	st.St_nlink = uint32(node.Hard_links)
	st.St_size = node.Length
	st.St_atime = node.Atime
	st.St_mtime = node.Mtime
	st.St_ctime = node.Mtime
	st.St_blksize = 512
	st.St_blocks = node.Length / 512
	switch sp := node.Spec.(type) {
	case *Ext2spec_t:
		st.St_ino = sp.Inum
	case *Isospec_t:
		st.St_ino = sp.Extent_start
	}
}

/// Statfs fills one statfs record per mount point into dst and returns
/// the number filled.
func (vfs *Vfs_t) Statfs(dst []Statfs_t) int {
	vfs.Lock()
	defer vfs.Unlock()
	n := 0
	for mp := vfs.root_point; mp != nil && n < len(dst); mp = mp.next {
		sf := &dst[n]
		*sf = Statfs_t{}
		sf.F_type = uint32(mp.Fs.Fs_type)
		sf.F_flags = mp.Fs.Flags
		sf.F_bsize = 512
		sf.F_blocks = mp.Fs.Blocks
		sf.F_bfree = sf.F_blocks
		sf.F_bavail = sf.F_bfree
		sf.F_files = ^uint32(0) - 1
		sf.F_ffree = sf.F_files
		sf.F_fsid = uint32(n + 1)
		l := len(mp.Path)
		if l > 99 {
			l = 99
		}
		copy(sf.Mount_path[:], mp.Path[:l])
		n++
	}
	return n
}
