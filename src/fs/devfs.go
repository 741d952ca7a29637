package fs

import "sync"

import "defs"

// devfs is a pure in-memory tree; nodes are created by drivers at boot
// through Register_device and read/write dispatches to the device
// operations behind each node.

/// Devfs_t implements the in-memory device file system.
type Devfs_t struct {
	sync.Mutex
	fs *Filesys_t
}

/// Mkdevfs creates an empty device tree.
func Mkdevfs() *Filesys_t {
	dev := &Devfs_t{}
	fs := &Filesys_t{Fs_type: FS_TYPE_DEVFS, Dev: dev, Bsize: 512}
	dev.fs = fs
	fs.Root = &Fsnode_t{
		Name:       "/",
		Fs:         fs,
		Attrs:      FILE_ATTR_DIR,
		Hard_links: 2,
	}
	return fs
}

/// Register_device adds a device node named name under dir.
func (dev *Devfs_t) Register_device(dir *Fsnode_t, name string, dtype int, ops Devops_i) *Fsnode_t {
	dev.Lock()
	defer dev.Unlock()
	node := &Fsnode_t{
		Name:       name,
		Parent:     dir,
		Fs:         dev.fs,
		Hard_links: 1,
		Spec:       &Devspec_t{Dtype: dtype, Ops: ops},
	}
	dir.setchild(name, node)
	return node
}

/// Lookup resolves name inside dir.
func (dev *Devfs_t) Lookup(dir *Fsnode_t, name string) (*Fsnode_t, defs.Err_t) {
	dev.Lock()
	defer dev.Unlock()
	if c, ok := dir.child(name); ok {
		return c, defs.ERR_NONE
	}
	return nil, defs.ERR_FILE_NOT_FOUND
}

/// Readdir enumerates dir.
func (dev *Devfs_t) Readdir(dir *Fsnode_t) ([]Dirent_t, defs.Err_t) {
	dev.Lock()
	defer dev.Unlock()
	out := make([]Dirent_t, 0, len(dir.children))
	for name := range dir.children {
		out = append(out, Dirent_t{Inode: 0, Name: name})
	}
	return out, defs.ERR_NONE
}

/// Read dispatches to the device behind node.
func (dev *Devfs_t) Read(node *Fsnode_t, dst []uint8) (uint32, defs.Err_t) {
	sp, ok := node.Spec.(*Devspec_t)
	if !ok {
		return 0, defs.ERR_NO_DEVICE
	}
	return sp.Ops.Dread(dst)
}

/// Write dispatches to the device behind node.
func (dev *Devfs_t) Write(node *Fsnode_t, src []uint8) (uint32, defs.Err_t) {
	sp, ok := node.Spec.(*Devspec_t)
	if !ok {
		return 0, defs.ERR_NO_DEVICE
	}
	return sp.Ops.Dwrite(src)
}

/// Create makes an empty directory in the tree; device nodes themselves
/// come from Register_device.
func (dev *Devfs_t) Create(dir *Fsnode_t, name string, attrs uint32) (*Fsnode_t, defs.Err_t) {
	if attrs&FILE_ATTR_DIR == 0 {
		return nil, defs.ERR_PERMISSION
	}
	dev.Lock()
	defer dev.Unlock()
	node := &Fsnode_t{
		Name:       name,
		Parent:     dir,
		Fs:         dev.fs,
		Attrs:      attrs,
		Hard_links: 2,
	}
	dir.setchild(name, node)
	return node, defs.ERR_NONE
}

/// Unlink removes the entry called name from the tree.
func (dev *Devfs_t) Unlink(dir *Fsnode_t, node *Fsnode_t, name string) defs.Err_t {
	dev.Lock()
	defer dev.Unlock()
	dir.delchild(name)
	return defs.ERR_NONE
}

/// Rename changes node's name within dir.
func (dev *Devfs_t) Rename(dir *Fsnode_t, node *Fsnode_t, newname string) defs.Err_t {
	dev.Lock()
	defer dev.Unlock()
	dir.delchild(node.Name)
	node.Name = newname
	dir.setchild(newname, node)
	return defs.ERR_NONE
}
