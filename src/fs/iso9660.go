package fs

import "strings"
import "sync"

import "defs"
import "util"

// iso9660 is read-only. The primary volume descriptor lives in sector 16;
// directory records carry the extent start and size of each object.

const (
	iso_ssize   uint32 = 2048
	iso_pvd_lba uint32 = 16

	iso_flag_hidden uint8 = 1
	iso_flag_dir    uint8 = 2
)

/// Isofs_t implements the read-only iso9660 variant.
type Isofs_t struct {
	sync.Mutex
	disk Disk_i
	fs   *Filesys_t
}

/// Mountiso reads the primary volume descriptor and mounts the volume.
/// The descriptor read is retried to tolerate transient IO errors from a
/// drive that is still spinning up.
func Mountiso(disk Disk_i) (*Filesys_t, defs.Err_t) {
	if disk.Bsize() != iso_ssize {
		return nil, defs.ERR_IO
	}
	iso := &Isofs_t{disk: disk}
	pvd := make([]uint8, iso_ssize)
	err := disk.Bread(iso_pvd_lba, pvd)
	for try := 0; err != 0 && try < 2; try++ {
		err = disk.Bread(iso_pvd_lba, pvd)
	}
	if err != 0 {
		return nil, err
	}
	if pvd[0] != 1 || string(pvd[1:6]) != "CD001" {
		return nil, defs.ERR_IO
	}
	fs := &Filesys_t{Fs_type: FS_TYPE_ISO9660, Iso: iso,
		Blocks: disk.Nblocks(), Bsize: iso_ssize}
	iso.fs = fs
	// the root directory record sits at offset 156 of the descriptor
	root := iso.mknode(pvd[156:190], "/", nil)
	fs.Root = root
	return fs, defs.ERR_NONE
}

// mknode builds an fsnode from a directory record.
func (iso *Isofs_t) mknode(rec []uint8, name string, parent *Fsnode_t) *Fsnode_t {
	node := &Fsnode_t{
		Name:   name,
		Parent: parent,
		Fs:     iso.fs,
		Length: util.Readn(rec, 4, 10),
		Spec: &Isospec_t{
			Extent_start: util.Readn(rec, 4, 2),
			Extent_size:  util.Readn(rec, 4, 10),
		},
		Hard_links: 1,
	}
	flags := uint8(util.Readn(rec, 1, 25))
	if flags&iso_flag_dir != 0 {
		node.Attrs |= FILE_ATTR_DIR
	}
	if flags&iso_flag_hidden != 0 {
		node.Attrs |= FILE_ATTR_HIDDEN
	}
	return node
}

// isoname strips the ";1" version suffix from a record name.
func isoname(raw []uint8) string {
	s := string(raw)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".")
}

// walk calls f for each record of the directory extent until f returns
// false.
func (iso *Isofs_t) walk(dir *Fsnode_t, f func(rec []uint8, name string) bool) defs.Err_t {
	sp := dir.Spec.(*Isospec_t)
	nsect := util.Roundup(sp.Extent_size, iso_ssize) / iso_ssize
	buf := make([]uint8, iso_ssize)
	for s := uint32(0); s < nsect; s++ {
		if err := iso.disk.Bread(sp.Extent_start+s, buf); err != 0 {
			return err
		}
		off := uint32(0)
		for off < iso_ssize {
			rl := uint32(buf[off])
			if rl == 0 {
				// records do not straddle sectors; move on
				break
			}
			rec := buf[off : off+rl]
			nl := uint32(rec[32])
			name := isoname(rec[33 : 33+nl])
			// the first two records name the directory itself and
			// its parent
			if !(nl == 1 && (rec[33] == 0 || rec[33] == 1)) {
				if !f(rec, name) {
					return defs.ERR_NONE
				}
			}
			off += rl
		}
	}
	return defs.ERR_NONE
}

/// Lookup resolves name inside dir.
func (iso *Isofs_t) Lookup(dir *Fsnode_t, name string) (*Fsnode_t, defs.Err_t) {
	iso.Lock()
	defer iso.Unlock()
	if c, ok := dir.child(name); ok {
		return c, defs.ERR_NONE
	}
	var found *Fsnode_t
	err := iso.walk(dir, func(rec []uint8, rname string) bool {
		if rname == name {
			found = iso.mknode(rec, name, dir)
			return false
		}
		return true
	})
	if err != 0 {
		return nil, err
	}
	if found == nil {
		return nil, defs.ERR_FILE_NOT_FOUND
	}
	dir.setchild(name, found)
	return found, defs.ERR_NONE
}

/// Readdir enumerates dir. Inode numbers are the extent start LBAs.
func (iso *Isofs_t) Readdir(dir *Fsnode_t) ([]Dirent_t, defs.Err_t) {
	iso.Lock()
	defer iso.Unlock()
	var out []Dirent_t
	err := iso.walk(dir, func(rec []uint8, name string) bool {
		out = append(out, Dirent_t{Inode: util.Readn(rec, 4, 2), Name: name})
		return true
	})
	if err != 0 {
		return nil, err
	}
	return out, defs.ERR_NONE
}

/// Read copies file bytes at off into dst.
func (iso *Isofs_t) Read(node *Fsnode_t, off uint32, dst []uint8) (uint32, defs.Err_t) {
	iso.Lock()
	defer iso.Unlock()
	if off > node.Length || (off == node.Length && len(dst) > 0) {
		return 0, defs.ERR_FILE_OUT
	}
	sp := node.Spec.(*Isospec_t)
	n := util.Min(uint32(len(dst)), node.Length-off)
	buf := make([]uint8, iso_ssize)
	var done uint32
	for done < n {
		sect := (off + done) / iso_ssize
		soff := (off + done) % iso_ssize
		c := util.Min(n-done, iso_ssize-soff)
		if err := iso.disk.Bread(sp.Extent_start+sect, buf); err != 0 {
			return done, err
		}
		copy(dst[done:done+c], buf[soff:soff+c])
		done += c
	}
	return done, defs.ERR_NONE
}
