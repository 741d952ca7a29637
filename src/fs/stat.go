package fs

import "util"

/// Stat_t mirrors the user-visible stat structure. All fields are 32-bit
/// words; the serialized form is little-endian in field order.
type Stat_t struct {
	St_dev     uint32
	St_ino     uint32
	St_mode    uint32
	St_nlink   uint32
	St_uid     uint32
	St_gid     uint32
	St_rdev    uint32
	St_size    uint32
	St_atime   uint32
	St_mtime   uint32
	St_ctime   uint32
	St_blksize uint32
	St_blocks  uint32
}

/// Mode bits reported in St_mode.
const (
	S_IFDIR uint32 = 0040000
	S_IFREG uint32 = 0100000
)

/// Bytes returns the serialized structure.
func (st *Stat_t) Bytes() []uint8 {
	buf := make([]uint8, 13*4)
	for i, v := range []uint32{st.St_dev, st.St_ino, st.St_mode, st.St_nlink,
		st.St_uid, st.St_gid, st.St_rdev, st.St_size, st.St_atime,
		st.St_mtime, st.St_ctime, st.St_blksize, st.St_blocks} {
		util.Writen(buf, 4, 4*i, v)
	}
	return buf
}

/// Statfs_t mirrors the user-visible statfs structure; Mount_path is a
/// NUL terminated string of at most 99 bytes.
type Statfs_t struct {
	F_type     uint32
	F_flags    uint32
	F_bsize    uint32
	F_blocks   uint32
	F_bfree    uint32
	F_bavail   uint32
	F_files    uint32
	F_ffree    uint32
	F_fsid     uint32
	Mount_path [100]uint8
}

/// Bytes returns the serialized structure.
func (sf *Statfs_t) Bytes() []uint8 {
	buf := make([]uint8, 9*4+100)
	for i, v := range []uint32{sf.F_type, sf.F_flags, sf.F_bsize,
		sf.F_blocks, sf.F_bfree, sf.F_bavail, sf.F_files, sf.F_ffree,
		sf.F_fsid} {
		util.Writen(buf, 4, 4*i, v)
	}
	copy(buf[9*4:], sf.Mount_path[:])
	return buf
}
