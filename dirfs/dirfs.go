// Package dirfs implements the directory layer: a directory is a
// regular inode holding a flat array of fixed-size directory entries,
// with `.`/`..` self-references maintained at creation time and
// hierarchical path resolution layered on top. The high-level
// operations (Create/MkDir/Remove/Rename/Stat/ReadDir) mirror the shape of the
// teacher kernel's Ufs_t facade, adapted from a syscall-shaped API to
// this tree's direct inode.Table collaborator.
package dirfs

import (
	"encoding/binary"
	"sync"

	"bpath"
	"defs"
	"inode"
	"ustr"
)

// NameMax is the longest directory-entry name, matching the external
// interface's recommended value.
const NameMax = 14

// DirentSize is the on-disk size of one directory entry: a 4-byte inode
// sector, a NameMax+1-byte name (room for a trailing NUL), and a 1-byte
// in-use flag.
const DirentSize = 4 + (NameMax + 1) + 1

// Dirent is one directory entry.
type Dirent struct {
	InodeSector uint32
	Name        [NameMax + 1]byte
	InUse       bool
}

// EncodeDirent serializes d into a fixed-size buffer.
func EncodeDirent(d *Dirent) [DirentSize]byte {
	var buf [DirentSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], d.InodeSector)
	copy(buf[4:4+NameMax+1], d.Name[:])
	if d.InUse {
		buf[DirentSize-1] = 1
	}
	return buf
}

// DecodeDirent parses a fixed-size buffer into a Dirent.
func DecodeDirent(buf []byte) Dirent {
	var d Dirent
	d.InodeSector = binary.LittleEndian.Uint32(buf[0:4])
	copy(d.Name[:], buf[4:4+NameMax+1])
	d.InUse = buf[DirentSize-1] != 0
	return d
}

func direntName(d *Dirent) ustr.Ustr {
	return ustr.MkUstrSlice(d.Name[:])
}

func setDirentName(d *Dirent, name ustr.Ustr) defs.Err_t {
	if len(name) > NameMax {
		return defs.ENAMETOOLONG
	}
	var buf [NameMax + 1]byte
	copy(buf[:], name)
	d.Name = buf
	return 0
}

// Filesystem is the directory layer over an inode.Table: path
// resolution, directory mutation, and the high-level file operations.
// Mutations are serialized by fsMu, matching the "file-system mutation
// is serialized by one lock" ordering guarantee.
type Filesystem struct {
	fsMu       sync.Mutex
	itbl       *inode.Table
	rootSector int
}

// New builds a Filesystem over itbl, rooted at rootSector (which must
// already hold an initialized directory inode; see MkRootDir).
func New(itbl *inode.Table, rootSector int) *Filesystem {
	return &Filesystem{itbl: itbl, rootSector: rootSector}
}

// MkRootDir creates and returns a fresh root directory inode,
// self-referencing for both `.` and `..`, for use as a brand-new
// filesystem's root sector.
func MkRootDir(itbl *inode.Table) (*inode.Handle, defs.Err_t) {
	root, err := itbl.Create(true)
	if err != 0 {
		return nil, err
	}
	if err := appendDirent(itbl, root, ustr.MkUstrDot(), uint32(root.Sector())); err != 0 {
		return nil, err
	}
	if err := appendDirent(itbl, root, ustr.DotDot, uint32(root.Sector())); err != 0 {
		return nil, err
	}
	return root, 0
}

// Root opens the filesystem's root directory.
func (f *Filesystem) Root() (*inode.Handle, defs.Err_t) {
	return f.itbl.Get(f.rootSector)
}

// lookupEntry scans dir's entries for name, returning the matching
// inode sector.
func lookupEntry(itbl *inode.Table, dir *inode.Handle, name ustr.Ustr) (uint32, bool, defs.Err_t) {
	length := dir.Length()
	var buf [DirentSize]byte
	for off := int64(0); off+DirentSize <= length; off += DirentSize {
		n, err := itbl.ReadAt(dir, buf[:], off)
		if err != 0 {
			return 0, false, err
		}
		if n < DirentSize {
			break
		}
		d := DecodeDirent(buf[:])
		if d.InUse && direntName(&d).Eq(name) {
			return d.InodeSector, true, 0
		}
	}
	return 0, false, 0
}

// appendDirent adds a new entry under name pointing at sector, reusing
// a freed slot if one exists. It does not check for a prior entry with
// the same name -- callers that must reject duplicates check via
// lookupEntry first.
func appendDirent(itbl *inode.Table, dir *inode.Handle, name ustr.Ustr, sector uint32) defs.Err_t {
	d := Dirent{InodeSector: sector, InUse: true}
	if err := setDirentName(&d, name); err != 0 {
		return err
	}
	length := dir.Length()
	var buf [DirentSize]byte
	for off := int64(0); off+DirentSize <= length; off += DirentSize {
		n, err := itbl.ReadAt(dir, buf[:], off)
		if err != 0 {
			return err
		}
		if n < DirentSize {
			break
		}
		existing := DecodeDirent(buf[:])
		if !existing.InUse {
			encoded := EncodeDirent(&d)
			_, err := itbl.WriteAt(dir, encoded[:], off)
			return err
		}
	}
	encoded := EncodeDirent(&d)
	_, err := itbl.WriteAt(dir, encoded[:], length)
	return err
}

// clearDirent marks the entry named name within dir unused, leaving the
// slot available for reuse by a later appendDirent.
func clearDirent(itbl *inode.Table, dir *inode.Handle, name ustr.Ustr) defs.Err_t {
	length := dir.Length()
	var buf [DirentSize]byte
	for off := int64(0); off+DirentSize <= length; off += DirentSize {
		n, err := itbl.ReadAt(dir, buf[:], off)
		if err != 0 {
			return err
		}
		if n < DirentSize {
			break
		}
		d := DecodeDirent(buf[:])
		if d.InUse && direntName(&d).Eq(name) {
			d.InUse = false
			encoded := EncodeDirent(&d)
			_, err := itbl.WriteAt(dir, encoded[:], off)
			return err
		}
	}
	return defs.ENOENT
}

// resolveDir walks every component of path, starting from root
// (absolute paths) or start (relative paths), returning the open handle
// of the directory reached; it fails with ENOTDIR if that is not a
// directory. Callers pass just the parent part of a path when they need
// its containing directory. The caller must Put it back via f.itbl.Put.
func (f *Filesystem) resolveDir(start *inode.Handle, path ustr.Ustr) (*inode.Handle, defs.Err_t) {
	var cur *inode.Handle
	var err defs.Err_t
	if path.IsAbsolute() {
		cur, err = f.Root()
	} else {
		// take our own reference to start: the loop below Puts cur on
		// every iteration (including the very first), and start remains
		// the caller's own reference to release independently.
		cur, err = f.itbl.Get(start.Sector())
	}
	if err != 0 {
		return nil, err
	}

	for _, tok := range splitComponents(path) {
		if tok.Isdot() {
			continue
		}
		if !cur.IsDir() {
			f.itbl.Put(cur)
			return nil, defs.ENOTDIR
		}
		sector, ok, err := lookupEntry(f.itbl, cur, tok)
		if err != 0 {
			f.itbl.Put(cur)
			return nil, err
		}
		if !ok {
			f.itbl.Put(cur)
			return nil, defs.ENOENT
		}
		next, err := f.itbl.Get(int(sector))
		f.itbl.Put(cur)
		if err != 0 {
			return nil, err
		}
		cur = next
	}
	if !cur.IsDir() {
		f.itbl.Put(cur)
		return nil, defs.ENOTDIR
	}
	return cur, 0
}

// Open resolves path to an inode handle, starting from start for
// relative paths (absolute paths always start at the root).
func (f *Filesystem) Open(start *inode.Handle, path ustr.Ustr) (*inode.Handle, defs.Err_t) {
	parent, base := bpath.Split(path)
	if len(base) == 0 {
		return f.resolveDir(start, path)
	}
	if base.Eq(ustr.MkUstrRoot()) {
		// bpath.Split("/") == ("", "/"): the root itself, not a name to
		// look up in any parent directory.
		return f.Root()
	}
	dir, err := f.resolveDir(start, parent)
	if err != 0 {
		return nil, err
	}
	if base.Isdot() {
		return dir, 0
	}
	if base.Isdotdot() {
		sector, ok, err := lookupEntry(f.itbl, dir, ustr.DotDot)
		f.itbl.Put(dir)
		if err != 0 {
			return nil, err
		}
		if !ok {
			return nil, defs.ENOENT
		}
		return f.itbl.Get(int(sector))
	}
	sector, ok, err := lookupEntry(f.itbl, dir, base)
	f.itbl.Put(dir)
	if err != 0 {
		return nil, err
	}
	if !ok {
		return nil, defs.ENOENT
	}
	return f.itbl.Get(int(sector))
}

// Create makes a new, empty file at path.
func (f *Filesystem) Create(start *inode.Handle, path ustr.Ustr) (*inode.Handle, defs.Err_t) {
	f.fsMu.Lock()
	defer f.fsMu.Unlock()

	parent, base := bpath.Split(path)
	if len(base) == 0 {
		return nil, defs.EINVAL
	}
	dir, err := f.resolveDir(start, parent)
	if err != 0 {
		return nil, err
	}
	defer f.itbl.Put(dir)

	if _, ok, err := lookupEntry(f.itbl, dir, base); err != 0 {
		return nil, err
	} else if ok {
		return nil, defs.EEXIST
	}

	h, err := f.itbl.Create(false)
	if err != 0 {
		return nil, err
	}
	if err := appendDirent(f.itbl, dir, base, uint32(h.Sector())); err != 0 {
		f.itbl.Remove(h)
		f.itbl.Put(h)
		return nil, err
	}
	return h, 0
}

// MkDir makes a new, empty directory at path, with `.` and `..` wired
// to itself and to the parent respectively.
func (f *Filesystem) MkDir(start *inode.Handle, path ustr.Ustr) defs.Err_t {
	f.fsMu.Lock()
	defer f.fsMu.Unlock()

	parent, base := bpath.Split(path)
	if len(base) == 0 {
		return defs.EINVAL
	}
	dir, err := f.resolveDir(start, parent)
	if err != 0 {
		return err
	}
	defer f.itbl.Put(dir)

	if _, ok, err := lookupEntry(f.itbl, dir, base); err != 0 {
		return err
	} else if ok {
		return defs.EEXIST
	}

	h, err := f.itbl.Create(true)
	if err != 0 {
		return err
	}
	if err := appendDirent(f.itbl, h, ustr.MkUstrDot(), uint32(h.Sector())); err != 0 {
		f.itbl.Remove(h)
		f.itbl.Put(h)
		return err
	}
	if err := appendDirent(f.itbl, h, ustr.DotDot, uint32(dir.Sector())); err != 0 {
		f.itbl.Remove(h)
		f.itbl.Put(h)
		return err
	}
	if err := appendDirent(f.itbl, dir, base, uint32(h.Sector())); err != 0 {
		f.itbl.Remove(h)
		f.itbl.Put(h)
		return err
	}
	f.itbl.Put(h)
	return 0
}

// Remove unlinks path. A directory target must be empty (ignoring `.`
// and `..`).
func (f *Filesystem) Remove(start *inode.Handle, path ustr.Ustr) defs.Err_t {
	f.fsMu.Lock()
	defer f.fsMu.Unlock()

	parent, base := bpath.Split(path)
	if len(base) == 0 || base.Isdot() || base.Isdotdot() {
		return defs.EINVAL
	}
	dir, err := f.resolveDir(start, parent)
	if err != 0 {
		return err
	}
	defer f.itbl.Put(dir)

	sector, ok, err := lookupEntry(f.itbl, dir, base)
	if err != 0 {
		return err
	}
	if !ok {
		return defs.ENOENT
	}

	target, err := f.itbl.Get(int(sector))
	if err != 0 {
		return err
	}
	if target.IsDir() {
		names, err := f.readdirLocked(target)
		if err != 0 {
			f.itbl.Put(target)
			return err
		}
		if len(names) > 0 {
			f.itbl.Put(target)
			return defs.ENOTEMPTY
		}
	}
	if err := clearDirent(f.itbl, dir, base); err != 0 {
		f.itbl.Put(target)
		return err
	}
	f.itbl.Remove(target)
	f.itbl.Put(target)
	return 0
}

// Rename moves the entry at oldp to newp, both resolved relative to
// start. newp must not already exist. This is a name-table operation
// only -- the moved inode's own sector and contents are untouched.
func (f *Filesystem) Rename(start *inode.Handle, oldp, newp ustr.Ustr) defs.Err_t {
	f.fsMu.Lock()
	defer f.fsMu.Unlock()

	oldParentPath, oldBase := bpath.Split(oldp)
	newParentPath, newBase := bpath.Split(newp)
	if len(oldBase) == 0 || len(newBase) == 0 {
		return defs.EINVAL
	}

	oldDir, err := f.resolveDir(start, oldParentPath)
	if err != 0 {
		return err
	}
	defer f.itbl.Put(oldDir)

	sector, ok, err := lookupEntry(f.itbl, oldDir, oldBase)
	if err != 0 {
		return err
	}
	if !ok {
		return defs.ENOENT
	}

	newDir, err := f.resolveDir(start, newParentPath)
	if err != 0 {
		return err
	}
	defer f.itbl.Put(newDir)

	// a directory may not be moved beneath itself: walk newDir's `..`
	// chain up to the root and reject the move if it passes the target.
	for cur := uint32(newDir.Sector()); ; {
		if cur == sector {
			return defs.EINVAL
		}
		h, err := f.itbl.Get(int(cur))
		if err != 0 {
			return err
		}
		up, ok, err := lookupEntry(f.itbl, h, ustr.DotDot)
		f.itbl.Put(h)
		if err != 0 {
			return err
		}
		if !ok || up == cur {
			break
		}
		cur = up
	}

	if _, ok, err := lookupEntry(f.itbl, newDir, newBase); err != 0 {
		return err
	} else if ok {
		return defs.EEXIST
	}

	if err := appendDirent(f.itbl, newDir, newBase, sector); err != 0 {
		return err
	}
	return clearDirent(f.itbl, oldDir, oldBase)
}

// Stat_t reports an inode's metadata, adapted from stat.Stat_t's
// private-field-plus-accessor shape: the fields this module's inode
// format actually carries (a sector number in place of a device/inode
// pair, a size, and a directory flag) rather than the full POSIX stat
// buffer the teacher's struct was laid out to match byte-for-byte.
type Stat_t struct {
	sector uint
	size   uint
	isDir  bool
}

// Sector returns the inode's backing sector number.
func (st *Stat_t) Sector() uint { return st.sector }

// Size returns the file's length in bytes.
func (st *Stat_t) Size() uint { return st.size }

// IsDir reports whether the inode is a directory.
func (st *Stat_t) IsDir() bool { return st.isDir }

// Stat resolves path and reports its metadata without altering the
// caller's open-count bookkeeping beyond the resolution itself.
func (f *Filesystem) Stat(start *inode.Handle, path ustr.Ustr) (*Stat_t, defs.Err_t) {
	h, err := f.Open(start, path)
	if err != 0 {
		return nil, err
	}
	defer f.itbl.Put(h)
	return &Stat_t{sector: uint(h.Sector()), size: uint(h.Length()), isDir: h.IsDir()}, 0
}

// ReadDir lists path's entries, excluding `.` and `..`.
func (f *Filesystem) ReadDir(start *inode.Handle, path ustr.Ustr) ([]string, defs.Err_t) {
	h, err := f.Open(start, path)
	if err != 0 {
		return nil, err
	}
	defer f.itbl.Put(h)
	if !h.IsDir() {
		return nil, defs.ENOTDIR
	}
	return f.readdirLocked(h)
}

func (f *Filesystem) readdirLocked(dir *inode.Handle) ([]string, defs.Err_t) {
	length := dir.Length()
	var names []string
	var buf [DirentSize]byte
	for off := int64(0); off+DirentSize <= length; off += DirentSize {
		n, err := f.itbl.ReadAt(dir, buf[:], off)
		if err != 0 {
			return nil, err
		}
		if n < DirentSize {
			break
		}
		d := DecodeDirent(buf[:])
		if !d.InUse {
			continue
		}
		name := direntName(&d)
		if name.Isdot() || name.Isdotdot() {
			continue
		}
		names = append(names, name.String())
	}
	return names, 0
}

// splitComponents tokenizes path on '/', discarding empty components
// produced by leading, trailing, or repeated separators.
func splitComponents(path ustr.Ustr) []ustr.Ustr {
	var out []ustr.Ustr
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}
