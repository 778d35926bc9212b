// Command mkfs builds a disk image for this module's file system: a
// fixed-size block device containing a root directory and a copy of a
// host skeleton directory tree. Grounded on mkfs/mkfs.go's two-stage
// shape (MkDisk then walk-and-copy a skeleton directory), adapted from
// its bootloader/kernel-image concatenation (no boot path in this
// tree) down to just the file-system region, and from ufs.Ufs_t's
// MkFile/MkDir/Append facade to this module's dirfs.Filesystem +
// inode.Table directly.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"blkcache"
	"blockdev"
	"dirfs"
	"inode"
	"ustr"
)

// ndatablks is the total number of 512-byte sectors in the image; sector 0
// is left unused and the rest hold inodes (the root directory's included)
// and data, mirroring mkfs.go's
// ninodeblks+ndatablks sizing (scaled down; this tree has no separate
// journal region to size nlogblks for).
const ndatablks = 40000

func copydata(srcPath string, itbl *inode.Table, h *inode.Handle) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	buf := make([]byte, blockdev.SectorSize*8)
	var offset int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := itbl.WriteAt(h, buf[:n], offset); err != 0 {
				return fmt.Errorf("write %s: err %d", srcPath, err)
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func addfiles(fs *dirfs.Filesystem, itbl *inode.Table, root *inode.Handle, skeldir string) error {
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}
		rel = strings.TrimPrefix(rel, string(filepath.Separator))
		if rel == "" {
			return nil
		}

		if d.IsDir() {
			if e := fs.MkDir(root, ustr.Ustr(rel)); e != 0 {
				fmt.Fprintf(os.Stderr, "failed to create dir %v: err %d\n", rel, e)
			}
			return nil
		}

		h, e := fs.Create(root, ustr.Ustr(rel))
		if e != 0 {
			fmt.Fprintf(os.Stderr, "failed to create file %v: err %d\n", rel, e)
			return nil
		}
		err = copydata(path, itbl, h)
		itbl.Put(h)
		return err
	})
}

func main() {
	if len(os.Args) < 3 {
		fmt.Printf("Usage: mkfs <output image> <skel dir>\n")
		os.Exit(1)
	}
	image := os.Args[1]
	skeldir := os.Args[2]

	sectors := ndatablks
	f, err := os.Create(image)
	if err != nil {
		panic(err)
	}
	if err := f.Truncate(int64(sectors) * blockdev.SectorSize); err != nil {
		panic(err)
	}
	f.Close()

	dev, err := blockdev.OpenFile(image, sectors)
	if err != nil {
		panic(err)
	}
	cache := blkcache.New(dev, 512)
	alloc := inode.NewBitmapAllocator(1, sectors-1)
	itbl := inode.NewTable(cache, alloc)

	root, e := dirfs.MkRootDir(itbl)
	if e != 0 {
		fmt.Printf("failed to create root inode: err %d\n", e)
		os.Exit(1)
	}
	fs := dirfs.New(itbl, root.Sector())

	if err := addfiles(fs, itbl, root, skeldir); err != nil {
		fmt.Printf("error walking %q: %v\n", skeldir, err)
		os.Exit(1)
	}

	itbl.Put(root)
	cache.Flush()
	dev.Sync()
	dev.Close()
}
