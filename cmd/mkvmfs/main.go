// Command mkvmfs formats a fresh vmfs disk image and copies a host
// directory tree into it, the image-builder counterpart to vmfsd. It
// replaces an mkfs that built a bootable image (bootloader + kernel +
// log-structured filesystem); vmfs has no bootloader or kernel to splice
// in, only the filesystem region itself, so this walks a skeleton
// directory straight onto a vmfs image the way mkfs.addfiles walked one
// onto a Ufs_t.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"vmfs/block"
	"vmfs/cache"
	"vmfs/defs"
	"vmfs/fat"
	"vmfs/fd"
	"vmfs/fs"
	"vmfs/inode"
	"vmfs/limits"
)

// Cluster budget for a freshly formatted image: enough for a nontrivial
// skeleton directory without needing to size the image from its contents
// first.
const defaultClusters = 8192

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: mkvmfs <output image> <skeleton dir>\n")
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "mkvmfs: %+v\n", err)
		os.Exit(1)
	}
}

func run(imagePath, skelDir string) error {
	g := fs.Geometry{
		FATBaseSector:  1,
		DataBaseSector: 1 + (defaultClusters*4+defs.SectorSize-1)/defs.SectorSize,
		NumClusters:    defaultClusters,
	}
	sectors := g.DataBaseSector + int64(g.NumClusters)*defs.SectorsPerCluster

	dev, err := block.OpenFileDevice("fs", imagePath, sectors, true)
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	defer dev.Close()

	fatTable, err := fs.NewFATRegion(dev, g)
	if err != nil {
		return errors.Wrap(err, "format fat region")
	}

	c := cacheFor(dev, fatTable)
	inodes := inode.NewTable(fatTable, c, limits.MkSysLimit())

	root, err := inodes.BootstrapRoot(defs.TypeDir)
	if err != nil {
		return errors.Wrap(err, "bootstrap root inode")
	}

	manifest, err := addFiles(inodes, skelDir)
	if err != nil {
		return errors.Wrap(err, "copy skeleton")
	}

	rootFd := fd.Open(inodes, root, fd.Read|fd.Write)
	if _, err := rootFd.Write(fs.EncodeManifest(manifest)); err != nil {
		return errors.Wrap(err, "write root manifest")
	}
	if err := rootFd.Close(); err != nil {
		return errors.Wrap(err, "close root")
	}

	if err := c.Flush(); err != nil {
		return errors.Wrap(err, "flush cache")
	}
	return errors.Wrap(fatTable.Flush(), "flush fat")
}

// cacheFor creates a buffer cache over dev for the duration of the format;
// mkvmfs never runs the periodic writeback worker since it flushes
// explicitly before exiting, so the cache only needs to be usable, not
// started.
func cacheFor(dev block.Device, fatTable *fat.Table) *cache.Cache {
	return cache.New(dev, fatTable)
}

// addFiles walks skelDir on the host and creates one inode per non-directory
// entry it finds (a symlink inode for a symlink, a file inode otherwise),
// returning the name->cluster manifest for the
// root directory. Subdirectories are flattened into their relative path,
// since nested directory resolution is out of scope and a
// flat manifest is all ResolveSymlink's NameResolver collaborator needs.
func addFiles(inodes *inode.Table, skelDir string) (map[string]uint32, error) {
	manifest := make(map[string]uint32)
	err := filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skelDir), string(os.PathSeparator))
		if rel == "" {
			return nil
		}

		typ := defs.TypeFile
		target, isSymlink, err := readSymlink(path, d)
		if err != nil {
			return err
		}
		if isSymlink {
			typ = defs.TypeSymlink
		}

		in, err := inodes.Create(typ)
		if err != nil {
			return errors.Wrapf(err, "create inode for %q", rel)
		}
		defer inodes.Close(in)

		if isSymlink {
			if _, err := inodes.WriteAt(in, append([]byte(target), 0), 0); err != nil {
				return errors.Wrapf(err, "write symlink target for %q", rel)
			}
		} else if err := copyFile(inodes, in, path); err != nil {
			return errors.Wrapf(err, "copy %q", rel)
		}

		manifest[rel] = in.Cluster
		return nil
	})
	return manifest, err
}

func readSymlink(path string, d os.DirEntry) (target string, ok bool, err error) {
	if d.Type()&os.ModeSymlink == 0 {
		return "", false, nil
	}
	target, err = os.Readlink(path)
	if err != nil {
		return "", false, err
	}
	return target, true, nil
}

func copyFile(inodes *inode.Table, in *inode.Inode, src string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	buf := make([]byte, defs.PageSize)
	var offset int64
	for {
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, err := inodes.WriteAt(in, buf[:n], offset); err != nil {
				return err
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
