package sfs

import (
	"io"
	"io/fs"
	"time"
)

// fileInfo adapts an Inode to fs.FileInfo, the way squashfs's
// fileinfo type (file.go) adapts its own inode representation.
type fileInfo struct {
	name string
	in   *Inode
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return int64(fi.in.Size) }
func (fi fileInfo) Mode() fs.FileMode  { return unixToFileMode(fi.in.Mode) }
func (fi fileInfo) ModTime() time.Time { return time.Unix(int64(fi.in.Mtime), 0) }
func (fi fileInfo) IsDir() bool        { return fi.in.IsDir() }
func (fi fileInfo) Sys() interface{}   { return fi.in }

// File is a read-only, io/fs-compatible view of a regular file or
// directory, layered over Namespace for callers that want the
// standard library's file abstractions instead of the raw namespace
// API (analogous to squashfs's File/FileDir pair in file.go).
type File struct {
	ns     *Namespace
	in     *Inode
	name   string
	offset int64
}

// OpenFile resolves path (slash-separated, relative to root) to a
// *File, following each component via Namespace.Lookup.
func OpenFile(ns *Namespace, path string) (*File, error) {
	in, name, err := resolvePath(ns, path)
	if err != nil {
		return nil, err
	}
	return &File{ns: ns, in: in, name: name}, nil
}

func resolvePath(ns *Namespace, path string) (*Inode, string, error) {
	cur, err := ns.Root()
	if err != nil {
		return nil, "", err
	}
	name := "/"
	start := 0
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		comp := path[start:end]
		if comp != "" {
			next, err := ns.Lookup(cur, comp)
			if err != nil {
				return nil, "", err
			}
			cur = next
			name = comp
		}
		start = end + 1
	}
	return cur, name, nil
}

func (f *File) Stat() (fs.FileInfo, error) { return fileInfo{name: f.name, in: f.in}, nil }

func (f *File) Read(p []byte) (int, error) {
	n, err := f.ns.inodes.ReadAt(f.in, p, f.offset)
	f.offset += int64(n)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

func (f *File) Close() error { return nil }

// dirEntryAdapter adapts a directory entry to fs.DirEntry.
type dirEntryAdapter struct {
	name string
	in   *Inode
}

func (d dirEntryAdapter) Name() string               { return d.name }
func (d dirEntryAdapter) IsDir() bool                 { return d.in.IsDir() }
func (d dirEntryAdapter) Type() fs.FileMode           { return unixToFileMode(d.in.Mode).Type() }
func (d dirEntryAdapter) Info() (fs.FileInfo, error) { return fileInfo{name: d.name, in: d.in}, nil }

// ReadDir lists f's directory entries, skipping "." and "..", in the
// style of fs.ReadDirFile.
func (f *File) ReadDir(n int) ([]fs.DirEntry, error) {
	if !f.in.IsDir() {
		return nil, ErrNotDir
	}
	var out []fs.DirEntry
	err := f.ns.dirs.Iterate(f.in, func(name string, ino uint32) bool {
		if name == "." || name == ".." {
			return true
		}
		child, gerr := f.ns.inodes.Get(ino)
		if gerr != nil {
			return true
		}
		out = append(out, dirEntryAdapter{name: name, in: child})
		if n > 0 && len(out) >= n {
			return false
		}
		return true
	})
	return out, err
}
