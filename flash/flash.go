// Package flash abstracts the device's flat flash filesystem. The recorder
// only needs open/read/write/seek/truncate, remove, rename and a directory
// scan; Dir backs it with an OS directory and Mem with RAM.
package flash

import (
	"io"
	"sort"
	"strings"
)

// Open flags, POSIX-like.
const (
	ORead   = 1 << iota // read only
	OWrite              // write only
	OCreate             // create if missing
	OAppend             // writes go to end
	OTrunc              // truncate on open
	OExcl               // with OCreate, fail if exists

	ORDWR = ORead | OWrite
)

// File is an open flash file.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
}

// Entry is one directory record. Larger Seq values list first.
// Mem assigns Seq at creation, and rename and truncate keep it. DirFS
// uses the modification time, so a write or truncate moves a file to
// newest.
type Entry struct {
	Name string
	Size int64
	Seq  int64
}

// Dir iterates a directory scan.
type Dir interface {
	Next() (Entry, bool)
	Close() error
}

// FS is the flat file store.
type FS interface {
	Open(name string, flag int) (File, error)
	Remove(name string) error
	Rename(oldName, newName string) error
	Stat(name string) (Entry, error)
	OpenDir() (Dir, error)
}

// IsSystem reports names reserved for in-progress or system files.
func IsSystem(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// List scans fs and returns entries newest first; ties break on name,
// descending.
func List(fs FS) ([]Entry, error) {
	d, err := fs.OpenDir()
	if err != nil {
		return nil, err
	}
	defer d.Close()
	var out []Entry
	for {
		e, ok := d.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq > out[j].Seq
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Exists reports whether name is present.
func Exists(fs FS, name string) bool {
	_, err := fs.Stat(name)
	return err == nil
}

// sliceDir adapts a pre-read slice to Dir.
type sliceDir struct {
	es []Entry
	i  int
}

func (d *sliceDir) Next() (Entry, bool) {
	if d.i >= len(d.es) {
		return Entry{}, false
	}
	e := d.es[d.i]
	d.i++
	return e, true
}

func (d *sliceDir) Close() error { d.es = nil; return nil }
