package flash

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"smartfin-go/errcode"
)

// DirFS stores files flat in an OS directory. Creation order is taken from
// the modification time, which rename keeps.
type DirFS struct {
	root string
}

// NewDir ensures root exists and returns an FS over it.
func NewDir(root string) (*DirFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.IOError, "flash.new_dir", err)
	}
	return &DirFS{root: root}, nil
}

func (d *DirFS) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errcode.New(errcode.InvalidParams, "flash.path", name)
	}
	return filepath.Join(d.root, name), nil
}

func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return &errcode.E{C: errcode.NotFound, Op: op, Err: err}
	case errors.Is(err, fs.ErrExist):
		return &errcode.E{C: errcode.AlreadyOpen, Op: op, Err: err}
	}
	return &errcode.E{C: errcode.IOError, Op: op, Err: err}
}

func (d *DirFS) Open(name string, flag int) (File, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	var of int
	switch {
	case flag&ORDWR == ORDWR:
		of = os.O_RDWR
	case flag&OWrite != 0:
		of = os.O_WRONLY
	default:
		of = os.O_RDONLY
	}
	if flag&OCreate != 0 {
		of |= os.O_CREATE
	}
	if flag&OExcl != 0 {
		of |= os.O_EXCL
	}
	if flag&OAppend != 0 {
		of |= os.O_APPEND
	}
	if flag&OTrunc != 0 {
		of |= os.O_TRUNC
	}
	f, err := os.OpenFile(p, of, 0o644)
	if err != nil {
		return nil, mapErr("flash.open", err)
	}
	return osFile{f}, nil
}

func (d *DirFS) Remove(name string) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	return mapErr("flash.remove", os.Remove(p))
}

func (d *DirFS) Rename(oldName, newName string) error {
	op, err := d.path(oldName)
	if err != nil {
		return err
	}
	np, err := d.path(newName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(np); err == nil {
		return errcode.New(errcode.AlreadyOpen, "flash.rename", newName)
	}
	return mapErr("flash.rename", os.Rename(op, np))
}

func (d *DirFS) Stat(name string) (Entry, error) {
	p, err := d.path(name)
	if err != nil {
		return Entry{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return Entry{}, mapErr("flash.stat", err)
	}
	return entryOf(fi), nil
}

func (d *DirFS) OpenDir() (Dir, error) {
	des, err := os.ReadDir(d.root)
	if err != nil {
		return nil, mapErr("flash.open_dir", err)
	}
	es := make([]Entry, 0, len(des))
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue // removed under us
		}
		es = append(es, entryOf(fi))
	}
	return &sliceDir{es: es}, nil
}

func entryOf(fi fs.FileInfo) Entry {
	return Entry{Name: fi.Name(), Size: fi.Size(), Seq: fi.ModTime().UnixNano()}
}

type osFile struct{ *os.File }

func (f osFile) Size() (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, mapErr("flash.size", err)
	}
	return fi.Size(), nil
}
