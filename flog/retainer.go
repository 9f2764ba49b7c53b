package flog

import (
	"io"

	"smartfin-go/errcode"
	"smartfin-go/flash"
)

// DefaultFile is hidden from upload by its prefix.
const DefaultFile = "_flog"

// FileRetainer keeps the image as one file in the flash store.
type FileRetainer struct {
	FS   flash.FS
	Name string
}

func (r FileRetainer) name() string {
	if r.Name == "" {
		return DefaultFile
	}
	return r.Name
}

func (r FileRetainer) Load() ([]byte, error) {
	f, err := r.FS.Open(r.name(), flash.ORead)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	return b, errcode.Wrap(errcode.IOError, "flog.load", err)
}

func (r FileRetainer) Save(b []byte) error {
	f, err := r.FS.Open(r.name(), flash.OWrite|flash.OCreate|flash.OTrunc)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errcode.Wrap(errcode.IOError, "flog.save", err)
	}
	return errcode.Wrap(errcode.IOError, "flog.save", f.Close())
}

// Mem is an in-process Retainer; sharing one across two logs models a
// reset with retained RAM.
type Mem struct{ b []byte }

func (m *Mem) Load() ([]byte, error) {
	if m.b == nil {
		return nil, errcode.NotFound
	}
	return append([]byte(nil), m.b...), nil
}

func (m *Mem) Save(b []byte) error {
	m.b = append(m.b[:0], b...)
	return nil
}

// Corrupt flips a byte in the stored image.
func (m *Mem) Corrupt(at int) {
	if at < len(m.b) {
		m.b[at] ^= 0xFF
	}
}
