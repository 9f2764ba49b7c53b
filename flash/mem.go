package flash

import (
	"io"
	"sync"

	"smartfin-go/errcode"
)

// Mem is an in-RAM FS for tests and simulation.
type Mem struct {
	mu    sync.Mutex
	files map[string]*memNode
	seq   int64
}

type memNode struct {
	data []byte
	seq  int64
}

func NewMem() *Mem { return &Mem{files: map[string]*memNode{}} }

func (m *Mem) Open(name string, flag int) (File, error) {
	if name == "" {
		return nil, errcode.New(errcode.InvalidParams, "flash.open", "empty name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.files[name]
	switch {
	case ok && flag&OCreate != 0 && flag&OExcl != 0:
		return nil, errcode.New(errcode.AlreadyOpen, "flash.open", name)
	case !ok && flag&OCreate == 0:
		return nil, errcode.New(errcode.NotFound, "flash.open", name)
	case !ok:
		m.seq++
		n = &memNode{seq: m.seq}
		m.files[name] = n
	}
	if flag&OTrunc != 0 {
		n.data = n.data[:0]
	}
	return &memFile{fs: m, n: n, flag: flag}, nil
}

func (m *Mem) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return errcode.New(errcode.NotFound, "flash.remove", name)
	}
	delete(m.files, name)
	return nil
}

func (m *Mem) Rename(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.files[oldName]
	if !ok {
		return errcode.New(errcode.NotFound, "flash.rename", oldName)
	}
	if _, taken := m.files[newName]; taken {
		return errcode.New(errcode.AlreadyOpen, "flash.rename", newName)
	}
	delete(m.files, oldName)
	m.files[newName] = n
	return nil
}

func (m *Mem) Stat(name string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.files[name]
	if !ok {
		return Entry{}, errcode.New(errcode.NotFound, "flash.stat", name)
	}
	return Entry{Name: name, Size: int64(len(n.data)), Seq: n.seq}, nil
}

func (m *Mem) OpenDir() (Dir, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	es := make([]Entry, 0, len(m.files))
	for name, n := range m.files {
		es = append(es, Entry{Name: name, Size: int64(len(n.data)), Seq: n.seq})
	}
	return &sliceDir{es: es}, nil
}

type memFile struct {
	fs     *Mem
	n      *memNode
	flag   int
	off    int64
	closed bool
}

func (f *memFile) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed || f.flag&ORead == 0 {
		return 0, errcode.New(errcode.InvalidState, "flash.read", "not readable")
	}
	if f.off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed || f.flag&OWrite == 0 {
		return 0, errcode.New(errcode.InvalidState, "flash.write", "not writable")
	}
	if f.flag&OAppend != 0 {
		f.off = int64(len(f.n.data))
	}
	end := f.off + int64(len(p))
	if end > int64(len(f.n.data)) {
		f.n.data = append(f.n.data, make([]byte, end-int64(len(f.n.data)))...)
	}
	copy(f.n.data[f.off:end], p)
	f.off = end
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.off
	case io.SeekEnd:
		base = int64(len(f.n.data))
	default:
		return 0, errcode.InvalidParams
	}
	if base+offset < 0 {
		return 0, errcode.New(errcode.InvalidParams, "flash.seek", "negative offset")
	}
	f.off = base + offset
	return f.off, nil
}

func (f *memFile) Truncate(size int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed || f.flag&OWrite == 0 {
		return errcode.New(errcode.InvalidState, "flash.truncate", "not writable")
	}
	if size < 0 {
		return errcode.InvalidParams
	}
	if size <= int64(len(f.n.data)) {
		f.n.data = f.n.data[:size]
	} else {
		f.n.data = append(f.n.data, make([]byte, size-int64(len(f.n.data)))...)
	}
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return int64(len(f.n.data)), nil
}

func (f *memFile) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return errcode.New(errcode.NotOpen, "flash.close", "")
	}
	f.closed = true
	return nil
}
