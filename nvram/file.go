package nvram

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"smartfin-go/errcode"
)

// Image layout (big-endian):
//
//	"SFNV" | version u8 | count u8 | count × (key u8 | len u8 | data) | crc32
//
// The crc covers everything before it.
const (
	imageMagic   = "SFNV"
	imageVersion = 1
)

// File keeps the store as one image file, rewritten through a temp file and
// rename on every Put. An unreadable or corrupt image is replaced by an
// empty store.
type File struct {
	mu   sync.Mutex
	path string
	m    map[Key][]byte
	log  *zap.Logger
}

// OpenFile loads path, reinitialising it when missing or invalid.
func OpenFile(path string, log *zap.Logger) (*File, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f := &File{path: path, m: map[Key][]byte{}, log: log.Named("nvram")}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		f.log.Info("no image, starting empty", zap.String("path", path))
		return f, nil
	case err != nil:
		return nil, errcode.Wrap(errcode.IOError, "nvram.open", err)
	}
	m, err := decodeImage(raw)
	if err != nil {
		f.log.Warn("image invalid, reinitialising", zap.String("path", path), zap.Error(err))
		if err := f.flushLocked(); err != nil {
			return nil, err
		}
		return f, nil
	}
	f.m = m
	return f, nil
}

func (f *File) Get(k Key) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[k]
	if !ok {
		return nil, errcode.NotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Put(k Key, v []byte) error {
	if err := checkSize("nvram.put", k, len(v)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[k] = append([]byte(nil), v...)
	return f.flushLocked()
}

func (f *File) flushLocked() error {
	img := encodeImage(f.m)
	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errcode.Wrap(errcode.IOError, "nvram.flush", err)
	}
	if err := os.WriteFile(tmp, img, 0o644); err != nil {
		return errcode.Wrap(errcode.IOError, "nvram.flush", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errcode.Wrap(errcode.IOError, "nvram.flush", err)
	}
	return nil
}

func encodeImage(m map[Key][]byte) []byte {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	b := append([]byte(imageMagic), imageVersion, byte(len(keys)))
	for _, k := range keys {
		b = append(b, byte(k), byte(len(m[k])))
		b = append(b, m[k]...)
	}
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func decodeImage(b []byte) (map[Key][]byte, error) {
	if len(b) < len(imageMagic)+2+4 || string(b[:4]) != imageMagic {
		return nil, errcode.New(errcode.Corrupt, "nvram.decode", "bad magic")
	}
	body, sum := b[:len(b)-4], binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, errcode.New(errcode.Corrupt, "nvram.decode", "crc mismatch")
	}
	if body[4] != imageVersion {
		return nil, errcode.New(errcode.Corrupt, "nvram.decode", "unsupported version")
	}
	n := int(body[5])
	p := body[6:]
	m := make(map[Key][]byte, n)
	for i := 0; i < n; i++ {
		if len(p) < 2 {
			return nil, errcode.New(errcode.Corrupt, "nvram.decode", "truncated entry")
		}
		k, l := Key(p[0]), int(p[1])
		if len(p) < 2+l || k.Size() != l {
			return nil, errcode.New(errcode.Corrupt, "nvram.decode", "bad entry")
		}
		m[k] = append([]byte(nil), p[2:2+l]...)
		p = p[2+l:]
	}
	if len(p) != 0 {
		return nil, errcode.New(errcode.Corrupt, "nvram.decode", "trailing bytes")
	}
	return m, nil
}
