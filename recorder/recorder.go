// Package recorder turns a stream of ensemble records into block-aligned
// session files on flash and later drains those files, newest first and
// tail first, in upload-sized packets.
//
// A Recorder is driven by the state machine goroutine only and is not safe
// for concurrent use.
package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"smartfin-go/errcode"
	"smartfin-go/flash"
	"smartfin-go/x/mathx"
	"smartfin-go/x/strx"
)

const (
	tempPrefix       = "__temp"
	placeholderFmt   = "000000_temp_%02d"
	maxPlaceholders  = 100
	maxTempNames     = 10
	maxNameLen       = 31
	publishNameFmt   = "Sfin-%s-%s-%d"
	SessionNameStamp = "060102-150405" // time layout for GPS-derived names
)

// Recorder owns at most one open session file.
type Recorder struct {
	fs        flash.FS
	log       *zap.Logger
	deviceID  string
	blockSize int

	block   []byte
	fill    int
	scratch []byte

	f           flash.File
	tempName    string
	sessionName string

	pending *packetRef
}

// packetRef remembers which file the last GetLastPacket read from.
type packetRef struct {
	name string
	size int64
}

// New returns a recorder writing blockSize blocks into fs.
func New(fs flash.FS, deviceID string, blockSize int, log *zap.Logger) (*Recorder, error) {
	if fs == nil || blockSize <= 0 {
		return nil, errcode.New(errcode.InvalidParams, "recorder.new", "nil fs or block size")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		fs:        fs,
		log:       log.Named("recorder"),
		deviceID:  deviceID,
		blockSize: blockSize,
		block:     make([]byte, blockSize),
	}, nil
}

// BlockSize returns the flush unit in bytes.
func (r *Recorder) BlockSize() int { return r.blockSize }

// Init recovers session files orphaned by a power loss while recording.
// Empty ones are removed, the rest get placeholder names so they upload.
func (r *Recorder) Init() error {
	if r.IsOpen() {
		return errcode.New(errcode.InvalidState, "recorder.init", "session open")
	}
	es, err := flash.List(r.fs)
	if err != nil {
		return err
	}
	for _, e := range es {
		if !strings.HasPrefix(e.Name, tempPrefix) {
			continue
		}
		if e.Size == 0 {
			if err := r.fs.Remove(e.Name); err != nil {
				r.log.Warn("remove empty temp failed", zap.String("name", e.Name), zap.Error(err))
			}
			continue
		}
		name, err := r.placeholder()
		if err != nil {
			return err
		}
		if err := r.fs.Rename(e.Name, name); err != nil {
			return err
		}
		r.log.Warn("recovered orphaned session", zap.String("from", e.Name), zap.String("to", name), zap.Int64("bytes", e.Size))
	}
	return nil
}

// ----------------------------------------------------------------------------
// Recording
// ----------------------------------------------------------------------------

// SetSessionName sets the name the next CloseSession renames to. An empty
// or unusable name falls back to a placeholder at close.
func (r *Recorder) SetSessionName(name string) {
	if strings.ContainsAny(name, `/\`) || flash.IsSystem(name) {
		r.log.Warn("ignoring session name", zap.String("name", name))
		return
	}
	r.sessionName = strx.Clip(name, maxNameLen)
}

// SessionName returns the name set for the current or next session.
func (r *Recorder) SessionName() string { return r.sessionName }

func (r *Recorder) IsOpen() bool { return r.f != nil }

// OpenSession starts a new session file under a temporary name. A non-empty
// name also sets the session name.
func (r *Recorder) OpenSession(name string) error {
	if r.IsOpen() {
		return errcode.New(errcode.AlreadyOpen, "recorder.open", r.tempName)
	}
	if name != "" {
		r.SetSessionName(name)
	}
	tmp := ""
	for i := 0; i < maxTempNames; i++ {
		cand := tempPrefix
		if i > 0 {
			cand = fmt.Sprintf("%s%d", tempPrefix, i)
		}
		if !flash.Exists(r.fs, cand) {
			tmp = cand
			break
		}
	}
	if tmp == "" {
		return errcode.New(errcode.IOError, "recorder.open", "no free temporary name")
	}
	f, err := r.fs.Open(tmp, flash.OWrite|flash.OCreate|flash.OTrunc)
	if err != nil {
		return errcode.Wrap(errcode.IOError, "recorder.open", err)
	}
	r.f, r.tempName, r.fill = f, tmp, 0
	r.log.Info("session opened", zap.String("temp", tmp), zap.String("name", r.sessionName))
	return nil
}

// PutBytes appends p to the current block. A record never spans blocks: if
// p does not fit, the block is zero-padded and flushed first.
func (r *Recorder) PutBytes(p []byte) error {
	if !r.IsOpen() {
		return errcode.NotOpen
	}
	if len(p) == 0 {
		return nil
	}
	if len(p) > r.blockSize {
		return errcode.New(errcode.InvalidParams, "recorder.put", "record larger than block")
	}
	if r.fill+len(p) > r.blockSize {
		if err := r.flush(); err != nil {
			return err
		}
	}
	r.fill += copy(r.block[r.fill:], p)
	if r.fill == r.blockSize {
		return r.flush()
	}
	return nil
}

// PutData appends the big-endian encoding of a fixed-size value.
func PutData[T any](r *Recorder, v T) error {
	b, err := binary.Append(r.scratch[:0], binary.BigEndian, v)
	if err != nil {
		return errcode.Wrap(errcode.InvalidParams, "recorder.put_data", err)
	}
	r.scratch = b
	return r.PutBytes(b)
}

func (r *Recorder) flush() error {
	clear(r.block[r.fill:])
	r.fill = 0
	if _, err := r.f.Write(r.block); err != nil {
		r.log.Warn("block write failed", zap.String("file", r.tempName), zap.Error(err))
		return errcode.Wrap(errcode.IOError, "recorder.flush", err)
	}
	return nil
}

// CloseSession flushes the partial block, closes the file and renames it to
// the session name (or a placeholder). Closing a closed recorder is a no-op.
func (r *Recorder) CloseSession() error {
	if !r.IsOpen() {
		return nil
	}
	var firstErr error
	if r.fill > 0 {
		firstErr = r.flush()
	}
	if err := r.f.Close(); err != nil && firstErr == nil {
		firstErr = errcode.Wrap(errcode.IOError, "recorder.close", err)
	}
	tmp := r.tempName
	r.f, r.tempName = nil, ""

	name := r.sessionName
	r.sessionName = ""
	if name == "" || flash.Exists(r.fs, name) {
		var err error
		if name, err = r.placeholder(); err != nil {
			return err
		}
	}
	if err := r.fs.Rename(tmp, name); err != nil {
		r.log.Warn("session rename failed", zap.String("temp", tmp), zap.String("name", name), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	r.log.Info("session closed", zap.String("name", name))
	return firstErr
}

func (r *Recorder) placeholder() (string, error) {
	for i := 0; i < maxPlaceholders; i++ {
		name := fmt.Sprintf(placeholderFmt, i)
		if !flash.Exists(r.fs, name) {
			return name, nil
		}
	}
	return "", errcode.New(errcode.IOError, "recorder.placeholder", "all placeholder names taken")
}

// ----------------------------------------------------------------------------
// Draining
// ----------------------------------------------------------------------------

// HasData reports whether any session file is stored. Zero-length files
// count; GetLastPacket removes them when it meets them.
func (r *Recorder) HasData() bool {
	es, err := flash.List(r.fs)
	if err != nil {
		r.log.Warn("directory scan failed", zap.Error(err))
		return false
	}
	for _, e := range es {
		if !flash.IsSystem(e.Name) {
			return true
		}
	}
	return false
}

// NumFiles counts stored session files.
func (r *Recorder) NumFiles() int {
	es, err := flash.List(r.fs)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range es {
		if !flash.IsSystem(e.Name) {
			n++
		}
	}
	return n
}

// Sessions lists stored session files, newest first.
func (r *Recorder) Sessions() ([]flash.Entry, error) {
	es, err := flash.List(r.fs)
	if err != nil {
		return nil, err
	}
	out := es[:0]
	for _, e := range es {
		if !flash.IsSystem(e.Name) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetLastPacket reads up to len(buf) bytes from the tail of the newest
// session file and returns the count and its publish name. Zero-length
// files met on the way are deleted. With nothing stored it returns
// errcode.NoData.
func (r *Recorder) GetLastPacket(buf []byte) (int, string, error) {
	r.pending = nil
	if len(buf) == 0 {
		return 0, "", errcode.New(errcode.InvalidParams, "recorder.get_last", "empty buffer")
	}
	es, err := flash.List(r.fs)
	if err != nil {
		return 0, "", err
	}
	for _, e := range es {
		if flash.IsSystem(e.Name) {
			continue
		}
		if e.Size == 0 {
			r.log.Debug("removing empty file", zap.String("name", e.Name))
			if err := r.fs.Remove(e.Name); err != nil {
				r.log.Warn("remove empty file failed", zap.String("name", e.Name), zap.Error(err))
				return 0, "", errcode.Wrap(errcode.IOError, "recorder.get_last", err)
			}
			continue
		}
		offset := max(e.Size-int64(len(buf)), 0)
		n, err := r.readAt(e.Name, offset, buf[:e.Size-offset])
		if err != nil {
			return 0, "", err
		}
		seq := mathx.CeilDiv(offset, int64(len(buf)))
		r.pending = &packetRef{name: e.Name, size: e.Size}
		return n, fmt.Sprintf(publishNameFmt, r.deviceID, e.Name, seq), nil
	}
	return 0, "", errcode.NoData
}

func (r *Recorder) readAt(name string, off int64, dst []byte) (int, error) {
	f, err := r.fs.Open(name, flash.ORead)
	if err != nil {
		return 0, errcode.Wrap(errcode.IOError, "recorder.read", err)
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, errcode.Wrap(errcode.IOError, "recorder.read", err)
	}
	n, err := io.ReadFull(f, dst)
	if err != nil {
		return n, errcode.Wrap(errcode.IOError, "recorder.read", err)
	}
	return n, nil
}

// PopLastPacket removes n bytes from the tail of the file the preceding
// GetLastPacket read, deleting the file once nothing remains. It is
// rejected without a matching GetLastPacket, or when the file changed size
// in between.
func (r *Recorder) PopLastPacket(n int) error {
	p := r.pending
	r.pending = nil
	if p == nil {
		return errcode.New(errcode.InvalidState, "recorder.pop", "no packet read")
	}
	if n <= 0 {
		return errcode.New(errcode.InvalidParams, "recorder.pop", "non-positive length")
	}
	e, err := r.fs.Stat(p.name)
	if err != nil {
		return err
	}
	if e.Size != p.size {
		return errcode.New(errcode.InvalidState, "recorder.pop", p.name+" changed since read")
	}
	left := e.Size - int64(n)
	if left <= 0 {
		r.log.Info("session drained", zap.String("name", p.name))
		return r.fs.Remove(p.name)
	}
	f, err := r.fs.Open(p.name, flash.OWrite)
	if err != nil {
		return errcode.Wrap(errcode.IOError, "recorder.pop", err)
	}
	if err := f.Truncate(left); err != nil {
		f.Close()
		return errcode.Wrap(errcode.IOError, "recorder.pop", err)
	}
	return f.Close()
}
