// Package flog is the fault log: a small ring of coded events that survives
// resets for postmortem diagnosis. Add never fails its caller.
package flog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"go.uber.org/zap"

	"smartfin-go/errcode"
	"smartfin-go/x/timex"
)

// NumEntries is the ring capacity.
const NumEntries = 256

// Code identifies an event class. The high byte groups codes by subsystem.
type Code uint16

const (
	Null Code = 0x0000

	SysStart      Code = 0x0100
	SysBadSRAM    Code = 0x0101
	SysStartState Code = 0x0102
	SysInitState  Code = 0x0103
	SysExecState  Code = 0x0104
	SysExitState  Code = 0x0105
	SysBadState   Code = 0x0106
	SysBadEdge    Code = 0x0107

	UploadNoUpload    Code = 0x0200
	UploadBattLow     Code = 0x0201
	UploadFolderCount Code = 0x0202
	UploadConnectFail Code = 0x0203
	UploadPublishFail Code = 0x0204
	UploadDrainFail   Code = 0x0205
	UploadDone        Code = 0x0206

	CalAction   Code = 0x0300
	CalInit     Code = 0x0301
	CalStartRun Code = 0x0302
	CalLimit    Code = 0x0303
	CalDone     Code = 0x0304
	CalExit     Code = 0x0305
	CalSleep    Code = 0x0306

	RideInitTimeout Code = 0x0400
	RideSessionFail Code = 0x0401
	RideTempFail    Code = 0x0402
	RideIMUFail     Code = 0x0403
	RideMagFail     Code = 0x0404
	RideBattLow     Code = 0x0405
	RideCloseFail   Code = 0x0406

	MagIDMismatch Code = 0x0500
	MagModeFail   Code = 0x0501
	MagMeasTO     Code = 0x0502
	MagMeasOvrfl  Code = 0x0503
	MagTestFail   Code = 0x0504
)

var messages = map[Code]string{
	SysStart:      "System Start",
	SysBadSRAM:    "Bad SRAM",
	SysStartState: "Starting State",
	SysInitState:  "Initializing State",
	SysExecState:  "Executing State Body",
	SysExitState:  "Exiting State",
	SysBadState:   "Unknown State",
	SysBadEdge:    "Unexpected Transition",

	UploadNoUpload:    "Upload Disabled",
	UploadBattLow:     "Upload Battery Low",
	UploadFolderCount: "Upload Folder Count",
	UploadConnectFail: "Upload Connect Fail",
	UploadPublishFail: "Upload Publish Fail",
	UploadDrainFail:   "Upload Drain Fail",
	UploadDone:        "Upload Complete",

	CalAction:   "Calibrate Action",
	CalInit:     "Calibrate Initialization",
	CalStartRun: "Calibrate Start RUN",
	CalLimit:    "Calibrate Limit of Cycles",
	CalDone:     "Calibration complete",
	CalExit:     "Calibration Exit",
	CalSleep:    "Calibration Sleep",

	RideInitTimeout: "Ride Init Timeout",
	RideSessionFail: "Ride Session Open Fail",
	RideTempFail:    "Ride Temp Open Fail",
	RideIMUFail:     "Ride IMU Open Fail",
	RideMagFail:     "Ride Mag Open Fail",
	RideBattLow:     "Ride Battery Low",
	RideCloseFail:   "Ride Session Close Fail",

	MagIDMismatch: "Mag ID Mismatch",
	MagModeFail:   "Mag Mode Fail",
	MagMeasTO:     "Mag Measurement Timeout",
	MagMeasOvrfl:  "Mag Measurement Overflow",
	MagTestFail:   "Mag Self Test Fail",
}

func (c Code) String() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return fmt.Sprintf("Unknown FLOG Code: 0x%04X", uint16(c))
}

// Entry is one logged event.
type Entry struct {
	TimestampMs uint32
	Code        Code
	Param       uint16
}

// Retainer keeps the encoded log across resets.
type Retainer interface {
	Load() ([]byte, error)
	Save(b []byte) error
}

// Log is safe for concurrent use; monitors and the state machine both add.
type Log struct {
	mu    sync.Mutex
	clk   timex.Clock
	r     Retainer
	log   *zap.Logger
	n     uint32
	ring  [NumEntries]Entry
	onAdd func(Entry)
}

// New restores the log from r. A missing or invalid image starts empty.
// A nil Retainer keeps the log in memory only.
func New(clk timex.Clock, r Retainer, log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Log{clk: clk, r: r, log: log.Named("flog")}
	if r == nil {
		return l
	}
	b, err := r.Load()
	switch {
	case errcode.Of(err) == errcode.NotFound:
	case err != nil:
		l.log.Warn("fault log unreadable, starting empty", zap.Error(err))
	default:
		if err := l.decode(b); err != nil {
			l.log.Warn("fault log invalid, starting empty", zap.Error(err))
			l.n, l.ring = 0, [NumEntries]Entry{}
		}
	}
	return l
}

// OnAdd installs a hook called after each Add, outside the lock.
func (l *Log) OnAdd(fn func(Entry)) {
	l.mu.Lock()
	l.onAdd = fn
	l.mu.Unlock()
}

// Add records an event stamped with the clock.
func (l *Log) Add(c Code, param uint16) {
	e := Entry{Code: c, Param: param}
	if l.clk != nil {
		e.TimestampMs = uint32(l.clk.Millis())
	}
	l.mu.Lock()
	l.ring[l.n%NumEntries] = e
	l.n++
	l.persistLocked()
	fn := l.onAdd
	l.mu.Unlock()

	if fn != nil {
		fn(e)
	}
}

// Count is the number of entries ever added since the last Clear.
func (l *Log) Count() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entriesLocked()
}

func (l *Log) entriesLocked() []Entry {
	start := uint32(0)
	if l.n > NumEntries {
		start = l.n - NumEntries
	}
	out := make([]Entry, 0, l.n-start)
	for i := start; i < l.n; i++ {
		out = append(out, l.ring[i%NumEntries])
	}
	return out
}

func (l *Log) Clear() {
	l.mu.Lock()
	l.n, l.ring = 0, [NumEntries]Entry{}
	l.persistLocked()
	l.mu.Unlock()
}

// Dump writes a human readable listing, noting when older entries were
// overwritten.
func (l *Log) Dump(w io.Writer) error {
	l.mu.Lock()
	overrun := l.n > NumEntries
	es := l.entriesLocked()
	l.mu.Unlock()

	if overrun {
		if _, err := fmt.Fprintln(w, "Fault Log overrun!"); err != nil {
			return err
		}
	}
	for _, e := range es {
		if _, err := fmt.Fprintf(w, "%8d %32s, parameter: 0x%04X\n", e.TimestampMs, e.Code, e.Param); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Image
// ----------------------------------------------------------------------------

// Image layout (big-endian):
//
//	"FLOG" | version u8 | count u32 | k × (ts u32 | code u16 | param u16) | crc32
//
// k = min(count, NumEntries), oldest first.
const (
	imageMagic   = "FLOG"
	imageVersion = 1
	entrySize    = 8
)

func (l *Log) persistLocked() {
	if l.r == nil {
		return
	}
	if err := l.r.Save(l.encodeLocked()); err != nil {
		l.log.Debug("fault log save failed", zap.Error(err))
	}
}

func (l *Log) encodeLocked() []byte {
	es := l.entriesLocked()
	b := make([]byte, 0, len(imageMagic)+5+len(es)*entrySize+4)
	b = append(b, imageMagic...)
	b = append(b, imageVersion)
	b = binary.BigEndian.AppendUint32(b, l.n)
	for _, e := range es {
		b = binary.BigEndian.AppendUint32(b, e.TimestampMs)
		b = binary.BigEndian.AppendUint16(b, uint16(e.Code))
		b = binary.BigEndian.AppendUint16(b, e.Param)
	}
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func (l *Log) decode(b []byte) error {
	const op = "flog.decode"
	hdr := len(imageMagic) + 5
	if len(b) < hdr+4 || string(b[:len(imageMagic)]) != imageMagic {
		return errcode.New(errcode.Corrupt, op, "bad magic")
	}
	body, sum := b[:len(b)-4], binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return errcode.New(errcode.Corrupt, op, "bad crc")
	}
	if body[len(imageMagic)] != imageVersion {
		return errcode.New(errcode.Unsupported, op, "version")
	}
	n := binary.BigEndian.Uint32(body[len(imageMagic)+1:])
	k := min(n, NumEntries)
	if len(body) != hdr+int(k)*entrySize {
		return errcode.New(errcode.Corrupt, op, "length")
	}
	l.n = n
	p := body[hdr:]
	for i := n - k; i < n; i++ {
		l.ring[i%NumEntries] = Entry{
			TimestampMs: binary.BigEndian.Uint32(p),
			Code:        Code(binary.BigEndian.Uint16(p[4:])),
			Param:       binary.BigEndian.Uint16(p[6:]),
		}
		p = p[entrySize:]
	}
	return nil
}
