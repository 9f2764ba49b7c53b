// Package nvram is the small key-value store that survives deep sleep and
// power loss: boot behavior, upload retry counters and calibration settings.
package nvram

import (
	"encoding/binary"
	"sync"

	"smartfin-go/errcode"
)

// Key names one persisted value. Each key has a fixed encoded size.
type Key uint8

const (
	BootBehavior Key = iota + 1
	NVRAMValid
	UploadReattempts
	NoUploadFlag
	CalCoeffs
	TmpCalDataCollectionPeriodSec
	TmpCalCyclePeriodSec
	TmpCalAttemptsTotal
)

// NumCalCoeffs is the number of u32 calibration coefficients.
const NumCalCoeffs = 8

var keyInfo = map[Key]struct {
	name string
	size int
}{
	BootBehavior:                  {"BOOT_BEHAVIOR", 1},
	NVRAMValid:                    {"NVRAM_VALID", 1},
	UploadReattempts:              {"UPLOAD_REATTEMPTS", 1},
	NoUploadFlag:                  {"NO_UPLOAD_FLAG", 1},
	CalCoeffs:                     {"CAL_COEFFS", 4 * NumCalCoeffs},
	TmpCalDataCollectionPeriodSec: {"TMP116_CAL_DATA_COLLECTION_PERIOD_SEC", 4},
	TmpCalCyclePeriodSec:          {"TMP116_CAL_CYCLE_PERIOD_SEC", 4},
	TmpCalAttemptsTotal:           {"TMP116_CAL_ATTEMPTS_TOTAL", 1},
}

func (k Key) String() string {
	if ki, ok := keyInfo[k]; ok {
		return ki.name
	}
	return "UNKNOWN"
}

// Size returns the encoded width of k, or 0 for an unknown key.
func (k Key) Size() int { return keyInfo[k].size }

// Keys lists every known key in declaration order.
func Keys() []Key {
	return []Key{BootBehavior, NVRAMValid, UploadReattempts, NoUploadFlag,
		CalCoeffs, TmpCalDataCollectionPeriodSec, TmpCalCyclePeriodSec, TmpCalAttemptsTotal}
}

// ParseKey maps a key name back to its Key.
func ParseKey(name string) (Key, bool) {
	for k, ki := range keyInfo {
		if ki.name == name {
			return k, true
		}
	}
	return 0, false
}

// Store is the raw persistence contract. Get returns errcode.NotFound for an
// absent key.
type Store interface {
	Get(k Key) ([]byte, error)
	Put(k Key, v []byte) error
}

func checkSize(op string, k Key, n int) error {
	sz := k.Size()
	if sz == 0 {
		return errcode.New(errcode.InvalidParams, op, "unknown key")
	}
	if n != sz {
		return errcode.New(errcode.InvalidParams, op, k.String()+": size mismatch")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Typed helpers
// ----------------------------------------------------------------------------

func get(s Store, op string, k Key, n int) ([]byte, error) {
	if err := checkSize(op, k, n); err != nil {
		return nil, err
	}
	b, err := s.Get(k)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, errcode.New(errcode.Corrupt, op, k.String())
	}
	return b, nil
}

func GetU8(s Store, k Key) (uint8, error) {
	b, err := get(s, "nvram.get_u8", k, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func PutU8(s Store, k Key, v uint8) error {
	if err := checkSize("nvram.put_u8", k, 1); err != nil {
		return err
	}
	return s.Put(k, []byte{v})
}

func GetBool(s Store, k Key) (bool, error) {
	v, err := GetU8(s, k)
	return v != 0, err
}

func PutBool(s Store, k Key, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return PutU8(s, k, b)
}

func GetU32(s Store, k Key) (uint32, error) {
	b, err := get(s, "nvram.get_u32", k, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func PutU32(s Store, k Key, v uint32) error {
	if err := checkSize("nvram.put_u32", k, 4); err != nil {
		return err
	}
	return s.Put(k, binary.BigEndian.AppendUint32(nil, v))
}

func GetU32s(s Store, k Key, n int) ([]uint32, error) {
	b, err := get(s, "nvram.get_u32s", k, 4*n)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return out, nil
}

func PutU32s(s Store, k Key, v []uint32) error {
	if err := checkSize("nvram.put_u32s", k, 4*len(v)); err != nil {
		return err
	}
	b := make([]byte, 0, 4*len(v))
	for _, x := range v {
		b = binary.BigEndian.AppendUint32(b, x)
	}
	return s.Put(k, b)
}

// ----------------------------------------------------------------------------
// Mem
// ----------------------------------------------------------------------------

// Mem is a process-lifetime store. Reusing one Mem across two consumers
// models a power cycle with retained memory.
type Mem struct {
	mu sync.Mutex
	m  map[Key][]byte
}

func NewMem() *Mem { return &Mem{m: map[Key][]byte{}} }

func (s *Mem) Get(k Key) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	if !ok {
		return nil, errcode.NotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Mem) Put(k Key, v []byte) error {
	if err := checkSize("nvram.put", k, len(v)); err != nil {
		return err
	}
	s.mu.Lock()
	s.m[k] = append([]byte(nil), v...)
	s.mu.Unlock()
	return nil
}
