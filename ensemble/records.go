// Package ensemble defines the session record wire format and the
// producers that sample sensors into it.
//
// Every record starts with a 4-byte big-endian header: 24 bits of elapsed
// time in tenths of a second since the session started, then an 8-bit
// type. Records never span flush blocks; the rest of a block is zero.
package ensemble

import (
	"encoding/binary"
	"fmt"

	"smartfin-go/errcode"
	"smartfin-go/x/mathx"
)

// Type tags a record.
type Type uint8

const (
	TypeNone        Type = 0x00 // block padding
	TypeBattery     Type = 0x07
	TypeTemperature Type = 0x08
	TypeTempIMU     Type = 0x0A
	TypeTempIMUGPS  Type = 0x0B
	TypeText        Type = 0x0F
)

func (t Type) String() string {
	switch t {
	case TypeBattery:
		return "battery"
	case TypeTemperature:
		return "temperature"
	case TypeTempIMU:
		return "temp_imu"
	case TypeTempIMUGPS:
		return "temp_imu_gps"
	case TypeText:
		return "text"
	case TypeNone:
		return "none"
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

const (
	HeaderSize   = 4
	elapsedMask  = 0xFFFFFF
	tempLSB      = 0.0078125 // °C per raw count
	dryOffsetC   = 100       // subtracted when out of water
	maxTextBytes = 255
)

// Header is the common record prefix.
type Header struct {
	Time [3]byte // deciseconds since session start, big-endian, wraps
	Type Type
}

// NewHeader stamps a record taken at now for a session started at start
// (both ms since boot).
func NewHeader(t Type, now, start int64) Header {
	ds := Elapsed(now, start)
	return Header{Time: [3]byte{byte(ds >> 16), byte(ds >> 8), byte(ds)}, Type: t}
}

// Elapsed converts a ms interval to the 24-bit decisecond field.
func Elapsed(now, start int64) uint32 {
	return uint32((now-start)/100) & elapsedMask
}

func (h Header) Deciseconds() uint32 {
	return uint32(h.Time[0])<<16 | uint32(h.Time[1])<<8 | uint32(h.Time[2])
}

// Head lets every record expose its header.
func (h Header) Head() Header { return h }

// Record is any decoded record.
type Record interface {
	Head() Header
}

// RawTemp converts °C to the signed count stored on the wire.
func RawTemp(c float32) int16 {
	return int16(mathx.Clamp(c/tempLSB, -32768, 32767))
}

// TempC applies the out-of-water offset used by temperature records.
func TempC(c float32, inWater bool) float32 {
	if inWater {
		return c
	}
	return c - dryOffsetC
}

// ---- fixed-size records ----

type Battery struct {
	Header
	MilliVolts uint16
}

type Temperature struct {
	Header
	RawTemp int16
}

type TempIMU struct {
	Header
	RawTemp int16
	Accel   [3]int16
	Gyro    [3]int16
	Mag     [3]int16
}

type TempIMUGPS struct {
	TempIMU
	Lat int32 // degrees ×1e7
	Lng int32
}

// Text is a variable-length record: header, length byte, bytes.
type Text struct {
	Header
	Text string
}

// AppendBinary encodes t.
func (t Text) AppendBinary(b []byte) ([]byte, error) {
	if len(t.Text) > maxTextBytes {
		return b, errcode.New(errcode.InvalidParams, "ensemble.text", "text too long")
	}
	b = append(b, t.Time[0], t.Time[1], t.Time[2], byte(t.Type), byte(len(t.Text)))
	return append(b, t.Text...), nil
}

// Encode returns the wire bytes of any record.
func Encode(r Record) ([]byte, error) {
	if t, ok := r.(Text); ok {
		return t.AppendBinary(nil)
	}
	return binary.Append(nil, binary.BigEndian, r)
}

var fixedSize = map[Type]int{
	TypeBattery:     binary.Size(Battery{}),
	TypeTemperature: binary.Size(Temperature{}),
	TypeTempIMU:     binary.Size(TempIMU{}),
	TypeTempIMUGPS:  binary.Size(TempIMUGPS{}),
}

// Decode parses a session image written with the given block size. Zero
// padding skips to the next block.
func Decode(data []byte, blockSize int) ([]Record, error) {
	if blockSize <= HeaderSize {
		return nil, errcode.New(errcode.InvalidParams, "ensemble.decode", "block size")
	}
	var out []Record
	for base := 0; base < len(data); base += blockSize {
		block := data[base:min(base+blockSize, len(data))]
		for off := 0; off+HeaderSize <= len(block); {
			var h Header
			copy(h.Time[:], block[off:off+3])
			h.Type = Type(block[off+3])
			if h.Type == TypeNone {
				break
			}
			rec, n, err := decodeOne(h, block[off:])
			if err != nil {
				return out, &errcode.E{C: errcode.Corrupt, Op: "ensemble.decode",
					Msg: fmt.Sprintf("offset %d", base+off), Err: err}
			}
			out = append(out, rec)
			off += n
		}
	}
	return out, nil
}

func decodeOne(h Header, b []byte) (Record, int, error) {
	if h.Type == TypeText {
		if len(b) < HeaderSize+1 {
			return nil, 0, errcode.NoData
		}
		n := HeaderSize + 1 + int(b[HeaderSize])
		if len(b) < n {
			return nil, 0, errcode.NoData
		}
		return Text{Header: h, Text: string(b[HeaderSize+1 : n])}, n, nil
	}
	sz, ok := fixedSize[h.Type]
	if !ok {
		return nil, 0, errcode.New(errcode.Unsupported, "", h.Type.String())
	}
	if len(b) < sz {
		return nil, 0, errcode.NoData
	}
	var rec Record
	var err error
	switch h.Type {
	case TypeBattery:
		var r Battery
		_, err = binary.Decode(b[:sz], binary.BigEndian, &r)
		rec = r
	case TypeTemperature:
		var r Temperature
		_, err = binary.Decode(b[:sz], binary.BigEndian, &r)
		rec = r
	case TypeTempIMU:
		var r TempIMU
		_, err = binary.Decode(b[:sz], binary.BigEndian, &r)
		rec = r
	case TypeTempIMUGPS:
		var r TempIMUGPS
		_, err = binary.Decode(b[:sz], binary.BigEndian, &r)
		rec = r
	}
	return rec, sz, err
}
