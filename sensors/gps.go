package sensors

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/drivers/gps"

	"smartfin-go/x/ring"
	"smartfin-go/x/timex"
)

const (
	maxSentence = 120
	// DefaultFixMaxAge is how old a fix may be and still count as a lock.
	DefaultFixMaxAge = 5 * time.Second
)

// GPS decodes the NMEA byte stream from the receiver and keeps the latest
// fix. Bytes arrive through Encode, or in bulk through Drain from the ring
// a UART pump fills.
type GPS struct {
	mu     sync.Mutex
	parse  func(string) (gps.Fix, error)
	clk    timex.Clock
	power  Switch
	log    *zap.Logger
	maxAge time.Duration

	line    []byte
	lat     int32
	lng     int32
	fixAt   int64
	hasFix  bool
	when    time.Time
	hasDate bool
	updated bool
	on      bool

	sentences uint32
	failed    uint32
}

// NewGPS returns a tracker; power may be nil.
func NewGPS(clk timex.Clock, power Switch, log *zap.Logger) *GPS {
	p := gps.NewParser()
	return newGPS(clk, power, p.Parse, log)
}

func newGPS(clk timex.Clock, power Switch, parse func(string) (gps.Fix, error), log *zap.Logger) *GPS {
	if power == nil {
		power = NopSwitch{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GPS{
		parse:  parse,
		clk:    clk,
		power:  power,
		log:    log.Named("gps"),
		maxAge: DefaultFixMaxAge,
		line:   make([]byte, 0, maxSentence),
	}
}

// Power switches the receiver; turning it off drops any partial sentence.
func (g *GPS) Power(on bool) {
	g.mu.Lock()
	g.on = on
	g.line = g.line[:0]
	g.mu.Unlock()
	g.power.Set(on)
	g.log.Debug("power", zap.Bool("on", on))
}

func (g *GPS) Powered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.on
}

// Encode feeds one byte; a full line is parsed at '\n'.
func (g *GPS) Encode(b byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch b {
	case '\n':
		s := strings.TrimRight(string(g.line), "\r")
		g.line = g.line[:0]
		g.handle(s)
	default:
		if b == '$' {
			g.line = g.line[:0]
		}
		if len(g.line) < maxSentence {
			g.line = append(g.line, b)
		}
	}
}

// Drain decodes every byte pending in r and returns the count.
func (g *GPS) Drain(r *ring.Ring) int {
	var buf [64]byte
	total := 0
	for {
		n := r.ReadInto(buf[:])
		if n == 0 {
			return total
		}
		for _, b := range buf[:n] {
			g.Encode(b)
		}
		total += n
	}
}

func (g *GPS) handle(s string) {
	if !strings.HasPrefix(s, "$") {
		return
	}
	fix, err := g.parse(s)
	if err != nil {
		g.failed++
		return
	}
	g.sentences++
	if !fix.Time.IsZero() && fix.Time.Year() >= 2000 {
		g.when, g.hasDate = fix.Time, true
	}
	if !fix.Valid {
		return
	}
	g.lat = int32(float64(fix.Latitude) * 1e7)
	g.lng = int32(float64(fix.Longitude) * 1e7)
	g.fixAt = g.clk.Millis()
	g.hasFix = true
	g.updated = true
}

// Fix returns the last location in degrees ×1e7 and whether it is fresh.
func (g *GPS) Fix() (lat, lng int32, fresh bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lat, g.lng, g.freshLocked()
}

func (g *GPS) freshLocked() bool {
	return g.hasFix && time.Duration(g.clk.Millis()-g.fixAt)*time.Millisecond < g.maxAge
}

// Locked reports a fresh fix.
func (g *GPS) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freshLocked()
}

// Age returns ms since the last fix, or -1 without one.
func (g *GPS) Age() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasFix {
		return -1
	}
	return g.clk.Millis() - g.fixAt
}

// Updated reports a new fix since the previous call.
func (g *GPS) Updated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.updated
	g.updated = false
	return u
}

// DateTime returns the UTC date and time last reported by the receiver.
func (g *GPS) DateTime() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.when, g.hasDate
}

// Stats returns parsed and rejected sentence counts.
func (g *GPS) Stats() (ok, failed uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sentences, g.failed
}
