package sensors

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers/gps"

	"smartfin-go/errcode"
	"smartfin-go/x/ring"
	"smartfin-go/x/timex"
)

type scriptedParser struct {
	seen []string
	fix  gps.Fix
	err  error
}

func (p *scriptedParser) parse(s string) (gps.Fix, error) {
	p.seen = append(p.seen, s)
	return p.fix, p.err
}

type recSwitch struct{ states []bool }

func (s *recSwitch) Set(on bool) { s.states = append(s.states, on) }

func feed(g *GPS, s string) {
	for i := 0; i < len(s); i++ {
		g.Encode(s[i])
	}
}

func TestGPSFixFreshness(t *testing.T) {
	clk := timex.NewFakeClock(0)
	p := &scriptedParser{fix: gps.Fix{
		Valid:     true,
		Latitude:  32.8672,
		Longitude: -117.2571,
		Time:      time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC),
	}}
	g := newGPS(clk, nil, p.parse, nil)

	_, _, fresh := g.Fix()
	assert.False(t, fresh)
	assert.EqualValues(t, -1, g.Age())

	feed(g, "$GPRMC,101500.00,A,3252.032,N,11715.426,W,0.1,0.0,010624,,,A*00\r\n")
	require.Len(t, p.seen, 1)
	assert.False(t, strings.HasSuffix(p.seen[0], "\r"))

	lat, lng, fresh := g.Fix()
	assert.True(t, fresh)
	assert.InDelta(t, 328672000, lat, 100)
	assert.InDelta(t, -1172571000, lng, 100)
	assert.True(t, g.Updated())
	assert.False(t, g.Updated())

	when, ok := g.DateTime()
	require.True(t, ok)
	assert.Equal(t, "240601-101500", when.Format("060102-150405"))

	clk.Advance(4999)
	assert.True(t, g.Locked())
	clk.Advance(1)
	assert.False(t, g.Locked())
	assert.EqualValues(t, 5000, g.Age())
}

func TestGPSIgnoresNoiseAndCountsFailures(t *testing.T) {
	clk := timex.NewFakeClock(0)
	p := &scriptedParser{err: errors.New("bad checksum")}
	g := newGPS(clk, nil, p.parse, nil)

	feed(g, "garbage\n$GPGGA,bad*00\n")
	assert.Equal(t, []string{"$GPGGA,bad*00"}, p.seen)
	ok, failed := g.Stats()
	assert.EqualValues(t, 0, ok)
	assert.EqualValues(t, 1, failed)
	assert.False(t, g.Locked())
}

func TestGPSInvalidFixKeepsDate(t *testing.T) {
	clk := timex.NewFakeClock(0)
	p := &scriptedParser{fix: gps.Fix{Time: time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)}}
	g := newGPS(clk, nil, p.parse, nil)
	feed(g, "$GPRMC,x\n")
	_, ok := g.DateTime()
	assert.True(t, ok)
	assert.False(t, g.Locked())
}

func TestGPSDrainAndPower(t *testing.T) {
	clk := timex.NewFakeClock(0)
	p := &scriptedParser{fix: gps.Fix{Valid: true}}
	sw := &recSwitch{}
	g := newGPS(clk, sw, p.parse, nil)

	g.Power(true)
	assert.True(t, g.Powered())
	r := ring.New(256)
	_, _ = r.Write([]byte("$A*00\n$B*00\n$C"))
	assert.Equal(t, 14, g.Drain(r))
	assert.Equal(t, []string{"$A*00", "$B*00"}, p.seen)

	g.Power(false) // partial "$C" dropped
	g.Encode('\n')
	assert.Len(t, p.seen, 2)
	assert.Equal(t, []bool{true, false}, sw.states)
}

func TestRealParserRejectsJunk(t *testing.T) {
	g := NewGPS(timex.NewFakeClock(0), nil, nil)
	feed(g, "$GPZZZ,1,2,3*00\n")
	assert.False(t, g.Locked())
}

type deadI2C struct{}

func (deadI2C) Tx(addr uint16, w, r []byte) error { return errors.New("nack") }

func TestTMP102(t *testing.T) {
	s := NewTMP102(deadI2C{}, 0)
	_, err := s.Temperature()
	assert.Equal(t, errcode.NotOpen, errcode.Of(err))
	assert.Error(t, s.Open())
}
