package flog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartfin-go/flash"
	"smartfin-go/x/timex"
)

func TestAddAndSurviveReset(t *testing.T) {
	clk := timex.NewFakeClock(1000)
	r := &Mem{}
	l := New(clk, r, zaptest.NewLogger(t))
	l.Add(SysStart, 0)
	clk.Advance(250)
	l.Add(UploadConnectFail, 7)

	l2 := New(clk, r, nil)
	require.EqualValues(t, 2, l2.Count())
	assert.Equal(t, []Entry{
		{TimestampMs: 1000, Code: SysStart},
		{TimestampMs: 1250, Code: UploadConnectFail, Param: 7},
	}, l2.Entries())
}

func TestCorruptImageStartsEmpty(t *testing.T) {
	r := &Mem{}
	l := New(nil, r, nil)
	l.Add(CalDone, 1)
	r.Corrupt(6)

	l2 := New(nil, r, zaptest.NewLogger(t))
	assert.Zero(t, l2.Count())
	assert.Empty(t, l2.Entries())
}

func TestRingOverrun(t *testing.T) {
	r := &Mem{}
	l := New(nil, r, nil)
	for i := range NumEntries + 10 {
		l.Add(SysExecState, uint16(i))
	}
	es := l.Entries()
	require.Len(t, es, NumEntries)
	assert.EqualValues(t, 10, es[0].Param)
	assert.EqualValues(t, NumEntries+9, es[len(es)-1].Param)

	l2 := New(nil, r, nil)
	assert.Equal(t, es, l2.Entries())
	assert.EqualValues(t, NumEntries+10, l2.Count())

	var buf bytes.Buffer
	require.NoError(t, l2.Dump(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "Fault Log overrun!", lines[0])
	assert.Len(t, lines, NumEntries+1)
}

func TestClearAndHook(t *testing.T) {
	l := New(nil, nil, nil)
	var seen []Entry
	l.OnAdd(func(e Entry) { seen = append(seen, e) })
	l.Add(RideBattLow, 3300)
	l.Clear()
	assert.Zero(t, l.Count())
	require.Len(t, seen, 1)
	assert.Equal(t, RideBattLow, seen[0].Code)
}

func TestDumpFormat(t *testing.T) {
	clk := timex.NewFakeClock(42)
	l := New(clk, nil, nil)
	l.Add(Code(0x7777), 0xBEEF)
	var buf bytes.Buffer
	require.NoError(t, l.Dump(&buf))
	assert.Contains(t, buf.String(), "Unknown FLOG Code: 0x7777, parameter: 0xBEEF")
	assert.True(t, strings.HasPrefix(buf.String(), "      42 "))
}

func TestFileRetainer(t *testing.T) {
	fs := flash.NewMem()
	r := FileRetainer{FS: fs}
	l := New(nil, r, nil)
	assert.Zero(t, l.Count())
	l.Add(SysStart, 1)
	l.Add(SysStart, 2)

	e, err := fs.Stat(DefaultFile)
	require.NoError(t, err)
	assert.EqualValues(t, 4+5+2*entrySize+4, e.Size)
	assert.True(t, flash.IsSystem(e.Name))

	assert.EqualValues(t, 2, New(nil, r, nil).Count())
}
