package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfin-go/boot"
	"smartfin-go/flash"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/nvram"
)

func TestUploadNothingStoredSkipsConnect(t *testing.T) {
	r := newRig(t)
	next := r.run(context.Background(), NewUpload(r.d))
	assert.Equal(t, fsm.DeepSleep, next)
	assert.Zero(t, r.link.connects)
	assert.Contains(t, r.out.String(), "No data to transmit")
}

func TestUploadDrainsTailFirst(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "240601-101500", 1000)

	next := r.run(context.Background(), NewUpload(r.d))
	require.Equal(t, fsm.DeepSleep, next)

	assert.Equal(t, []string{
		"Sfin-e00fce68-240601-101500-2",
		"Sfin-e00fce68-240601-101500-1",
		"Sfin-e00fce68-240601-101500-0",
	}, r.link.published())

	var sizes []int
	for _, p := range r.link.payloads {
		b, err := r.d.Encoding.Decode(p)
		require.NoError(t, err)
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{496, 496, 8}, sizes)

	assert.False(t, r.d.Recorder.HasData())
	assert.Equal(t, boot.Normal, r.d.Boot.Get())
	assert.Contains(t, r.codes(), flog.UploadDone)
	assert.False(t, r.link.Connected(), "exit disconnects")
}

func TestUploadEmptySessionCompletes(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "240601-101500", 0)

	assert.Equal(t, fsm.DeepSleep, r.run(context.Background(), NewUpload(r.d)))
	assert.Equal(t, 1, r.link.connects)
	assert.Empty(t, r.link.published())
	assert.Contains(t, r.codes(), flog.UploadDone)
	assert.False(t, r.d.Recorder.HasData())
	assert.False(t, flash.Exists(r.fs, "240601-101500"))
}

func TestUploadPacketsAreSpaced(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "a", 3*496)
	start := r.clk.Millis()
	r.run(context.Background(), NewUpload(r.d))
	require.Len(t, r.link.published(), 3)
	spacing := r.d.Cfg.Upload.PublishSpacing.Milliseconds()
	assert.GreaterOrEqual(t, r.clk.Millis()-start, 2*spacing)
}

func TestUploadNoUploadFlag(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "a", 100)
	require.NoError(t, nvram.PutBool(r.nv, nvram.NoUploadFlag, true))

	assert.Equal(t, fsm.Charge, r.run(context.Background(), NewUpload(r.d)))
	assert.True(t, r.d.Recorder.HasData())
	assert.Zero(t, r.link.connects)
}

func TestUploadLowBattery(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "a", 100)
	r.bat.Set(3.5, 0.2)

	assert.Equal(t, fsm.DeepSleep, r.run(context.Background(), NewUpload(r.d)))
	assert.Contains(t, r.codes(), flog.UploadBattLow)
	assert.Zero(t, r.link.connects)
}

func TestUploadConnectFailureCountsDown(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "a", 100)
	r.link.offline = true
	maxRetries := r.d.Cfg.Upload.MaxReattempts

	// The first failure arms the retry; each following one spends an attempt.
	for i := 0; i < int(maxRetries); i++ {
		assert.Equal(t, fsm.DeepSleep, r.run(context.Background(), NewUpload(r.d)))
		assert.Equal(t, boot.UploadReattempt, r.d.Boot.Get(), "failure %d", i)
		n, err := r.d.Boot.Retries()
		require.NoError(t, err)
		assert.Equal(t, maxRetries-uint8(i), n)
	}
	r.run(context.Background(), NewUpload(r.d))
	assert.Equal(t, boot.Normal, r.d.Boot.Get())
	assert.True(t, r.d.Recorder.HasData())
	assert.Contains(t, r.codes(), flog.UploadConnectFail)
}

func TestUploadWaterDuringConnect(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "a", 100)
	r.link.offline = true
	r.wet.Set(true)

	assert.Equal(t, fsm.SessionInit, r.run(context.Background(), NewUpload(r.d)))
	assert.Equal(t, boot.Normal, r.d.Boot.Get(), "no retry booked")
}

func TestUploadGivesUpAfterPublishFailures(t *testing.T) {
	r := newRig(t)
	r.writeSession(t, "a", 100)
	r.link.failPub = true

	assert.Equal(t, fsm.DeepSleep, r.run(context.Background(), NewUpload(r.d)))
	assert.Contains(t, r.codes(), flog.UploadPublishFail)
	assert.True(t, r.d.Recorder.HasData(), "nothing trimmed")
}
