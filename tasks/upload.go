package tasks

import (
	"context"

	"go.uber.org/zap"

	"smartfin-go/errcode"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/nvram"
	"smartfin-go/system"
	"smartfin-go/water"
	"smartfin-go/x/timex"
)

// Upload drains stored sessions to the cloud, newest first and tail first,
// one packet per publish.
type Upload struct {
	d   *system.Desc
	log *zap.Logger
	buf []byte
}

func NewUpload(d *system.Desc) *Upload {
	return &Upload{d: d, log: d.Log.Named("upload")}
}

func (t *Upload) Init(ctx context.Context) {
	t.d.Printf("Entering SYSTEM_STATE_DATA_UPLOAD\n")
	if n := t.d.Cfg.Upload.PacketSize; len(t.buf) != n {
		t.buf = make([]byte, n)
	}
}

func (t *Upload) Run(ctx context.Context) fsm.State {
	d, cfg := t.d, t.d.Cfg.Upload

	if off, _ := nvram.GetBool(d.NVRAM, nvram.NoUploadFlag); off {
		d.Printf("no_upload mode set: entering charge state\n")
		d.FLog.Add(flog.UploadNoUpload, 1)
		return fsm.Charge
	}
	d.FLog.Add(flog.UploadFolderCount, uint16(d.Recorder.NumFiles()))

	var (
		sent     int
		failures int
		lastSend int64 = -cfg.PublishSpacing.Milliseconds()
	)
	for {
		v := d.Voltage()
		d.Printf("Voltage: %f\n", v)
		if v < d.Cfg.Battery.UploadVoltage {
			d.Printf("Battery low\n")
			d.FLog.Add(flog.UploadBattLow, uint16(v*1000))
			return fsm.DeepSleep
		}
		if !d.Recorder.HasData() {
			if sent == 0 {
				d.Printf("No data to transmit\n")
				return fsm.DeepSleep
			}
			return t.complete(sent)
		}

		if next, ok := t.connect(ctx); !ok {
			return next
		}
		// Connected, but maybe back in the water.
		if d.Water.Last() == water.High {
			d.Printf("In the water!\n")
			return fsm.SessionInit
		}

		if err := timex.SleepUntil(ctx, d.Clock, lastSend+cfg.PublishSpacing.Milliseconds()); err != nil {
			return fsm.Null
		}

		n, name, err := d.Recorder.GetLastPacket(t.buf)
		if errcode.Of(err) == errcode.NoData {
			return t.complete(sent)
		}
		if err != nil {
			d.Printf("Failed to retrieve data\n")
			t.log.Error("get packet", zap.Error(err))
			d.FLog.Add(flog.UploadDrainFail, 0)
			return fsm.DeepSleep
		}
		payload, err := d.Encoding.Encode(t.buf[:n])
		if err != nil {
			t.log.Error("encode", zap.Error(err))
			return fsm.DeepSleep
		}
		d.Printf("Publish ID: %s\n", name)

		if !d.Link.Connected() {
			continue
		}
		lastSend = d.Clock.Millis()
		if err := d.Link.Publish(ctx, name, payload, true); err != nil {
			failures++
			d.Printf("Failed to upload data!\n")
			t.log.Warn("publish failed", zap.String("name", name), zap.Int("failures", failures), zap.Error(err))
			if failures >= max(cfg.MaxPublishFailures, 1) {
				d.FLog.Add(flog.UploadPublishFail, uint16(failures))
				return fsm.DeepSleep
			}
			continue
		}
		failures = 0
		sent++
		d.Printf("Uploaded record %s\n", name)

		if err := d.Recorder.PopLastPacket(n); err != nil {
			d.Printf("Failed to trim!\n")
			t.log.Error("pop packet", zap.Error(err))
			d.FLog.Add(flog.UploadDrainFail, 1)
			return fsm.DeepSleep
		}
	}
}

// connect waits for the link. When it cannot be had, ok is false and next
// is the state to go to.
func (t *Upload) connect(ctx context.Context) (next fsm.State, ok bool) {
	d := t.d
	if d.Link.Connected() {
		return fsm.Null, true
	}
	if err := d.Link.Connect(ctx); err != nil {
		t.log.Warn("connect", zap.Error(err))
	}
	start := d.Clock.Millis()
	for !d.Link.Connected() {
		if d.Water.Sample() == water.High {
			return fsm.SessionInit, false
		}
		if elapsed(d.Clock, start, d.Cfg.Upload.ConnectTimeout) {
			return t.connectFailed(), false
		}
		if !yield(ctx, d.Clock) {
			return fsm.Null, false
		}
	}
	t.log.Info("connected", zap.Int64("after_ms", d.Clock.Millis()-start))
	return fsm.Null, true
}

func (t *Upload) connectFailed() fsm.State {
	d := t.d
	d.Printf("Fail to connect\n")
	d.FLog.Add(flog.UploadConnectFail, 0)
	remaining, b, err := d.Boot.RecordConnectFailure(d.Cfg.Upload.MaxReattempts)
	if err != nil {
		t.log.Warn("retry state not saved", zap.Error(err))
	}
	t.log.Info("upload deferred", zap.Uint8("remaining", remaining), zap.Stringer("boot", b))
	return fsm.DeepSleep
}

func (t *Upload) complete(sent int) fsm.State {
	t.d.Printf("Upload complete\n")
	t.d.FLog.Add(flog.UploadDone, uint16(sent))
	if err := t.d.Boot.RecordUploadComplete(); err != nil {
		t.log.Warn("boot behavior not saved", zap.Error(err))
	}
	return fsm.DeepSleep
}

func (t *Upload) Exit() {
	t.d.Link.Disconnect()
}
