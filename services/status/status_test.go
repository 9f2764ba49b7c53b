package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"smartfin-go/bus"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/services/monitor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLogsSystemTopics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := New(zap.New(core))

	b := bus.NewBus(8)
	conn := b.NewConnection("status")
	pub := b.NewConnection("pub")
	fl := flog.New(nil, nil, nil)
	HookFaultLog(fl, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, conn) }()

	pub.Publish(pub.NewMessage(fsm.TopicState, fsm.Transition{From: fsm.Charge, To: fsm.DeepSleep}, true))
	pub.Publish(pub.NewMessage(monitor.TopicCharge, monitor.ChargeState{Status: monitor.Charging, Present: true}, true))
	// Retained messages arrive once the subscription exists; the fault does not.
	require.Eventually(t, func() bool { return logs.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	fl.Add(flog.UploadConnectFail, 2)

	require.Eventually(t, func() bool { return logs.Len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	msgs := map[string]bool{}
	for _, e := range logs.All() {
		msgs[e.Message] = true
	}
	assert.True(t, msgs["state"])
	assert.True(t, msgs["charge"])
	assert.True(t, msgs["fault"])

	faults := logs.FilterMessage("fault").All()
	require.Len(t, faults, 1)
	assert.Equal(t, flog.UploadConnectFail.String(), faults[0].ContextMap()["code"])
}
