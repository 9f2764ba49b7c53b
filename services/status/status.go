// Package status logs what the rest of the firmware reports on the bus:
// state transitions, charge and battery state, and fault log entries.
package status

import (
	"context"

	"go.uber.org/zap"

	"smartfin-go/bus"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/services/monitor"
)

const serviceName = "status"

var (
	TopicFault = bus.T("sys", "flog")

	topicSys = bus.T("sys", bus.AnyRest)
)

type Service struct {
	Name string
	log  *zap.Logger
}

func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Name: serviceName, log: log.Named(serviceName)}
}

// HookFaultLog publishes every new fault entry on sys/flog.
func HookFaultLog(fl *flog.Log, conn *bus.Connection) {
	fl.OnAdd(func(e flog.Entry) {
		conn.Publish(conn.NewMessage(TopicFault, e, false))
	})
}

func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go func() { _ = s.Run(ctx, conn) }()
	return nil
}

// Run logs sys/# until ctx ends.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) error {
	sub := conn.Subscribe(topicSys)
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			s.handle(msg)
		}
	}
}

func (s *Service) handle(msg *bus.Message) {
	switch p := msg.Payload.(type) {
	case fsm.Transition:
		s.log.Info("state", zap.Stringer("from", p.From), zap.Stringer("to", p.To))
	case monitor.ChargeState:
		s.log.Info("charge", zap.Stringer("status", p.Status), zap.Bool("present", p.Present))
	case monitor.BatteryState:
		if p.Low {
			s.log.Warn("battery", zap.Float32("volts", p.Volts), zap.Float32("soc", p.SoC), zap.Bool("low", true))
			return
		}
		s.log.Debug("battery", zap.Float32("volts", p.Volts), zap.Float32("soc", p.SoC))
	case flog.Entry:
		s.log.Warn("fault",
			zap.Stringer("code", p.Code),
			zap.Uint16("param", p.Param),
			zap.Uint32("at_ms", p.TimestampMs))
	default:
		s.log.Debug("message", zap.Stringer("topic", msg.Topic), zap.Any("payload", msg.Payload))
	}
}
