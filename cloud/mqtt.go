package cloud

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"smartfin-go/errcode"
	"smartfin-go/x/strx"
	"smartfin-go/x/timex"
)

// ConnectionProvider returns a connected net.Conn to the broker.
type ConnectionProvider func(context.Context) (net.Conn, error)

// TCPConnection dials addr ("host:port") over TCP.
func TCPConnection(addr string) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errcode.Wrap(errcode.NotConnected, "cloud.dial", err)
		}
		return conn, nil
	}
}

// pahoClient is the part of *paho.Client the link uses.
type pahoClient interface {
	Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(d *paho.Disconnect) error
}

// MQTTConfig names the session and topic space.
type MQTTConfig struct {
	DeviceID   string
	Prefix     string        // topic prefix, default "smartfin"
	KeepAlive  time.Duration // default 60s
	RetryDelay time.Duration // between failed connect attempts, default 5s
}

// MQTTLink publishes to <prefix>/<deviceId>/<name>. Connect runs dial and
// CONNECT/CONNACK in the background, retrying until Disconnect.
type MQTTLink struct {
	cfg       MQTTConfig
	dial      ConnectionProvider
	newClient func(paho.ClientConfig) pahoClient
	log       *zap.Logger

	mu     sync.Mutex
	c      pahoClient
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	attempts  atomic.Uint32
}

func NewMQTTLink(dial ConnectionProvider, cfg MQTTConfig, log *zap.Logger) *MQTTLink {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Prefix = strx.Coalesce(cfg.Prefix, "smartfin")
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &MQTTLink{
		cfg:  cfg,
		dial: dial,
		newClient: func(cc paho.ClientConfig) pahoClient {
			return paho.NewClient(cc)
		},
		log: log.Named("mqtt"),
	}
}

// Connect starts the background connect loop unless one is already
// running or connected. A session the broker or client dropped is
// released and dialled again.
func (l *MQTTLink) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		select {
		case <-l.done:
		default:
			return nil
		}
		if l.connected.Load() {
			return nil
		}
		l.log.Info("session lost, reconnecting")
		l.cancel()
		if l.c != nil {
			if err := l.c.Disconnect(&paho.Disconnect{}); err != nil {
				l.log.Debug("release dropped session", zap.Error(err))
			}
			l.c = nil
		}
	}
	cctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.connectLoop(cctx, l.done)
	return nil
}

func (l *MQTTLink) connectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := l.attempt(ctx)
		if err == nil {
			return
		}
		l.log.Debug("connect attempt failed", zap.Uint32("attempt", l.attempts.Load()), zap.Error(err))
		t := time.NewTimer(l.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timex.StopTimer(t)
			return
		case <-t.C:
		}
	}
}

func (l *MQTTLink) attempt(ctx context.Context) error {
	l.attempts.Add(1)
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	c := l.newClient(paho.ClientConfig{
		ClientID: l.cfg.DeviceID,
		Conn:     conn,
		OnClientError: func(err error) {
			l.log.Warn("client error", zap.Error(err))
			l.connected.Store(false)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			l.log.Warn("server disconnect", zap.Uint8("reason", d.ReasonCode))
			l.connected.Store(false)
		},
	})
	ca, err := c.Connect(ctx, &paho.Connect{
		ClientID:   l.cfg.DeviceID,
		KeepAlive:  uint16(l.cfg.KeepAlive / time.Second),
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return errcode.Wrap(errcode.NotConnected, "cloud.connect", err)
	}
	if ca != nil && ca.ReasonCode != 0 {
		conn.Close()
		return errcode.New(errcode.NotConnected, "cloud.connect", "connack refused")
	}
	l.mu.Lock()
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		_ = c.Disconnect(&paho.Disconnect{})
		return err
	}
	l.c = c
	l.mu.Unlock()
	l.connected.Store(true)
	l.log.Info("connected", zap.String("client_id", l.cfg.DeviceID))
	return nil
}

func (l *MQTTLink) Connected() bool { return l.connected.Load() }

// Topic returns the topic a publish name maps to.
func (l *MQTTLink) Topic(name string) string {
	return l.cfg.Prefix + "/" + l.cfg.DeviceID + "/" + name
}

// Publish sends payload with QoS 1 when ack is set, otherwise QoS 0.
func (l *MQTTLink) Publish(ctx context.Context, name, payload string, ack bool) error {
	l.mu.Lock()
	c := l.c
	l.mu.Unlock()
	if c == nil || !l.connected.Load() {
		return errcode.NotConnected
	}
	var qos byte
	if ack {
		qos = 1
	}
	_, err := c.Publish(ctx, &paho.Publish{
		QoS:     qos,
		Topic:   l.Topic(name),
		Payload: []byte(payload),
	})
	return errcode.Wrap(errcode.PublishFailed, "cloud.publish", err)
}

// Disconnect stops any connect loop and closes the session.
func (l *MQTTLink) Disconnect() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	if cancel != nil {
		cancel()
	}
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if done != nil {
		<-done
	}

	l.mu.Lock()
	c := l.c
	l.c = nil
	l.mu.Unlock()
	if c != nil {
		if err := c.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
			l.log.Debug("disconnect", zap.Error(err))
		}
	}
	l.connected.Store(false)
}
