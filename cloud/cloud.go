// Package cloud is the upload transport: connect, check the connection and
// publish one named string payload at a time.
package cloud

import (
	"context"
	"encoding/ascii85"
	"encoding/base64"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"smartfin-go/errcode"
)

// Link is what the upload task drives. Connect starts connecting and returns
// without waiting; callers poll Connected under their own timeout.
type Link interface {
	Connect(ctx context.Context) error
	Connected() bool
	Publish(ctx context.Context, name, payload string, ack bool) error
	Disconnect()
}

// ----------------------------------------------------------------------------
// Encoding
// ----------------------------------------------------------------------------

// Encoding turns a binary packet into publishable text.
type Encoding string

const (
	Base85    Encoding = "base85"
	Base64    Encoding = "base64"
	Base64URL Encoding = "base64url"
)

func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(s)); e {
	case Base85, Base64, Base64URL:
		return e, nil
	case "":
		return Base64URL, nil
	}
	return "", errcode.New(errcode.InvalidParams, "cloud.encoding", s)
}

// Encode pads b with zeros to a multiple of four bytes and encodes it.
func (e Encoding) Encode(b []byte) (string, error) {
	if r := len(b) % 4; r != 0 {
		b = append(b[:len(b):len(b)], make([]byte, 4-r)...)
	}
	switch e {
	case Base85:
		out := make([]byte, ascii85.MaxEncodedLen(len(b)))
		return string(out[:ascii85.Encode(out, b)]), nil
	case Base64:
		return base64.StdEncoding.EncodeToString(b), nil
	case Base64URL, "":
		return base64.URLEncoding.EncodeToString(b), nil
	}
	return "", errcode.New(errcode.Unsupported, "cloud.encode", string(e))
}

// Decode reverses Encode; the zero padding is kept.
func (e Encoding) Decode(s string) ([]byte, error) {
	switch e {
	case Base85:
		out := make([]byte, len(s))
		n, _, err := ascii85.Decode(out, []byte(s), true)
		return out[:n], errcode.Wrap(errcode.Corrupt, "cloud.decode", err)
	case Base64:
		b, err := base64.StdEncoding.DecodeString(s)
		return b, errcode.Wrap(errcode.Corrupt, "cloud.decode", err)
	case Base64URL, "":
		b, err := base64.URLEncoding.DecodeString(s)
		return b, errcode.Wrap(errcode.Corrupt, "cloud.decode", err)
	}
	return nil, errcode.New(errcode.Unsupported, "cloud.decode", string(e))
}

// ----------------------------------------------------------------------------
// LogLink
// ----------------------------------------------------------------------------

// LogLink connects instantly and logs each publish. Useful on hosts without
// a broker.
type LogLink struct {
	log       *zap.Logger
	connected atomic.Bool
	published atomic.Uint32
	offline   atomic.Bool
}

func NewLogLink(log *zap.Logger) *LogLink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogLink{log: log.Named("link")}
}

// SetOffline makes later Connect calls leave the link disconnected.
func (l *LogLink) SetOffline(off bool) { l.offline.Store(off) }

func (l *LogLink) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.offline.Load() {
		l.connected.Store(true)
	}
	return nil
}

func (l *LogLink) Connected() bool { return l.connected.Load() }

func (l *LogLink) Publish(ctx context.Context, name, payload string, ack bool) error {
	if !l.connected.Load() {
		return errcode.NotConnected
	}
	l.published.Add(1)
	l.log.Info("publish", zap.String("name", name), zap.Int("len", len(payload)), zap.Bool("ack", ack))
	return nil
}

func (l *LogLink) Disconnect() { l.connected.Store(false) }

// Published counts successful publishes.
func (l *LogLink) Published() uint32 { return l.published.Load() }
