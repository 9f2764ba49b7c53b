//go:build rp2040

package sensors

import (
	"context"
	"machine"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"smartfin-go/x/ring"
)

// GPSSerial pumps the receiver's UART into a ring for GPS.Drain.
type GPSSerial struct {
	hw  *uartx.UART
	out *ring.Ring
}

// NewGPSSerial configures UART1 for the receiver.
func NewGPSSerial(tx, rx machine.Pin, baud uint32, out *ring.Ring) (*GPSSerial, error) {
	hw := uartx.UART1
	if err := hw.Configure(uartx.UARTConfig{BaudRate: baud, TX: tx, RX: rx}); err != nil {
		return nil, err
	}
	if err := hw.SetFormat(8, 1, uartx.ParityNone); err != nil {
		return nil, err
	}
	return &GPSSerial{hw: hw, out: out}, nil
}

// Run copies received bytes into the ring until ctx ends.
func (s *GPSSerial) Run(ctx context.Context) error {
	var buf [64]byte
	for {
		n, err := s.hw.RecvSomeContext(ctx, buf[:])
		if n > 0 {
			_, _ = s.out.Write(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Send writes a configuration sentence to the receiver.
func (s *GPSSerial) Send(p []byte) error {
	_, err := s.hw.Write(p)
	return err
}
