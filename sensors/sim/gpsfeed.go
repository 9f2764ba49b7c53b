package sim

import (
	"context"
	"io"
	"time"
)

// GPSFeed stands in for the receiver's UART: while powered reports true it
// writes an RMC and GGA pair for a fixed position every period.
type GPSFeed struct {
	Out     io.Writer
	Powered func() bool
	Lat     float64
	Lng     float64
	Sats    int
	Period  time.Duration
	Now     func() time.Time
}

// Run feeds until ctx ends.
func (f *GPSFeed) Run(ctx context.Context) error {
	period := f.Period
	if period <= 0 {
		period = time.Second
	}
	now := f.Now
	if now == nil {
		now = time.Now
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if f.Powered != nil && !f.Powered() {
				continue
			}
			t := now()
			if _, err := io.WriteString(f.Out, RMC(t, f.Lat, f.Lng)+GGA(t, f.Lat, f.Lng, f.Sats)); err != nil {
				return err
			}
		}
	}
}
