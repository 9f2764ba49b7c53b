package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smartfin-go/cloud"
	"smartfin-go/flog"
	"smartfin-go/fsm"
	"smartfin-go/sensors"
	"smartfin-go/sensors/sim"
	"smartfin-go/services/config"
	"smartfin-go/services/monitor"
	"smartfin-go/services/status"
	"smartfin-go/system"
	"smartfin-go/tasks"
	"smartfin-go/x/timex"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Initial string
	Volts   float32
	SoC     float32
	TempC   float32
	Lat     float64
	Lng     float64
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the device",
		Long: `Boot the device on the data directory with simulated sensors.

The console is stdin/stdout. Create <data>/water to put the fin in the
water and <data>/charger to plug it in; remove them to undo.

Example:
  smartfin run --data ./fin1
  smartfin run --data ./fin1 --config fast.yaml --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Initial, "state", fsm.Charge.String(), "initial state")
	cmd.Flags().Float32Var(&opts.Volts, "volts", 4.0, "simulated battery voltage")
	cmd.Flags().Float32Var(&opts.SoC, "soc", 0.9, "simulated state of charge (0..1)")
	cmd.Flags().Float32Var(&opts.TempC, "temp", 18.5, "simulated water temperature")
	cmd.Flags().Float64Var(&opts.Lat, "lat", 32.8672, "simulated GPS latitude")
	cmd.Flags().Float64Var(&opts.Lng, "lng", -117.2571, "simulated GPS longitude")

	return cmd
}

func runDevice(ctx context.Context, opts *RunOptions) error {
	log, err := opts.logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	initial, err := fsm.ParseState(opts.Initial)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.Product, opts.Config)
	if err != nil {
		return err
	}
	e, err := openEnv(opts.DataDir, log)
	if err != nil {
		return err
	}

	var link cloud.Link
	if cfg.Cloud.Broker != "" {
		link = cloud.NewMQTTLink(cloud.TCPConnection(cfg.Cloud.Broker), cloud.MQTTConfig{
			DeviceID:  e.id,
			Prefix:    cfg.Cloud.Prefix,
			KeepAlive: cfg.Cloud.KeepAlive,
		}, log)
	}
	water := sim.FileFlag{Path: e.marker(waterMarker)}
	d, err := system.New(cfg, e.id, timex.NewClock(), system.Hardware{
		FS:         e.fs,
		NVRAM:      e.nv,
		WaterProbe: water,
		Temp:       sim.NewThermometer(opts.TempC),
		IMU:        &sim.IMU{},
		Mag:        &sim.Magnetometer{Field: [3]int16{112, -310, 405}},
		Battery:    sim.NewBattery(opts.Volts, opts.SoC),
		Charger:    sim.FileFlag{Path: e.marker(chargerMarker)},
		GPSPower:   sensors.NopSwitch{},
		WaterTest:  water,
		Link:       link,
		Console:    os.Stdout,
	}, log)
	if err != nil {
		return err
	}
	d.Boot.Load()
	d.FLog.Add(flog.SysStart, 0)
	log.Info("device up",
		zap.String("id", e.id),
		zap.String("product", cfg.Product),
		zap.String("data", e.dir),
		zap.Stringer("boot", d.Boot.Get()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Blocks on stdin for the life of the process.
	go func() { _, _ = io.Copy(d.Console.Input(), os.Stdin) }()

	cfgSvc := config.NewService(cfg, log)
	if err := cfgSvc.Start(ctx, d.Bus.NewConnection(cfgSvc.Name)); err != nil {
		return err
	}
	mon := monitor.New(cfg, d.Battery, d.Charger, d.Flags, log)
	st := status.New(log)
	stConn := d.Bus.NewConnection(st.Name)
	status.HookFaultLog(d.FLog, stConn)
	feed := &sim.GPSFeed{Out: d.GPSRx, Powered: d.GPS.Powered, Lat: opts.Lat, Lng: opts.Lng, Sats: 8}
	machine := fsm.New(tasks.Build(d), d.FLog, d.Bus.NewConnection("fsm"), log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx, d.Bus.NewConnection(mon.Name)) })
	g.Go(func() error { return st.Run(ctx, stConn) })
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error {
		defer stop()
		return machine.Run(ctx, initial)
	})

	err = g.Wait()
	d.Deinit()
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown", zap.Stringer("state", machine.State()))
		return nil
	}
	return err
}
