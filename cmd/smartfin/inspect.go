package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"smartfin-go/boot"
	"smartfin-go/ensemble"
	"smartfin-go/flash"
	"smartfin-go/flog"
	"smartfin-go/nvram"
	"smartfin-go/services/config"
	"smartfin-go/x/timex"
)

// The commands below inspect a stopped device's data directory.

func NewLsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "ls",
		Short:        "List flash files, newest first",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts.DataDir, zap.NewNop())
			if err != nil {
				return err
			}
			es, err := flash.List(e.fs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, en := range es {
				fmt.Fprintf(out, "%s\t%d\n", en.Name, en.Size)
			}
			return nil
		},
	}
}

func NewDecodeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "decode <file>",
		Short:        "Print the ensembles of a session file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.Product, opts.Config)
			if err != nil {
				return err
			}
			e, err := openEnv(opts.DataDir, zap.NewNop())
			if err != nil {
				return err
			}
			f, err := e.fs.Open(args[0], flash.ORead)
			if err != nil {
				return err
			}
			defer f.Close()
			data, err := io.ReadAll(f)
			if err != nil {
				return err
			}
			recs, err := ensemble.Decode(data, cfg.Flash.BlockSize)
			out := cmd.OutOrStdout()
			for _, r := range recs {
				h := r.Head()
				fmt.Fprintf(out, "%8.1f %-14s %+v\n", float64(h.Deciseconds())/10, h.Type, r)
			}
			return err
		},
	}
}

func NewFlogCommand(opts *RootOptions) *cobra.Command {
	var erase bool
	cmd := &cobra.Command{
		Use:          "flog",
		Short:        "Dump the fault log",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts.DataDir, zap.NewNop())
			if err != nil {
				return err
			}
			fl := flog.New(timex.NewClock(), flog.FileRetainer{FS: e.fs}, nil)
			if erase {
				fl.Clear()
				return nil
			}
			return fl.Dump(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&erase, "clear", false, "erase the log")
	return cmd
}

func NewBootCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "boot [behavior]",
		Short: "Show or set the persisted boot behavior",
		Long: `Show or set the behavior the next boot will pick up.

Behaviors: normal, tempcal_start, tempcal_continue, upload_reattempt.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts.DataDir, zap.NewNop())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				// Read the store directly; Manager.Load would consume the flag.
				valid, _ := nvram.GetBool(e.nv, nvram.NVRAMValid)
				raw, _ := nvram.GetU8(e.nv, nvram.BootBehavior)
				retries, err := boot.New(e.nv, nil).Retries()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "behavior: %s\nvalid: %t\nupload retries: %d\n", boot.Behavior(raw), valid, retries)
				return nil
			}
			b, err := boot.Parse(args[0])
			if err != nil {
				return err
			}
			return boot.New(e.nv, nil).Set(b)
		},
	}
}
