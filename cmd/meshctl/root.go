package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/dynmesh"
	"github.com/gogpu/dynmesh/internal/config"
	"github.com/gogpu/dynmesh/internal/device"
	"github.com/gogpu/dynmesh/internal/meshgen"
)

// app carries the loaded configuration shared by every subcommand.
type app struct {
	configPath string
	cfg        *config.Config

	// Flag values; applied over the config only when set.
	device        string
	width         int
	height        int
	facesPerPatch int
	maxPatches    uint32
	workers       int
	debug         bool
	threshold     uint32
	rounds        int
	cleanup       bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Inspect and exercise the dynamic mesh partition store",
		Long: `meshctl builds a triangulated grid, partitions it into patches and drives
the partition store: slicing passes, cleanup, validation, launch footprints
and Prometheus metrics.

Settings come from built-in defaults, then the --config YAML file, then
DYNMESH_* environment variables (DYNMESH_SLICE_THRESHOLD -> slice.threshold),
then command-line flags.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.device, "device", "", `mirror the mesh on a device: "noop" or empty for host only`)
	pf.IntVar(&a.width, "width", 0, "grid width in quads")
	pf.IntVar(&a.height, "height", 0, "grid height in quads")
	pf.IntVar(&a.facesPerPatch, "faces-per-patch", 0, "faces per patch of the initial partition")
	pf.Uint32Var(&a.maxPatches, "max-patches", 0, "patch ceiling (0 derives it from the partition)")
	pf.IntVar(&a.workers, "workers", 0, "concurrent blocks (0 uses GOMAXPROCS)")
	pf.BoolVar(&a.debug, "debug", false, "validate every slice before committing it")

	root.AddCommand(newSliceCmd(a))
	root.AddCommand(newBudgetCmd(a))
	root.AddCommand(newMetricsCmd(a))
	return root
}

// addSliceFlags registers the flags of commands that run slicing rounds.
func (a *app) addSliceFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32Var(&a.threshold, "threshold", 0, "active-face count at which a patch is sliced")
	cmd.Flags().IntVar(&a.rounds, "rounds", 0, "maximum slicing rounds")
	cmd.Flags().BoolVar(&a.cleanup, "cleanup", true, "run cleanup after slicing")
}

// load reads the configuration and applies the flags the user set.
func (a *app) load(cmd *cobra.Command) error {
	flags := cmd.Flags()
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if flags.Changed("device") {
		cfg.Mesh.Device = a.device
	}
	if flags.Changed("width") {
		cfg.Grid.Width = a.width
	}
	if flags.Changed("height") {
		cfg.Grid.Height = a.height
	}
	if flags.Changed("faces-per-patch") {
		cfg.Grid.FacesPerPatch = a.facesPerPatch
	}
	if flags.Changed("max-patches") {
		cfg.Mesh.MaxPatches = a.maxPatches
	}
	if flags.Changed("workers") {
		cfg.Mesh.Workers = a.workers
	}
	if flags.Changed("debug") {
		cfg.Mesh.Debug = a.debug
	}
	if flags.Changed("threshold") {
		cfg.Slice.Threshold = a.threshold
	}
	if flags.Changed("rounds") {
		cfg.Slice.MaxRounds = a.rounds
	}
	if flags.Changed("cleanup") {
		cfg.Slice.Cleanup = a.cleanup
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	a.cfg = cfg
	dynmesh.SetLogger(cfg.Log.Logger(cmd.ErrOrStderr()))
	return nil
}

// openMesh partitions the configured grid and creates the mesh, mirrored on
// the configured device. The returned func releases both.
func (a *app) openMesh(extra ...dynmesh.Option) (*dynmesh.Mesh, func(), error) {
	g := a.cfg.Grid
	inputs, err := meshgen.Partition(meshgen.Grid(g.Width, g.Height), g.FacesPerPatch)
	if err != nil {
		return nil, nil, fmt.Errorf("partition grid: %w", err)
	}

	opts := append(a.cfg.Options(), extra...)
	release := func() {}
	if a.cfg.Mesh.Device == config.DeviceNoop {
		h, err := device.OpenNoop()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, dynmesh.WithHAL(h.Device, h.Queue))
		release = h.Release
	}

	m, err := dynmesh.New(inputs, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return m, func() {
		m.Close()
		release()
	}, nil
}

// sliceRounds slices until no patch reaches the threshold, the round limit
// is hit or ctx is cancelled. each is called after every round. A fatal
// store violation, such as running out of patch ids, is returned as an
// error.
func (a *app) sliceRounds(ctx context.Context, m *dynmesh.Mesh, each func(round, created int) error) (total int, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, ok := r.(*dynmesh.Violation)
			if !ok {
				panic(r)
			}
			err = v
		}
	}()

	for round := 1; round <= a.cfg.Slice.MaxRounds && ctx.Err() == nil; round++ {
		n, err := m.SlicePatches(a.cfg.Slice.Threshold)
		if err != nil {
			return total, err
		}
		total += n
		if each != nil {
			if err := each(round, n); err != nil {
				return total, err
			}
		}
		if n == 0 {
			break
		}
	}
	return total, ctx.Err()
}
