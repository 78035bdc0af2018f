package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSliceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slice",
		Short: "Slice a grid until every patch is below the threshold",
		Long: `Build the configured grid, run slicing passes until no patch reaches the
threshold, optionally clean up, then print the host mirror and validate.

Examples:
  # Slice the default 32x32 grid
  meshctl slice

  # Smaller patches on a noop device mirror
  meshctl slice --threshold 100 --max-patches 64 --device noop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSlice(cmd)
		},
	}
	a.addSliceFlags(cmd)
	return cmd
}

func (a *app) runSlice(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	m, closeMesh, err := a.openMesh()
	if err != nil {
		return err
	}
	defer closeMesh()

	fmt.Fprintf(out, "grid %dx%d: %d patches, threshold %d\n",
		a.cfg.Grid.Width, a.cfg.Grid.Height, m.NumPatches(), a.cfg.Slice.Threshold)

	total, err := a.sliceRounds(cmd.Context(), m, func(round, created int) error {
		fmt.Fprintf(out, "round %d: sliced %d, %d patches\n", round, created, m.NumPatches())
		return nil
	})
	if err != nil {
		return fmt.Errorf("slicing: %w", err)
	}

	if a.cfg.Slice.Cleanup {
		stats, err := m.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		fmt.Fprintf(out, "cleanup: repaired %d, ribbonized %d, pruned %d, unresolved %d\n",
			stats.Repaired, stats.Ribbonized, stats.Pruned, stats.Unresolved)
	}

	if err := m.UpdateHost(); err != nil {
		return fmt.Errorf("update host: %w", err)
	}
	fmt.Fprintf(out, "sliced %d patches\n", total)
	fmt.Fprint(out, m.HostMirror().String())

	if err := m.Check(); err != nil {
		return err
	}
	fmt.Fprintln(out, "valid: true")
	return nil
}
