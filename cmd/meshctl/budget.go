package main

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/spf13/cobra"

	"github.com/gogpu/dynmesh"
	"github.com/gogpu/dynmesh/internal/budget"
)

func newBudgetCmd(a *app) *cobra.Command {
	var (
		dynamic  bool
		oriented bool
		parts    bool
	)
	cmd := &cobra.Command{
		Use:   "budget [op...]",
		Short: "Print the per-block scratch footprint of a launch",
		Long: `Size a launch for the given static queries (VV, VE, VF, EV, EF, FV, FE, FF,
EVDiamond) on the configured grid and compare it with the device's
workgroup storage limit.

Examples:
  # A vertex-vertex query kernel
  meshctl budget VV

  # A mutating kernel that also walks face edges, with the workspace breakdown
  meshctl budget FE --dynamic --oriented --parts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops := make([]dynmesh.Op, 0, len(args))
			for _, arg := range args {
				op, err := dynmesh.ParseOp(arg)
				if err != nil {
					return err
				}
				ops = append(ops, op)
			}
			if len(ops) == 0 && !dynamic {
				return fmt.Errorf("nothing to size: pass at least one op or --dynamic")
			}

			m, closeMesh, err := a.openMesh()
			if err != nil {
				return err
			}
			defer closeMesh()

			box, err := m.PrepareLaunchBox(ops, dynamic, oriented)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			names := make([]string, len(ops))
			for i, op := range ops {
				names[i] = op.String()
			}
			caps := budget.Capacities{
				Vertex: m.Capacity(dynmesh.Vertex),
				Edge:   m.Capacity(dynmesh.Edge),
				Face:   m.Capacity(dynmesh.Face),
			}
			fmt.Fprintf(out, "ops: %s dynamic: %v oriented: %v\n", strings.Join(names, ","), dynamic, oriented)
			fmt.Fprintf(out, "capacity: V %d E %d F %d\n", caps.Vertex, caps.Edge, caps.Face)
			fmt.Fprintf(out, "blocks: %d threads: %d\n", box.Blocks, box.Threads)
			if parts && dynamic {
				fmt.Fprint(out, budget.Describe(budget.DynamicParts(caps)))
			}

			limit := gputypes.DefaultLimits().MaxComputeWorkgroupStorageSize
			verdict := "fits"
			if !budget.FitsDevice(box.ScratchBytes, gputypes.DefaultLimits()) {
				verdict = "exceeds"
			}
			fmt.Fprintf(out, "scratch bytes: %d (%s device limit %d)\n", box.ScratchBytes, verdict, limit)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dynamic, "dynamic", false, "reserve the mutation workspace")
	cmd.Flags().BoolVar(&oriented, "oriented", false, "include face-edge orientation buffers")
	cmd.Flags().BoolVar(&parts, "parts", false, "print the mutation workspace breakdown")
	return cmd
}
