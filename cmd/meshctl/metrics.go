package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gogpu/dynmesh"
	"github.com/gogpu/dynmesh/internal/metrics"
)

func newMetricsCmd(a *app) *cobra.Command {
	var (
		addr     string
		interval time.Duration
		linger   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics while running slicing rounds",
		Long: `Serve /metrics and run one slicing round per interval on the configured
grid, then keep serving until interrupted (or for --linger).

Examples:
  # Serve on the configured address
  meshctl metrics

  # Watch a slow run
  meshctl metrics --addr :9464 --interval 2s --threshold 64 --max-patches 128`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Metrics.Addr = addr
			}
			if cmd.Flags().Changed("interval") {
				a.cfg.Metrics.Interval = interval
			}
			if cmd.Flags().Changed("linger") {
				a.cfg.Metrics.Linger = linger
			}
			return a.runMetrics(cmd)
		},
	}
	a.addSliceFlags(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between slicing rounds")
	cmd.Flags().DurationVar(&linger, "linger", 0, "keep serving this long after the last round (0 serves until interrupted)")
	return cmd
}

// metricsMux routes /metrics to the collectors gathered by g.
func metricsMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}

func (a *app) runMetrics(cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m, closeMesh, err := a.openMesh(dynmesh.WithMetrics(reg))
	if err != nil {
		return err
	}
	defer closeMesh()

	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	fmt.Fprintf(out, "serving metrics on http://%s/metrics\n", ln.Addr())

	_, err = a.sliceRounds(ctx, m, func(round, created int) error {
		if err := m.UpdateHost(); err != nil {
			return err
		}
		fmt.Fprintf(out, "round %d: sliced %d, %d patches\n", round, created, m.NumPatches())
		if created == 0 {
			return nil
		}
		return sleep(ctx, a.cfg.Metrics.Interval)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if a.cfg.Slice.Cleanup {
		if _, err := m.Cleanup(); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "valid: %v\n", m.Validate())

	var wait <-chan time.Time
	if a.cfg.Metrics.Linger > 0 {
		wait = time.After(a.cfg.Metrics.Linger)
	}
	select {
	case <-ctx.Done():
	case <-wait:
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
