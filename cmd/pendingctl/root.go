package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/pendingsync/internal/config"
	"github.com/kimhsiao/pendingsync/internal/db"
	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/sync/queue"
	"github.com/kimhsiao/pendingsync/internal/sync/status"
	"github.com/kimhsiao/pendingsync/internal/telemetry"
)

// app carries the flags and the opened store for one invocation.
type app struct {
	out     io.Writer
	errOut  io.Writer
	cfgPath string
	dataDir string
	level   string
	metrics bool

	cfg      *config.Config
	store    *db.Store
	queue    *queue.Queue
	bus      *status.Bus
	events   *status.Subscription
	registry *prometheus.Registry
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "pendingctl",
		Short:         "Inspect and repair the pending mutation queue",
		Long:          `pendingctl opens a pendingsync data directory and lists, cancels, dismisses or re-arms queued server mutations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config", "c", "", "Path to config file (YAML)")
	flags.StringVarP(&a.dataDir, "data-dir", "d", "", "Data directory, overrides the config file")
	flags.StringVar(&a.level, "log-level", "", "Log level (debug,info,warn,error)")
	flags.BoolVar(&a.metrics, "metrics", false, "Print store and queue counters after the command")

	root.AddCommand(
		a.listCmd(),
		a.showCmd(),
		a.cancelCmd(),
		a.dismissCmd(),
		a.unblockCmd(),
		a.releaseCmd(),
		a.recoverCmd(),
		a.statsCmd(),
	)
	return root
}

// withQueue opens the store around fn and closes it afterwards.
func (a *app) withQueue(fn func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		if err := a.open(ctx); err != nil {
			return err
		}
		defer func() {
			if cerr := a.close(); err == nil {
				err = cerr
			}
		}()
		return fn(ctx, args)
	}
}

// open loads the configuration and opens the store and queue.
func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.Database.DataDir = a.dataDir
	}
	if a.level != "" {
		cfg.Log.Level = a.level
	}
	a.cfg = cfg

	log := logging.New(a.errOut, logging.ParseLevel(cfg.Log.Level))

	opts := cfg.StoreOptions()
	opts.Logger = log
	if a.metrics || cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		m, err := telemetry.NewPrometheus(a.registry, cfg.Metrics.Namespace)
		if err != nil {
			return err
		}
		opts.Metrics = m
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := db.Open(ctx, opts)
	if err != nil {
		return err
	}

	bus := status.NewBus(cfg.Queue.NotifyBuffer, log)
	q, err := queue.New(store, bus, queue.ConfigFrom(cfg.Queue))
	if err != nil {
		bus.Close()
		store.Close()
		return err
	}
	q.SetLogger(log)

	a.store, a.queue, a.bus = store, q, bus
	a.events = bus.SubscribeAll()
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}

	// Notifications raised by the command are buffered; report them once
	// the bus is closed.
	a.bus.Close()
	for n := range a.events.C {
		fmt.Fprintf(a.errOut, "notify %s %s %s\n", n.Token, n.Kind, n.Why)
	}

	if a.metrics && a.registry != nil {
		if err := a.printMetrics(); err != nil {
			return err
		}
	}
	err := a.store.Close()
	a.store, a.queue, a.bus, a.events = nil, nil, nil, nil
	return err
}

// printMetrics writes every non-zero counter and histogram count.
func (a *app) printMetrics() error {
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil && m.GetCounter().GetValue() > 0:
				fmt.Fprintf(a.errOut, "%s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue())
			case m.GetHistogram() != nil && m.GetHistogram().GetSampleCount() > 0:
				fmt.Fprintf(a.errOut, "%s_count%s %d\n", mf.GetName(), labels, m.GetHistogram().GetSampleCount())
			}
		}
	}
	return nil
}
