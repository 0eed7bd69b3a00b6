package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/vmsim/config"
	"github.com/sarchlab/vmsim/datarecording"
	"github.com/sarchlab/vmsim/mem/vm/noff"
	"github.com/sarchlab/vmsim/mem/vm/trace"
	"github.com/sarchlab/vmsim/monitoring"
	"github.com/sarchlab/vmsim/sim/id"
	"github.com/sarchlab/vmsim/workload"
)

func newRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Run a workload on the simulated machine.",
		Long: "`run --workload w.toml --images bin/` creates the processes " +
			"of the workload from the executables in the images directory, " +
			"performs its steps and prints what happened to each process.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			opts, err := readRunOptions(cmd, cfg)
			if err != nil {
				return err
			}

			return runWorkload(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	c.Flags().String("images", ".", "Directory of the executables")
	c.Flags().String("workload", "", "Workload file (TOML)")
	c.Flags().String("trace-db", "",
		"Record faults, evictions and swap traffic into this SQLite file "+
			"(without extension)")
	c.Flags().String("csv-trace", "", "Write every MMU event to this CSV file")
	c.Flags().Bool("log-trace", false, "Log every MMU event at debug level")
	c.Flags().Bool("monitor", false, "Serve the state of the MMU over HTTP")
	c.Flags().Bool("open", false, "Open the monitor in a browser")
	c.Flags().Bool("wait", false,
		"Keep the monitor running after the workload until interrupted")

	return c
}

type runOptions struct {
	images   string
	workload string
	traceDB  string
	csvTrace string
	logTrace bool
	monitor  bool
	open     bool
	wait     bool
}

func readRunOptions(cmd *cobra.Command, cfg config.Config) (runOptions, error) {
	flags := cmd.Flags()

	o := runOptions{}
	o.images, _ = flags.GetString("images")
	o.workload, _ = flags.GetString("workload")
	o.traceDB, _ = flags.GetString("trace-db")
	o.csvTrace, _ = flags.GetString("csv-trace")
	o.logTrace, _ = flags.GetBool("log-trace")
	o.monitor, _ = flags.GetBool("monitor")
	o.open, _ = flags.GetBool("open")
	o.wait, _ = flags.GetBool("wait")

	if o.workload == "" {
		return o, errors.New("no workload given")
	}

	if o.traceDB == "" {
		o.traceDB = cfg.TraceDB
	}

	if cfg.MonitorPort > 0 {
		o.monitor = true
	}

	return o, nil
}

func runWorkload(
	ctx context.Context,
	out io.Writer,
	cfg config.Config,
	o runOptions,
) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	w, err := workload.Load(o.workload)
	if err != nil {
		return err
	}

	s, err := buildSystem(cfg, noff.DirOpener{Dir: o.images}, "MMU", logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.WithError(err).Warn("cannot release the system")
		}
	}()

	recorder, err := attachTracers(s, o, logger)
	if err != nil {
		return err
	}

	var runOpts []workload.Option

	if o.monitor {
		m, err := startMonitor(s, cfg, o, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Shutdown(context.Background()); err != nil {
				logger.WithError(err).Warn("cannot stop the monitor")
			}
		}()

		bar := m.CreateProgressBar("workload", uint64(w.NumSteps()))
		defer m.CompleteProgressBar(bar)

		runOpts = append(runOpts, workload.WithProgress(func(_, _ int) {
			bar.IncrementFinished(1)
		}))
	}

	result, err := workload.Run(ctx, s.kernel, w, runOpts...)
	if err != nil {
		return err
	}

	printResult(out, result)

	if recorder != nil {
		recorder.Flush()

		err = printTraceSummary(ctx, out, o.traceDB+".sqlite3")
		if err != nil {
			return err
		}
	}

	if o.monitor && o.wait {
		logger.Info("workload done, press Ctrl-C to stop the monitor")

		waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()

		<-waitCtx.Done()
	}

	return nil
}

// attachTracers hooks the requested tracers to the system. It returns the
// recorder of the trace database, if there is one.
func attachTracers(
	s *system,
	o runOptions,
	logger *logrus.Logger,
) (datarecording.DataRecorder, error) {
	var recorder datarecording.DataRecorder

	if o.traceDB != "" {
		recorder = datarecording.New(o.traceDB)
		s.addCloser(recorder)
		s.attach(trace.NewDBTracer(recorder, id.NewXIDGenerator()))
	}

	if o.csvTrace != "" {
		f, err := os.Create(o.csvTrace)
		if err != nil {
			return nil, err
		}

		s.addCloser(f)
		s.attach(trace.NewCSVTracer(f))
	}

	if o.logTrace {
		s.attach(trace.NewLogTracer(logger, logrus.DebugLevel))
	}

	return recorder, nil
}

// printTraceSummary reports how many rows each table of the trace holds.
func printTraceSummary(ctx context.Context, out io.Writer, file string) error {
	reader, err := datarecording.NewReader(file)
	if err != nil {
		return err
	}
	defer reader.Close()

	counts := make([]string, 0, 4)

	for _, table := range []string{
		trace.PageFaultTable,
		trace.EvictionTable,
		trace.SwapIOTable,
		trace.ContextSwitchTable,
	} {
		n, err := reader.Count(ctx, table)
		if err != nil {
			return err
		}

		counts = append(counts, fmt.Sprintf("%s %d", table, n))
	}

	fmt.Fprintf(out, "trace %s: %s\n", file, strings.Join(counts, ", "))

	return nil
}

func startMonitor(
	s *system,
	cfg config.Config,
	o runOptions,
	logger logrus.FieldLogger,
) (*monitoring.Monitor, error) {
	m := monitoring.NewMonitor().
		WithLogger(logger).
		WithPortNumber(cfg.MonitorPort)
	m.RegisterComponent(s.mmu)

	url, err := m.StartServer()
	if err != nil {
		return nil, err
	}

	if o.open {
		if err := browser.OpenURL(url + "/api/stats/MMU"); err != nil {
			logger.WithError(err).Warn("cannot open a browser")
		}
	}

	return m, nil
}

func printResult(out io.Writer, r workload.Result) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "PID\tSTATE\tFAULTS\tSKIPPED\tREADS\tERROR")

	for _, p := range r.Processes {
		faults := 0
		for _, n := range p.Faults {
			faults += n
		}

		reads := make([]string, 0, len(p.Reads))
		for _, v := range p.Reads {
			reads = append(reads, fmt.Sprintf("%#x", v))
		}

		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n",
			p.PID, p.State, faults, p.Skipped,
			strings.Join(reads, " "), p.ExitErr)
	}

	tw.Flush()

	st := r.Stats

	fmt.Fprintf(out, "\nsteps: %d\n", r.Steps)
	fmt.Fprintf(out, "faults: %d (soft %d, hard clean %d, hard dirty %d, "+
		"copy on write %d)\n", st.Faults(), st.SoftFaults,
		st.HardCleanFaults, st.HardDirtyFaults, st.CopyOnWriteFaults)
	fmt.Fprintf(out, "evictions: %d (dirty %d), tlb evictions: %d\n",
		st.Evictions, st.DirtyEvictions, st.TLBEvictions)
	fmt.Fprintf(out, "swap: %d out, %d in\n", st.SwapOuts, st.SwapIns)
}
