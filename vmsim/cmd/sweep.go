package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/vmsim/config"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/mem/vm/noff"
	"github.com/sarchlab/vmsim/workload"
)

func newSweepCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "sweep",
		Short: "Run a workload with different amounts of physical memory.",
		Long: "`sweep --workload w.toml --frames 4,8,16` runs the workload " +
			"once per frame count, in parallel, and compares the faults " +
			"and the swap traffic of the runs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			images, _ := flags.GetString("images")
			workloadFile, _ := flags.GetString("workload")
			frames, _ := flags.GetIntSlice("frames")
			jobs, _ := flags.GetInt("jobs")

			if workloadFile == "" {
				return errors.New("no workload given")
			}

			w, err := workload.Load(workloadFile)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			results, err := sweep(cmd.Context(), cfg, w,
				noff.DirOpener{Dir: images}, frames, jobs, logger)
			if err != nil {
				return err
			}

			printSweep(cmd.OutOrStdout(), frames, results)

			return nil
		},
	}

	c.Flags().String("images", ".", "Directory of the executables")
	c.Flags().String("workload", "", "Workload file (TOML)")
	c.Flags().IntSlice("frames", []int{4, 8, 16},
		"Numbers of physical frames to try")
	c.Flags().Int("jobs", 0, "Runs to perform at once (0 for no limit)")

	return c
}

// sweep runs the workload once per frame count. Each run has its own machine,
// and its own swap file if the configuration names one.
func sweep(
	ctx context.Context,
	cfg config.Config,
	w *workload.Workload,
	images noff.Opener,
	frames []int,
	jobs int,
	logger logrus.FieldLogger,
) ([]mmu.Stats, error) {
	configs := make([]config.Config, len(frames))
	for i, n := range frames {
		runCfg := cfg
		runCfg.NumPhysPages = n

		if cfg.SwapFile != "" {
			runCfg.SwapFile = fmt.Sprintf("%s.%d", cfg.SwapFile, n)
		}

		if err := runCfg.Validate(); err != nil {
			return nil, fmt.Errorf("%d frames: %w", n, err)
		}

		configs[i] = runCfg
	}

	results := make([]mmu.Stats, len(frames))

	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}

	for i, runCfg := range configs {
		n := runCfg.NumPhysPages

		g.Go(func() error {
			s, err := buildSystem(runCfg, images, fmt.Sprintf("MMU[%d]", n),
				logger.WithField("frames", n))
			if err != nil {
				return err
			}
			defer s.Close()

			r, err := workload.Run(ctx, s.kernel, w)
			if err != nil {
				return fmt.Errorf("%d frames: %w", n, err)
			}

			results[i] = r.Stats

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func printSweep(out io.Writer, frames []int, results []mmu.Stats) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "FRAMES\tFAULTS\tSOFT\tHARD CLEAN\tHARD DIRTY\tCOW\t"+
		"EVICTIONS\tDIRTY EVICTIONS\tSWAP OUT\tSWAP IN")

	for i, st := range results {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			frames[i], st.Faults(), st.SoftFaults, st.HardCleanFaults,
			st.HardDirtyFaults, st.CopyOnWriteFaults, st.Evictions,
			st.DirtyEvictions, st.SwapOuts, st.SwapIns)
	}

	tw.Flush()
}
