package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fumin/dqmc"
	"github.com/fumin/dqmc/config"
	"github.com/fumin/dqmc/exactdiag"
	"github.com/fumin/dqmc/lattice"
	"github.com/fumin/dqmc/metrics"
	"github.com/fumin/dqmc/pool"
	"github.com/fumin/dqmc/store"
)

const defaultOutput = "dqmc.db"

var log = logrus.New()

func main() {
	// A missing .env is fine.
	_ = godotenv.Load(".env")
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	viper.SetEnvPrefix("DQMC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindEnv("lsb_hosts", "LSB_HOSTS"); err != nil {
		return errors.Wrap(err, "")
	}

	root := &cobra.Command{
		Use:           "dqmc",
		Short:         "Determinant quantum Monte Carlo of the attractive Hubbard model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return errors.Wrap(err, "")
			}
			level, err := logrus.ParseLevel(viper.GetString("log-level"))
			if err != nil {
				return errors.Wrap(err, "")
			}
			log.SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level")
	root.AddCommand(runCommand(), resultsCommand(), exactCommand())
	if err := root.Execute(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run JOBFILE",
		Short: "Run the jobs of a job file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(args[0])
		},
	}
	cmd.Flags().Int("threads", 0, "number of workers, defaults to the job file, LSB_HOSTS or the number of CPUs")
	cmd.Flags().String("output", "", "results database, defaults to the job file or "+defaultOutput)
	cmd.Flags().Int("checkpoint-every", 0, "sweeps between checkpoints, 0 disables checkpoints")
	cmd.Flags().String("metrics-addr", "", "address to serve prometheus metrics on")
	cmd.Flags().String("resume", "", "run id to resume, skipping its finished jobs")
	return cmd
}

// threads returns the first positive worker count among the flag, the job file and the LSF host list.
func threads(c config.Config) int {
	if n := viper.GetInt("threads"); n > 0 {
		return n
	}
	if c.Threads > 0 {
		return c.Threads
	}
	if hosts := strings.Fields(viper.GetString("lsb_hosts")); len(hosts) > 0 {
		return len(hosts)
	}
	return runtime.NumCPU()
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

func runJobs(path string) error {
	c, err := config.Load(path)
	if err != nil {
		return errors.Wrap(err, "")
	}
	output := firstNonEmpty(viper.GetString("output"), c.Output, defaultOutput)
	st, err := store.Open(output)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer st.Close()

	run := viper.GetString("resume")
	finished := make(map[int]bool)
	if run != "" {
		results, err := st.Results(run)
		if err != nil {
			return errors.Wrap(err, "")
		}
		for _, r := range results {
			finished[r.Job] = r.Status == store.StatusOK
		}
	} else {
		run = uuid.NewString()
	}
	every := c.CheckpointEvery
	if n := viper.GetInt("checkpoint-every"); n > 0 {
		every = n
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	if addr := firstNonEmpty(viper.GetString("metrics-addr"), c.MetricsAddr); addr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := metrics.Serve(ctx, addr, reg); err != nil {
				log.Errorf("%+v", err)
			}
		}()
	}

	runLog := log.WithFields(logrus.Fields{"run": run, "output": output})
	runLog.WithFields(logrus.Fields{"jobs": len(c.Jobs), "threads": threads(c)}).Info("start")
	report := pool.Run(len(c.Jobs), threads(c), func(job int) error {
		if finished[job] {
			return nil
		}
		return runJob(st, rec, run, job, c.Jobs[job], every, runLog)
	}, pool.NewOptions().Logger(runLog))

	runLog.WithFields(logrus.Fields{"jobs": len(c.Jobs), "failures": report.Failures}).Info("done")
	if report.Failures > 0 {
		return errors.Errorf("%d of %d jobs failed in run %s", report.Failures, len(c.Jobs), run)
	}
	return nil
}

func runJob(st *store.Store, rec *metrics.Recorder, run string, job int, p dqmc.Params, every int, log *logrus.Entry) error {
	log = log.WithFields(logrus.Fields{"job": job, "lx": p.Lx, "ly": p.Ly, "lz": p.Lz, "beta": p.Beta, "u": p.U, "mu": p.Mu, "b": p.B})
	opt := dqmc.NewRunOptions().Simulation(dqmc.NewSimulationOptions().Logger(log).Monitor(rec))
	if every > 0 {
		opt = opt.Checkpoint(every, func(snap dqmc.Snapshot) error {
			return st.SaveSnapshot(run, job, snap)
		})
	}
	snap, ok, err := st.LoadSnapshot(run, job)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if ok {
		opt = opt.Resume(&snap)
	}

	summary, jobErr := dqmc.RunJob(p, opt)
	r := store.Result{Run: run, Job: job, Params: p, Summary: summary, Status: store.StatusOK}
	if jobErr != nil {
		r.Status, r.Error = store.StatusFailed, jobErr.Error()
	}
	rec.Job(r.Status)
	if err := st.WriteResult(r); err != nil {
		return errors.Wrap(err, "")
	}
	if jobErr != nil {
		return errors.Wrap(jobErr, "")
	}
	log.WithFields(logrus.Fields{"density": summary.Density.Mean, "sign": summary.Sign.Mean, "drifts": summary.Drifts}).Info("finished")
	return nil
}

func resultsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Print stored results as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(firstNonEmpty(viper.GetString("output"), defaultOutput))
			if err != nil {
				return errors.Wrap(err, "")
			}
			defer st.Close()
			results, err := st.Results(viper.GetString("run"))
			if err != nil {
				return errors.Wrap(err, "")
			}
			return writeCSV(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().String("output", "", "results database, defaults to "+defaultOutput)
	cmd.Flags().String("run", "", "only print this run")
	return cmd
}

// writeCSV writes one row per result. Spin correlations get a column pair per distance up to the
// longest lattice among the results, and site densities are space separated lists.
func writeCSV(out io.Writer, results []store.Result) error {
	distances := 0
	for _, r := range results {
		distances = max(distances, len(r.Summary.SpinCorrelation))
	}

	w := csv.NewWriter(out)
	header := []string{"run", "job", "status", "lx", "ly", "lz", "beta", "slices", "u", "mu", "b", "h"}
	for _, name := range []string{"sign", "density", "magnetization", "double_occupancy", "kinetic", "interaction", "staggered_density", "staggered_magnetization", "staggered_susceptibility"} {
		header = append(header, name, name+"_err")
	}
	for k := 1; k <= distances; k++ {
		name := fmt.Sprintf("spin_correlation_%d", k)
		header = append(header, name, name+"_err")
	}
	header = append(header, "density_up", "density_down", "acceptance", "drifts", "error")
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "")
	}

	f := func(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }
	sites := func(es []dqmc.Estimate) string {
		means := make([]string, 0, len(es))
		for _, e := range es {
			means = append(means, f(e.Mean))
		}
		return strings.Join(means, " ")
	}
	for _, r := range results {
		p, s := r.Params, r.Summary
		row := []string{r.Run, strconv.Itoa(r.Job), r.Status, strconv.Itoa(p.Lx), strconv.Itoa(p.Ly), strconv.Itoa(p.Lz), f(p.Beta), strconv.Itoa(p.Slices), f(p.U), f(p.Mu), f(p.B), f(p.Staggered)}
		for _, e := range []dqmc.Estimate{s.Sign, s.Density, s.Magnetization, s.DoubleOccupancy, s.Kinetic, s.Interaction, s.StaggeredDensity, s.StaggeredMagnetization, s.StaggeredSusceptibility} {
			row = append(row, f(e.Mean), f(e.Error))
		}
		for k := range distances {
			if k < len(s.SpinCorrelation) {
				row = append(row, f(s.SpinCorrelation[k].Mean), f(s.SpinCorrelation[k].Error))
			} else {
				row = append(row, "", "")
			}
		}
		row = append(row, sites(s.DensityUp), sites(s.DensityDown), f(s.Acceptance), strconv.Itoa(s.Drifts), r.Error)
		if err := w.Write(row); err != nil {
			return errors.Wrap(err, "")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func exactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exact",
		Short: "Print exact thermal averages of a small lattice as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := exactdiag.Model{
				Lattice: lattice.Lattice{
					Lx: viper.GetInt("lx"), Ly: viper.GetInt("ly"), Lz: viper.GetInt("lz"),
					Tx: viper.GetFloat64("tx"), Ty: viper.GetFloat64("ty"), Tz: viper.GetFloat64("tz"),
					OpenBoundary: viper.GetBool("open-boundary"),
					Staggered:    viper.GetFloat64("h"),
				},
				U:  viper.GetFloat64("u"),
				Mu: viper.GetFloat64("mu"),
				B:  viper.GetFloat64("b"),
			}
			th, err := exactdiag.Solve(m, viper.GetFloat64("beta"))
			if err != nil {
				return errors.Wrap(err, "")
			}
			b, err := json.MarshalIndent(th, "", "  ")
			if err != nil {
				return errors.Wrap(err, "")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Int("lx", 2, "sites along x")
	fl.Int("ly", 2, "sites along y")
	fl.Int("lz", 1, "sites along z")
	fl.Float64("tx", 1, "hopping along x")
	fl.Float64("ty", 1, "hopping along y")
	fl.Float64("tz", 1, "hopping along z")
	fl.Bool("open-boundary", false, "remove wrapping bonds")
	fl.Float64("h", 0, "staggered potential")
	fl.Float64("u", 4, "attractive interaction")
	fl.Float64("mu", 0, "chemical potential relative to half filling")
	fl.Float64("b", 0, "Zeeman field")
	fl.Float64("beta", 1, "inverse temperature")
	return cmd
}
