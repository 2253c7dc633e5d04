package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/bus"
	"github.com/Ashfaaq98/analyzerkit/internal/cache"
	"github.com/Ashfaaq98/analyzerkit/internal/metrics"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/store"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

var (
	jobDirs     []string
	outputDir   string
	parallel    int
	metricsFile string
	noArchive   bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <analyzer>",
	Short: "Run an analyzer against one or more jobs",
	Long: `Run an analyzer against jobs and write one report per job.

A job directory holds input/input.json and receives output/output.json plus
any file artifacts. Without --job-dir the job is read from stdin and the
report is written to stdout.

Every finished job is archived (unless --no-archive), published to the
Redis "reports" stream when Redis is configured, and counted in the
metrics written to --metrics-file.

Examples:
  # Run a single job from stdin
  echo '{"dataType":"domain","data":"example.com"}' | analyzerkit run whois

  # Run several job directories, four at a time
  analyzerkit run misp --job-dir jobs/1 --job-dir jobs/2 --parallel 4

  # Write Prometheus metrics for the node_exporter textfile collector
  analyzerkit run geoip --job-dir jobs/1 --metrics-file /var/lib/node_exporter/analyzerkit.prom`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&jobDirs, "job-dir", nil, "Job directory (repeatable)")
	runCmd.Flags().StringVar(&outputDir, "output-dir", "", "Artifact output directory (default <job-dir>/output)")
	runCmd.Flags().IntVar(&parallel, "parallel", 0, "Jobs run concurrently (default run.parallel)")
	runCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")
	runCmd.Flags().BoolVar(&noArchive, "no-archive", false, "Do not save reports to the archive")
}

// RunStats holds statistics about a batch of jobs
type RunStats struct {
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	Artifacts      int
	SkippedFiles   int
	ProcessingTime time.Duration
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	config := GetConfig()
	logger := newLogger("analyzerkit", config.Log.Level)

	registry := builtinRegistry(newLogger("plugins", "error"))
	name := args[0]
	p, ok := registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s (see 'analyzerkit list')", plugins.ErrUnknownPlugin, name)
	}

	dirs := jobDirs
	if len(dirs) == 0 && config.Job.Directory != "" {
		dirs = []string{config.Job.Directory}
	}
	if outputDir == "" {
		outputDir = config.Job.OutputDir
	}
	if parallel <= 0 {
		parallel = config.Job.Parallel
	}

	jobCache := cache.New(cache.Config{
		RedisURL: config.Redis.URL,
		Prefix:   cache.DefaultPrefix,
		Size:     config.Cache.Size,
	}, logger)
	defer jobCache.Close()

	reportBus := bus.NewBus(config.Redis.URL, logger)
	defer reportBus.Close()

	r := &runner{
		registry: registry,
		env: plugins.Env{
			Cache:    jobCache,
			CacheTTL: config.Cache.TTL,
			Logger:   newLogger(p.Name(), config.Log.Level),
		},
		bus:     reportBus,
		metrics: metrics.NewRecorder(),
		logger:  logger,
		stdin:   cmd.InOrStdin(),
		stdout:  cmd.OutOrStdout(),
	}

	if config.Archive.Enabled && !noArchive {
		path := resolvePath(config.Archive.Path)
		archive, err := store.NewStore(path)
		if err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		defer archive.Close()
		r.archive = archive
		logger.Printf("Archiving reports to %s", path)
	}

	stats, err := r.runJobs(ctx, p.Name(), dirs, outputDir, parallel, AnalyzerConfig(p.Name()))

	if metricsFile != "" {
		if werr := r.metrics.WriteFile(metricsFile); werr != nil {
			logger.Printf("Warning: %v", werr)
		}
	}
	if err != nil {
		return err
	}

	if len(dirs) > 0 {
		logger.Printf("Run completed:")
		logger.Printf("  Jobs: %d", stats.TotalJobs)
		logger.Printf("  Succeeded: %d", stats.SuccessfulJobs)
		logger.Printf("  Failed: %d", stats.FailedJobs)
		logger.Printf("  Artifacts: %d", stats.Artifacts)
		if stats.SkippedFiles > 0 {
			logger.Printf("  Skipped file artifacts: %d", stats.SkippedFiles)
		}
		logger.Printf("  Processing time: %v", stats.ProcessingTime)
	}

	if stats.FailedJobs > 0 {
		return fmt.Errorf("%d of %d job(s) failed", stats.FailedJobs, stats.TotalJobs)
	}
	return nil
}

// runner executes jobs for one analyzer and records their outcomes.
type runner struct {
	registry *plugins.Registry
	env      plugins.Env
	archive  *store.Store
	bus      bus.Bus
	metrics  *metrics.Recorder
	logger   *log.Logger

	stdin  io.Reader
	stdout io.Writer

	mu    sync.Mutex
	stats RunStats
}

// runJobs runs name against every job directory with at most parallel jobs
// in flight. With no directories one job is read from stdin. A failed job
// is counted, not returned; only errors that stop the batch are returned.
func (r *runner) runJobs(ctx context.Context, name string, dirs []string, outDir string, parallel int, base map[string]interface{}) (*RunStats, error) {
	start := time.Now()

	if len(dirs) == 0 {
		err := r.runOne(ctx, name, worker.Options{
			OutputDir:  outDir,
			Stdin:      r.stdin,
			Stdout:     r.stdout,
			BaseConfig: base,
		})
		r.stats.ProcessingTime = time.Since(start)
		return &r.stats, err
	}

	if parallel <= 0 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	areas := outputAreas(outDir, dirs)
	for i, dir := range dirs {
		opts := worker.Options{
			JobDir:     dir,
			OutputDir:  areas[i],
			BaseConfig: base,
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.runOne(gctx, name, opts)
		})
	}

	err := g.Wait()
	r.stats.ProcessingTime = time.Since(start)
	return &r.stats, err
}

// outputAreas gives each job directory its own area under outDir, named
// after the directory. Equal names get a numeric suffix. An empty outDir
// leaves every job writing to <job-dir>/output.
func outputAreas(outDir string, dirs []string) []string {
	areas := make([]string, len(dirs))
	if outDir == "" {
		return areas
	}
	if len(dirs) == 1 {
		areas[0] = outDir
		return areas
	}

	used := make(map[string]bool, len(dirs))
	for i, dir := range dirs {
		base := filepath.Base(filepath.Clean(dir))
		name := base
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		used[name] = true
		areas[i] = filepath.Join(outDir, name)
	}
	return areas
}

func (r *runner) runOne(ctx context.Context, name string, opts worker.Options) error {
	outcome, err := r.registry.Run(ctx, name, r.env, opts)
	if outcome == nil {
		return err
	}
	if err != nil && !errors.Is(err, worker.ErrFailed) {
		r.logger.Printf("Job %s: %v", describeJob(opts), err)
	}

	r.record(ctx, outcome)
	return nil
}

// record counts the outcome, archives it and publishes it.
func (r *runner) record(ctx context.Context, o *analyzer.Outcome) {
	artifacts := 0
	if o.Envelope != nil {
		artifacts = len(o.Envelope.Artifacts)
	}

	r.mu.Lock()
	r.stats.TotalJobs++
	if o.Success {
		r.stats.SuccessfulJobs++
	} else {
		r.stats.FailedJobs++
	}
	r.stats.Artifacts += artifacts
	r.stats.SkippedFiles += len(o.Skipped)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Observe(o)
	}

	if o.Success {
		r.logger.Printf("Job %s finished: %s %s, %d artifact(s)", o.JobID, o.DataType, o.Data, artifacts)
	} else {
		r.logger.Printf("Job %s failed: %s", o.JobID, o.ErrorMessage)
	}

	if r.archive != nil {
		if _, err := r.archive.SaveOutcome(ctx, o); err != nil {
			r.logger.Printf("Warning: failed to archive job %s: %v", o.JobID, err)
		}
	}

	if r.bus != nil {
		msg := bus.ReportMessage{
			JobID:        o.JobID,
			Analyzer:     o.Analyzer,
			DataType:     o.DataType,
			Data:         o.Data,
			Success:      o.Success,
			ErrorMessage: o.ErrorMessage,
			Artifacts:    artifacts,
			Output:       string(o.Output),
			Timestamp:    o.FinishedAt.Unix(),
		}
		if err := r.bus.PublishReport(ctx, msg); err != nil {
			r.logger.Printf("Warning: failed to publish job %s: %v", o.JobID, err)
		}
	}
}

func describeJob(opts worker.Options) string {
	if opts.JobDir != "" {
		return opts.JobDir
	}
	return "stdin"
}
