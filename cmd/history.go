package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/analyzerkit/internal/format"
	"github.com/Ashfaaq98/analyzerkit/internal/store"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse the report archive",
	Long: `Browse, search and maintain the SQLite archive of finished jobs.

Examples:
  # Recent jobs of the Whois analyzer
  analyzerkit history list --analyzer whois --limit 10

  # Full report of one job
  analyzerkit history show 1b4e28ba-2fa1-11d2-883f-0016d3cca427

  # Jobs whose data, error or report mention a value
  analyzerkit history search evil.example

  # Every job that reported an artifact
  analyzerkit history artifacts 203.0.113.7

  # Remove jobs older than 30 days
  analyzerkit history prune --older-than 720h`,
}

var (
	historyAnalyzer string
	historyDataType string
	historyFailed   bool
	historySince    string
	historyLimit    int
	historyFormat   string
	historyOlder    time.Duration
	historyAuthor   string
)

func init() {
	rootCmd.AddCommand(historyCmd)

	listJobs := &cobra.Command{
		Use:   "list",
		Short: "List archived jobs, newest first",
		Args:  cobra.NoArgs,
		RunE:  withArchive(historyList),
	}
	listJobs.Flags().StringVar(&historyAnalyzer, "analyzer", "", "Only jobs of this analyzer")
	listJobs.Flags().StringVar(&historyDataType, "data-type", "", "Only jobs of this data type")
	listJobs.Flags().BoolVar(&historyFailed, "failed", false, "Only failed jobs")
	listJobs.Flags().StringVar(&historySince, "since", "", "Only jobs started since RFC3339 time, e.g. 2025-08-26T20:00:00Z")

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print the report of an archived job",
		Args:  cobra.ExactArgs(1),
		RunE:  withArchive(historyShow),
	}

	search := &cobra.Command{
		Use:   "search <text>",
		Short: "Full-text search over job data, errors and reports",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withArchive(historySearch),
	}

	artifacts := &cobra.Command{
		Use:   "artifacts <value>",
		Short: "Find archived artifacts by data or file name",
		Args:  cobra.ExactArgs(1),
		RunE:  withArchive(historyArtifacts),
	}

	note := &cobra.Command{
		Use:   "note <job-id> <text>",
		Short: "Attach a note to an archived job",
		Args:  cobra.MinimumNArgs(2),
		RunE:  withArchive(historyNote),
	}
	note.Flags().StringVar(&historyAuthor, "author", "", "Note author (default $USER)")

	del := &cobra.Command{
		Use:   "delete <job-id>...",
		Short: "Delete archived jobs and their artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withArchive(historyDelete),
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete jobs older than a duration",
		Args:  cobra.NoArgs,
		RunE:  withArchive(historyPrune),
	}
	prune.Flags().DurationVar(&historyOlder, "older-than", 30*24*time.Hour, "Age of the jobs to delete")

	audit := &cobra.Command{
		Use:   "audit [job-id]",
		Short: "Show the archive audit log",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withArchive(historyAudit),
	}

	for _, c := range []*cobra.Command{listJobs, search, artifacts, audit} {
		c.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of rows")
		c.Flags().StringVar(&historyFormat, "format", "table", "Output format: table, markdown")
	}
	historyCmd.AddCommand(listJobs, show, search, artifacts, note, del, prune, audit)
}

type archiveFunc func(ctx context.Context, w io.Writer, s *store.Store, args []string) error

// withArchive opens the archive for the duration of one subcommand.
func withArchive(fn archiveFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path := resolvePath(GetConfig().Archive.Path)
		if path != ":memory:" {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no archive at %s: %w", path, err)
			}
		}
		s, err := store.NewStore(path)
		if err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		defer s.Close()
		return fn(cmd.Context(), cmd.OutOrStdout(), s, args)
	}
}

func historyList(ctx context.Context, w io.Writer, s *store.Store, _ []string) error {
	filter := store.JobFilter{
		Analyzer: historyAnalyzer,
		DataType: historyDataType,
		Limit:    historyLimit,
	}
	if historyFailed {
		failed := false
		filter.Success = &failed
	}
	if historySince != "" {
		since, err := time.Parse(time.RFC3339, historySince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		filter.Since = since
	}

	jobs, err := s.ListJobs(ctx, filter)
	if err != nil {
		return err
	}
	total, err := s.CountJobs(ctx, filter)
	if err != nil {
		return err
	}
	return printJobs(w, jobs, total)
}

func historySearch(ctx context.Context, w io.Writer, s *store.Store, args []string) error {
	jobs, err := s.SearchJobs(ctx, strings.Join(args, " "), historyLimit)
	if err != nil {
		return err
	}
	return printJobs(w, jobs, len(jobs))
}

func printJobs(w io.Writer, jobs []store.Job, total int) error {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return nil
	}

	tb := format.NewTable(format.ParseMode(historyFormat))
	tb.Header("ID", "Started", "Analyzer", "Type", "Data", "OK", "Artifacts", "Duration")
	for _, j := range jobs {
		data := j.Data
		if !j.Success && j.ErrorMessage != "" {
			data += " (" + j.ErrorMessage + ")"
		}
		tb.Row(j.ID, j.StartedAt.Format("2006-01-02 15:04:05"), j.Analyzer, j.DataType,
			format.Truncate(data, 60), format.StatusMark(j.Success), j.ArtifactCount, format.Duration(j.Duration()))
	}
	tb.Columns(format.ColumnConfig{Number: 7, Align: format.AlignRight})
	fmt.Fprintln(w, tb.String())
	if total > len(jobs) {
		fmt.Fprintf(w, "Showing %d of %d jobs.\n", len(jobs), total)
	}
	return nil
}

func historyShow(ctx context.Context, w io.Writer, s *store.Store, args []string) error {
	job, err := s.GetJob(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Job:       %s\n", job.ID)
	fmt.Fprintf(w, "Analyzer:  %s\n", job.Analyzer)
	fmt.Fprintf(w, "Data:      %s (%s)\n", job.Data, job.DataType)
	if job.JobDir != "" {
		fmt.Fprintf(w, "Directory: %s\n", job.JobDir)
	}
	fmt.Fprintf(w, "Started:   %s (%s)\n", job.StartedAt.Format(time.RFC3339), format.Duration(job.Duration()))
	if job.Success {
		fmt.Fprintf(w, "Status:    success, %d artifact(s)\n", job.ArtifactCount)
	} else {
		fmt.Fprintf(w, "Status:    failed: %s\n", job.ErrorMessage)
	}
	if job.SkippedCount > 0 {
		fmt.Fprintf(w, "Skipped:   %d file artifact(s)\n", job.SkippedCount)
	}

	notes, err := s.GetNotes(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, n := range notes {
		fmt.Fprintf(w, "Note:      [%s %s] %s\n", n.CreatedAt.Format("2006-01-02 15:04"), n.Author, n.Content)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(job.Output), "", "  "); err != nil {
		pretty.Reset()
		pretty.WriteString(job.Output)
	}
	fmt.Fprintf(w, "\n%s\n", pretty.String())
	return nil
}

func historyArtifacts(ctx context.Context, w io.Writer, s *store.Store, args []string) error {
	artifacts, err := s.FindArtifacts(ctx, args[0], historyLimit)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No artifacts found.")
		return nil
	}

	tb := format.NewTable(format.ParseMode(historyFormat))
	tb.Header("Job", "Analyzer", "Type", "Value", "Seen")
	for _, a := range artifacts {
		analyzerName := ""
		if job, err := s.GetJob(ctx, a.JobID); err == nil {
			analyzerName = job.Analyzer
		}
		value := a.Data
		if a.DataType == "file" {
			value = a.Filename
		}
		tb.Row(a.JobID, analyzerName, a.DataType, value, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w, tb.String())
	return nil
}

func historyNote(ctx context.Context, w io.Writer, s *store.Store, args []string) error {
	id, err := s.AddNote(ctx, store.Note{
		JobID:   args[0],
		Content: strings.Join(args[1:], " "),
		Author:  actor(historyAuthor),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Added note %s to job %s\n", id, args[0])
	return nil
}

func historyDelete(ctx context.Context, w io.Writer, s *store.Store, args []string) error {
	n, err := s.DeleteJobs(ctx, args)
	if err != nil {
		return err
	}
	for _, id := range args {
		if err := s.AddAuditEntry(ctx, store.AuditEntry{JobID: id, Action: store.ActionDeleteJob, Actor: actor("")}); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "Deleted %d job(s)\n", n)
	return nil
}

func historyPrune(ctx context.Context, w io.Writer, s *store.Store, _ []string) error {
	if historyOlder <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	cutoff := time.Now().Add(-historyOlder)
	n, err := s.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	err = s.AddAuditEntry(ctx, store.AuditEntry{
		Action:  store.ActionPrune,
		Actor:   actor(""),
		Details: map[string]interface{}{"before": cutoff.UTC().Format(time.RFC3339), "deleted": n},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Pruned %d job(s) started before %s\n", n, cutoff.Format("2006-01-02 15:04:05"))
	return nil
}

func historyAudit(ctx context.Context, w io.Writer, s *store.Store, args []string) error {
	jobID := ""
	if len(args) > 0 {
		jobID = args[0]
	}
	entries, err := s.GetAuditEntries(ctx, jobID, historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries found.")
		return nil
	}

	tb := format.NewTable(format.ParseMode(historyFormat))
	tb.Header("Time", "Action", "Actor", "Job", "Details")
	for _, e := range entries {
		details, _ := json.Marshal(e.Details)
		tb.Row(e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.JobID, string(details))
	}
	fmt.Fprintln(w, tb.String())
	return nil
}

// actor names whoever runs the command, for notes and the audit log.
func actor(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "analyzerkit"
}
