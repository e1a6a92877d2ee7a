package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clipforge/internal/job"
	"clipforge/internal/jobstore"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and modify the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	return queueCmd
}

func newQueueAddCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <kind> <source-ref>",
		Short: "Enqueue a derivative job",
		Long: "Enqueue a derivative job. Kind is one of: " +
			kindList() + ". The source ref is the provider URL or identifier.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := job.ParseKind(args[0])
			if !ok {
				return fmt.Errorf("unknown kind %q, expected one of: %s", args[0], kindList())
			}

			store, closeStore, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			record, err := store.Create(cmd.Context(), jobstore.CreateParams{
				ID:        uuid.NewString(),
				Kind:      kind,
				SourceRef: args[1],
			})
			if err != nil {
				return fmt.Errorf("enqueue job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s job %s\n", record.Kind, record.ID)
			return nil
		},
	}
}

func newQueueListCommand(cmdCtx *commandContext) *cobra.Command {
	var statusFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []job.Status
			if statusFlag != "" {
				status, ok := job.ParseStatus(statusFlag)
				if !ok {
					return fmt.Errorf("unknown status %q", statusFlag)
				}
				statuses = append(statuses, status)
			}

			store, closeStore, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			jobs, err := store.List(cmd.Context(), statuses...)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, record := range jobs {
				rows = append(rows, []string{
					record.ID,
					string(record.Kind),
					string(record.Status),
					fmt.Sprintf("%.0f%%", record.ProgressPercent),
					record.CurrentStep,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Kind", "Status", "Progress", "Step"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (pending, processing, completed, failed)")
	return cmd
}

func newQueueShowCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			record, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:       %s\n", record.ID)
			fmt.Fprintf(out, "Kind:      %s\n", record.Kind)
			fmt.Fprintf(out, "Source:    %s\n", record.SourceRef)
			fmt.Fprintf(out, "Status:    %s\n", record.Status)
			fmt.Fprintf(out, "Progress:  %.0f%% (%s)\n", record.ProgressPercent, record.CurrentStep)
			if record.Claim != nil {
				fmt.Fprintf(out, "Claim:     held, expires %s\n", record.Claim.ExpiresAt.Format("15:04:05"))
			}
			if record.Degraded {
				fmt.Fprintln(out, "Degraded:  yes (an optional stage was skipped)")
			}
			if record.Status == job.StatusFailed {
				fmt.Fprintf(out, "Failed in: %s\n", record.FailedStage)
				fmt.Fprintf(out, "Error:     %s\n", record.ErrorMessage)
			}
			if record.ResultJSON != "" {
				if result, err := job.DecodeResult(record.ResultJSON); err == nil {
					fmt.Fprintf(out, "Output:    %s (%s)\n", result.OutputKey, result.ContentType)
					if result.Title != "" {
						fmt.Fprintf(out, "Title:     %s\n", result.Title)
					}
				}
			}
			return nil
		},
	}
}

// retrier is the optional store capability behind "queue retry". Both
// backends implement it.
type retrier interface {
	RetryFailed(ctx context.Context, ids ...string) (int64, error)
}

func newQueueRetryCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Requeue failed jobs (all failed jobs when no IDs given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			r, ok := store.(retrier)
			if !ok {
				return fmt.Errorf("store backend does not support retry")
			}
			count, err := r.RetryFailed(cmd.Context(), args...)
			if err != nil {
				return fmt.Errorf("retry jobs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d job(s)\n", count)
			return nil
		},
	}
}

func newQueueStatsCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := cmdCtx.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("job stats: %w", err)
			}

			statuses := make([]string, 0, len(stats))
			for status := range stats {
				statuses = append(statuses, string(status))
			}
			sort.Strings(statuses)

			rows := make([][]string, 0, len(statuses))
			total := 0
			for _, status := range statuses {
				count := stats[job.Status(status)]
				total += count
				rows = append(rows, []string{status, fmt.Sprintf("%d", count)})
			}
			rows = append(rows, []string{"total", fmt.Sprintf("%d", total)})
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows))
			return nil
		},
	}
}

func kindList() string {
	kinds := job.AllKinds()
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = string(kind)
	}
	return strings.Join(names, ", ")
}
