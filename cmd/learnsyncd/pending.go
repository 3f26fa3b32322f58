package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/learnsync/core/internal/models"
	"github.com/kimhsiao/learnsync/core/internal/sync/queue"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	DeadLetters bool
	Limit       int
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued offline actions",
		Long: `List the actions waiting for delivery, oldest first.

Example:
  learnsyncd pending
  learnsyncd pending --dead --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.DeadLetters, "dead", false, "list abandoned actions instead")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum dead letters to list")

	return cmd
}

func runPending(cmd *cobra.Command, opts *PendingOptions) error {
	store, repo, err := openStore(opts.manager.Current())
	if err != nil {
		return err
	}
	defer store.Close()

	q := queue.New(repo, queue.WithLogger(opts.logger))
	out := cmd.OutOrStdout()

	if opts.DeadLetters {
		dead, err := q.DeadLetters(cmd.Context(), opts.Limit)
		if err != nil {
			return err
		}
		if opts.Format == "json" {
			return writeJSON(out, dead)
		}
		return printDeadLetters(out, dead)
	}

	actions, err := q.Pending(cmd.Context())
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(out, actions)
	}
	return printActions(out, actions)
}

func printActions(out io.Writer, actions []*models.OfflineAction) error {
	if len(actions) == 0 {
		fmt.Fprintln(out, "No pending actions")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tQUEUED\tRETRIES\tLAST ERROR")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			a.ID, a.Type, a.TimestampTime().Format(time.RFC3339), a.RetryCount, a.MaxRetries, a.LastError)
	}
	return tw.Flush()
}

func printDeadLetters(out io.Writer, dead []*models.DeadLetter) error {
	if len(dead) == 0 {
		fmt.Fprintln(out, "No dead letters")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tTYPE\tREASON\tRETRIES\tLAST ERROR")
	for _, dl := range dead {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", dl.ActionID, dl.Type, dl.Reason, dl.RetryCount, dl.LastError)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
