package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/outboxd/internal/ops"
)

// StatusReport summarizes the outbox.
type StatusReport struct {
	Counts         map[ops.Status]int `json:"counts"`
	Pending        int                `json:"pending"`
	DeadLettered   int                `json:"dead_lettered"`
	StagedOffline  int                `json:"staged_offline"`
	NextEligibleAt *time.Time         `json:"next_eligible_at,omitempty"`
}

// RenderText implements textRenderer.
func (r StatusReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "pending:        %d\n", r.Pending)
	fmt.Fprintf(w, "dead-lettered:  %d\n", r.DeadLettered)
	fmt.Fprintf(w, "staged offline: %d\n", r.StagedOffline)
	if r.NextEligibleAt != nil {
		fmt.Fprintf(w, "next eligible:  %s\n", r.NextEligibleAt.Format(time.RFC3339))
	}
	for _, st := range ops.AllStatuses {
		fmt.Fprintf(w, "  %-14s %d\n", st, r.Counts[st])
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count records", err)
	}
	report := StatusReport{
		Counts:       counts,
		Pending:      counts[ops.StatusPending] + counts[ops.StatusInFlight] + counts[ops.StatusFailed],
		DeadLettered: counts[ops.StatusDeadLettered],
	}

	next, ok, err := st.NextEligibleAt(ctx, opts.Config.Sync.MaxRetries)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read schedule", err)
	}
	if ok {
		report.NextEligibleAt = &next
	}

	recorder, err := opts.openRecorder(nil)
	if err != nil {
		return err
	}
	staged, err := recorder.Pending()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read spool", err)
	}
	report.StagedOffline = len(staged)

	return opts.formatter(cmd).Success(report)
}
