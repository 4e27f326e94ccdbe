package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// PurgeResult reports a purge.
type PurgeResult struct {
	Purged    int64     `json:"purged"`
	OlderThan time.Time `json:"older_than"`
}

// RenderText implements textRenderer.
func (r PurgeResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "purged %d succeeded records older than %s\n", r.Purged, r.OlderThan.Format(time.RFC3339))
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old succeeded records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age := rootOpts.Config.Sync.Retention
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			if age < 0 {
				return NewExitError(ExitCommandError, "--older-than must not be negative")
			}

			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cutoff := time.Now().Add(-age)
			n, err := st.PurgeSucceeded(cmd.Context(), cutoff)
			if err != nil {
				return WrapExitError(ExitFailure, "purge failed", err)
			}
			return rootOpts.formatter(cmd).Success(PurgeResult{Purged: n, OlderThan: cutoff.UTC()})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "purge records succeeded longer ago than this (default sync.retention)")
	return cmd
}
