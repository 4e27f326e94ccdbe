package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/outboxd/internal/offline"
)

// PromoteReport reports a promotion pass.
type PromoteReport struct {
	offline.PromoteResult
	Compacted int `json:"compacted"`
}

// RenderText implements textRenderer.
func (r PromoteReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "promoted %d, already promoted %d, remaining %d, compacted %d\n",
		r.Promoted, r.AlreadyPromoted, r.Remaining, r.Compacted)
}

// NewPromoteCommand creates the promote command.
func NewPromoteCommand(rootOpts *RootOptions) *cobra.Command {
	var compact bool

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Move staged offline actions into the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			recorder, err := rootOpts.openRecorder(st)
			if err != nil {
				return err
			}
			res, err := recorder.PromotePending(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "promotion incomplete", err)
			}

			report := PromoteReport{PromoteResult: res}
			if compact {
				if report.Compacted, err = recorder.Compact(); err != nil {
					return WrapExitError(ExitFailure, "compaction failed", err)
				}
			}
			return rootOpts.formatter(cmd).Success(report)
		},
	}

	cmd.Flags().BoolVar(&compact, "compact", false, "drop promoted actions from the spool afterwards")
	return cmd
}
