package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/outboxd/internal/ops"
)

// RequeueResult lists the requeued record IDs.
type RequeueResult struct {
	Requeued []string `json:"requeued"`
}

// RenderText implements textRenderer.
func (r RequeueResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "requeued: %s\n", strings.Join(r.Requeued, ", "))
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Return dead-lettered or held records to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			res := RequeueResult{Requeued: []string{}}
			for _, id := range args {
				if err := st.Requeue(cmd.Context(), id); err != nil {
					if ops.IsNotFound(err) {
						return WrapExitError(ExitCommandError, "unknown record "+id, err)
					}
					return WrapExitError(ExitFailure, "failed to requeue "+id, err)
				}
				res.Requeued = append(res.Requeued, id)
			}
			return rootOpts.formatter(cmd).Success(res)
		},
	}
}
