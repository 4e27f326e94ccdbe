package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/outboxd/internal/offline"
	"github.com/roach88/outboxd/internal/ops"
)

// EnqueueResult reports where an enqueued mutation went.
type EnqueueResult struct {
	RecordID string `json:"record_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Staged   bool   `json:"staged"`
}

// RenderText implements textRenderer.
func (r EnqueueResult) RenderText(w io.Writer) {
	if r.Staged {
		fmt.Fprintf(w, "staged offline: %s\n", r.ActionID)
		return
	}
	fmt.Fprintf(w, "enqueued: %s\n", r.RecordID)
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <collection> <key> <create|update|delete> [payload]",
		Short: "Record a local mutation",
		Long: `Apply a mutation to the local entity table and append it to the outbox.

When the database cannot be opened or written, the mutation is staged in the
offline spool instead and promoted by the daemon later.

Example:
  outboxd enqueue notes n1 create '{"title":"groceries"}'
  outboxd enqueue notes n1 delete`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(rootOpts, cmd, args)
		},
	}
}

func runEnqueue(opts *RootOptions, cmd *cobra.Command, args []string) error {
	action, err := ops.ParseAction(args[2])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	var payload json.RawMessage
	if len(args) == 4 {
		payload = json.RawMessage(args[3])
	}
	m := ops.Mutation{Collection: args[0], Key: args[1], Action: action, Payload: payload}
	if err := m.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid mutation", err)
	}

	var writer *offline.Writer
	st, openErr := opts.openStore()
	if openErr != nil {
		slog.Warn("outbox unavailable, staging offline", "error", openErr)
		recorder, err := opts.openRecorder(nil)
		if err != nil {
			return err
		}
		writer = offline.NewWriter(nil, recorder)
	} else {
		defer st.Close()
		recorder, err := opts.openRecorder(st)
		if err != nil {
			return err
		}
		writer = offline.NewWriter(st, recorder)
	}

	res, err := writer.Write(cmd.Context(), m)
	if err != nil {
		return WrapExitError(ExitFailure, "enqueue failed", err)
	}

	out := EnqueueResult{RecordID: res.RecordID}
	if res.Staged != nil {
		out.Staged = true
		out.ActionID = res.Staged.ID
	}
	return opts.formatter(cmd).Success(out)
}
