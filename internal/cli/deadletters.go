package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/outboxd/internal/ops"
)

// RecordView is the CLI rendering of a record.
type RecordView struct {
	ID            string     `json:"id"`
	Collection    string     `json:"collection"`
	Key           string     `json:"key"`
	Action        ops.Action `json:"action"`
	Status        ops.Status `json:"status"`
	Attempt       int        `json:"attempt"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

func viewOf(rec ops.Record) RecordView {
	v := RecordView{
		ID:         rec.ID,
		Collection: rec.Collection,
		Key:        rec.EntityKey,
		Action:     rec.Action,
		Status:     rec.Status,
		Attempt:    rec.Attempt,
		LastError:  rec.LastError,
	}
	if !rec.LastAttemptAt.IsZero() {
		at := rec.LastAttemptAt
		v.LastAttemptAt = &at
	}
	return v
}

// RecordList renders a list of records.
type RecordList []RecordView

// RenderText implements textRenderer.
func (l RecordList) RenderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}
	for _, r := range l {
		fmt.Fprintf(w, "%s  %s  attempt=%d  %s\n", r.ID, r.Action, r.Attempt, r.LastError)
	}
}

// NewDeadLettersCommand creates the dead-letters command.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered records",
		Long: `List records that exhausted their retries or were rejected by the
remote. Requeue them with "outboxd requeue <id>" once the cause is fixed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.ListDeadLettered(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list dead letters", err)
			}
			list := make(RecordList, 0, len(recs))
			for _, rec := range recs {
				list = append(list, viewOf(rec))
			}
			return rootOpts.formatter(cmd).Success(list)
		},
	}
}
