package cli

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/outboxd/internal/connectivity"
	"github.com/roach88/outboxd/internal/coordinator"
	"github.com/roach88/outboxd/internal/remote"
)

// CycleReport renders a drain cycle.
type CycleReport struct {
	State        coordinator.CycleState `json:"state"`
	Recovered    int                    `json:"recovered"`
	Promoted     int                    `json:"promoted"`
	Claimed      int                    `json:"claimed"`
	Delivered    int                    `json:"delivered"`
	Superseded   int                    `json:"superseded"`
	Failed       int                    `json:"failed"`
	DeadLettered int                    `json:"dead_lettered"`
	Collections  []string               `json:"collections"`
}

func reportOf(c coordinator.Cycle) CycleReport {
	collections := c.Collections
	if collections == nil {
		collections = []string{}
	}
	return CycleReport{
		State:        c.State,
		Recovered:    c.Recovered,
		Promoted:     c.Promoted,
		Claimed:      c.Claimed,
		Delivered:    c.Delivered,
		Superseded:   c.Superseded,
		Failed:       c.Failed,
		DeadLettered: c.DeadLettered,
		Collections:  collections,
	}
}

// RenderText implements textRenderer.
func (r CycleReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%s: claimed %d, delivered %d, superseded %d, failed %d, dead-lettered %d\n",
		r.State, r.Claimed, r.Delivered, r.Superseded, r.Failed, r.DeadLettered)
	if len(r.Collections) > 0 {
		fmt.Fprintf(w, "changed: %s\n", strings.Join(r.Collections, ", "))
	}
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one drain cycle against the remote",
		Long: `Run a single drain cycle: promote staged offline actions, claim a batch
and deliver it to remote.url. The remote is assumed reachable. Exits 1 when
any record failed or was dead-lettered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(rootOpts, cmd, remote.NewHTTPEndpoint(&http.Client{}, rootOpts.Config.Remote.URL))
		},
	}
}

func runDrain(opts *RootOptions, cmd *cobra.Command, endpoint remote.Endpoint) error {
	if opts.Config.Remote.URL == "" {
		return NewExitError(ExitCommandError, "remote.url is required (set --config or OUTBOXD_REMOTE_URL)")
	}
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recorder, err := opts.openRecorder(st)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	f.VerboseLog("draining %s to %s", opts.Config.DB, opts.Config.Remote.URL)

	cfg := opts.Config.Coordinator()
	coord, err := coordinator.New(st, endpoint, connectivity.NewMonitor(true, nil), nil, cfg,
		coordinator.WithPromoter(recorder))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create coordinator", err)
	}
	defer coord.Close()

	cyc, err := coord.DrainOnce(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}
	if err := f.Success(reportOf(cyc)); err != nil {
		return err
	}
	if cyc.State == coordinator.StatePartialFailure {
		return NewExitError(ExitFailure, "some records were not delivered")
	}
	return nil
}
