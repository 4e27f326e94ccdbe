package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/outboxd/internal/config"
	"github.com/roach88/outboxd/internal/logging"
	"github.com/roach88/outboxd/internal/offline"
	"github.com/roach88/outboxd/internal/ops"
	"github.com/roach88/outboxd/internal/store"
)

// RootOptions holds global flags and the configuration loaded from them.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	// Config is loaded in PersistentPreRunE, before any subcommand runs.
	Config config.Config

	v         *viper.Viper
	logCloser io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the outboxd CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

// Execute runs the CLI with args, reports a failure in the selected format
// and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	f := &OutputFormatter{Format: opts.Format, Writer: stderr, Verbose: opts.Verbose}
	if opts.Format == "json" {
		f.Writer = stdout
	}
	code := string(ops.CodeOf(err))
	if code == "" {
		code = "E_CLI"
	}
	_ = f.Error(code, err.Error(), nil)
	return GetExitCode(err)
}

func newRoot() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:   "outboxd",
		Short: "outboxd - local-first sync daemon",
		Long: `A local-first synchronization engine.

Local writes are recorded in a durable SQLite outbox and replayed to the
remote endpoint whenever connectivity allows, in order, with retries and
dead-lettering.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigFile, "config", "", "path to YAML config file")
	if err := config.AddFlags(opts.v, flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewPromoteCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewServeRemoteCommand(opts))

	return cmd, opts
}

// load reads the configuration and installs the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.v, o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg

	closer, err := logging.Setup(cfg.Log, o.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	o.logCloser = closer
	return nil
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openStore opens the configured database with the configured retry policy.
func (o *RootOptions) openStore() (*store.Store, error) {
	st, err := store.Open(o.Config.DB, store.WithRetry(o.Config.Retry()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openRecorder opens the configured spool. target may be nil.
func (o *RootOptions) openRecorder(target offline.Promoter) (*offline.Recorder, error) {
	spool, err := offline.OpenSpool(o.Config.Spool)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open spool", err)
	}
	return offline.NewRecorder(spool, target), nil
}
