package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/outboxd/internal/clock"
	"github.com/roach88/outboxd/internal/connectivity"
	"github.com/roach88/outboxd/internal/offline"
	"github.com/roach88/outboxd/internal/ops"
	"github.com/roach88/outboxd/internal/remote"
	"github.com/roach88/outboxd/internal/store"
)

// ErrClosed is returned by DrainOnce after Close.
var ErrClosed = errors.New("coordinator closed")

// Outbox is the part of the record store the coordinator drives.
type Outbox interface {
	ClaimBatch(ctx context.Context, opts store.ClaimOptions) (store.Batch, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) (ops.Status, error)
	MarkRejected(ctx context.Context, id string, cause error) error
	MarkSuperseded(ctx context.Context, id, byID string) error
	RecoverInFlight(ctx context.Context, owner string) (int, error)
	Hold(ctx context.Context, id, reason string) error
	PurgeSucceeded(ctx context.Context, olderThan time.Time) (int64, error)
	NextEligibleAt(ctx context.Context, maxAttempt int) (time.Time, bool, error)
	PendingCount(ctx context.Context) (int, error)
	DeadLetterCount(ctx context.Context) (int, error)
}

// Connectivity is the monitor the coordinator gates on.
type Connectivity interface {
	IsOnline() bool
	OnTransition(h connectivity.Handler) (unsubscribe func())
}

// Publisher receives the collections changed by a cycle.
type Publisher interface {
	Publish(collections []string)
}

// Promoter turns staged offline actions into outbox records.
type Promoter interface {
	PromotePending(ctx context.Context) (offline.PromoteResult, error)
}

// Config holds coordinator settings.
type Config struct {
	// BatchSize bounds the records claimed per cycle.
	BatchSize int
	// MaxRetries is the attempt ceiling; it must match the store's retry policy.
	MaxRetries int
	// CallTimeout bounds how long a cycle waits for one remote call. A
	// timeout is a transient failure, but the call itself is not aborted
	// unless the endpoint honours its context. It may still complete after
	// the record is marked Failed, and the record is delivered again after
	// backoff.
	// Remotes must apply record IDs idempotently.
	CallTimeout time.Duration
	// Interval is the periodic drain interval used by Run.
	Interval time.Duration
	// CycleDelay is the minimum delay before a follow-up cycle.
	CycleDelay time.Duration
	// Retention keeps Succeeded records this long before purging.
	// Negative disables purging.
	Retention time.Duration
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		MaxRetries:  5,
		CallTimeout: 10 * time.Second,
		Interval:    30 * time.Second,
		CycleDelay:  250 * time.Millisecond,
		Retention:   24 * time.Hour,
	}
}

// lease is how long a claim is protected from other workers' recovery: one
// call per claimed record, delivered in sequence, plus one call of slack.
func (c Config) lease() time.Duration {
	return c.CallTimeout * time.Duration(c.BatchSize+1)
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.CycleDelay < 0 {
		return fmt.Errorf("cycle delay must not be negative, got %s", c.CycleDelay)
	}
	return nil
}

// CycleState is the coordinator's drain state.
type CycleState string

const (
	StateIdle           CycleState = "idle"
	StateDraining       CycleState = "draining"
	StateSucceeded      CycleState = "succeeded"
	StatePartialFailure CycleState = "partial_failure"
)

// Cycle reports one drain cycle.
type Cycle struct {
	State      CycleState
	StartedAt  time.Time
	FinishedAt time.Time

	Recovered    int
	Promoted     int
	Claimed      int
	Delivered    int
	Superseded   int
	Failed       int
	DeadLettered int
	Violations   int
	// Deferred counts claimed records left InFlight by an interruption.
	Deferred int

	// Collections lists the distinct collections of records that reached
	// Succeeded in this cycle.
	Collections []string
	// Interrupted is set when the cycle stopped early on an offline edge.
	Interrupted bool
	// NextAt is when the follow-up cycle is due; zero when none is needed.
	NextAt time.Time
}

// Status is a snapshot for "syncing" and "sync issue" indicators.
type Status struct {
	State        CycleState
	Online       bool
	Pending      int
	DeadLettered int
	LastCycle    Cycle
	LastError    string
	// NextCycleAt is when the scheduled follow-up runs; zero when none is.
	NextCycleAt time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock for timestamps, the periodic timer and the
// follow-up scheduler.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithPromoter promotes staged offline actions at the start of each cycle.
func WithPromoter(p Promoter) Option {
	return func(co *Coordinator) { co.promoter = p }
}

// Coordinator drains the outbox. Create one with New.
type Coordinator struct {
	outbox    Outbox
	endpoint  remote.Endpoint
	conn      Connectivity
	publisher Publisher
	promoter  Promoter
	clock     clock.Clock
	cfg       Config
	owner     string // claim owner token, unique per coordinator

	flights singleflight.Group
	sched   *scheduler
	wake    chan struct{} // buffered, size 1

	baseCtx context.Context
	stop    context.CancelFunc

	mu          sync.Mutex
	state       CycleState
	cancelCycle context.CancelFunc
	last        Cycle
	lastErr     error
	closed      bool
	unsubscribe func()
}

// New creates a coordinator and subscribes it to connectivity edges: going
// online runs one drain synchronously, going offline interrupts the current
// cycle and cancels any scheduled follow-up.
func New(outbox Outbox, endpoint remote.Endpoint, conn Connectivity, publisher Publisher, cfg Config, opts ...Option) (*Coordinator, error) {
	if outbox == nil || endpoint == nil || conn == nil {
		return nil, fmt.Errorf("new coordinator: outbox, endpoint and connectivity are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new coordinator: %w", err)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		outbox:    outbox,
		endpoint:  endpoint,
		conn:      conn,
		publisher: publisher,
		clock:     clock.NewReal(),
		cfg:       cfg,
		owner:     uuid.NewString(),
		wake:      make(chan struct{}, 1),
		baseCtx:   baseCtx,
		stop:      stop,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sched = newScheduler(c.clock, c.followUp)
	c.unsubscribe = conn.OnTransition(c.onTransition)
	return c, nil
}

func (c *Coordinator) onTransition(s connectivity.State) {
	if !s.Online {
		c.interrupt()
		return
	}
	cyc, err := c.DrainOnce(c.baseCtx)
	if err != nil && !errors.Is(err, ErrClosed) {
		slog.Warn("drain on reconnect failed", "error", err)
		return
	}
	slog.Debug("drained on reconnect", "delivered", cyc.Delivered, "state", cyc.State)
}

// interrupt cancels the running cycle between records and drops the
// scheduled follow-up.
func (c *Coordinator) interrupt() {
	c.mu.Lock()
	cancel := c.cancelCycle
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.sched.stop()
}

func (c *Coordinator) followUp() {
	if _, err := c.DrainOnce(c.baseCtx); err != nil && !errors.Is(err, ErrClosed) {
		slog.Warn("follow-up drain failed", "error", err)
	}
}

// Trigger requests a drain from the Run loop ("sync now"). Triggers that
// arrive while one is already pending coalesce.
func (c *Coordinator) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives periodic and triggered drains until ctx is cancelled or the
// coordinator is closed. It drains once on entry.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.Info("coordinator started", "interval", c.cfg.Interval, "batch_size", c.cfg.BatchSize)
	defer slog.Info("coordinator stopped")

	for {
		if _, err := c.DrainOnce(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("drain failed", "error", err)
		}

		timer := c.clock.AfterFunc(c.cfg.Interval, c.Trigger)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.baseCtx.Done():
			timer.Stop()
			return nil
		case <-c.wake:
			timer.Stop()
		}
	}
}

// Status returns the current state and the outbox counters.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	pending, err := c.outbox.PendingCount(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	dead, err := c.outbox.DeadLetterCount(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:        c.state,
		Online:       c.conn.IsOnline(),
		Pending:      pending,
		DeadLettered: dead,
		LastCycle:    c.last,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if due, ok := c.sched.pending(); ok {
		st.NextCycleAt = due
	}
	return st, nil
}

// Close unsubscribes from connectivity, interrupts the current cycle and
// stops the scheduler. DrainOnce returns ErrClosed afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	unsubscribe()
	c.interrupt()
	c.stop()
}
