package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/outboxd/internal/clock"
	"github.com/roach88/outboxd/internal/connectivity"
	"github.com/roach88/outboxd/internal/coordinator"
	"github.com/roach88/outboxd/internal/ops"
	"github.com/roach88/outboxd/internal/policy"
	"github.com/roach88/outboxd/internal/remote"
	"github.com/roach88/outboxd/internal/store"
	"github.com/roach88/outboxd/internal/testutil"
)

// Scenario defaults.
const (
	defaultBatchSize  = 50
	defaultMaxRetries = 5
	baseDelay         = time.Second
	maxDelay          = time.Minute
	callTimeout       = 5 * time.Second
	cycleDelay        = 250 * time.Millisecond
)

// Harness executes one scenario.
type Harness struct {
	store    *store.Store
	clock    *clock.Fake
	monitor  *connectivity.Monitor
	endpoint *testutil.FakeEndpoint
	coord    *coordinator.Coordinator

	mu     sync.Mutex
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database in a temp directory, removed
// afterwards. The clock starts at testutil.Epoch and only moves on advance
// steps, so the trace is fully deterministic.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "outboxd-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	maxRetries := scenario.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	batchSize := scenario.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}

	clk := clock.NewFake(testutil.Epoch)
	st, err := store.Open(filepath.Join(dir, "outbox.db"),
		store.WithClock(clk),
		store.WithRetry(policy.Retry{MaxRetries: maxRetries, BaseDelay: baseDelay, MaxDelay: maxDelay}))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:    st,
		clock:    clk,
		monitor:  connectivity.NewMonitor(scenario.Online, clk),
		endpoint: testutil.NewFakeEndpoint(),
		result:   NewResult(),
	}

	// Registered before the coordinator so an edge is traced ahead of the
	// calls it causes.
	h.monitor.OnTransition(func(s connectivity.State) {
		detail := "offline"
		if s.Online {
			detail = "online"
		}
		h.record(TraceEvent{Type: EventConnectivity, Detail: detail})
	})

	h.coord, err = coordinator.New(st, recordingEndpoint{h: h}, h.monitor, h, coordinator.Config{
		BatchSize:   batchSize,
		MaxRetries:  maxRetries,
		CallTimeout: callTimeout,
		Interval:    time.Hour,
		CycleDelay:  cycleDelay,
		Retention:   -1,
	}, coordinator.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	defer h.coord.Close()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	if err := h.collectRecords(ctx); err != nil {
		return nil, err
	}

	result := h.snapshot()
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Mutate != nil:
		m := ops.Mutation{
			Collection: step.Mutate.Collection,
			Key:        step.Mutate.Key,
			Action:     ops.Action(step.Mutate.Action),
		}
		if step.Mutate.Payload != "" {
			m.Payload = json.RawMessage(step.Mutate.Payload)
		}
		id, err := h.store.Mutate(ctx, m)
		if err != nil {
			return fmt.Errorf("mutate: %w", err)
		}
		h.record(TraceEvent{Type: EventMutate, Record: id, Action: m.Action, entity: m.Entity().String()})

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		h.clock.Advance(d)

	case step.Script != nil:
		outcomes := make([]error, len(step.Script.Outcomes))
		for i, o := range step.Script.Outcomes {
			outcomes[i] = scriptedError(o)
		}
		h.endpoint.Script(step.Script.Entity, outcomes...)

	case step.Connectivity != "":
		h.monitor.Set(step.Connectivity == "online")

	case step.Drain:
		cyc, err := h.coord.DrainOnce(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		h.record(TraceEvent{Type: EventDrain, Detail: string(cyc.State)})
	}
	return nil
}

// Publish implements coordinator.Publisher.
func (h *Harness) Publish(collections []string) {
	h.record(TraceEvent{Type: EventChanged, Detail: strings.Join(collections, ",")})
}

func (h *Harness) record(ev TraceEvent) {
	offset := h.clock.Now().Sub(testutil.Epoch)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.add(ev, offset)
}

func (h *Harness) collectRecords(ctx context.Context) error {
	recs, err := h.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range recs {
		h.result.Records = append(h.result.Records, RecordState{
			ID:           rec.ID,
			Status:       rec.Status,
			Attempt:      rec.Attempt,
			SupersededBy: rec.SupersededBy,
			LastError:    rec.LastError,
			entity:       rec.Entity().String(),
		})
	}
	return nil
}

func (h *Harness) snapshot() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// recordingEndpoint traces every call and its outcome.
type recordingEndpoint struct {
	h *Harness
}

func (e recordingEndpoint) Apply(ctx context.Context, m remote.Mutation) (remote.Ack, error) {
	ack, err := e.h.endpoint.Apply(ctx, m)
	e.h.record(TraceEvent{
		Type:    EventCall,
		Record:  m.RecordID,
		Action:  m.Action,
		Outcome: outcomeOf(err),
		entity:  m.Collection + "/" + m.Key,
	})
	return ack, err
}

func scriptedError(outcome string) error {
	switch outcome {
	case OutcomeTransient:
		return ops.NewTransient("scripted transient failure", nil)
	case OutcomePermanent:
		return ops.NewPermanent("scripted permanent rejection", nil)
	default:
		return nil
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case ops.IsPermanent(err):
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}
