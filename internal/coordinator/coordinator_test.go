package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outboxd/internal/broadcast"
	"github.com/roach88/outboxd/internal/clock"
	"github.com/roach88/outboxd/internal/connectivity"
	"github.com/roach88/outboxd/internal/offline"
	"github.com/roach88/outboxd/internal/ops"
	"github.com/roach88/outboxd/internal/policy"
	"github.com/roach88/outboxd/internal/remote"
	"github.com/roach88/outboxd/internal/store"
	"github.com/roach88/outboxd/internal/testutil"
)

var testRetry = policy.Retry{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

type fixture struct {
	clk      *clock.Fake
	store    *store.Store
	endpoint *testutil.FakeEndpoint
	monitor  *connectivity.Monitor
	bus      *broadcast.Broadcaster
	coord    *Coordinator
}

func testConfig() Config {
	return Config{
		BatchSize:   50,
		MaxRetries:  testRetry.MaxRetries,
		CallTimeout: 2 * time.Second,
		Interval:    30 * time.Second,
		CycleDelay:  250 * time.Millisecond,
		Retention:   -1,
	}
}

func newFixture(t *testing.T, online bool, tweak func(*Config)) *fixture {
	t.Helper()
	clk := clock.NewFake(testutil.Epoch)
	f := &fixture{
		clk:      clk,
		store:    testutil.OpenStore(t, clk, testRetry),
		endpoint: testutil.NewFakeEndpoint(),
		monitor:  connectivity.NewMonitor(online, clk),
		bus:      broadcast.New(),
	}
	t.Cleanup(f.bus.Close)

	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	coord, err := New(f.store, f.endpoint, f.monitor, f.bus, cfg, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	f.coord = coord
	return f
}

func (f *fixture) mutate(t *testing.T, collection, key string, action ops.Action) string {
	t.Helper()
	var payload json.RawMessage
	if action != ops.ActionDelete {
		payload = json.RawMessage(`{"title":"` + key + `"}`)
	}
	id, err := f.store.Mutate(context.Background(), ops.Mutation{
		Collection: collection, Key: key, Action: action, Payload: payload,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) record(t *testing.T, id string) ops.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name  string
		tweak func(*Config)
	}{
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"zero call timeout", func(c *Config) { c.CallTimeout = 0 }},
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"negative cycle delay", func(c *Config) { c.CycleDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tweak(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, testutil.NewFakeEndpoint(), connectivity.NewMonitor(true, nil), nil, DefaultConfig())
	assert.Error(t, err)
}

func TestDrainOnce_OfflineMakesNoCalls(t *testing.T) {
	f := newFixture(t, false, nil)
	id := f.mutate(t, "notes", "n1", ops.ActionCreate)

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateIdle, cyc.State)
	assert.Zero(t, f.endpoint.CallCount())
	assert.Equal(t, ops.StatusPending, f.record(t, id).Status)
}

func TestDrainOnce_DeliversInCreationOrder(t *testing.T) {
	f := newFixture(t, true, nil)
	a := f.mutate(t, "notes", "a", ops.ActionCreate)
	f.clk.Advance(time.Second)
	b := f.mutate(t, "tasks", "b", ops.ActionCreate)
	f.clk.Advance(time.Second)
	c := f.mutate(t, "notes", "c", ops.ActionUpdate)

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, cyc.State)
	assert.Equal(t, 3, cyc.Delivered)
	assert.Equal(t, []string{"notes", "tasks"}, cyc.Collections)

	calls := f.endpoint.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{a, b, c}, []string{calls[0].RecordID, calls[1].RecordID, calls[2].RecordID})
	for _, id := range []string{a, b, c} {
		rec := f.record(t, id)
		assert.Equal(t, ops.StatusSucceeded, rec.Status)
		assert.Equal(t, 1, rec.Attempt)
	}
}

func TestDrainOnce_CreateThenDeleteWhileOffline(t *testing.T) {
	f := newFixture(t, false, nil)
	create := f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.clk.Advance(time.Second)
	del := f.mutate(t, "notes", "n1", ops.ActionDelete)

	// Going online drains synchronously.
	require.True(t, f.monitor.Set(true))

	calls := f.endpoint.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ops.ActionDelete, calls[0].Action)
	assert.Equal(t, del, calls[0].RecordID)

	createRec := f.record(t, create)
	assert.Equal(t, ops.StatusSucceeded, createRec.Status)
	assert.Equal(t, del, createRec.SupersededBy)
	assert.Zero(t, createRec.Attempt)
	assert.Equal(t, ops.StatusSucceeded, f.record(t, del).Status)
}

func TestDrainOnce_CreateUpdateDeleteDeliversOnlyDelete(t *testing.T) {
	f := newFixture(t, true, nil)
	create := f.mutate(t, "notes", "n1", ops.ActionCreate)
	update := f.mutate(t, "notes", "n1", ops.ActionUpdate)
	del := f.mutate(t, "notes", "n1", ops.ActionDelete)

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cyc.Delivered)
	assert.Equal(t, 2, cyc.Superseded)
	require.Equal(t, 1, f.endpoint.CallCount())
	assert.Equal(t, del, f.endpoint.Calls()[0].RecordID)
	for _, id := range []string{create, update} {
		rec := f.record(t, id)
		assert.Equal(t, ops.StatusSucceeded, rec.Status)
		assert.Equal(t, del, rec.SupersededBy)
	}
}

func TestDrainOnce_TransientFailuresDeadLetterAtCeiling(t *testing.T) {
	f := newFixture(t, true, nil)
	id := f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.endpoint.FailAlways("notes/n1", ops.NewTransient("remote unavailable", nil))

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePartialFailure, cyc.State)
	assert.Equal(t, 1, cyc.Failed)
	assert.False(t, cyc.NextAt.IsZero(), "follow-up scheduled for the backoff")

	// Each advance fires the scheduled follow-up once its backoff elapses.
	for range 10 {
		f.clk.Advance(time.Minute)
	}

	assert.Equal(t, testRetry.MaxRetries, f.endpoint.CallCount())
	rec := f.record(t, id)
	assert.Equal(t, ops.StatusDeadLettered, rec.Status)
	assert.Equal(t, testRetry.MaxRetries, rec.Attempt)
	assert.Contains(t, rec.LastError, "remote unavailable")

	dead, err := f.store.ListDeadLettered(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Empty(t, f.clk.Pending(), "nothing left to schedule")
}

func TestDrainOnce_PermanentErrorDeadLettersImmediately(t *testing.T) {
	f := newFixture(t, true, nil)
	id := f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.endpoint.Script("notes/n1", ops.NewPermanent("schema mismatch", nil))

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cyc.DeadLettered)
	rec := f.record(t, id)
	assert.Equal(t, ops.StatusDeadLettered, rec.Status)
	assert.Equal(t, testRetry.MaxRetries, rec.Attempt)
	assert.Equal(t, 1, f.endpoint.CallCount())
}

func TestDrainOnce_UnclassifiedErrorIsRetried(t *testing.T) {
	f := newFixture(t, true, nil)
	id := f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.endpoint.Script("notes/n1", assert.AnError)

	_, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	rec := f.record(t, id)
	assert.Equal(t, ops.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, testutil.Epoch.Add(testRetry.Backoff(1)), rec.NextAttemptAt)
}

func TestDrainOnce_OfflineEdgeLeavesRestInFlight(t *testing.T) {
	f := newFixture(t, true, nil)
	first := f.mutate(t, "notes", "a", ops.ActionCreate)
	f.clk.Advance(time.Second)
	second := f.mutate(t, "notes", "b", ops.ActionCreate)

	var once sync.Once
	f.endpoint.OnApply(func(context.Context, remote.Mutation) {
		once.Do(func() { f.monitor.Set(false) })
	})

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, cyc.Interrupted)
	assert.Equal(t, 1, cyc.Delivered)
	assert.Equal(t, 1, cyc.Deferred)
	assert.True(t, cyc.NextAt.IsZero())
	assert.Equal(t, ops.StatusSucceeded, f.record(t, first).Status)
	assert.Equal(t, ops.StatusInFlight, f.record(t, second).Status)

	f.endpoint.OnApply(nil)
	require.True(t, f.monitor.Set(true))

	rec := f.record(t, second)
	assert.Equal(t, ops.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempt, "recovery does not count as an attempt")
	assert.Equal(t, 2, f.endpoint.CallCount())
}

func TestDrainOnce_CallTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.CallTimeout = 50 * time.Millisecond })
	id := f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.endpoint.OnApply(func(ctx context.Context, _ remote.Mutation) { <-ctx.Done() })

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cyc.Failed)
	rec := f.record(t, id)
	assert.Equal(t, ops.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "timed out")
}

func TestDrainOnce_EndpointPanicIsTransient(t *testing.T) {
	clk := clock.NewFake(testutil.Epoch)
	s := testutil.OpenStore(t, clk, testRetry)
	panicky := remote.EndpointFunc(func(context.Context, remote.Mutation) (remote.Ack, error) {
		panic("boom")
	})
	coord, err := New(s, panicky, connectivity.NewMonitor(true, clk), nil, testConfig(), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	id, err := s.Append(context.Background(), ops.Mutation{Collection: "notes", Key: "n1", Action: ops.ActionCreate})
	require.NoError(t, err)

	cyc, err := coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cyc.Failed)
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ops.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "panicked")
}

func TestDrainOnce_ConcurrentCallerJoinsRunningCycle(t *testing.T) {
	f := newFixture(t, true, nil)
	f.mutate(t, "notes", "n1", ops.ActionCreate)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.endpoint.OnApply(func(context.Context, remote.Mutation) {
		close(entered)
		<-release
	})

	type result struct {
		cyc Cycle
		err error
	}
	done := make(chan result, 1)
	go func() {
		cyc, err := f.coord.DrainOnce(context.Background())
		done <- result{cyc, err}
	}()
	<-entered

	// A second cycle would find nothing claimable and return at once; the
	// joined caller instead waits on the running one until its deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.coord.DrainOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.cyc.Delivered)
	assert.Equal(t, 1, f.endpoint.CallCount())
}

func TestDrainOnce_PublishesChangedCollections(t *testing.T) {
	f := newFixture(t, true, nil)
	var mu sync.Mutex
	var got [][]string
	f.bus.OnCollectionsChanged(func(collections []string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, collections)
	})

	f.mutate(t, "tasks", "t1", ops.ActionCreate)
	f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.mutate(t, "drafts", "d1", ops.ActionCreate)
	f.endpoint.FailAlways("drafts/d1", ops.NewTransient("busy", nil))

	_, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)
	f.bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{"notes", "tasks"}}, got)
}

func TestDrainOnce_SchedulesFollowUpForRemainingWork(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.BatchSize = 1 })
	f.mutate(t, "notes", "a", ops.ActionCreate)
	f.mutate(t, "notes", "b", ops.ActionCreate)
	f.mutate(t, "notes", "c", ops.ActionCreate)

	cyc, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cyc.Delivered)
	assert.Equal(t, testutil.Epoch.Add(250*time.Millisecond), cyc.NextAt)
	assert.Equal(t, []time.Time{cyc.NextAt}, f.clk.Pending())

	f.clk.Advance(250 * time.Millisecond)
	assert.Equal(t, 2, f.endpoint.CallCount())
	f.clk.Advance(250 * time.Millisecond)
	assert.Equal(t, 3, f.endpoint.CallCount())
	assert.Empty(t, f.clk.Pending())
}

func TestDrainOnce_OfflineEdgeCancelsFollowUp(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.BatchSize = 1 })
	f.mutate(t, "notes", "a", ops.ActionCreate)
	f.mutate(t, "notes", "b", ops.ActionCreate)

	_, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.clk.Pending(), 1)

	f.monitor.Set(false)
	assert.Empty(t, f.clk.Pending())
	f.clk.Advance(time.Minute)
	assert.Equal(t, 1, f.endpoint.CallCount())
}

func TestDrainOnce_RetentionPurgesSucceeded(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.Retention = 0 })
	id := f.mutate(t, "notes", "n1", ops.ActionCreate)

	_, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	_, err = f.store.Get(context.Background(), id)
	assert.True(t, ops.IsNotFound(err))
}

func TestDrainOnce_PromotesStagedActions(t *testing.T) {
	clk := clock.NewFake(testutil.Epoch)
	s := testutil.OpenStore(t, clk, testRetry)
	endpoint := testutil.NewFakeEndpoint()
	promoter := &stubPromoter{store: s, action: ops.OfflineAction{
		ID: "act-1", ActionType: ops.ActionCreate, TargetCollection: "notes", TargetKey: "n1",
		SerializedIntent: json.RawMessage(`{"title":"x"}`), CapturedAt: testutil.Epoch,
	}}
	coord, err := New(s, endpoint, connectivity.NewMonitor(true, clk), nil, testConfig(),
		WithClock(clk), WithPromoter(promoter))
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	cyc, err := coord.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cyc.Promoted)
	assert.Equal(t, 1, cyc.Delivered)
	require.Equal(t, 1, endpoint.CallCount())
	assert.Equal(t, "n1", endpoint.Calls()[0].Key)
}

type stubPromoter struct {
	store  *store.Store
	action ops.OfflineAction
}

func (p *stubPromoter) PromotePending(ctx context.Context) (offline.PromoteResult, error) {
	_, promoted, err := p.store.Promote(ctx, p.action)
	if err != nil || !promoted {
		return offline.PromoteResult{}, err
	}
	return offline.PromoteResult{Promoted: 1}, nil
}

func TestStatus_ReportsCountsAndLastCycle(t *testing.T) {
	f := newFixture(t, true, nil)
	f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.mutate(t, "notes", "n2", ops.ActionCreate)
	f.endpoint.Script("notes/n1", ops.NewTransient("busy", nil))
	f.endpoint.Script("notes/n2", ops.NewPermanent("invalid", nil))

	_, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)

	st, err := f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePartialFailure, st.State)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.DeadLettered)
	assert.Equal(t, 1, st.LastCycle.Failed)
	assert.Empty(t, st.LastError)
	assert.Equal(t, testutil.Epoch.Add(testRetry.Backoff(1)), st.NextCycleAt)
}

func TestRun_DrainsOnTrigger(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.coord.Run(ctx) }()

	f.mutate(t, "notes", "n1", ops.ActionCreate)
	f.coord.Trigger()
	require.Eventually(t, func() bool { return f.endpoint.CallCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestClose_StopsDrainsAndEdges(t *testing.T) {
	f := newFixture(t, false, nil)
	f.mutate(t, "notes", "n1", ops.ActionCreate)

	f.coord.Close()
	f.coord.Close()

	f.monitor.Set(true)
	assert.Zero(t, f.endpoint.CallCount())
	_, err := f.coord.DrainOnce(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
