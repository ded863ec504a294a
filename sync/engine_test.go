package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmstack/ledger-engine/ledger"
	"github.com/pharmstack/ledger-engine/ledger/store"
	"github.com/pharmstack/ledger-engine/sync"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testStart = time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)

var testConfig = sync.Config{
	MaxRetries:    5,
	BackoffBase:   2 * time.Second,
	BackoffFactor: 2.0,
	BackoffCap:    5 * time.Minute,
}

// fakeRemote scripts push/pull behavior and records every push payload.
type fakeRemote struct {
	pushFn func(batch map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error)
	pullFn func(since *time.Time) (*sync.PullResponse, error)

	pushes []map[ledger.EntityKind][]json.RawMessage
	pulls  []*time.Time
}

func (f *fakeRemote) Push(_ context.Context, batch map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
	f.pushes = append(f.pushes, batch)
	if f.pushFn == nil {
		return &sync.PushResponse{}, nil
	}
	return f.pushFn(batch)
}

func (f *fakeRemote) Pull(_ context.Context, since *time.Time) (*sync.PullResponse, error) {
	f.pulls = append(f.pulls, since)
	if f.pullFn == nil {
		return &sync.PullResponse{Success: true, ServerTime: testStart, Data: sync.PullData{}}, nil
	}
	return f.pullFn(since)
}

// ackAll acknowledges every pushed row with a deterministic remote id.
func ackAll(batch map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
	resp := &sync.PushResponse{Synced: map[ledger.EntityKind]map[string]ledger.RemoteID{}}
	for kind, rows := range batch {
		resp.Synced[kind] = map[string]ledger.RemoteID{}
		for _, raw := range rows {
			var row struct {
				LocalID string `json:"localId"`
			}
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, err
			}
			resp.Synced[kind][row.LocalID] = ledger.RemoteID("srv-" + row.LocalID)
		}
	}
	return resp, nil
}

func newTestEngine(t *testing.T, remote *fakeRemote, online bool, cfg sync.Config) (*sync.Engine, *store.Memory, *ledger.FakeClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := ledger.NewFakeClock(testStart)
	merger := sync.NewMerger(mem, mem, remote, zerolog.Nop())
	engine := sync.NewEngine(mem, remote, merger, sync.OnlineFunc(func() bool { return online }), clock, cfg, zerolog.Nop())
	return engine, mem, clock
}

func queueProduct(t *testing.T, mem *store.Memory, n int) ledger.MutationEntry {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("p-%d", n)
	require.NoError(t, mem.SaveProduct(ctx, ledger.Product{
		ID:        ledger.ProductID(id),
		Name:      "product " + id,
		UpdatedAt: testStart,
	}))

	key := fmt.Sprintf("key-%d", n)
	payload, err := json.Marshal(map[string]any{
		"localId":        id,
		"idempotencyKey": key,
		"name":           "product " + id,
	})
	require.NoError(t, err)

	entry := ledger.MutationEntry{
		ID:             ledger.EntryID(fmt.Sprintf("e-%d", n)),
		Kind:           ledger.KindProduct,
		Action:         ledger.ActionCreate,
		LocalID:        id,
		Payload:        payload,
		IdempotencyKey: key,
		Status:         ledger.StatusPending,
		CreatedAt:      testStart,
	}
	require.NoError(t, mem.Enqueue(ctx, entry))
	return entry
}

func getEntry(t *testing.T, mem *store.Memory, id ledger.EntryID) ledger.MutationEntry {
	t.Helper()
	e, err := mem.GetEntry(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return *e
}

// =============================================================================
// PUSH - SUCCESS
// =============================================================================

func TestFlush_AcknowledgedEntriesSyncedAndStamped(t *testing.T) {
	// GIVEN: two pending product entries
	// WHEN: the server acknowledges both
	// THEN: entries go SYNCED and the products carry their remote ids

	remote := &fakeRemote{pushFn: ackAll}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)
	ctx := context.Background()

	e1 := queueProduct(t, mem, 1)
	e2 := queueProduct(t, mem, 2)

	report, err := engine.Flush(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 0, report.Failed)

	assert.Equal(t, ledger.StatusSynced, getEntry(t, mem, e1.ID).Status)
	assert.Equal(t, ledger.StatusSynced, getEntry(t, mem, e2.ID).Status)

	p, err := mem.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, p.Synced)
	assert.Equal(t, ledger.RemoteID("srv-p-1"), p.RemoteID)

	pending, failed, err := mem.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, failed)
}

func TestFlush_EmptyQueueStillPulls(t *testing.T) {
	// Devices converge even when they have nothing to say.

	remote := &fakeRemote{}
	engine, _, _ := newTestEngine(t, remote, true, testConfig)

	report, err := engine.Flush(context.Background())

	require.NoError(t, err)
	assert.Empty(t, remote.pushes, "nothing to push")
	require.Len(t, remote.pulls, 1)
	require.NotNil(t, report.Pull)
}

func TestFlush_PushBatchedByEntityKind(t *testing.T) {
	remote := &fakeRemote{pushFn: ackAll}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)

	queueProduct(t, mem, 1)
	queueProduct(t, mem, 2)

	_, err := engine.Flush(context.Background())

	require.NoError(t, err)
	require.Len(t, remote.pushes, 1, "one request for the whole batch")
	assert.Len(t, remote.pushes[0][ledger.KindProduct], 2)
}

// =============================================================================
// PUSH - GUARDS
// =============================================================================

func TestFlush_Offline(t *testing.T) {
	engine, mem, _ := newTestEngine(t, &fakeRemote{}, false, testConfig)
	queueProduct(t, mem, 1)

	_, err := engine.Flush(context.Background())

	assert.ErrorIs(t, err, ledger.ErrOffline)
}

func TestFlush_SingleFlight(t *testing.T) {
	// GIVEN: a flush blocked inside the push
	// WHEN: a second flush is requested
	// THEN: it returns ErrFlushInFlight immediately

	started := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{pushFn: func(batch map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		close(started)
		<-release
		return ackAll(batch)
	}}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)
	queueProduct(t, mem, 1)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Flush(context.Background())
		done <- err
	}()

	<-started
	_, err := engine.Flush(context.Background())
	assert.ErrorIs(t, err, ledger.ErrFlushInFlight)

	close(release)
	require.NoError(t, <-done)
}

// =============================================================================
// PUSH - FAILURE, BACKOFF, RETRIES
// =============================================================================

func TestFlush_TransportFailure_SilentWithBackoff(t *testing.T) {
	// GIVEN: the push fails at the transport level
	// WHEN: flushing
	// THEN: Flush itself succeeds (background noise stays quiet) but the entry
	//       is FAILED with the base backoff scheduled

	remote := &fakeRemote{pushFn: func(map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		return nil, errors.New("connection refused")
	}}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)
	entry := queueProduct(t, mem, 1)

	report, err := engine.Flush(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.NotEmpty(t, report.Errors)

	got := getEntry(t, mem, entry.ID)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "connection refused", got.LastError)
	assert.Equal(t, testStart.Add(2*time.Second), got.NextAttemptAt)
}

func TestFlush_BackoffGrowsExponentially(t *testing.T) {
	// Failure n schedules the retry base*factor^(n-1) later: 2s, 4s, 8s.

	remote := &fakeRemote{pushFn: func(map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		return nil, errors.New("boom")
	}}
	engine, mem, clock := newTestEngine(t, remote, true, testConfig)
	entry := queueProduct(t, mem, 1)
	ctx := context.Background()

	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, delay := range expected {
		before := clock.Now()
		_, err := engine.Flush(ctx)
		require.NoError(t, err)

		got := getEntry(t, mem, entry.ID)
		assert.Equal(t, i+1, got.RetryCount)
		assert.Equal(t, before.Add(delay), got.NextAttemptAt, "attempt %d", i+1)

		clock.Advance(delay)
	}
	assert.Len(t, remote.pushes, 3)
}

func TestFlush_EntryNotDueYet_Skipped(t *testing.T) {
	// A failed entry stays out of the batch until its backoff expires.

	remote := &fakeRemote{pushFn: func(map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		return nil, errors.New("boom")
	}}
	engine, mem, clock := newTestEngine(t, remote, true, testConfig)
	queueProduct(t, mem, 1)
	ctx := context.Background()

	_, err := engine.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, remote.pushes, 1)

	// Backoff not yet elapsed: nothing pushed.
	clock.Advance(time.Second)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, remote.pushes, 1)

	// Past the backoff: retried.
	clock.Advance(2 * time.Second)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, remote.pushes, 2)
}

func TestFlush_BackoffCapped(t *testing.T) {
	cfg := testConfig
	cfg.BackoffCap = 5 * time.Second
	cfg.MaxRetries = 10

	remote := &fakeRemote{pushFn: func(map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		return nil, errors.New("boom")
	}}
	engine, mem, clock := newTestEngine(t, remote, true, cfg)
	entry := queueProduct(t, mem, 1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		before := clock.Now()
		_, err := engine.Flush(ctx)
		require.NoError(t, err)

		got := getEntry(t, mem, entry.ID)
		assert.LessOrEqual(t, got.NextAttemptAt.Sub(before), cfg.BackoffCap)
		clock.Advance(cfg.BackoffCap)
	}
}

func TestFlush_PermanentFailureAfterMaxRetries(t *testing.T) {
	// GIVEN: an entry that failed MaxRetries times
	// WHEN: flushing again
	// THEN: it is never pushed again and stays FAILED for manual intervention

	cfg := testConfig
	cfg.MaxRetries = 2

	remote := &fakeRemote{pushFn: func(map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		return nil, errors.New("boom")
	}}
	engine, mem, clock := newTestEngine(t, remote, true, cfg)
	entry := queueProduct(t, mem, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := engine.Flush(ctx)
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	require.Len(t, remote.pushes, 2)

	got := getEntry(t, mem, entry.ID)
	assert.True(t, got.Permanent(cfg.MaxRetries))

	// Exhausted entry is excluded from subsequent batches.
	_, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, remote.pushes, 2)

	_, failed, err := mem.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestFlush_RetryReusesIdempotencyKey(t *testing.T) {
	// The retried payload is byte-identical to the first attempt, so the server
	// can deduplicate on the embedded idempotency key.

	var fail = true
	remote := &fakeRemote{}
	remote.pushFn = func(batch map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return ackAll(batch)
	}
	engine, mem, clock := newTestEngine(t, remote, true, testConfig)
	queueProduct(t, mem, 1)
	ctx := context.Background()

	_, err := engine.Flush(ctx)
	require.NoError(t, err)

	fail = false
	clock.Advance(time.Minute)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)

	require.Len(t, remote.pushes, 2)
	first := remote.pushes[0][ledger.KindProduct]
	second := remote.pushes[1][ledger.KindProduct]
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.JSONEq(t, string(first[0]), string(second[0]))
}

// =============================================================================
// PUSH - AUTH AND REJECTIONS
// =============================================================================

func TestFlush_SessionExpired_EntriesRevertToPending(t *testing.T) {
	// GIVEN: the server answers 401
	// WHEN: flushing
	// THEN: ErrSessionExpired is surfaced; entries go back to PENDING with no
	//       retry penalty

	remote := &fakeRemote{pushFn: func(map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		return nil, ledger.ErrSessionExpired
	}}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)
	entry := queueProduct(t, mem, 1)

	_, err := engine.Flush(context.Background())

	require.ErrorIs(t, err, ledger.ErrSessionExpired)

	got := getEntry(t, mem, entry.ID)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	// No pull after a fatal auth failure.
	assert.Empty(t, remote.pulls)
}

func TestFlush_RejectedRowFailed_OthersSynced(t *testing.T) {
	// GIVEN: the server acknowledges one row and rejects the other
	// WHEN: flushing
	// THEN: mixed bookkeeping; the rejection surfaces in the report

	remote := &fakeRemote{pushFn: func(batch map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		resp, err := ackAll(batch)
		if err != nil {
			return nil, err
		}
		delete(resp.Synced[ledger.KindProduct], "p-2")
		resp.Rejections = []sync.Rejection{{
			Kind:    ledger.KindProduct,
			LocalID: "p-2",
			Code:    sync.RejectConflict,
			Message: "version conflict",
		}}
		return resp, nil
	}}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)
	e1 := queueProduct(t, mem, 1)
	e2 := queueProduct(t, mem, 2)

	report, err := engine.Flush(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Rejections, 1)
	assert.Equal(t, sync.RejectConflict, report.Rejections[0].Code)

	assert.Equal(t, ledger.StatusSynced, getEntry(t, mem, e1.ID).Status)
	got := getEntry(t, mem, e2.ID)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, "version conflict", got.LastError)
}

func TestFlush_UnacknowledgedWithoutRejection_MarkedUnknown(t *testing.T) {
	remote := &fakeRemote{pushFn: func(map[ledger.EntityKind][]json.RawMessage) (*sync.PushResponse, error) {
		return &sync.PushResponse{}, nil // acknowledges nothing
	}}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)
	queueProduct(t, mem, 1)

	report, err := engine.Flush(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Rejections, 1)
	assert.Equal(t, sync.RejectUnknown, report.Rejections[0].Code)
}

// =============================================================================
// PULL AFTER PUSH
// =============================================================================

func TestFlush_PullFailureDoesNotUndoPush(t *testing.T) {
	remote := &fakeRemote{
		pushFn: ackAll,
		pullFn: func(*time.Time) (*sync.PullResponse, error) {
			return nil, errors.New("pull broke")
		},
	}
	engine, mem, _ := newTestEngine(t, remote, true, testConfig)
	entry := queueProduct(t, mem, 1)

	report, err := engine.Flush(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Nil(t, report.Pull)
	assert.NotEmpty(t, report.Errors)
	assert.Equal(t, ledger.StatusSynced, getEntry(t, mem, entry.ID).Status)
}

// =============================================================================
// INTERRUPTED FLUSH RECOVERY
// =============================================================================

// ackFaultStore fails the store write that records one entry's acknowledgment,
// leaving that entry stranded in SYNCING.
type ackFaultStore struct {
	ledger.Store
	failID ledger.EntryID
	armed  bool
}

func (s *ackFaultStore) UpdateEntry(ctx context.Context, e ledger.MutationEntry) error {
	if s.armed && e.ID == s.failID && e.Status == ledger.StatusSynced {
		return errors.New("disk full")
	}
	return s.Store.UpdateEntry(ctx, e)
}

func TestFlush_StrandedSyncingEntryRetriedOnNextFlush(t *testing.T) {
	// GIVEN: the server acked both rows but recording the second ack failed,
	//        leaving that entry SYNCING
	// WHEN: a later flush runs
	// THEN: the stranded entry is swept back to PENDING, re-pushed with the
	//       same payload and finally synced

	remote := &fakeRemote{pushFn: ackAll}
	mem := store.NewMemory()
	faulty := &ackFaultStore{Store: mem, failID: "e-2", armed: true}
	clock := ledger.NewFakeClock(testStart)
	merger := sync.NewMerger(mem, mem, remote, zerolog.Nop())
	engine := sync.NewEngine(faulty, remote, merger, sync.OnlineFunc(func() bool { return true }), clock, testConfig, zerolog.Nop())
	ctx := context.Background()

	e1 := queueProduct(t, mem, 1)
	e2 := queueProduct(t, mem, 2)

	report, err := engine.Flush(ctx)
	require.NoError(t, err, "bookkeeping failure stays out of the caller's way")
	assert.NotEmpty(t, report.Errors)
	assert.Equal(t, ledger.StatusSynced, getEntry(t, mem, e1.ID).Status)
	assert.Equal(t, ledger.StatusSyncing, getEntry(t, mem, e2.ID).Status)

	// A stranded entry has no backoff schedule; the next flush must pick it
	// up however much later it runs.
	faulty.armed = false
	clock.Advance(time.Hour)
	report, err = engine.Flush(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	require.Len(t, remote.pushes, 2)
	second := remote.pushes[1][ledger.KindProduct]
	require.Len(t, second, 1, "only the stranded entry is re-pushed")
	assert.JSONEq(t, string(e2.Payload), string(second[0]))
	assert.Equal(t, ledger.StatusSynced, getEntry(t, mem, e2.ID).Status)

	pending, failed, err := mem.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, failed)
}
