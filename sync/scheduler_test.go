package sync_test

import (
	"context"
	"sync/atomic"
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

// countingRemote counts pulls so the scheduler's triggers can be observed.
type countingRemote struct {
	fakeRemote
	pullCount atomic.Int32
}

func newCountingRemote() *countingRemote {
	r := &countingRemote{}
	r.pullFn = func(*time.Time) (*sync.PullResponse, error) {
		r.pullCount.Add(1)
		return &sync.PullResponse{Success: true, ServerTime: testStart, Data: sync.PullData{}}, nil
	}
	return r
}

func newTestScheduler(t *testing.T, remote *countingRemote, online bool) (*sync.Scheduler, *ledger.FakeClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := ledger.NewFakeClock(testStart)
	merger := sync.NewMerger(mem, mem, remote, zerolog.Nop())
	engine := sync.NewEngine(mem, remote, merger, sync.OnlineFunc(func() bool { return online }), clock, testConfig, zerolog.Nop())
	return sync.NewScheduler(engine, 30*time.Second, clock, zerolog.Nop()), clock
}

// =============================================================================
// SCHEDULER TESTS
// =============================================================================

func TestScheduler_PeriodicTickFlushes(t *testing.T) {
	// GIVEN: a started scheduler with a 30s interval
	// WHEN: the clock advances past the interval
	// THEN: a flush (observed via its pull) runs

	remote := newCountingRemote()
	sched, clock := newTestScheduler(t, remote, true)

	sched.Start(context.Background())
	defer sched.Stop()

	require.Eventually(t, func() bool {
		clock.Advance(30 * time.Second)
		return remote.pullCount.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_NotifyOnlineFlushesImmediately(t *testing.T) {
	// An offline-to-online transition must not wait for the next tick.

	remote := newCountingRemote()
	sched, _ := newTestScheduler(t, remote, true)

	sched.Start(context.Background())
	defer sched.Stop()

	sched.NotifyOnline()

	require.Eventually(t, func() bool {
		return remote.pullCount.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_NotifyOnlineCoalesces(t *testing.T) {
	// Kicks before Start collapse into one pending request.

	remote := newCountingRemote()
	sched, _ := newTestScheduler(t, remote, true)

	sched.NotifyOnline()
	sched.NotifyOnline()
	sched.NotifyOnline()

	sched.Start(context.Background())

	require.Eventually(t, func() bool {
		return remote.pullCount.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	sched.Stop()
	assert.Equal(t, int32(1), remote.pullCount.Load())
}

func TestScheduler_OfflineTicksStayQuiet(t *testing.T) {
	// While offline the engine short-circuits; no pull ever happens.

	remote := newCountingRemote()
	sched, _ := newTestScheduler(t, remote, false)

	sched.Start(context.Background())
	sched.NotifyOnline()

	time.Sleep(50 * time.Millisecond)
	sched.Stop()

	assert.Equal(t, int32(0), remote.pullCount.Load())
}

func TestScheduler_StopTerminates(t *testing.T) {
	remote := newCountingRemote()
	sched, _ := newTestScheduler(t, remote, true)

	sched.Start(context.Background())
	sched.Stop()
	// Idempotent: a second Stop must not panic or hang.
	sched.Stop()
}
