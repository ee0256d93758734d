package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/consent"
)

func newTestWorker(t *testing.T, store *consent.Store, uploader Uploader, battery BatteryStatusProvider, clk *clock.FakeClock) *Worker {
	t.Helper()
	reader := newTestReader(store, clk)
	cfg := DefaultWorkerConfig()
	cfg.Clock = clk
	cfg.Battery = battery
	w := NewWorker(reader, uploader, store, cfg)
	t.Cleanup(w.Cancel)
	return w
}

// runTick fires the pending tick and waits until the next one is scheduled.
func runTick(clk *clock.FakeClock, w *Worker) {
	clk.WaitForTimers(1)
	clk.Advance(w.NextDelay())
	clk.WaitForTimers(1)
}

func granted(t *testing.T, store *consent.Store) int {
	t.Helper()
	units, err := store.ListSealedUnits(consent.Granted)
	require.NoError(t, err)
	return len(units)
}

func TestWorker_DeliveredDeletesAndDecreasesDelay(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{}
	w := newTestWorker(t, store, uploader, nil, clk)

	info := writeSealedUnit(t, store, clk, "e1", "e2", "e3")
	w.Start()
	assert.Equal(t, 5*time.Second, w.NextDelay())

	runTick(clk, w)

	calls := uploader.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, info.ID, calls[0].unitID)
	assert.Equal(t, []string{"e1", "e2", "e3"}, calls[0].events)
	assert.Equal(t, 0, granted(t, store))
	assert.Less(t, w.NextDelay(), 5*time.Second)
	assert.Equal(t, uint64(1), w.Stats().Delivered)
}

func TestWorker_ConditionsNotMetLeavesEverythingUnchanged(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{}
	battery := &mockBattery{status: &BatteryStatus{State: BatteryUnplugged, Level: 0.05}}
	w := newTestWorker(t, store, uploader, battery, clk)

	writeSealedUnit(t, store, clk, "e1")
	w.Start()
	for i := 0; i < 3; i++ {
		runTick(clk, w)
		assert.Equal(t, 5*time.Second, w.NextDelay())
	}

	assert.Empty(t, uploader.Calls())
	assert.Equal(t, 1, granted(t, store))
	assert.Equal(t, 3, battery.Polls())
	assert.Equal(t, uint64(3), w.Stats().ConditionsNotMet)

	units, err := store.ListSealedUnits(consent.Granted)
	require.NoError(t, err)
	assert.False(t, w.reader.IsClaimed(units[0].ID))
}

func TestWorker_NetworkErrorRetriesThenDeliversOnce(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{outcomes: []Outcome{NetworkError, Delivered}}
	w := newTestWorker(t, store, uploader, nil, clk)

	info := writeSealedUnit(t, store, clk, "e1")
	w.Start()

	runTick(clk, w)
	assert.Equal(t, 1, granted(t, store))
	assert.False(t, w.reader.IsClaimed(info.ID))
	backoff := w.NextDelay()
	assert.Greater(t, backoff, 5*time.Second)

	runTick(clk, w)
	calls := uploader.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, info.ID, calls[0].unitID)
	assert.Equal(t, info.ID, calls[1].unitID)
	assert.Equal(t, calls[0].digest, calls[1].digest)
	assert.Equal(t, 0, granted(t, store))
	assert.LessOrEqual(t, w.NextDelay(), backoff)

	// nothing left: further ticks upload nothing.
	runTick(clk, w)
	assert.Len(t, uploader.Calls(), 2)
}

func TestWorker_ClientErrorDropsUnit(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{outcomes: []Outcome{ClientError}}
	w := newTestWorker(t, store, uploader, nil, clk)

	writeSealedUnit(t, store, clk, "bad")
	w.Start()
	runTick(clk, w)

	assert.Equal(t, 0, granted(t, store))
	assert.Greater(t, w.NextDelay(), 5*time.Second)
	assert.Equal(t, uint64(1), w.Stats().ClientErrors)
}

func TestWorker_ServerErrorKeepsUnit(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{outcomes: []Outcome{ServerError, ServerError}}
	w := newTestWorker(t, store, uploader, nil, clk)

	writeSealedUnit(t, store, clk, "e")
	w.Start()
	runTick(clk, w)
	first := w.NextDelay()
	runTick(clk, w)

	assert.Equal(t, 1, granted(t, store))
	assert.GreaterOrEqual(t, w.NextDelay(), first)
	assert.Equal(t, uint64(2), w.Stats().ServerErrors)
}

func TestWorker_NoCandidateKeepsDelay(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{}
	w := newTestWorker(t, store, uploader, nil, clk)

	w.Start()
	runTick(clk, w)
	runTick(clk, w)
	assert.Equal(t, 5*time.Second, w.NextDelay())
	assert.Empty(t, uploader.Calls())
	assert.Equal(t, uint64(2), w.Stats().Ticks)
}

func TestWorker_CancelPreventsPendingTick(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{}
	w := newTestWorker(t, store, uploader, nil, clk)

	writeSealedUnit(t, store, clk, "e")
	w.Start()
	clk.WaitForTimers(1)
	assert.Equal(t, Scheduled, w.State())

	w.Cancel()
	assert.Equal(t, Cancelled, w.State())
	clk.Advance(time.Minute)

	assert.Empty(t, uploader.Calls())
	assert.Equal(t, 1, granted(t, store))

	// Start after Cancel is a no-op.
	w.Start()
	assert.Equal(t, Cancelled, w.State())
}

func TestWorker_CancelWaitsForRunningTick(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{block: make(chan struct{}), started: make(chan struct{}, 1)}
	w := newTestWorker(t, store, uploader, nil, clk)

	writeSealedUnit(t, store, clk, "e")
	w.Start()
	clk.WaitForTimers(1)
	clk.Advance(w.NextDelay())
	<-uploader.started
	assert.Equal(t, Running, w.State())

	done := make(chan struct{})
	go func() {
		w.Cancel()
		close(done)
	}()
	assert.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(uploader.block)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	// the in-flight attempt completed and its outcome was applied.
	assert.Len(t, uploader.Calls(), 1)
	assert.Equal(t, 0, granted(t, store))
	assert.Equal(t, 0, clk.PendingCount())
}

func TestWorker_FlushSendsEveryUnitOnceAndDeletes(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	uploader := &mockUploader{outcomes: []Outcome{ServerError, NetworkError}}
	battery := &mockBattery{status: &BatteryStatus{LowPowerMode: true}}
	w := newTestWorker(t, store, uploader, battery, clk)

	first := writeSealedUnit(t, store, clk, "a")
	second := writeSealedUnit(t, store, clk, "b")
	w.Start()
	clk.WaitForTimers(1)

	assert.Equal(t, 0, w.Flush(), "flush requires a cancelled worker")

	w.Cancel()
	assert.Equal(t, 2, w.Flush())

	calls := uploader.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, first.ID, calls[0].unitID)
	assert.Equal(t, second.ID, calls[1].unitID)
	assert.Equal(t, 0, granted(t, store))
	assert.Equal(t, 0, battery.Polls())
	assert.Equal(t, uint64(2), w.Stats().Flushed)
}

func TestWorkerState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "network_error", NetworkError.String())
}

func TestWorker_NextDelayIsSetBeforeStartReturns(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	w := newTestWorker(t, store, &mockUploader{}, nil, clk)

	assert.Zero(t, w.NextDelay())
	w.Start()
	// no timer has been armed yet; the value must not depend on the goroutine.
	assert.Equal(t, 5*time.Second, w.NextDelay())
}
