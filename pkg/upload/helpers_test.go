package upload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/envelope"
	"github.com/unijord/eventpipe/pkg/unitfs"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, clk clock.Clock) *consent.Store {
	t.Helper()
	cfg := consent.DefaultConfig(t.TempDir())
	cfg.MaxUnitSize = 64 * 1024
	cfg.InitialConsent = consent.Granted
	cfg.Clock = clk
	store, err := consent.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// writeSealedUnit persists events as one sealed granted unit.
func writeSealedUnit(t *testing.T, store *consent.Store, clk clock.Clock, events ...string) unitfs.UnitInfo {
	t.Helper()
	codec := envelope.NewCodec()
	for _, e := range events {
		require.NoError(t, store.Append(consent.Granted, codec.Encode([]byte(e), nil, clk.Now())))
	}
	info, sealed, err := store.SealCurrentUnit(consent.Granted)
	require.NoError(t, err)
	require.True(t, sealed)
	return info
}

type uploadCall struct {
	unitID unitfs.UnitID
	events []string
	digest Digest
}

type mockUploader struct {
	mu       sync.Mutex
	calls    []uploadCall
	outcomes []Outcome
	block    chan struct{}
	started  chan struct{}
}

func (m *mockUploader) Upload(ctx context.Context, c *Candidate) Outcome {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	call := uploadCall{unitID: c.UnitID, digest: c.Digest}
	for _, e := range c.Events {
		call.events = append(call.events, string(e))
	}
	m.calls = append(m.calls, call)
	if len(m.outcomes) == 0 {
		return Delivered
	}
	o := m.outcomes[0]
	m.outcomes = m.outcomes[1:]
	return o
}

func (m *mockUploader) Calls() []uploadCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]uploadCall, len(m.calls))
	copy(result, m.calls)
	return result
}

type mockBattery struct {
	mu     sync.Mutex
	status *BatteryStatus
	polls  int
}

func (m *mockBattery) BatteryStatus() *BatteryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	return m.status
}

func (m *mockBattery) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}
