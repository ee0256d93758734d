package consent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/unitfs"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T, clk clock.Clock) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxUnitSize = 64 * 1024
	cfg.Clock = clk
	return cfg
}

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readAll(t *testing.T, s *Store, area Value) []string {
	t.Helper()
	units, err := s.ListSealedUnits(area)
	require.NoError(t, err)
	var out []string
	for _, info := range units {
		records, _, err := s.ReadUnit(area, info.ID)
		require.NoError(t, err)
		for _, r := range records {
			out = append(out, string(r))
		}
	}
	return out
}

func TestParseValue(t *testing.T) {
	for _, v := range Values {
		parsed, err := ParseValue(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}
	_, err := ParseValue("maybe")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestStore_PendingToGrantedMigratesInOrder(t *testing.T) {
	clk := clock.Fake(epoch)
	cfg := testConfig(t, clk)
	cfg.MaxRecordsPerUnit = 2
	s := openStore(t, cfg)
	assert.Equal(t, Pending, s.Current())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Pending, []byte(fmt.Sprintf("p%d", i))))
	}
	require.NoError(t, s.SetConsent(Granted))

	assert.Equal(t, Granted, s.Current())
	pending, err := s.ListSealedUnits(Pending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	granted, err := s.ListSealedUnits(Granted)
	require.NoError(t, err)
	require.Len(t, granted, 3)
	for i := 1; i < len(granted); i++ {
		assert.Less(t, granted[i-1].ID, granted[i].ID)
	}
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, readAll(t, s, Granted))
}

func TestStore_PendingToDeniedDeletes(t *testing.T) {
	clk := clock.Fake(epoch)
	s := openStore(t, testConfig(t, clk))

	require.NoError(t, s.Append(Pending, []byte("x")))
	require.NoError(t, s.SetConsent(Denied))

	for _, v := range Values {
		units, err := s.ListSealedUnits(v)
		require.NoError(t, err)
		assert.Empty(t, units, v.String())
	}
}

func TestStore_ConsentExclusivity(t *testing.T) {
	clk := clock.Fake(epoch)
	s := openStore(t, testConfig(t, clk))

	require.NoError(t, s.SetConsent(Granted))
	require.NoError(t, s.Append(s.Current(), []byte("g1")))
	require.NoError(t, s.SetConsent(Denied))
	require.NoError(t, s.Append(s.Current(), []byte("d1")))
	require.NoError(t, s.SetConsent(Granted))
	require.NoError(t, s.Append(s.Current(), []byte("g2")))

	for _, v := range Values {
		_, _, err := s.SealCurrentUnit(v)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"g1", "g2"}, readAll(t, s, Granted))
	assert.Equal(t, []string{"d1"}, readAll(t, s, Denied))

	report := s.Maintain(nil)
	assert.Equal(t, 1, report.Purged)
	assert.Empty(t, readAll(t, s, Denied))
	assert.Equal(t, []string{"g1", "g2"}, readAll(t, s, Granted))
}

func TestStore_MigratedIDsSortAfterOlderGrantedUnits(t *testing.T) {
	clk := clock.Fake(epoch)
	s := openStore(t, testConfig(t, clk))

	require.NoError(t, s.Append(Pending, []byte("early-pending")))
	clk.Advance(time.Millisecond)
	require.NoError(t, s.Append(Granted, []byte("later-granted")))
	_, _, err := s.SealCurrentUnit(Granted)
	require.NoError(t, err)

	require.NoError(t, s.SetConsent(Granted))
	assert.Equal(t, []string{"early-pending", "later-granted"}, readAll(t, s, Granted))
}

func TestStore_ReopenMigratesLeftoverPending(t *testing.T) {
	clk := clock.Fake(epoch)
	cfg := testConfig(t, clk)

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Append(Pending, []byte("left")))
	require.NoError(t, s.Close())

	cfg.InitialConsent = Granted
	reopened := openStore(t, cfg)
	assert.Equal(t, []string{"left"}, readAll(t, reopened, Granted))
}

func TestStore_MaintainExpiresOldUnitsAndSealsIdleActive(t *testing.T) {
	clk := clock.Fake(epoch)
	cfg := testConfig(t, clk)
	cfg.MaxUnitAge = time.Hour
	s := openStore(t, cfg)
	require.NoError(t, s.SetConsent(Granted))

	require.NoError(t, s.Append(Granted, []byte("stale")))
	clk.Advance(10 * time.Second)
	report := s.Maintain(nil)
	assert.Equal(t, 1, report.Sealed)

	clk.Advance(2 * time.Hour)
	report = s.Maintain(nil)
	assert.Equal(t, 1, report.Expired)
	assert.Empty(t, readAll(t, s, Granted))
}

func TestStore_MaintainEvictsOldestFirstAndHonorsPredicate(t *testing.T) {
	clk := clock.Fake(epoch)
	cfg := testConfig(t, clk)
	cfg.MaxRecordsPerUnit = 1
	cfg.MaxAreaSize = 3 * (64 + 128)
	s := openStore(t, cfg)
	require.NoError(t, s.SetConsent(Granted))

	payload := make([]byte, 100)
	for i := 0; i < 6; i++ {
		payload[0] = byte(i)
		require.NoError(t, s.Append(Granted, payload))
		clk.Advance(time.Millisecond)
	}
	_, _, err := s.SealCurrentUnit(Granted)
	require.NoError(t, err)

	units, err := s.ListSealedUnits(Granted)
	require.NoError(t, err)
	require.Len(t, units, 6)
	claimed := units[0].ID

	report := s.Maintain(func(id unitfs.UnitID) bool { return id != claimed })
	assert.Equal(t, 3, report.Evicted)
	assert.LessOrEqual(t, s.Size(Granted), cfg.MaxAreaSize)

	left, err := s.ListSealedUnits(Granted)
	require.NoError(t, err)
	require.Len(t, left, 3)
	assert.Equal(t, claimed, left[0].ID)
	assert.Equal(t, units[4].ID, left[1].ID)
	assert.Equal(t, units[5].ID, left[2].ID)
}

func TestStore_InvalidValue(t *testing.T) {
	clk := clock.Fake(epoch)
	s := openStore(t, testConfig(t, clk))
	assert.ErrorIs(t, s.SetConsent(Value(9)), ErrInvalidValue)
	assert.ErrorIs(t, s.Append(Value(9), []byte("x")), ErrInvalidValue)
}

func TestStore_ClosedRejectsWrites(t *testing.T) {
	clk := clock.Fake(epoch)
	s, err := Open(testConfig(t, clk))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Append(Granted, []byte("x")), ErrStoreClosed)
	assert.ErrorIs(t, s.SetConsent(Granted), ErrStoreClosed)
}
