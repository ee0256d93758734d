package upload

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/consent"
)

func newTestReader(store Source, clk clock.Clock) *Reader {
	cfg := DefaultReaderConfig()
	cfg.Clock = clk
	return NewReader(store, cfg)
}

func TestReader_OldestFirstAfterSettleAge(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	reader := newTestReader(store, clk)

	first := writeSealedUnit(t, store, clk, "a1", "a2")
	clk.Advance(time.Second)
	second := writeSealedUnit(t, store, clk, "b1")

	assert.Nil(t, reader.NextCandidate(), "units younger than the settle age are held back")

	clk.Advance(5 * time.Second)
	c := reader.NextCandidate()
	require.NotNil(t, c)
	assert.Equal(t, first.ID, c.UnitID)
	assert.Equal(t, [][]byte{[]byte("a1"), []byte("a2")}, c.Events)
	assert.Equal(t, int64(4), c.Size)
	assert.True(t, reader.IsClaimed(first.ID))
	assert.False(t, reader.CanDelete(first.ID))

	assert.Nil(t, reader.NextCandidate(), "one candidate in flight at a time")

	require.NoError(t, reader.Complete(c))
	assert.False(t, reader.IsClaimed(first.ID))

	c = reader.NextCandidate()
	require.NotNil(t, c)
	assert.Equal(t, second.ID, c.UnitID)
}

func TestReader_ReleaseMakesUnitAvailableAgain(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	reader := newTestReader(store, clk)
	info := writeSealedUnit(t, store, clk, "x")
	clk.Advance(time.Minute)

	c := reader.NextCandidate()
	require.NotNil(t, c)
	reader.Release(c)

	again := reader.NextCandidate()
	require.NotNil(t, again)
	assert.Equal(t, info.ID, again.UnitID)
	assert.Equal(t, c.Digest, again.Digest, "digest is stable across retries")
}

func TestReader_DigestDependsOnContent(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	reader := newTestReader(store, clk)
	writeSealedUnit(t, store, clk, "ab", "c")
	writeSealedUnit(t, store, clk, "a", "bc")
	clk.Advance(time.Minute)

	all := reader.AllForFlush()
	require.Len(t, all, 2)
	assert.NotEqual(t, all[0].Digest, all[1].Digest)
}

func TestReader_AllForFlushIgnoresSettleAgeAndClaims(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	reader := newTestReader(store, clk)
	writeSealedUnit(t, store, clk, "1")
	writeSealedUnit(t, store, clk, "2")

	all := reader.AllForFlush()
	require.Len(t, all, 2)
	for _, c := range all {
		assert.True(t, reader.IsClaimed(c.UnitID))
	}
	assert.Empty(t, reader.AllForFlush())
}

func TestReader_OnlyGrantedUnitsAreCandidates(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	reader := newTestReader(store, clk)

	require.NoError(t, store.Append(consent.Pending, []byte("pending")))
	_, _, err := store.SealCurrentUnit(consent.Pending)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	assert.Nil(t, reader.NextCandidate())
}

func TestReader_DeletesCorruptUnit(t *testing.T) {
	clk := clock.Fake(epoch)
	store := openTestStore(t, clk)
	reader := newTestReader(store, clk)
	corrupt := writeSealedUnit(t, store, clk, "broken")
	good := writeSealedUnit(t, store, clk, "fine")
	clk.Advance(time.Minute)

	// flip a payload byte so the record checksum no longer matches.
	raw, err := os.ReadFile(corrupt.Path)
	require.NoError(t, err)
	raw[len(raw)-12] ^= 0xff
	require.NoError(t, os.WriteFile(corrupt.Path, raw, 0o644))

	c := reader.NextCandidate()
	require.NotNil(t, c)
	assert.Equal(t, good.ID, c.UnitID)

	units, err := store.ListSealedUnits(consent.Granted)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, good.ID, units[0].ID)
}
