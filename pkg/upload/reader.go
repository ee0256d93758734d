package upload

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/envelope"
	"github.com/unijord/eventpipe/pkg/unitfs"
)

// Source is the view of the consent store the reader needs.
// consent.Store implements it.
type Source interface {
	ListSealedUnits(area consent.Value) ([]unitfs.UnitInfo, error)
	ReadUnit(area consent.Value, id unitfs.UnitID) ([][]byte, unitfs.UnitInfo, error)
	Delete(area consent.Value, id unitfs.UnitID) error
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// MinUnitAgeForRead keeps freshly sealed units back for a while, so a
	// batch is not sent while more data for it is likely to arrive.
	MinUnitAgeForRead time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
}

// DefaultReaderConfig returns sensible defaults.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		MinUnitAgeForRead: 5 * time.Second,
	}
}

// Reader hands out sealed granted units as upload candidates. A claimed
// unit is never handed out twice and is protected from retention until it
// is released or completed.
type Reader struct {
	config ReaderConfig
	store  Source
	logger *slog.Logger

	// serializes candidate selection.
	mu sync.Mutex

	// guards claimed only. Retention calls CanDelete while holding area
	// locks, so claimMu is never held across a store call.
	claimMu sync.Mutex
	claimed map[unitfs.UnitID]struct{}
}

// NewReader creates a Reader over store.
func NewReader(store Source, config ReaderConfig) *Reader {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Reader{
		config:  config,
		store:   store,
		logger:  config.Logger.With("component", "batch_reader"),
		claimed: make(map[unitfs.UnitID]struct{}),
	}
}

// NextCandidate claims and returns the oldest unclaimed granted unit that is
// at least MinUnitAgeForRead old. It returns nil when there is none or when
// another candidate is still in flight.
func (r *Reader) NextCandidate() *Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimedCount() > 0 {
		return nil
	}

	units, err := r.store.ListSealedUnits(consent.Granted)
	if err != nil {
		r.logger.Error("failed to list granted units", "error", err)
		return nil
	}
	now := r.config.Clock.Now()
	for _, info := range units {
		if info.Age(now) < r.config.MinUnitAgeForRead {
			// sorted by creation, the rest is younger.
			return nil
		}
		if candidate := r.claimLocked(info); candidate != nil {
			return candidate
		}
	}
	return nil
}

// AllForFlush claims every unclaimed granted unit regardless of age.
func (r *Reader) AllForFlush() []*Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	units, err := r.store.ListSealedUnits(consent.Granted)
	if err != nil {
		r.logger.Error("failed to list granted units", "error", err)
		return nil
	}
	var candidates []*Candidate
	for _, info := range units {
		if r.IsClaimed(info.ID) {
			continue
		}
		if candidate := r.claimLocked(info); candidate != nil {
			candidates = append(candidates, candidate)
		}
	}
	return candidates
}

func (r *Reader) claimLocked(info unitfs.UnitInfo) *Candidate {
	records, _, err := r.store.ReadUnit(consent.Granted, info.ID)
	if err != nil {
		if errors.Is(err, unitfs.ErrUnitNotFound) {
			return nil
		}
		r.logger.Error("dropping unreadable unit", "unit_id", info.ID, "error", err)
		if err := r.store.Delete(consent.Granted, info.ID); err != nil {
			r.logger.Error("failed to delete unreadable unit", "unit_id", info.ID, "error", err)
		}
		return nil
	}

	candidate := &Candidate{
		UnitID:    info.ID,
		CreatedAt: info.CreatedAt,
		Events:    make([][]byte, 0, len(records)),
	}
	hasher := blake3.New()
	var length [4]byte
	for _, raw := range records {
		rec, err := envelope.Decode(raw)
		if err != nil {
			r.logger.Warn("skipping malformed event", "unit_id", info.ID, "error", err)
			continue
		}
		binary.LittleEndian.PutUint32(length[:], uint32(len(rec.Data)))
		_, _ = hasher.Write(length[:])
		_, _ = hasher.Write(rec.Data)
		candidate.Events = append(candidate.Events, rec.Data)
		candidate.Size += int64(len(rec.Data))
	}
	if len(candidate.Events) == 0 {
		if err := r.store.Delete(consent.Granted, info.ID); err != nil {
			r.logger.Error("failed to delete empty unit", "unit_id", info.ID, "error", err)
		}
		return nil
	}
	copy(candidate.Digest[:], hasher.Sum(nil))

	r.claimMu.Lock()
	r.claimed[info.ID] = struct{}{}
	r.claimMu.Unlock()
	return candidate
}

func (r *Reader) claimedCount() int {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	return len(r.claimed)
}

func (r *Reader) unclaim(id unitfs.UnitID) {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	delete(r.claimed, id)
}

// Release returns a candidate's unit to the pool of pending uploads.
func (r *Reader) Release(candidate *Candidate) {
	r.unclaim(candidate.UnitID)
}

// Complete deletes a candidate's unit and drops the claim.
func (r *Reader) Complete(candidate *Candidate) error {
	defer r.unclaim(candidate.UnitID)
	err := r.store.Delete(consent.Granted, candidate.UnitID)
	if errors.Is(err, unitfs.ErrUnitNotFound) {
		return nil
	}
	return err
}

// IsClaimed reports whether a unit is held by an in-flight upload.
func (r *Reader) IsClaimed(id unitfs.UnitID) bool {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	_, ok := r.claimed[id]
	return ok
}

// CanDelete is the retention predicate protecting claimed units.
func (r *Reader) CanDelete(id unitfs.UnitID) bool {
	return !r.IsClaimed(id)
}
