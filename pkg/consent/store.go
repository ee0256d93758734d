// Package consent keeps persisted events in one storage area per consent
// value and moves them between areas when the consent changes.
//
// Layout on disk:
//
//	<root>/pending/<id>.unit
//	<root>/granted/<id>.unit
//	<root>/denied/<id>.unit
//
// Only granted units are ever handed to an uploader. Pending units wait for
// the consent to be resolved; denied units are purged.
package consent

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/unitfs"
)

var ErrStoreClosed = errors.New("consent store is closed")

// Config controls the units and retention of every area of a Store.
type Config struct {
	// Root directory holding one subdirectory per area.
	Root string

	MaxUnitSize        int64
	MaxRecordsPerUnit  int64
	MaxUnitAgeForWrite time.Duration

	// MaxAreaSize caps the bytes kept per area. Oldest sealed units are
	// evicted first.
	MaxAreaSize int64

	// MaxUnitAge drops sealed units older than this during maintenance.
	// 0 keeps units until delivered or evicted by MaxAreaSize.
	MaxUnitAge time.Duration

	MSyncEveryWrite bool
	BytesPerSync    int64
	MinFreeBytes    uint64

	InitialConsent Value

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultConfig returns the default store configuration rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:               root,
		MaxUnitSize:        4 * 1024 * 1024,
		MaxRecordsPerUnit:  500,
		MaxUnitAgeForWrite: 4750 * time.Millisecond,
		MaxAreaSize:        512 * 1024 * 1024,
		MSyncEveryWrite:    true,
		InitialConsent:     Pending,
	}
}

// MaintenanceReport summarizes what a Maintain pass changed.
type MaintenanceReport struct {
	Sealed  int
	Purged  int
	Evicted int
	Expired int
}

// Store owns the unit files of one pipeline. All access to units goes
// through it.
type Store struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	areas   [len(areaDirs)]*unitfs.Area
	current atomic.Uint32

	// serializes consent transitions and migrations.
	mu     sync.Mutex
	closed atomic.Bool
}

var areaDirs = [...]string{
	Pending: "pending",
	Granted: "granted",
	Denied:  "denied",
}

// AreaDir returns the directory holding the units of area under root.
func AreaDir(root string, area Value) string {
	return filepath.Join(root, areaDirs[area])
}

// Open opens or creates the store under cfg.Root, recovering units left by
// a previous process.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("consent store root is empty")
	}
	if !cfg.InitialConsent.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidValue, uint8(cfg.InitialConsent))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "consent_store"),
		clock:  cfg.Clock,
	}
	s.current.Store(uint32(cfg.InitialConsent))

	ids := unitfs.NewIDGenerator(cfg.Clock)
	for _, v := range Values {
		area, err := unitfs.OpenArea(AreaDir(cfg.Root, v), unitfs.DefaultExt,
			unitfs.WithTag(uint8(v)),
			unitfs.WithClock(cfg.Clock),
			unitfs.WithIDSource(ids),
			unitfs.WithMaxUnitSize(cfg.MaxUnitSize),
			unitfs.WithMaxRecordsPerUnit(cfg.MaxRecordsPerUnit),
			unitfs.WithMaxUnitAgeForWrite(cfg.MaxUnitAgeForWrite),
			unitfs.WithMaxAreaSize(cfg.MaxAreaSize),
			unitfs.WithMSyncEveryWrite(cfg.MSyncEveryWrite),
			unitfs.WithBytesPerSync(cfg.BytesPerSync),
			unitfs.WithMinFreeBytes(cfg.MinFreeBytes),
		)
		if err != nil {
			_ = s.closeAreas()
			return nil, fmt.Errorf("open %s area: %w", v, err)
		}
		s.areas[v] = area
	}

	s.logger.Info("consent store opened",
		"root", cfg.Root,
		"consent", cfg.InitialConsent.String(),
		"pending_units", len(s.areas[Pending].Sealed()),
		"granted_units", len(s.areas[Granted].Sealed()),
		"denied_units", len(s.areas[Denied].Sealed()))

	// units left pending by a previous process follow the current consent.
	if cfg.InitialConsent != Pending {
		s.migratePending(cfg.InitialConsent)
	}
	return s, nil
}

func (s *Store) area(v Value) (*unitfs.Area, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidValue, uint8(v))
	}
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.areas[v], nil
}

// Current returns the consent value new writes are routed by.
func (s *Store) Current() Value {
	return Value(s.current.Load())
}

// Append writes record as one entry of the active unit of area.
func (s *Store) Append(area Value, record []byte) error {
	a, err := s.area(area)
	if err != nil {
		return err
	}
	return a.Append(record)
}

// ActiveUnit returns the active unit of area, creating one if needed.
func (s *Store) ActiveUnit(area Value) (unitfs.UnitInfo, error) {
	a, err := s.area(area)
	if err != nil {
		return unitfs.UnitInfo{}, err
	}
	return a.ActiveUnit()
}

// SealCurrentUnit seals the active unit of area. It reports whether a
// non-empty unit was sealed.
func (s *Store) SealCurrentUnit(area Value) (unitfs.UnitInfo, bool, error) {
	a, err := s.area(area)
	if err != nil {
		return unitfs.UnitInfo{}, false, err
	}
	return a.SealActive()
}

// ListSealedUnits returns the sealed units of area, oldest first.
func (s *Store) ListSealedUnits(area Value) ([]unitfs.UnitInfo, error) {
	a, err := s.area(area)
	if err != nil {
		return nil, err
	}
	return a.Sealed(), nil
}

// ReadUnit returns the records of a sealed unit of area in write order.
func (s *Store) ReadUnit(area Value, id unitfs.UnitID) ([][]byte, unitfs.UnitInfo, error) {
	a, err := s.area(area)
	if err != nil {
		return nil, unitfs.UnitInfo{}, err
	}
	return a.Read(id)
}

// Delete removes a sealed unit of area.
func (s *Store) Delete(area Value, id unitfs.UnitID) error {
	a, err := s.area(area)
	if err != nil {
		return err
	}
	return a.Delete(id)
}

// Migrate moves a sealed unit between areas, keeping its ID. Migrating into
// the denied area deletes the unit instead.
func (s *Store) Migrate(id unitfs.UnitID, from, to Value) error {
	src, err := s.area(from)
	if err != nil {
		return err
	}
	dst, err := s.area(to)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if to == Denied {
		return src.Delete(id)
	}
	return src.MoveTo(id, dst)
}

// SetConsent makes v the current consent. When the consent leaves pending,
// the pending active unit is sealed and every pending unit is moved to the
// granted area or deleted. Units that fail to migrate stay pending and are
// retried on the next change.
//
// Callers that write concurrently must run SetConsent on the same queue as
// their writes so that no record lands in pending after the migration.
func (s *Store) SetConsent(v Value) error {
	if !v.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidValue, uint8(v))
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := Value(s.current.Swap(uint32(v)))
	if prev != v {
		s.logger.Info("consent changed", "from", prev.String(), "to", v.String())
	}
	if v == Pending {
		return nil
	}
	return s.migratePendingLocked(v)
}

func (s *Store) migratePending(to Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.migratePendingLocked(to); err != nil {
		s.logger.Warn("pending migration incomplete", "to", to.String(), "error", err)
	}
}

func (s *Store) migratePendingLocked(to Value) error {
	pending := s.areas[Pending]
	if _, _, err := pending.SealActive(); err != nil {
		return fmt.Errorf("seal pending unit: %w", err)
	}

	var errs error
	migrated := 0
	for _, info := range pending.Sealed() {
		if err := s.Migrate(info.ID, Pending, to); err != nil {
			errs = errors.Join(errs, fmt.Errorf("unit %d: %w", info.ID, err))
			continue
		}
		migrated++
	}
	if migrated > 0 {
		s.logger.Info("migrated pending units", "to", to.String(), "units", migrated)
	}
	return errs
}

// Maintain applies the retention policies of every area: it seals active
// units past their write age, purges denied units, drops units older than
// MaxUnitAge and enforces the per-area byte cap. Units rejected by
// canDelete are kept.
func (s *Store) Maintain(canDelete unitfs.DeletionPredicate) MaintenanceReport {
	var report MaintenanceReport
	if s.closed.Load() {
		return report
	}

	for _, v := range Values {
		area := s.areas[v]
		if _, sealed, err := area.SealIfExpired(); err != nil {
			s.logger.Warn("failed to seal expired unit", "area", v.String(), "error", err)
		} else if sealed {
			report.Sealed++
		}
	}

	report.Purged = len(s.areas[Denied].Purge())

	for _, v := range Values {
		area := s.areas[v]
		expired := area.DeleteOlderThan(s.cfg.MaxUnitAge, canDelete)
		evicted := area.EnforceSizeLimit(canDelete)
		report.Expired += len(expired)
		report.Evicted += len(evicted)
		if len(expired)+len(evicted) > 0 {
			s.logger.Warn("dropped units by retention policy",
				"area", v.String(),
				"expired", len(expired),
				"evicted", len(evicted))
		}
	}
	return report
}

// Size returns the bytes held by area.
func (s *Store) Size(area Value) int64 {
	a, err := s.area(area)
	if err != nil {
		return 0
	}
	return a.Size()
}

// Close seals the active units and closes every area.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeAreas()
}

func (s *Store) closeAreas() error {
	var errs error
	for _, area := range s.areas {
		if area == nil {
			continue
		}
		if err := area.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
