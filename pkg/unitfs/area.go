package unitfs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/unijord/eventpipe/pkg/clock"
)

var (
	ErrUnitNotFound   = errors.New("unit not found")
	ErrRecordTooLarge = errors.New("record size exceeds maximum unit capacity")
	ErrActiveUnit     = errors.New("operation not allowed on the active unit")
	ErrDiskFull       = errors.New("free disk space below configured minimum")
	ErrAreaClosed     = errors.New("area is closed")
)

// DefaultExt is the file extension of unit files.
const DefaultExt = ".unit"

// DeletionPredicate reports whether a sealed unit may be deleted by a
// retention policy. Units held by an in-flight upload are protected this way.
type DeletionPredicate func(id UnitID) bool

// IDSource hands out unit IDs. One source is shared by every area of a
// store so that IDs stay unique and creation-ordered across areas.
type IDSource interface {
	NextID() UnitID
	Observe(id UnitID)
}

// IDGenerator derives IDs from the creation time in nanoseconds, bumped
// when the clock does not move forward.
type IDGenerator struct {
	mu    sync.Mutex
	last  UnitID
	clock clock.Clock
}

// NewIDGenerator returns an IDGenerator reading time from clk.
func NewIDGenerator(clk clock.Clock) *IDGenerator {
	return &IDGenerator{clock: clk}
}

// NextID returns an ID strictly greater than every ID seen so far.
func (g *IDGenerator) NextID() UnitID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := UnitID(g.clock.Now().UnixNano())
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// Observe makes sure future IDs are greater than id.
func (g *IDGenerator) Observe(id UnitID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id > g.last {
		g.last = id
	}
}

type AreaOption func(*Area)

// WithMaxUnitSize sets the mapped capacity of each unit.
func WithMaxUnitSize(size int64) AreaOption {
	return func(a *Area) {
		a.maxUnitSize = size
	}
}

// WithMaxRecordsPerUnit rotates the active unit once it holds n records.
// 0 disables the limit.
func WithMaxRecordsPerUnit(n int64) AreaOption {
	return func(a *Area) {
		a.maxRecordsPerUnit = n
	}
}

// WithMaxUnitAgeForWrite rotates the active unit once it is older than d.
// 0 disables the limit.
func WithMaxUnitAgeForWrite(d time.Duration) AreaOption {
	return func(a *Area) {
		a.maxUnitAgeForWrite = d
	}
}

// WithMaxAreaSize caps the bytes kept by the area. Oldest sealed units are
// evicted first once the cap is exceeded. 0 disables the cap.
func WithMaxAreaSize(size int64) AreaOption {
	return func(a *Area) {
		a.maxAreaSize = size
	}
}

// WithBytesPerSync sets the threshold in bytes after which a msync is triggered.
// 0 disables this feature.
func WithBytesPerSync(bytes int64) AreaOption {
	return func(a *Area) {
		a.bytesPerSync = bytes
	}
}

// WithMSyncEveryWrite enables msync() after every write operation.
func WithMSyncEveryWrite(enabled bool) AreaOption {
	return func(a *Area) {
		if enabled {
			a.syncOption = MsyncOnWrite
		} else {
			a.syncOption = MsyncNone
		}
	}
}

// WithMinFreeBytes refuses to open new units while the volume has less
// than n free bytes. 0 disables the check.
func WithMinFreeBytes(n uint64) AreaOption {
	return func(a *Area) {
		a.minFreeBytes = n
	}
}

// WithTag stores tag in the header of every unit created by the area.
func WithTag(tag uint8) AreaOption {
	return func(a *Area) {
		a.tag = tag
	}
}

// WithClock sets the clock used for unit ages.
func WithClock(clk clock.Clock) AreaOption {
	return func(a *Area) {
		if clk != nil {
			a.clock = clk
		}
	}
}

// WithIDSource shares an ID source between areas.
func WithIDSource(ids IDSource) AreaOption {
	return func(a *Area) {
		if ids != nil {
			a.ids = ids
		}
	}
}

// WithDirectorySyncer overrides the directory syncer.
func WithDirectorySyncer(syncer DirectorySyncer) AreaOption {
	return func(a *Area) {
		if syncer != nil {
			a.dirSyncer = syncer
		}
	}
}

// WithOnUnitSealed registers fn to be called after a unit is sealed.
// IMP: Don't block in fn, the area lock is held.
func WithOnUnitSealed(fn func(info UnitInfo)) AreaOption {
	return func(a *Area) {
		if fn != nil {
			a.sealedCallback = fn
		}
	}
}

// Area manages one directory of units: at most one active unit receiving
// writes plus the sealed units, ordered by ID. It handles creation,
// rotation, recovery, retention and moves between areas.
type Area struct {
	dir string
	ext string
	tag uint8

	maxUnitSize        int64
	maxRecordsPerUnit  int64
	maxUnitAgeForWrite time.Duration
	maxAreaSize        int64
	minFreeBytes       uint64

	// number of bytes to write before calling msync in write path
	bytesPerSync int64
	unSynced     int64
	syncOption   MsyncOption

	clock          clock.Clock
	ids            IDSource
	dirSyncer      DirectorySyncer
	sealedCallback func(UnitInfo)

	mu     sync.Mutex
	active *Unit
	sealed []UnitInfo
	closed bool
}

// OpenArea returns an Area managing the units in dir, recovering any
// units left by a previous process. Units found active are sealed.
func OpenArea(dir string, ext string, opts ...AreaOption) (*Area, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create area directory: %w", err)
	}

	a := &Area{
		dir:            dir,
		ext:            ext,
		maxUnitSize:    defaultUnitSize,
		syncOption:     MsyncOnWrite,
		clock:          clock.Real(),
		dirSyncer:      DirectorySyncFunc(syncDir),
		sealedCallback: func(UnitInfo) {},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ids == nil {
		a.ids = NewIDGenerator(a.clock)
	}

	if err := a.recoverUnits(); err != nil {
		return nil, fmt.Errorf("unit recovery failed: %w", err)
	}
	return a, nil
}

func (a *Area) recoverUnits() error {
	files, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("failed to read area directory: %w", err)
	}

	var ids []UnitID
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), a.ext) {
			continue
		}
		// e.g. "00000001760000000000.unit" -> 1760000000000
		id, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), a.ext), 10, 64)
		if err != nil {
			// skip non-numeric unit files
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		path := UnitFileName(a.dir, a.ext, id)
		info, err := RecoverUnit(path, a.dirSyncer)
		if err != nil {
			slog.Warn("[unitfs]",
				slog.String("message", "dropping unrecoverable unit"),
				slog.String("path", path),
				slog.Any("error", err))
			_ = os.Remove(path)
			continue
		}
		a.ids.Observe(id)
		if info.EntryCount == 0 {
			_ = os.Remove(path)
			continue
		}
		a.sealed = append(a.sealed, info)
	}
	return nil
}

// Dir returns the directory of the area.
func (a *Area) Dir() string { return a.dir }

// Append writes data as one record into the active unit, creating or
// rotating the active unit as needed.
func (a *Area) Append(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAreaClosed
	}
	if recordOverhead(int64(len(data))) > a.maxUnitSize-unitHeaderSize {
		return ErrRecordTooLarge
	}

	now := a.clock.Now()
	if a.active != nil && a.needsRotation(len(data), now) {
		if _, _, err := a.sealActiveLocked(now); err != nil {
			return fmt.Errorf("failed to rotate unit: %w", err)
		}
	}
	if a.active == nil {
		if err := a.openActiveLocked(now); err != nil {
			return err
		}
	}

	if err := a.active.Write(data, now); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	a.unSynced += recordOverhead(int64(len(data)))
	if a.syncOption == MsyncNone && a.bytesPerSync > 0 && a.unSynced >= a.bytesPerSync {
		if err := a.active.MSync(); err != nil {
			return err
		}
		a.unSynced = 0
	}
	return nil
}

func (a *Area) needsRotation(dataSize int, now time.Time) bool {
	if a.active.WillExceed(dataSize) {
		return true
	}
	if a.maxRecordsPerUnit > 0 && a.active.EntryCount() >= a.maxRecordsPerUnit {
		return true
	}
	if a.maxUnitAgeForWrite > 0 && now.Sub(a.active.CreatedAt()) >= a.maxUnitAgeForWrite {
		return true
	}
	return false
}

func (a *Area) openActiveLocked(now time.Time) error {
	if a.minFreeBytes > 0 {
		free, err := FreeBytes(a.dir)
		if err == nil && free < a.minFreeBytes {
			return fmt.Errorf("%w: %d bytes free", ErrDiskFull, free)
		}
	}
	unit, err := CreateUnit(a.dir, a.ext, a.ids.NextID(), now,
		WithUnitSize(a.maxUnitSize),
		WithSyncOption(a.syncOption),
		WithUnitTag(a.tag),
		WithUnitDirectorySyncer(a.dirSyncer),
	)
	if err != nil {
		return fmt.Errorf("failed to create new unit: %w", err)
	}
	a.active = unit
	a.unSynced = 0
	return nil
}

// ActiveUnit returns the active unit, creating one if the area has none.
func (a *Area) ActiveUnit() (UnitInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return UnitInfo{}, ErrAreaClosed
	}
	if a.active == nil {
		if err := a.openActiveLocked(a.clock.Now()); err != nil {
			return UnitInfo{}, err
		}
	}
	return a.active.Info(), nil
}

// SealActive seals the active unit. An empty active unit is removed
// instead. It reports whether a sealed unit was produced.
func (a *Area) SealActive() (UnitInfo, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealActiveLocked(a.clock.Now())
}

// SealIfExpired seals the active unit once it is older than the maximum
// write age, so an idle writer does not hold data back from upload.
func (a *Area) SealIfExpired() (UnitInfo, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	if a.active == nil || a.maxUnitAgeForWrite <= 0 || now.Sub(a.active.CreatedAt()) < a.maxUnitAgeForWrite {
		return UnitInfo{}, false, nil
	}
	return a.sealActiveLocked(now)
}

func (a *Area) sealActiveLocked(now time.Time) (UnitInfo, bool, error) {
	if a.active == nil {
		return UnitInfo{}, false, nil
	}
	unit := a.active
	if unit.EntryCount() == 0 {
		a.active = nil
		if err := unit.Remove(); err != nil {
			return UnitInfo{}, false, err
		}
		return UnitInfo{}, false, nil
	}

	info, err := unit.Seal(now)
	if err != nil {
		return UnitInfo{}, false, fmt.Errorf("failed to seal unit %d: %w", unit.ID(), err)
	}
	a.active = nil
	a.insertSealedLocked(info)
	a.sealedCallback(info)
	return info, true, nil
}

func (a *Area) insertSealedLocked(info UnitInfo) {
	i := sort.Search(len(a.sealed), func(i int) bool { return a.sealed[i].ID >= info.ID })
	a.sealed = append(a.sealed, UnitInfo{})
	copy(a.sealed[i+1:], a.sealed[i:])
	a.sealed[i] = info
}

// Sealed returns the sealed units, oldest first.
func (a *Area) Sealed() []UnitInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]UnitInfo, len(a.sealed))
	copy(out, a.sealed)
	return out
}

// Read returns the records of a sealed unit in write order.
func (a *Area) Read(id UnitID) ([][]byte, UnitInfo, error) {
	a.mu.Lock()
	idx := a.indexLocked(id)
	if idx < 0 {
		isActive := a.active != nil && a.active.ID() == id
		a.mu.Unlock()
		if isActive {
			return nil, UnitInfo{}, ErrActiveUnit
		}
		return nil, UnitInfo{}, fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	path := a.sealed[idx].Path
	a.mu.Unlock()

	// sealed units are immutable, the file can be read outside the lock.
	return ReadUnit(path)
}

func (a *Area) indexLocked(id UnitID) int {
	i := sort.Search(len(a.sealed), func(i int) bool { return a.sealed[i].ID >= id })
	if i < len(a.sealed) && a.sealed[i].ID == id {
		return i
	}
	return -1
}

// Delete removes a sealed unit.
func (a *Area) Delete(id UnitID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleteLocked(id)
}

func (a *Area) deleteLocked(id UnitID) error {
	idx := a.indexLocked(id)
	if idx < 0 {
		if a.active != nil && a.active.ID() == id {
			return ErrActiveUnit
		}
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	info := a.sealed[idx]
	if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file %s: %w", info.Path, err)
	}
	a.sealed = append(a.sealed[:idx], a.sealed[idx+1:]...)
	if err := a.dirSyncer.SyncDir(a.dir); err != nil {
		slog.Error("[unitfs]",
			slog.String("message", "failed to sync area directory after deletion"),
			slog.String("path", a.dir),
			slog.Any("error", err))
	}
	slog.Debug("[unitfs]", slog.String("message", "removed unit"), slog.Uint64("unit_id", id))
	return nil
}

// MoveTo moves a sealed unit into dst, keeping its ID. The rename is atomic
// so the unit is visible in exactly one area at any time.
//
// Callers must always move in the same direction between two areas to
// keep lock ordering consistent.
func (a *Area) MoveTo(id UnitID, dst *Area) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	if dst.closed {
		return ErrAreaClosed
	}
	idx := a.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	info := a.sealed[idx]
	target := UnitFileName(dst.dir, dst.ext, id)
	if err := os.Rename(info.Path, target); err != nil {
		return fmt.Errorf("move unit %d: %w", id, err)
	}
	a.sealed = append(a.sealed[:idx], a.sealed[idx+1:]...)
	info.Path = target
	dst.insertSealedLocked(info)

	var syncErr error
	if err := dst.dirSyncer.SyncDir(dst.dir); err != nil {
		syncErr = errors.Join(syncErr, err)
	}
	if err := a.dirSyncer.SyncDir(a.dir); err != nil {
		syncErr = errors.Join(syncErr, err)
	}
	if syncErr != nil {
		return fmt.Errorf("fsync after moving unit %d: %w", id, syncErr)
	}
	return nil
}

// Size returns the bytes held by the area, the active unit included.
func (a *Area) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizeLocked()
}

func (a *Area) sizeLocked() int64 {
	var total int64
	for _, info := range a.sealed {
		total += info.Size
	}
	if a.active != nil {
		total += a.active.Size()
	}
	return total
}

// EnforceSizeLimit evicts the oldest sealed units until the area is under
// its byte cap. Units rejected by canDelete are skipped. It returns the
// evicted units.
func (a *Area) EnforceSizeLimit(canDelete DeletionPredicate) []UnitInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxAreaSize <= 0 {
		return nil
	}

	var evicted []UnitInfo
	total := a.sizeLocked()
	for _, info := range append([]UnitInfo(nil), a.sealed...) {
		if total <= a.maxAreaSize {
			break
		}
		if canDelete != nil && !canDelete(info.ID) {
			continue
		}
		if err := a.deleteLocked(info.ID); err != nil {
			slog.Error("[unitfs]",
				slog.String("message", "failed to evict unit"),
				slog.Uint64("unit_id", info.ID),
				slog.Any("error", err))
			continue
		}
		total -= info.Size
		evicted = append(evicted, info)
	}
	return evicted
}

// DeleteOlderThan removes sealed units created more than maxAge ago.
func (a *Area) DeleteOlderThan(maxAge time.Duration, canDelete DeletionPredicate) []UnitInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if maxAge <= 0 {
		return nil
	}

	now := a.clock.Now()
	var removed []UnitInfo
	for _, info := range append([]UnitInfo(nil), a.sealed...) {
		if info.Age(now) < maxAge {
			// sorted by creation, the rest is younger.
			break
		}
		if canDelete != nil && !canDelete(info.ID) {
			continue
		}
		if err := a.deleteLocked(info.ID); err != nil {
			continue
		}
		removed = append(removed, info)
	}
	return removed
}

// Purge removes every sealed unit.
func (a *Area) Purge() []UnitInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	var removed []UnitInfo
	for _, info := range append([]UnitInfo(nil), a.sealed...) {
		if err := a.deleteLocked(info.ID); err != nil {
			slog.Error("[unitfs]",
				slog.String("message", "failed to purge unit"),
				slog.Uint64("unit_id", info.ID),
				slog.Any("error", err))
			continue
		}
		removed = append(removed, info)
	}
	return removed
}

// Close seals the active unit and stops accepting writes.
func (a *Area) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	_, _, err := a.sealActiveLocked(a.clock.Now())
	if a.active != nil {
		// sealing failed, leave the unit to recovery.
		err = errors.Join(err, a.active.Close())
		a.active = nil
	}
	a.closed = true
	return err
}

func idFromPath(path string) UnitID {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	id, _ := strconv.ParseUint(base, 10, 64)
	return id
}

// DirectorySyncer syncs a directory path to stable storage.
type DirectorySyncer interface {
	SyncDir(dir string) error
}

// DirectorySyncFunc adapts a function to act as a DirectorySyncer.
type DirectorySyncFunc func(dir string) error

// SyncDir implements DirectorySyncer.
func (f DirectorySyncFunc) SyncDir(dir string) error {
	return f(dir)
}

// https://man7.org/linux/man-pages/man2/fsync.2.html
// Calling fsync() does not necessarily ensure that the entry in the
// directory containing the file has also reached disk.  For that an
// explicit fsync() on a file descriptor for the directory is also
// needed.
func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
