package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unijord/eventpipe/pkg/clock"
	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/unitfs"
)

// WorkerState is the scheduling state of a Worker.
type WorkerState uint32

const (
	Idle WorkerState = iota
	Scheduled
	Running
	// Cancelled is terminal.
	Cancelled
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Maintainer applies retention to the store between uploads.
// consent.Store implements it.
type Maintainer interface {
	Maintain(canDelete unitfs.DeletionPredicate) consent.MaintenanceReport
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Delay      DelayConfig
	Conditions Conditions
	// Battery is polled before every attempt. Nil means no power signals.
	Battery BatteryStatusProvider
	// UploadTimeout bounds a single Upload call.
	UploadTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Delay:         DefaultDelayConfig(),
		Conditions:    DefaultConditions(),
		UploadTimeout: 30 * time.Second,
	}
}

// WorkerStats are cumulative counters of a Worker.
type WorkerStats struct {
	Ticks            uint64
	Delivered        uint64
	ClientErrors     uint64
	ServerErrors     uint64
	NetworkErrors    uint64
	ConditionsNotMet uint64
	// units dropped by retention during maintenance.
	Dropped uint64
	// units sent by Flush.
	Flushed uint64
}

// Worker periodically uploads the oldest granted unit. Exactly one tick is
// pending or running at a time; the delay between ticks adapts to the
// outcome of each attempt.
type Worker struct {
	config   WorkerConfig
	reader   *Reader
	uploader Uploader
	store    Maintainer
	delay    *Delay
	logger   *slog.Logger

	stateMu sync.Mutex
	state   WorkerState

	nextDelay atomic.Int64
	stats     struct {
		ticks, delivered, clientErrors, serverErrors atomic.Uint64
		networkErrors, conditionsNotMet, dropped     atomic.Uint64
		flushed                                      atomic.Uint64
	}

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewWorker creates a Worker. Call Start to schedule the first tick.
func NewWorker(reader *Reader, uploader Uploader, store Maintainer, config WorkerConfig) *Worker {
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Worker{
		config:   config,
		reader:   reader,
		uploader: uploader,
		store:    store,
		delay:    NewDelay(config.Delay),
		logger:   config.Logger.With("component", "upload_worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start schedules the first tick after the initial delay.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		if !w.transition(Scheduled) {
			return
		}
		w.nextDelay.Store(int64(w.delay.Current()))
		w.wg.Add(1)
		go w.run()
	})
}

// Cancel stops the worker. A pending tick never runs; a running tick is
// waited for. Cancel is terminal and safe to call more than once.
func (w *Worker) Cancel() {
	w.stopOnce.Do(func() {
		w.stateMu.Lock()
		w.state = Cancelled
		w.stateMu.Unlock()
		close(w.stopCh)
	})
	w.wg.Wait()
}

// State returns the current scheduling state.
func (w *Worker) State() WorkerState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// transition moves to state unless the worker was cancelled.
func (w *Worker) transition(state WorkerState) bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.state == Cancelled {
		return false
	}
	w.state = state
	return true
}

// NextDelay returns the delay used for the pending tick.
func (w *Worker) NextDelay() time.Duration {
	return time.Duration(w.nextDelay.Load())
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		delay := w.delay.Current()
		w.nextDelay.Store(int64(delay))

		select {
		case <-w.config.Clock.After(delay):
		case <-w.stopCh:
			return
		}

		if !w.transition(Running) {
			return
		}
		w.tick()
		if !w.transition(Scheduled) {
			return
		}
	}
}

func (w *Worker) tick() Outcome {
	w.stats.ticks.Add(1)

	report := w.store.Maintain(w.reader.CanDelete)
	if dropped := report.Evicted + report.Expired; dropped > 0 {
		w.stats.dropped.Add(uint64(dropped))
	}

	var status *BatteryStatus
	if w.config.Battery != nil {
		status = w.config.Battery.BatteryStatus()
	}
	if !w.config.Conditions.IsMet(status) {
		w.stats.conditionsNotMet.Add(1)
		w.logger.Debug("upload conditions not met, skipping",
			"battery_state", status.State.String(),
			"battery_level", status.Level,
			"low_power_mode", status.LowPowerMode)
		return ConditionsNotMet
	}

	candidate := w.reader.NextCandidate()
	if candidate == nil {
		return 0
	}

	outcome := w.upload(candidate)
	w.apply(candidate, outcome)
	return outcome
}

func (w *Worker) upload(candidate *Candidate) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.UploadTimeout)
	defer cancel()
	return w.uploader.Upload(ctx, candidate)
}

func (w *Worker) apply(candidate *Candidate, outcome Outcome) {
	switch outcome {
	case Delivered:
		w.stats.delivered.Add(1)
		w.complete(candidate)
		w.delay.Decrease()
		w.logger.Debug("batch delivered",
			"unit_id", candidate.UnitID,
			"events", len(candidate.Events),
			"next_delay", w.delay.Current())
	case ClientError:
		w.stats.clientErrors.Add(1)
		w.complete(candidate)
		w.delay.Increase()
		w.logger.Error("batch rejected by intake, dropping",
			"unit_id", candidate.UnitID,
			"events", len(candidate.Events),
			"digest", candidate.Digest.String())
	case ServerError, NetworkError:
		if outcome == ServerError {
			w.stats.serverErrors.Add(1)
		} else {
			w.stats.networkErrors.Add(1)
		}
		w.reader.Release(candidate)
		w.delay.Increase()
		w.logger.Warn("upload failed, will retry",
			"unit_id", candidate.UnitID,
			"outcome", outcome.String(),
			"next_delay", w.delay.Current())
	case ConditionsNotMet:
		w.stats.conditionsNotMet.Add(1)
		w.reader.Release(candidate)
	default:
		w.reader.Release(candidate)
		w.delay.Increase()
		w.logger.Error("uploader returned unknown outcome", "outcome", outcome.String())
	}
}

func (w *Worker) complete(candidate *Candidate) {
	if err := w.reader.Complete(candidate); err != nil {
		w.logger.Error("failed to delete uploaded unit", "unit_id", candidate.UnitID, "error", err)
	}
}

// Flush sends every granted unit once, ignoring upload conditions and the
// settle age, and deletes each unit whatever the outcome. It must be
// called after Cancel. It returns the number of units sent.
func (w *Worker) Flush() int {
	if w.State() != Cancelled {
		w.logger.Error("flush requested on a running worker, ignoring")
		return 0
	}

	sent := 0
	for _, candidate := range w.reader.AllForFlush() {
		outcome := w.upload(candidate)
		w.complete(candidate)
		sent++
		w.stats.flushed.Add(1)
		if outcome != Delivered {
			w.logger.Warn("flush upload not delivered, dropping unit",
				"unit_id", candidate.UnitID,
				"outcome", outcome.String())
		}
	}
	return sent
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Ticks:            w.stats.ticks.Load(),
		Delivered:        w.stats.delivered.Load(),
		ClientErrors:     w.stats.clientErrors.Load(),
		ServerErrors:     w.stats.serverErrors.Load(),
		NetworkErrors:    w.stats.networkErrors.Load(),
		ConditionsNotMet: w.stats.conditionsNotMet.Load(),
		Dropped:          w.stats.dropped.Load(),
		Flushed:          w.stats.flushed.Load(),
	}
}
