package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailtm-drain/archive"
	"github.com/dhcgn/mailtm-drain/config"
	"github.com/dhcgn/mailtm-drain/model"
	"github.com/dhcgn/mailtm-drain/state"
	"github.com/dhcgn/mailtm-drain/stats"
)

type StageFunc func(context.Context) error

// Runner owns the run context, the listing → job bridge, the event bus and
// the processed-message ledger shared by every stage.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	listed chan model.Envelope
	jobs   chan model.Message

	subsMu sync.Mutex
	subs   []chan stats.Event

	tracker state.Tracker
	closer  func() error

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeListedOnce sync.Once
	closeJobsOnce   sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

// New creates a runner whose ledger sits next to cfg.ArchivePath. Ledger
// entries that the archive does not hold are dropped, so a message is only
// ever skipped when its record is really in this archive. The parent
// context cancels every stage.
func New(parent context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ArchivePath == "" {
		return nil, fmt.Errorf("archive path is empty")
	}

	tracker, err := state.NewFileTracker(state.LedgerPath(cfg.ArchivePath), cfg.PersistState && !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	archived, err := archive.IDs(cfg.ArchivePath)
	if err != nil {
		_ = tracker.Close()
		return nil, fmt.Errorf("read archived ids: %w", err)
	}
	dropped := tracker.Retain(func(id string) bool {
		_, ok := archived[id]
		return ok
	})
	if dropped > 0 {
		logger.Warn("ledger entries missing from archive, they will be archived again", "ledger", tracker.Path(), "count", dropped)
	}
	logger.Debug("ledger loaded", "ledger", tracker.Path(), "entries", tracker.Snapshot().Processed)

	return NewWithTracker(parent, cfg, tracker, tracker.Close, logger), nil
}

// NewWithTracker creates a runner around an existing ledger. closer may be nil.
func NewWithTracker(parent context.Context, cfg config.Config, tracker state.Tracker, closer func() error, logger *slog.Logger) *Runner {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)

	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		listed:  make(chan model.Envelope, 32),
		jobs:    make(chan model.Message, 32),
		tracker: tracker,
		closer:  closer,
	}

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// ListingWriter receives every record the dispatcher lists.
func (r *Runner) ListingWriter() chan<- model.Envelope {
	return r.listed
}

// CloseListing signals that no further records will be listed.
func (r *Runner) CloseListing() {
	r.closeListedOnce.Do(func() {
		close(r.listed)
	})
}

// Jobs yields each listed message at most once.
func (r *Runner) Jobs() <-chan model.Message {
	return r.jobs
}

// EmitEvent delivers evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	subs := r.subs
	r.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats must be called before the stages that emit events are added.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	events := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs[:len(r.subs):len(r.subs)], events)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for every stage, drains the stats subscribers and returns the
// first stage error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.wait()

	cancelled := r.ctx.Err() != nil
	r.cancel()

	err := r.firstErr()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("drain failed", "duration", duration, "err", err)
		return err
	}
	if cancelled {
		r.logger.Warn("drain interrupted", "duration", duration)
		return context.Canceled
	}

	r.logger.Info("drain completed", "duration", duration)
	return nil
}

// Abort releases a runner whose drain stages were never added. Nothing
// about the run is logged; only a failure to close the ledger is returned.
func (r *Runner) Abort() error {
	r.cancel()
	r.CloseListing()
	r.wait()
	return r.firstErr()
}

func (r *Runner) wait() {
	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	if r.closer != nil {
		if err := r.closer(); err != nil {
			r.fail(fmt.Errorf("close state: %w", err))
		}
	}
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// bridge forwards listed records to the job queue, dropping ids already
// enqueued in this run.
func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeJobs()
	enqueued := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.listed:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeError, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, MessageID: msg.ID})

			if msg.ID == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeError, Err: model.ErrMessageIDMissing})
				continue
			}
			if _, seen := enqueued[msg.ID]; seen {
				r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}
			enqueued[msg.ID] = struct{}{}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.jobs <- msg:
				r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeEnqueued, MessageID: msg.ID})
			}
		}
	}
}

func (r *Runner) closeJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for _, ch := range r.subs {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
