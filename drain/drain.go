package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mailtm-drain/archive"
	"github.com/dhcgn/mailtm-drain/config"
	"github.com/dhcgn/mailtm-drain/mailtm"
	"github.com/dhcgn/mailtm-drain/model"
	"github.com/dhcgn/mailtm-drain/runner"
	"github.com/dhcgn/mailtm-drain/state"
	"github.com/dhcgn/mailtm-drain/stats"
)

// API is the part of the mail.tm client the drainer needs.
type API interface {
	ListMessages(ctx context.Context, token mailtm.Token) ([]model.Message, error)
	DeleteMessage(ctx context.Context, token mailtm.Token, id string) error
}

type Options struct {
	Workers int
	Mode    string
	DryRun  bool
}

// Drainer lists the inbox, archives every message and deletes it remotely.
type Drainer struct {
	opts    Options
	api     API
	token   mailtm.Token
	store   archive.Store
	runner  *runner.Runner
	tracker state.Tracker
	logger  *slog.Logger
}

// New registers the drain stages on r. In shared mode one dispatcher lists
// the inbox and the workers split the records between them; in independent
// mode every worker lists and processes the whole inbox on its own.
func New(opts Options, api API, token mailtm.Token, store archive.Store, r *runner.Runner, logger *slog.Logger) (*Drainer, error) {
	if api == nil {
		return nil, fmt.Errorf("api client must not be nil")
	}
	if store == nil && !opts.DryRun {
		return nil, fmt.Errorf("archive store must not be nil")
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if logger == nil {
		logger = r.Logger()
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeShared
	}

	d := &Drainer{
		opts:    opts,
		api:     api,
		token:   token,
		store:   store,
		runner:  r,
		tracker: tracker,
		logger:  logger,
	}

	switch opts.Mode {
	case config.ModeShared:
		r.AddStage("dispatcher", d.dispatch)
		for i := 0; i < opts.Workers; i++ {
			r.AddStage(fmt.Sprintf("worker-%d", i), d.consumer(i))
		}
	case config.ModeIndependent:
		r.CloseListing()
		for i := 0; i < opts.Workers; i++ {
			r.AddStage(fmt.Sprintf("worker-%d", i), d.independent(i))
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	return d, nil
}

// RateLimitHook turns client backoffs into stats events.
func RateLimitHook(r *runner.Runner) func(method, path string, attempt int) {
	return func(method, path string, attempt int) {
		r.EmitEvent(stats.Event{
			Stage:  stats.StageAPI,
			Type:   stats.EventTypeRateLimited,
			Detail: fmt.Sprintf("%s %s attempt %d", method, path, attempt),
		})
	}
}

func (d *Drainer) dispatch(ctx context.Context) error {
	defer d.runner.CloseListing()

	msgs, err := d.list(ctx, -1)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.send(ctx, model.Envelope{Err: err})
	}

	for _, msg := range msgs {
		if err := d.send(ctx, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Drainer) send(ctx context.Context, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.runner.ListingWriter() <- env:
		return nil
	}
}

func (d *Drainer) consumer(worker int) runner.StageFunc {
	return func(ctx context.Context) error {
		jobs := d.runner.Jobs()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-jobs:
				if !ok {
					return nil
				}
				if err := d.process(ctx, worker, msg); err != nil {
					return err
				}
			}
		}
	}
}

func (d *Drainer) independent(worker int) runner.StageFunc {
	return func(ctx context.Context) error {
		msgs, err := d.list(ctx, worker)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.runner.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeError, Err: err})
			return nil
		}

		for _, msg := range msgs {
			d.runner.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, MessageID: msg.ID})
			if err := d.process(ctx, worker, msg); err != nil {
				return err
			}
		}
		return nil
	}
}

// list fetches the inbox snapshot. Errors mean "nothing to do this cycle";
// they are logged here and never abort the run.
func (d *Drainer) list(ctx context.Context, worker int) ([]model.Message, error) {
	msgs, err := d.api.ListMessages(ctx, d.token)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("listing failed, nothing to do", "worker", worker, "err", err)
		}
		return nil, err
	}
	d.logger.Info("retrieved messages", "worker", worker, "count", len(msgs))
	return msgs, nil
}

// process archives msg and then deletes it remotely. Only context errors
// are returned; everything else is logged, counted and skipped.
func (d *Drainer) process(ctx context.Context, worker int, msg model.Message) error {
	logger := d.logger.With("worker", worker, "messageID", msg.ID)

	if d.opts.DryRun {
		d.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeDryRun, MessageID: msg.ID})
		logger.Debug("dry-run: would archive and delete", "subject", msg.Subject)
		return nil
	}

	if d.tracker.AlreadyProcessed(msg.ID) {
		d.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
		logger.Debug("already archived, skipping archive")
	} else {
		if err := d.store.Append(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("archive message %s: %w", msg.ID, err)
			d.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
			logger.Error("failed to archive, keeping message on server", "err", err)
			return nil
		}
		if err := d.tracker.MarkProcessed(msg.ID, state.Hash(msg.Raw)); err != nil {
			d.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
			logger.Warn("failed to record archived message", "err", err)
		}
		d.runner.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchived, MessageID: msg.ID})
		logger.Info("archived message", "subject", msg.Subject)
	}

	if err := d.api.DeleteMessage(ctx, d.token, msg.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fmt.Errorf("delete message %s: %w", msg.ID, err)
		d.runner.EmitEvent(stats.Event{Stage: stats.StageDelete, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
		if errors.Is(err, mailtm.ErrRateLimited) {
			logger.Warn("delete gave up after rate limiting", "err", err)
		} else {
			logger.Warn("message not deleted", "err", err)
		}
		return nil
	}

	d.runner.EmitEvent(stats.Event{Stage: stats.StageDelete, Type: stats.EventTypeDeleted, MessageID: msg.ID})
	return nil
}
