package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailtm-drain/archive"
	"github.com/dhcgn/mailtm-drain/config"
	"github.com/dhcgn/mailtm-drain/model"
	"github.com/dhcgn/mailtm-drain/state"
	"github.com/dhcgn/mailtm-drain/stats"
)

func newTestRunner(ctx context.Context) *Runner {
	return NewWithTracker(ctx, config.Config{}, state.NewMemoryTracker(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type recorder struct {
	mu     sync.Mutex
	events []stats.Event
}

func (r *recorder) consume(ctx context.Context, events <-chan stats.Event) error {
	for evt := range events {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
	}
	return nil
}

func (r *recorder) count(t stats.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == t {
			n++
		}
	}
	return n
}

func TestRunner_BridgeDeduplicatesAndEnqueues(t *testing.T) {
	r := newTestRunner(context.Background())
	rec := &recorder{}
	r.SubscribeStats("recorder", rec.consume)

	r.AddStage("producer", func(ctx context.Context) error {
		defer r.CloseListing()
		for _, env := range []model.Envelope{
			{Message: model.Message{ID: "a"}},
			{Message: model.Message{ID: "b"}},
			{Message: model.Message{ID: "a"}},
			{Message: model.Message{}},
			{Err: errors.New("boom")},
		} {
			r.ListingWriter() <- env
		}
		return nil
	})

	var mu sync.Mutex
	var got []string
	r.AddStage("consumer", func(ctx context.Context) error {
		for msg := range r.Jobs() {
			mu.Lock()
			got = append(got, msg.ID)
			mu.Unlock()
		}
		return nil
	})

	require.NoError(t, r.Start())

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 4, rec.count(stats.EventTypeListed))
	assert.Equal(t, 2, rec.count(stats.EventTypeEnqueued))
	assert.Equal(t, 1, rec.count(stats.EventTypeDuplicate))
	assert.Equal(t, 2, rec.count(stats.EventTypeError))
}

func TestRunner_EverySubscriberSeesEveryEvent(t *testing.T) {
	r := newTestRunner(context.Background())
	first, second := &recorder{}, &recorder{}
	r.SubscribeStats("first", first.consume)
	r.SubscribeStats("second", second.consume)
	r.CloseListing()

	r.AddStage("emitter", func(ctx context.Context) error {
		for i := 0; i < 50; i++ {
			r.EmitEvent(stats.Event{Type: stats.EventTypeDeleted})
		}
		return nil
	})

	require.NoError(t, r.Start())
	assert.Equal(t, 50, first.count(stats.EventTypeDeleted))
	assert.Equal(t, 50, second.count(stats.EventTypeDeleted))
}

func TestRunner_FirstStageErrorCancelsOthers(t *testing.T) {
	r := newTestRunner(context.Background())
	r.CloseListing()

	boom := errors.New("boom")
	r.AddStage("failing", func(ctx context.Context) error {
		return boom
	})
	r.AddStage("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := r.Start()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing stage")
}

func TestRunner_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newTestRunner(ctx)

	r.AddStage("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	time.AfterFunc(10*time.Millisecond, cancel)
	assert.ErrorIs(t, r.Start(), context.Canceled)
}

func TestRunner_CloserRunsAfterStages(t *testing.T) {
	closed := false
	r := NewWithTracker(context.Background(), config.Config{}, state.NewMemoryTracker(), func() error {
		closed = true
		return errors.New("flush failed")
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.CloseListing()

	err := r.Start()
	require.Error(t, err)
	assert.True(t, closed)
	assert.Contains(t, err.Error(), "close state")
}

func TestNew_LedgerLivesNextToArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "messages.json")
	store, err := archive.NewJSONFile(archivePath)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), model.Message{ID: "m1"}))

	r, err := New(context.Background(), config.Config{ArchivePath: archivePath, PersistState: true}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Tracker().MarkProcessed("m1", "h"))
	r.CloseListing()
	require.NoError(t, r.Start())

	reloaded, err := state.NewFileTracker(state.LedgerPath(archivePath), false)
	require.NoError(t, err)
	assert.True(t, reloaded.AlreadyProcessed("m1"))
}

func TestNew_DropsLedgerEntriesMissingFromArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "messages.json")

	ledger, err := state.NewFileTracker(state.LedgerPath(archivePath), true)
	require.NoError(t, err)
	require.NoError(t, ledger.MarkProcessed("m1", ""))
	require.NoError(t, ledger.MarkProcessed("m2", ""))
	require.NoError(t, ledger.Close())

	// Only m2 made it into the archive.
	require.NoError(t, os.WriteFile(archivePath, []byte(`{"messages":[{"id":"m2"}]}`), 0o644))

	r, err := New(context.Background(), config.Config{ArchivePath: archivePath, PersistState: true}, nil)
	require.NoError(t, err)
	assert.False(t, r.Tracker().AlreadyProcessed("m1"))
	assert.True(t, r.Tracker().AlreadyProcessed("m2"))
	require.NoError(t, r.Abort())
}

func TestNew_RequiresArchivePath(t *testing.T) {
	_, err := New(context.Background(), config.Config{PersistState: true}, nil)
	assert.Error(t, err)
}

func TestRunner_AbortLogsNoRunResult(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	closed := false
	r := NewWithTracker(context.Background(), config.Config{}, state.NewMemoryTracker(), func() error {
		closed = true
		return nil
	}, logger)
	stats.NewReporter(r, logger)

	require.NoError(t, r.Abort())
	assert.True(t, closed)
	assert.NotContains(t, logs.String(), "drain completed")
	assert.NotContains(t, logs.String(), "stats summary")
	assert.ErrorIs(t, r.Context().Err(), context.Canceled)
}
