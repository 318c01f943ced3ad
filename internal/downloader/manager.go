package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/download_manager/internal/events"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
	"github.com/italolelis/download_manager/internal/transfer"
)

var (
	errSuperseded       = errors.New("run superseded by a newer run")
	errRetryableOutcome = errors.New("transfer failed with a retryable error")
	errNotRetryable     = errors.New("download no longer eligible for retry")
	errNotRecoverable   = errors.New("download no longer in progress")
	errNotOwned         = errors.New("download not owned by run")
)

// Runner executes one transfer run for a key.
type Runner interface {
	Run(ctx context.Context, key, runID string) transfer.Outcome
}

// RetryConfig controls automatic retries of runs that failed on the transport.
// MaxAttempts of zero disables retrying.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	// DownloadDir is the base for relative destination paths.
	DownloadDir string
	// RetainCompleted keeps Completed records in the store until they are
	// superseded by Create or pruned by the cleanup job.
	RetainCompleted bool
	// ResumeOnStartup makes Recover relaunch downloads interrupted by a
	// crash, a shutdown or a transport failure.
	ResumeOnStartup bool
	Retry           RetryConfig
}

// activeRun is the run currently owning a key. done is closed once its
// goroutine has returned and no longer touches the partial file.
type activeRun struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Manager owns the download lifecycle: it validates every transition against
// the store, publishes the resulting record and launches transfer runs.
type Manager struct {
	store     storage.Store
	bus       *events.Bus
	engine    Runner
	telemetry *telemetry.Telemetry
	cfg       Config
	logger    *slog.Logger
	baseCtx   context.Context
	newRunID  func() string

	mu     sync.Mutex
	runs   map[string]*activeRun
	closed bool
	group  errgroup.Group
}

// New creates a Manager. Runs are detached from ctx cancellation and only
// stop through Pause, Cancel or Shutdown; ctx still provides their logger.
func New(
	ctx context.Context,
	store storage.Store,
	bus *events.Bus,
	engine Runner,
	cfg Config,
	tel *telemetry.Telemetry,
) *Manager {
	return &Manager{
		store:     store,
		bus:       bus,
		engine:    engine,
		telemetry: tel,
		cfg:       cfg,
		logger:    logctx.LoggerFromContext(ctx),
		baseCtx:   context.WithoutCancel(ctx),
		newRunID:  uuid.NewString,
		runs:      make(map[string]*activeRun),
	}
}

// Create registers a new download in the Created state. A retained Completed
// record with the same key is replaced.
func (m *Manager) Create(ctx context.Context, key, rawURL, path string) (storage.DownloadRecord, error) {
	var created storage.DownloadRecord

	err := m.telemetry.InstrumentTransition(ctx, "create", func(ctx context.Context) error {
		dest, err := m.validate(key, rawURL, path)
		if err != nil {
			return &KeyError{Op: "create", Key: key, Err: err}
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		existing, err := m.store.Get(ctx, key)

		switch {
		case err == nil && existing.State != storage.StateCompleted:
			return &KeyError{Op: "create", Key: key, Err: ErrDuplicateKey}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("failed to look up download %s: %w", key, err)
		}

		created, err = m.store.Save(ctx, storage.DownloadRecord{
			Key:   key,
			URL:   rawURL,
			Path:  dest,
			State: storage.StateCreated,
		})
		if err != nil {
			return fmt.Errorf("failed to save download %s: %w", key, err)
		}

		return nil
	})
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	m.bus.Publish(created)

	_, logger := logctx.WithDownloadKey(ctx, key)
	logger.Info("download created", "url", rawURL, "path", created.Path)

	return created, nil
}

func (m *Manager) validate(key, rawURL, path string) (string, error) {
	if key == "" || key == events.Wildcard {
		return "", fmt.Errorf("%w: key must be a non-empty name other than %q", ErrInvalidArgument, events.Wildcard)
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidArgument)
	}

	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidArgument)
	}

	if !filepath.IsAbs(path) && m.cfg.DownloadDir != "" {
		path = filepath.Join(m.cfg.DownloadDir, path)
	}

	return filepath.Clean(path), nil
}

// Get returns the record for key.
func (m *Manager) Get(ctx context.Context, key string) (storage.DownloadRecord, error) {
	rec, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.DownloadRecord{}, &KeyError{Op: "get", Key: key, Err: ErrInvalidKey}
		}

		return storage.DownloadRecord{}, fmt.Errorf("failed to get download %s: %w", key, err)
	}

	return rec, nil
}

// Lookup is Get for callers that poll keys they may not have created yet: an
// absent key yields a transient Pending record that is never persisted.
func (m *Manager) Lookup(ctx context.Context, key string) (storage.DownloadRecord, error) {
	rec, err := m.Get(ctx, key)
	if errors.Is(err, ErrInvalidKey) {
		return storage.DownloadRecord{Key: key, State: storage.StatePending}, nil
	}

	return rec, err
}

// List returns every record. A store failure is logged and yields an empty list.
func (m *Manager) List(ctx context.Context) []storage.DownloadRecord {
	records, err := m.store.GetAll(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to list downloads", "err", err)

		return []storage.DownloadRecord{}
	}

	return records
}

// Subscribe registers handler for changes of key, or of every download when
// key is events.Wildcard.
func (m *Manager) Subscribe(key string, handler events.Handler) func() {
	return m.bus.Subscribe(key, handler)
}

// Start moves a Created download to InProgress and launches its run.
func (m *Manager) Start(ctx context.Context, key string) (storage.DownloadRecord, error) {
	return m.launch(ctx, "start", key, func(rec *storage.DownloadRecord) error {
		if rec.State != storage.StateCreated {
			return &StateError{Op: "start", Key: key, State: rec.State}
		}

		return nil
	})
}

// Resume moves a Paused download back to InProgress and launches a run that
// continues from the partial file.
func (m *Manager) Resume(ctx context.Context, key string) (storage.DownloadRecord, error) {
	return m.launch(ctx, "resume", key, func(rec *storage.DownloadRecord) error {
		if rec.State != storage.StatePaused {
			return &StateError{Op: "resume", Key: key, State: rec.State}
		}

		if rec.DownloadedBytes > 0 {
			info, err := os.Stat(transfer.PartialPath(rec.Path))
			if err != nil || info.Size() < rec.DownloadedBytes {
				return &KeyError{Op: "resume", Key: key, Err: ErrResumeUnavailable}
			}
		}

		return nil
	})
}

func (m *Manager) launch(ctx context.Context, op, key string, guard storage.MutateFunc) (storage.DownloadRecord, error) {
	var rec storage.DownloadRecord

	err := m.telemetry.InstrumentTransition(ctx, op, func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed || m.engine == nil {
			return &KeyError{Op: op, Key: key, Err: ErrTransportUnavailable}
		}

		runID := m.newRunID()

		var err error

		rec, err = m.update(ctx, op, key, func(r *storage.DownloadRecord) error {
			if err := guard(r); err != nil {
				return err
			}

			r.State = storage.StateInProgress
			r.RunID = runID
			r.LastError = ""

			return nil
		})
		if err != nil {
			return err
		}

		var prevDone <-chan struct{}

		if prev, ok := m.runs[key]; ok {
			prev.cancel(errSuperseded)
			prevDone = prev.done
		}

		runCtx, cancel := context.WithCancelCause(m.baseCtx)
		done := make(chan struct{})
		m.runs[key] = &activeRun{id: runID, cancel: cancel, done: done}

		m.group.Go(func() error {
			defer close(done)
			defer m.finish(key, runID, cancel)

			// The previous run may still be between its last check and a
			// write; both runs append to the same partial file.
			if prevDone != nil {
				<-prevDone
			}

			m.drive(runCtx, key, runID)

			return nil
		})

		return nil
	})
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	m.bus.Publish(rec)

	_, logger := logctx.WithDownloadKey(ctx, key)
	logger.Info("download launched", "operation", op, "run_id", rec.RunID, "downloaded", rec.DownloadedBytes)

	return rec, nil
}

// Pause moves an InProgress download to Paused and interrupts its run. It
// does not wait for the run to stop.
func (m *Manager) Pause(ctx context.Context, key string) (storage.DownloadRecord, error) {
	var rec storage.DownloadRecord

	err := m.telemetry.InstrumentTransition(ctx, "pause", func(ctx context.Context) error {
		var err error

		rec, err = m.update(ctx, "pause", key, func(r *storage.DownloadRecord) error {
			if r.State != storage.StateInProgress {
				return &StateError{Op: "pause", Key: key, State: r.State}
			}

			r.State = storage.StatePaused
			r.LastError = ""

			return nil
		})

		return err
	})
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	m.bus.Publish(rec)
	m.signal(key, rec.RunID, transfer.ErrPauseRequested)

	_, logger := logctx.WithDownloadKey(ctx, key)
	logger.Info("download paused", "downloaded", rec.DownloadedBytes)

	return rec, nil
}

// Cancel moves a live download to Cancelled, removes its record and deletes
// its partial file. It does not wait for an active run to stop.
func (m *Manager) Cancel(ctx context.Context, key string) (storage.DownloadRecord, error) {
	var rec storage.DownloadRecord

	err := m.telemetry.InstrumentTransition(ctx, "cancel", func(ctx context.Context) error {
		var err error

		rec, err = m.update(ctx, "cancel", key, func(r *storage.DownloadRecord) error {
			switch r.State {
			case storage.StateCreated, storage.StateInProgress, storage.StatePaused:
			default:
				return &StateError{Op: "cancel", Key: key, State: r.State}
			}

			r.State = storage.StateCancelled
			r.ResumeToken = nil

			return nil
		})

		return err
	})
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	m.bus.Publish(rec)
	m.signal(key, rec.RunID, transfer.ErrCancelRequested)

	_, logger := logctx.WithDownloadKey(ctx, key)

	// The partial file goes first: while the record is still Cancelled, Create
	// rejects the key, so no new run can have opened the same file.
	removePartial(logger, rec.Path)

	if err := m.store.Remove(ctx, key); err != nil {
		// The record stays Cancelled; the cleanup job removes it later.
		logger.Error("failed to remove cancelled download", "err", err)
	}

	logger.Info("download cancelled")

	return rec, nil
}

// update wraps Store.Update and maps its failures to lifecycle errors.
func (m *Manager) update(ctx context.Context, op, key string, fn storage.MutateFunc) (storage.DownloadRecord, error) {
	rec, err := m.store.Update(ctx, key, fn)
	if err == nil {
		return rec, nil
	}

	if errors.Is(err, storage.ErrNotFound) {
		return rec, &KeyError{Op: op, Key: key, Err: ErrInvalidKey}
	}

	var (
		stateErr *StateError
		keyErr   *KeyError
	)

	if errors.As(err, &stateErr) || errors.As(err, &keyErr) {
		return rec, err
	}

	return rec, fmt.Errorf("failed to %s download %s: %w", op, key, err)
}

// signal interrupts the active run of key when it is still runID.
func (m *Manager) signal(key, runID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runs[key]; ok && r.id == runID {
		r.cancel(cause)
	}
}

func (m *Manager) finish(key, runID string, cancel context.CancelCauseFunc) {
	cancel(nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runs[key]; ok && r.id == runID {
		delete(m.runs, key)
	}
}

// drive runs the engine for key and retries transport failures with
// exponential backoff while the record stays Paused by this run.
func (m *Manager) drive(ctx context.Context, key, runID string) {
	ctx, logger := logctx.WithDownloadKey(ctx, key)
	logger = logger.With("run_id", runID)

	attempts := 0

	operation := func() (transfer.Outcome, error) {
		attempts++

		if attempts > 1 {
			if err := m.rearm(ctx, key, runID); err != nil {
				return transfer.OutcomeAborted, backoff.Permanent(err)
			}
		}

		outcome := m.engine.Run(ctx, key, runID)
		if outcome == transfer.OutcomeRetryable {
			return outcome, errRetryableOutcome
		}

		return outcome, nil
	}

	var (
		outcome transfer.Outcome
		err     error
	)

	if m.cfg.Retry.MaxAttempts <= 0 {
		outcome, err = operation()
	} else {
		outcome, err = backoff.Retry(ctx, operation,
			backoff.WithBackOff(m.newBackOff()),
			backoff.WithMaxTries(uint(m.cfg.Retry.MaxAttempts)+1),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logger.Info("retrying download", "err", err, "wait", wait, "attempt", attempts)
			}),
		)
	}

	if err != nil && !errors.Is(err, errRetryableOutcome) {
		logger.Debug("download retry stopped", "err", err)
	}

	if outcome == transfer.OutcomeSuccess && !m.cfg.RetainCompleted {
		m.removeCompleted(ctx, key, runID)
	}

	logger.Debug("run finished", "outcome", outcome, "attempts", attempts)
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()

	if m.cfg.Retry.InitialInterval > 0 {
		b.InitialInterval = m.cfg.Retry.InitialInterval
	}

	if m.cfg.Retry.MaxInterval > 0 {
		b.MaxInterval = m.cfg.Retry.MaxInterval
	}

	return b
}

// rearm moves a record degraded by this run back to InProgress for a retry.
// A user pause clears LastError, so paused downloads are never retried.
func (m *Manager) rearm(ctx context.Context, key, runID string) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return ErrTransportUnavailable
	}

	rec, err := m.store.Update(ctx, key, func(r *storage.DownloadRecord) error {
		if r.RunID != runID || r.State != storage.StatePaused || r.LastError == "" {
			return errNotRetryable
		}

		r.State = storage.StateInProgress
		r.LastError = ""

		return nil
	})

	m.mu.Unlock()

	if err != nil {
		return err
	}

	m.bus.Publish(rec)

	return nil
}

func (m *Manager) removeCompleted(ctx context.Context, key, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(ctx, key)
	if err != nil || rec.State != storage.StateCompleted || rec.RunID != runID {
		return
	}

	if err := m.store.Remove(ctx, key); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to remove completed download", "err", err)
	}
}

// Recover repairs records left behind by a previous process. InProgress
// records lost their run: they become Paused when bytes were written and
// Created otherwise. Cancelled leftovers are removed. With ResumeOnStartup the
// interrupted downloads are relaunched.
func (m *Manager) Recover(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	records, err := m.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	var startable, resumable []string

	for _, rec := range records {
		switch rec.State {
		case storage.StateInProgress:
			recovered, err := m.store.Update(ctx, rec.Key, func(r *storage.DownloadRecord) error {
				if r.State != storage.StateInProgress {
					return errNotRecoverable
				}

				if r.DownloadedBytes > 0 {
					r.State = storage.StatePaused
				} else {
					r.State = storage.StateCreated
				}

				r.RunID = ""

				return nil
			})
			if err != nil {
				if !errors.Is(err, errNotRecoverable) {
					logger.Error("failed to recover download", "download_key", rec.Key, "err", err)
				}

				continue
			}

			m.bus.Publish(recovered)
			logger.Info("recovered interrupted download", "download_key", rec.Key, "state", recovered.State)

			if recovered.State == storage.StatePaused {
				resumable = append(resumable, rec.Key)
			} else {
				startable = append(startable, rec.Key)
			}
		case storage.StatePaused:
			if rec.LastError != "" {
				resumable = append(resumable, rec.Key)
			}
		case storage.StateCancelled:
			if err := m.store.Remove(ctx, rec.Key); err != nil {
				logger.Error("failed to remove cancelled download", "download_key", rec.Key, "err", err)

				continue
			}

			removePartial(logger.With("download_key", rec.Key), rec.Path)
		}
	}

	if !m.cfg.ResumeOnStartup {
		return nil
	}

	for _, key := range startable {
		if _, err := m.Start(ctx, key); err != nil {
			logger.Warn("failed to restart download", "download_key", key, "err", err)
		}
	}

	for _, key := range resumable {
		if _, err := m.Resume(ctx, key); err != nil {
			logger.Warn("failed to resume download", "download_key", key, "err", err)
		}
	}

	return nil
}

// Shutdown stops accepting starts and resumes, parks every active run as
// Paused and waits for the runs to exit or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true

	runs := make(map[string]*activeRun, len(m.runs))
	for key, r := range m.runs {
		runs[key] = r
	}
	m.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("stopping downloads", "active", len(runs))

	for key, r := range runs {
		rec, err := m.store.Update(ctx, key, func(rec *storage.DownloadRecord) error {
			if rec.RunID != r.id || rec.State != storage.StateInProgress {
				return errNotOwned
			}

			rec.State = storage.StatePaused
			rec.LastError = transfer.ErrShutdown.Error()

			return nil
		})
		if err == nil {
			m.bus.Publish(rec)
		}

		r.cancel(transfer.ErrShutdown)
	}

	done := make(chan error, 1)

	go func() {
		done <- m.group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("failed waiting for downloads to stop: %w", ctx.Err())
	}
}

func removePartial(logger *slog.Logger, path string) {
	partial := transfer.PartialPath(path)

	if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove partial file", "path", partial, "err", err)
	}
}

// Prune removes Completed records last changed before cutoff together with
// Cancelled records whose removal did not go through. Files are left alone.
func (m *Manager) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load downloads: %w", err)
	}

	pruned := 0

	for _, rec := range records {
		switch {
		case rec.State == storage.StateCompleted && rec.UpdatedAt.Before(cutoff):
		case rec.State == storage.StateCancelled:
		default:
			continue
		}

		if err := m.store.Remove(ctx, rec.Key); err != nil {
			return pruned, fmt.Errorf("failed to remove download %s: %w", rec.Key, err)
		}

		pruned++
	}

	return pruned, nil
}
