package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/progress"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	DefaultChunkSize           = 32 * 1024
	DefaultProgressLogInterval = 100 * 1024 * 1024

	// PartialSuffix is appended to the destination path while bytes are
	// still arriving. The file is renamed to its destination on completion.
	PartialSuffix = ".download"
)

// PartialPath returns where the in-flight bytes of path are kept.
func PartialPath(path string) string {
	return path + PartialSuffix
}

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeSuccess means the file is complete and the record Completed.
	OutcomeSuccess Outcome = "success"
	// OutcomeSuspended means the run stopped because the record was paused.
	OutcomeSuspended Outcome = "suspended"
	// OutcomeCancelled means the record was cancelled and the partial file deleted.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRetryable means a transport or I/O failure moved the record to
	// Paused with LastError set.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeAborted means the run lost ownership of the record and left it alone.
	OutcomeAborted Outcome = "aborted"
)

// errNotOwner aborts a guarded store update whose record no longer belongs
// to the run or is no longer in the expected state.
var errNotOwner = errors.New("record not owned by run")

// Publisher receives every record the engine persists.
type Publisher interface {
	Publish(rec storage.DownloadRecord)
}

// EngineConfig tunes an Engine. Zero values select the defaults.
type EngineConfig struct {
	ChunkSize           int
	ProgressLogInterval int64
	Telemetry           *telemetry.Telemetry
}

// Engine streams a download URL into its destination file, persisting
// progress after each chunk. It never keeps record state between chunks: the
// store is the only source of truth, and every write is guarded on the run id.
type Engine struct {
	store     storage.Store
	client    Client
	publisher Publisher
	telemetry *telemetry.Telemetry

	chunkSize   int
	logInterval int64
}

func NewEngine(store storage.Store, client Client, publisher Publisher, cfg EngineConfig) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	if cfg.ProgressLogInterval <= 0 {
		cfg.ProgressLogInterval = DefaultProgressLogInterval
	}

	return &Engine{
		store:       store,
		client:      client,
		publisher:   publisher,
		telemetry:   cfg.Telemetry,
		chunkSize:   cfg.ChunkSize,
		logInterval: cfg.ProgressLogInterval,
	}
}

// resumeToken is the persisted form of a record's ResumeToken.
type resumeToken struct {
	ETag string `json:"etag,omitempty"`
}

// EncodeResumeToken returns the token for etag, or nil when there is none.
func EncodeResumeToken(etag string) []byte {
	if etag == "" {
		return nil
	}

	data, _ := json.Marshal(resumeToken{ETag: etag})

	return data
}

// DecodeResumeToken returns the validator stored in token. Unknown or
// malformed tokens yield an empty string.
func DecodeResumeToken(token []byte) string {
	if len(token) == 0 {
		return ""
	}

	var rt resumeToken
	if err := json.Unmarshal(token, &rt); err != nil {
		return ""
	}

	return rt.ETag
}

// run carries the per-run values that never change once the run starts.
type run struct {
	key     string
	id      string
	url     string
	path    string
	partial string
	etag    string
	logger  *slog.Logger
}

// Run performs one transfer for key as run runID. The record must already be
// InProgress with RunID set to runID. Cancelling ctx interrupts blocking reads;
// the store decides what the interruption means.
func (e *Engine) Run(ctx context.Context, key, runID string) Outcome {
	return Outcome(e.telemetry.InstrumentRun(ctx, func(ctx context.Context) string {
		return string(e.run(ctx, key, runID))
	}))
}

func (e *Engine) run(ctx context.Context, key, runID string) Outcome {
	ctx, logger := logctx.WithDownloadKey(ctx, key)
	logger = logger.With("run_id", runID)

	// Store writes must land even after the run context is cancelled.
	wctx := context.WithoutCancel(ctx)

	rec, err := e.store.Get(wctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("download removed before run started")

			return OutcomeCancelled
		}

		logger.Error("failed to load download record", "err", err)

		return OutcomeAborted
	}

	r := &run{
		key:     key,
		id:      runID,
		url:     rec.URL,
		path:    rec.Path,
		partial: PartialPath(rec.Path),
		etag:    DecodeResumeToken(rec.ResumeToken),
		logger:  logger,
	}

	if rec.RunID != runID || rec.State != storage.StateInProgress {
		return e.interrupted(ctx, r)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), dirPerm); err != nil {
		return e.fail(ctx, r, &DirectoryError{DirectoryName: filepath.Dir(r.path), Reason: "cannot create directory", Err: err})
	}

	out, err := os.OpenFile(r.partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return e.fail(ctx, r, &DirectoryError{DirectoryName: r.partial, Reason: "cannot open destination", Err: err})
	}
	defer out.Close()

	info, err := out.Stat()
	if err != nil {
		return e.fail(ctx, r, fmt.Errorf("failed to stat destination: %w", err))
	}

	offset := info.Size()

	req := FetchRequest{URL: r.url, Offset: offset}
	if offset > 0 && r.etag != "" && !strings.HasPrefix(r.etag, "W/") {
		req.IfRange = r.etag
	}

	logger.Info("starting transfer", "offset", offset, "url", r.url)

	resp, err := e.client.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, r)
		}

		return e.fail(ctx, r, err)
	}
	defer resp.Body.Close()

	if resp.ETag != "" {
		r.etag = resp.ETag
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			logger.Info("server ignored range request, restarting from the beginning", "offset", offset)

			if err := out.Truncate(0); err != nil {
				return e.fail(ctx, r, fmt.Errorf("failed to truncate destination: %w", err))
			}

			offset = 0
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 && offset == rec.TotalBytes:
		// The previous run wrote every byte but stopped before completing.
		return e.complete(ctx, r, out, offset)
	default:
		return e.fail(ctx, r, &NetworkError{Operation: "fetch", StatusCode: resp.StatusCode, Message: resp.Status})
	}

	var total int64
	if resp.ContentLength >= 0 {
		total = resp.ContentLength + offset
	}

	begun, err := e.guardedUpdate(wctx, r, func(rec *storage.DownloadRecord) error {
		if rec.State != storage.StateInProgress {
			return errNotOwner
		}

		rec.ResumeToken = nil
		rec.LastError = ""
		rec.SetBytes(offset, total)

		return nil
	})
	if err != nil {
		return e.interrupted(ctx, r)
	}

	e.publisher.Publish(begun)

	body := progress.NewReader(resp.Body, offset, total, e.logInterval, progress.LogProgress(logger, r.url))
	buf := make([]byte, e.chunkSize)
	written := offset

	for {
		n, readErr := readChunk(body, buf)

		if n > 0 {
			if ctx.Err() != nil {
				return e.interrupted(ctx, r)
			}

			if outcome, stop := e.poll(wctx, r); stop {
				return outcome
			}

			// A pause can land while poll reads the record.
			if ctx.Err() != nil {
				return e.interrupted(ctx, r)
			}

			if _, err := out.Write(buf[:n]); err != nil {
				return e.fail(ctx, r, fmt.Errorf("failed to write destination: %w", err))
			}

			written += int64(n)
			e.telemetry.RecordBytes(int64(n))

			updated, err := e.guardedUpdate(wctx, r, func(rec *storage.DownloadRecord) error {
				// A concurrent pause keeps its state, but the byte count
				// still has to match the file.
				if rec.State != storage.StateInProgress && rec.State != storage.StatePaused {
					return errNotOwner
				}

				rec.SetBytes(written, total)

				return nil
			})
			if err != nil {
				return e.interrupted(ctx, r)
			}

			e.publisher.Publish(updated)
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, r)
			}

			return e.fail(ctx, r, &NetworkError{Operation: "read_body", Message: readErr.Error(), Err: readErr})
		}
	}

	if total > 0 && written < total {
		return e.fail(ctx, r, &NetworkError{
			Operation: "read_body",
			Message:   fmt.Sprintf("body ended at %d of %d bytes", written, total),
			Err:       io.ErrUnexpectedEOF,
		})
	}

	return e.complete(ctx, r, out, written)
}

// readChunk fills buf from r. It returns io.EOF only for a clean end of
// stream, which io.ReadFull cannot tell apart from a truncated body.
func readChunk(r io.Reader, buf []byte) (int, error) {
	var (
		n   int
		err error
	)

	for n < len(buf) && err == nil {
		var m int

		m, err = r.Read(buf[n:])
		n += m
	}

	return n, err
}

func (e *Engine) complete(ctx context.Context, r *run, out *os.File, written int64) Outcome {
	if err := out.Sync(); err != nil {
		return e.fail(ctx, r, fmt.Errorf("failed to flush destination: %w", err))
	}

	if err := out.Close(); err != nil {
		return e.fail(ctx, r, fmt.Errorf("failed to close destination: %w", err))
	}

	var renameErr error

	completed, err := e.guardedUpdate(context.WithoutCancel(ctx), r, func(rec *storage.DownloadRecord) error {
		if rec.State != storage.StateInProgress {
			return errNotOwner
		}

		// Renaming under the store lock keeps the file and the record in step:
		// a Completed record always has its file at Path.
		if renameErr = os.Rename(r.partial, r.path); renameErr != nil {
			return renameErr
		}

		rec.State = storage.StateCompleted
		rec.DownloadedBytes = written
		rec.TotalBytes = written
		rec.Progress = 100
		rec.ResumeToken = nil
		rec.LastError = ""

		return nil
	})

	switch {
	case renameErr != nil:
		return e.fail(ctx, r, &DirectoryError{DirectoryName: r.path, Reason: "cannot move completed file into place", Err: renameErr})
	case err != nil:
		return e.interrupted(ctx, r)
	}

	e.publisher.Publish(completed)
	r.logger.Info("download completed", "path", r.path, "size", humanize.Bytes(uint64(written)))

	return OutcomeSuccess
}

// fail degrades the record to Paused with the error recorded so it can be
// retried or resumed later.
func (e *Engine) fail(ctx context.Context, r *run, cause error) Outcome {
	paused, err := e.guardedUpdate(context.WithoutCancel(ctx), r, func(rec *storage.DownloadRecord) error {
		if rec.State != storage.StateInProgress {
			return errNotOwner
		}

		rec.State = storage.StatePaused
		rec.LastError = cause.Error()
		rec.ResumeToken = EncodeResumeToken(r.etag)

		return nil
	})
	if err != nil {
		return e.interrupted(ctx, r)
	}

	e.publisher.Publish(paused)
	r.logger.Warn("transfer failed, download paused", "err", cause)

	return OutcomeRetryable
}

// poll re-reads the record and reports whether the run must stop.
func (e *Engine) poll(ctx context.Context, r *run) (Outcome, bool) {
	rec, err := e.store.Get(ctx, r.key)
	if err == nil && rec.RunID == r.id && rec.State == storage.StateInProgress {
		return "", false
	}

	return e.settle(ctx, r, rec, err), true
}

// interrupted decides the outcome of a run that was stopped, either by its
// context or by a rejected write, from the authoritative record.
func (e *Engine) interrupted(ctx context.Context, r *run) Outcome {
	wctx := context.WithoutCancel(ctx)

	rec, err := e.store.Get(wctx, r.key)
	if err == nil && rec.RunID == r.id && rec.State == storage.StateInProgress {
		// Nobody changed the record, so the run was stopped from outside the
		// lifecycle (shutdown). Park it so it can be resumed.
		suspended, err := e.guardedUpdate(wctx, r, func(rec *storage.DownloadRecord) error {
			if rec.State != storage.StateInProgress {
				return errNotOwner
			}

			rec.State = storage.StatePaused
			rec.ResumeToken = EncodeResumeToken(r.etag)

			return nil
		})
		if err == nil {
			e.publisher.Publish(suspended)
			r.logger.Info("transfer interrupted, download paused", "cause", context.Cause(ctx))

			return OutcomeSuspended
		}

		rec, err = e.store.Get(wctx, r.key)
	}

	return e.settle(wctx, r, rec, err)
}

// settle maps a record that no longer allows the run to continue to an outcome.
func (e *Engine) settle(ctx context.Context, r *run, rec storage.DownloadRecord, err error) Outcome {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.removePartial(r)

		return OutcomeCancelled
	case err != nil:
		r.logger.Error("failed to read download record", "err", err)

		return OutcomeAborted
	case rec.RunID != r.id:
		r.logger.Debug("run no longer owns the download", "owner", rec.RunID)

		return OutcomeAborted
	case rec.State == storage.StatePaused:
		if token := EncodeResumeToken(r.etag); token != nil && rec.ResumeToken == nil {
			if updated, err := e.guardedUpdate(ctx, r, func(rec *storage.DownloadRecord) error {
				if rec.State != storage.StatePaused {
					return errNotOwner
				}

				rec.ResumeToken = token

				return nil
			}); err == nil {
				e.publisher.Publish(updated)
			}
		}

		r.logger.Info("transfer suspended", "downloaded", rec.DownloadedBytes)

		return OutcomeSuspended
	case rec.State == storage.StateCancelled:
		e.removePartial(r)

		return OutcomeCancelled
	default:
		return OutcomeAborted
	}
}

// guardedUpdate applies fn only while the record is still owned by the run.
func (e *Engine) guardedUpdate(ctx context.Context, r *run, fn storage.MutateFunc) (storage.DownloadRecord, error) {
	return e.store.Update(ctx, r.key, func(rec *storage.DownloadRecord) error {
		if rec.RunID != r.id {
			return errNotOwner
		}

		return fn(rec)
	})
}

func (e *Engine) removePartial(r *run) {
	if err := os.Remove(r.partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to remove partial file", "path", r.partial, "err", err)

		return
	}

	r.logger.Info("download cancelled, partial file removed")
}
