package storage

import (
	"context"
	"errors"
	"math"
	"time"
)

var ErrNotFound = errors.New("download record not found")

// State is the lifecycle state of a download.
type State string

const (
	// StatePending marks a key that has no record yet. It is never persisted.
	StatePending    State = "pending"
	StateCreated    State = "created"
	StateInProgress State = "in_progress"
	StatePaused     State = "paused"
	StateCancelled  State = "cancelled"
	StateCompleted  State = "completed"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further operation is allowed from s.
func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateCompleted
}

// DownloadRecord represents the persisted state of a single download.
type DownloadRecord struct {
	Key             string    `json:"key"`
	URL             string    `json:"url"`
	Path            string    `json:"path"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	Progress        int       `json:"progress"`
	State           State     `json:"state"`
	ResumeToken     []byte    `json:"resumeToken,omitempty"`
	RunID           string    `json:"runId,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	Version         uint64    `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Clone returns a copy of the record that shares no memory with r.
func (r DownloadRecord) Clone() DownloadRecord {
	if r.ResumeToken != nil {
		r.ResumeToken = append([]byte(nil), r.ResumeToken...)
	}

	return r
}

// SetBytes updates the byte counters and recomputes the progress percentage.
// A non-positive total keeps the last known progress.
func (r *DownloadRecord) SetBytes(downloaded, total int64) {
	r.DownloadedBytes = downloaded
	r.TotalBytes = total
	r.Progress = ComputeProgress(downloaded, total, r.Progress)
}

// ComputeProgress returns round(downloaded/total*100) clamped to [0,100],
// or fallback when the total size is unknown.
func ComputeProgress(downloaded, total int64, fallback int) int {
	if total <= 0 {
		return fallback
	}

	p := int(math.Round(float64(downloaded) * 100 / float64(total)))

	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// MutateFunc changes a record in place. Returning an error aborts the update.
type MutateFunc func(rec *DownloadRecord) error

// Store is the durable key to record mapping. Implementations serialize all
// writes and never expose a partially written record.
type Store interface {
	Save(ctx context.Context, rec DownloadRecord) (DownloadRecord, error)
	Get(ctx context.Context, key string) (DownloadRecord, error)
	GetAll(ctx context.Context) ([]DownloadRecord, error)
	Remove(ctx context.Context, key string) error
	// Update atomically loads the record for key, applies fn and persists the
	// result. ErrNotFound is returned when the key is absent.
	Update(ctx context.Context, key string, fn MutateFunc) (DownloadRecord, error)
}
