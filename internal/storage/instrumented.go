package storage

import (
	"context"

	"github.com/italolelis/download_manager/internal/telemetry"
)

// InstrumentedStore wraps a Store with telemetry.
type InstrumentedStore struct {
	store     Store
	telemetry *telemetry.Telemetry
}

var _ Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore creates a new instrumented store around any backend.
func NewInstrumentedStore(store Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
	}
}

func (s *InstrumentedStore) Save(ctx context.Context, rec DownloadRecord) (DownloadRecord, error) {
	var result DownloadRecord

	err := s.telemetry.InstrumentDBOperation(ctx, "save_download", func(ctx context.Context) error {
		var err error
		result, err = s.store.Save(ctx, rec)

		return err
	})

	return result, err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (DownloadRecord, error) {
	var result DownloadRecord

	err := s.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = s.store.Get(ctx, key)

		return err
	})

	return result, err
}

func (s *InstrumentedStore) GetAll(ctx context.Context) ([]DownloadRecord, error) {
	var result []DownloadRecord

	err := s.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = s.store.GetAll(ctx)

		return err
	})

	return result, err
}

func (s *InstrumentedStore) Remove(ctx context.Context, key string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "remove_download", func(ctx context.Context) error {
		return s.store.Remove(ctx, key)
	})
}

// Update instruments the whole read-modify-write. An error returned by fn is
// passed through unchanged so callers can still match it.
func (s *InstrumentedStore) Update(ctx context.Context, key string, fn MutateFunc) (DownloadRecord, error) {
	var result DownloadRecord

	err := s.telemetry.InstrumentDBOperation(ctx, "update_download", func(ctx context.Context) error {
		var err error
		result, err = s.store.Update(ctx, key, fn)

		return err
	})

	return result, err
}
