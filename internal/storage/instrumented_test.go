package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/jsonfile"
	"github.com/italolelis/download_manager/internal/storage/storagetest"
	"github.com/italolelis/download_manager/internal/telemetry"
)

func newInstrumentedJSONStore(t *testing.T) *storage.InstrumentedStore {
	t.Helper()

	ctx := context.Background()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	store, err := jsonfile.Open(ctx, filepath.Join(t.TempDir(), "downloads.json"))
	require.NoError(t, err)

	return storage.NewInstrumentedStore(store, tel)
}

func TestInstrumentedStore_Contract(t *testing.T) {
	storagetest.Run(t, newInstrumentedJSONStore(t))
}

func TestInstrumentedStore_KeepsErrors(t *testing.T) {
	ctx := context.Background()
	store := newInstrumentedJSONStore(t)

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Save(ctx, storage.DownloadRecord{Key: "k", State: storage.StateCreated})
	require.NoError(t, err)

	errAbort := errors.New("abort")

	_, err = store.Update(ctx, "k", func(*storage.DownloadRecord) error { return errAbort })
	require.ErrorIs(t, err, errAbort)

	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, storage.StateCreated, rec.State)
}

func TestInstrumentedStore_NilTelemetry(t *testing.T) {
	ctx := context.Background()

	base, err := jsonfile.Open(ctx, filepath.Join(t.TempDir(), "downloads.json"))
	require.NoError(t, err)

	store := storage.NewInstrumentedStore(base, nil)

	saved, err := store.Save(ctx, storage.DownloadRecord{Key: "k", State: storage.StateCreated})
	require.NoError(t, err)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, saved.Version, all[0].Version)

	require.NoError(t, store.Remove(ctx, "k"))

	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
