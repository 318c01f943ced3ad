// Package storagetest holds the behavioural checks every storage.Store
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/storage"
)

// Run exercises store against the storage.Store contract. The store must be
// empty when passed in.
func Run(t *testing.T, store storage.Store) {
	t.Helper()

	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		saved, err := store.Save(ctx, storage.DownloadRecord{
			Key:         "a",
			URL:         "http://example.com/a",
			Path:        "/tmp/a",
			State:       storage.StateCreated,
			ResumeToken: []byte(`{"etag":"x"}`),
		})
		require.NoError(t, err)
		assert.NotZero(t, saved.Version)
		assert.False(t, saved.CreatedAt.IsZero())

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "http://example.com/a", got.URL)
		assert.Equal(t, storage.StateCreated, got.State)
		assert.Equal(t, []byte(`{"etag":"x"}`), got.ResumeToken)
		assert.Equal(t, saved.Version, got.Version)
		assert.True(t, saved.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("returned records are copies", func(t *testing.T) {
		got, err := store.Get(ctx, "a")
		require.NoError(t, err)

		got.ResumeToken[0] = 'X'

		again, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, byte('{'), again.ResumeToken[0])
	})

	t.Run("update applies mutation and bumps version", func(t *testing.T) {
		before, err := store.Get(ctx, "a")
		require.NoError(t, err)

		updated, err := store.Update(ctx, "a", func(rec *storage.DownloadRecord) error {
			rec.State = storage.StateInProgress
			rec.SetBytes(500, 1000)

			return nil
		})
		require.NoError(t, err)
		assert.Greater(t, updated.Version, before.Version)
		assert.Equal(t, 50, updated.Progress)
		assert.True(t, before.CreatedAt.Equal(updated.CreatedAt))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, storage.StateInProgress, got.State)
		assert.Equal(t, int64(500), got.DownloadedBytes)
	})

	t.Run("update aborted by mutation leaves record untouched", func(t *testing.T) {
		before, err := store.Get(ctx, "a")
		require.NoError(t, err)

		guard := errors.New("guard failed")
		_, err = store.Update(ctx, "a", func(rec *storage.DownloadRecord) error {
			rec.State = storage.StateCompleted

			return guard
		})
		require.ErrorIs(t, err, guard)

		after, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("update missing key", func(t *testing.T) {
		_, err := store.Update(ctx, "missing", func(*storage.DownloadRecord) error { return nil })
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("get all is ordered by key", func(t *testing.T) {
		_, err := store.Save(ctx, storage.DownloadRecord{Key: "c", URL: "u", Path: "p", State: storage.StateCreated})
		require.NoError(t, err)
		_, err = store.Save(ctx, storage.DownloadRecord{Key: "b", URL: "u", Path: "p", State: storage.StateCreated})
		require.NoError(t, err)

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].Key, all[1].Key, all[2].Key})
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.Remove(ctx, "c"))
		require.NoError(t, store.Remove(ctx, "c"))

		_, err := store.Get(ctx, "c")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		_, err := store.Save(ctx, storage.DownloadRecord{Key: "counter", URL: "u", Path: "p", State: storage.StateCreated})
		require.NoError(t, err)

		const writers = 20

		var wg sync.WaitGroup
		for range writers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := store.Update(ctx, "counter", func(rec *storage.DownloadRecord) error {
					rec.DownloadedBytes++

					return nil
				})
				assert.NoError(t, err)
			}()
		}

		wg.Wait()

		got, err := store.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(writers), got.DownloadedBytes)
	})
}
