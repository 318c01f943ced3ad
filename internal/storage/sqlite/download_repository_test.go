package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/storagetest"
	"github.com/italolelis/download_manager/internal/telemetry"
)

func openRepository(t *testing.T, path string) *DownloadRepository {
	t.Helper()

	db, err := InitDB(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewDownloadRepository(db)
}

func TestDownloadRepository_Contract(t *testing.T) {
	storagetest.Run(t, openRepository(t, filepath.Join(t.TempDir(), "downloads.db")))
}

func TestInstrumentedDownloadRepository_Contract(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	repo := openRepository(t, filepath.Join(t.TempDir(), "downloads.db"))
	storagetest.Run(t, storage.NewInstrumentedStore(repo, tel))
}

func TestDownloadRepository_VersionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "downloads.db")

	repo := openRepository(t, path)

	saved, err := repo.Save(ctx, storage.DownloadRecord{Key: "a", URL: "u", Path: "p", State: storage.StateCreated})
	require.NoError(t, err)

	reopened := openRepository(t, path)

	next, err := reopened.Save(ctx, storage.DownloadRecord{Key: "b", URL: "u", Path: "p", State: storage.StateCreated})
	require.NoError(t, err)
	assert.Greater(t, next.Version, saved.Version)

	got, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got.ResumeToken)
	assert.Empty(t, got.RunID)
}

func TestInitDB_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database, just text padding it out"), 0644))

	repo := openRepository(t, path)

	all, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}
