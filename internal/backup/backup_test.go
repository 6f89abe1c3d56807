package backup_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/HerbHall/pnvantage/internal/backup"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/store"
	"github.com/HerbHall/pnvantage/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := registry.NewSQLStore(ctx, db)
	require.NoError(t, err)
	reg := registry.New(testutil.Logger(), registry.WithStore(st))
	_, err = reg.Add(ctx, testutil.NewDeviceSpec())
	require.NoError(t, err)
	return db
}

func TestArchiveAndRestore(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	db := seededStore(t, filepath.Join(src, "live.db"))
	cfg := filepath.Join(src, "pnvantage.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("server:\n  port: 9090\n"), 0o600))

	archive := filepath.Join(src, "backup.tar.gz")
	require.NoError(t, backup.Archive(ctx, db, cfg, archive))

	dst := t.TempDir()
	restored, err := backup.Restore(ctx, archive, dst, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{backup.DatabaseName, "pnvantage.yaml"}, restored)

	reopened, err := store.New(filepath.Join(dst, backup.DatabaseName))
	require.NoError(t, err)
	defer reopened.Close()
	st, err := registry.NewSQLStore(ctx, reopened)
	require.NoError(t, err)
	reg := registry.New(testutil.Logger(), registry.WithStore(st))
	require.NoError(t, reg.Load(ctx))
	snap, err := reg.Snapshot("water-rtu-01")
	require.NoError(t, err)
	assert.Equal(t, 4, snap.SlotCount)

	data, err := os.ReadFile(filepath.Join(dst, "pnvantage.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "9090")
}

func TestRestore_RefusesOverwriteWithoutForce(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	db := seededStore(t, filepath.Join(src, "live.db"))
	archive := filepath.Join(src, "backup.tar.gz")
	require.NoError(t, backup.Archive(ctx, db, "", archive))

	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, backup.DatabaseName), []byte("old"), 0o600))

	_, err := backup.Restore(ctx, archive, dst, false)
	require.ErrorIs(t, err, backup.ErrExists)

	restored, err := backup.Restore(ctx, archive, dst, true)
	require.NoError(t, err)
	assert.Equal(t, []string{backup.DatabaseName}, restored)
}

func TestRestore_FlattensEntryNames(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	f, err := os.Create(archive)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	body := []byte("x")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())

	dst := filepath.Join(dir, "out")
	restored, err := backup.Restore(context.Background(), archive, dst, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"escape.txt"}, restored)
	_, err = os.Stat(filepath.Join(dst, "escape.txt"))
	assert.NoError(t, err)
}

func TestRestore_MissingArchive(t *testing.T) {
	_, err := backup.Restore(context.Background(), filepath.Join(t.TempDir(), "none.tar.gz"), t.TempDir(), false)
	assert.Error(t, err)
}
