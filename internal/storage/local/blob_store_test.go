package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/storage/local"
)

func TestNewValidatesBaseDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name    string
		baseDir string
		wantErr bool
	}{
		{name: "existing", baseDir: t.TempDir()},
		{name: "created on demand", baseDir: filepath.Join(t.TempDir(), "snapshots", "site")},
		{name: "blank", baseDir: "  ", wantErr: true},
		{name: "file", baseDir: file, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, err := local.New(local.Config{BaseDir: tt.baseDir})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, store)
			require.DirExists(t, tt.baseDir)
		})
	}
}

func TestNewRejectsReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	// #nosec G302 -- read-only directory is the case under test.
	require.NoError(t, os.Chmod(dir, 0o500))
	// #nosec G302 -- restore so TempDir cleanup succeeds.
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	_, err := local.New(local.Config{BaseDir: dir})
	require.Error(t, err)
}

func TestSnapshotLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()
	const path = "example.com/about/page.html"

	_, err = store.GetObject(ctx, path)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	uri, err := store.PutObject(ctx, path, "text/html", []byte("<p>v1</p>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, path), uri)

	_, err = store.PutObject(ctx, path, "text/html", []byte("<p>v2</p>"))
	require.NoError(t, err)
	got, err := store.GetObject(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "<p>v2</p>", string(got))
	require.NoFileExists(t, filepath.Join(dir, path+".tmp"))

	require.NoError(t, store.DeleteObject(ctx, path))
	require.NoError(t, store.DeleteObject(ctx, path), "deleting twice is not an error")
	_, err = store.GetObject(ctx, path)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRejectsPathsOutsideBaseDir(t *testing.T) {
	t.Parallel()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{"", "../escape.html", "a/../../etc/passwd"} {
		_, err := store.PutObject(ctx, path, "text/html", []byte("x"))
		require.Error(t, err, path)
		_, err = store.GetObject(ctx, path)
		require.Error(t, err, path)
		require.Error(t, store.DeleteObject(ctx, path), path)
	}
}
