package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkeeper/shelfkeeper/internal/access"
	"github.com/shelfkeeper/shelfkeeper/internal/catalog"
	"github.com/shelfkeeper/shelfkeeper/internal/errors"
	"github.com/shelfkeeper/shelfkeeper/internal/media"
)

// stubExtractor derives everything from the path so tests need no real audio.
type stubExtractor struct{}

func (stubExtractor) Extract(path string) media.Metadata {
	name := filepath.Base(path)
	return media.Metadata{
		Title:    name[:len(name)-len(filepath.Ext(name))],
		Author:   "Stub Author",
		Duration: 100,
	}
}

func (stubExtractor) ExtractChapters(string) []media.Chapter { return nil }

// degradedExtractor reports every file as a filename-fallback read.
type degradedExtractor struct{ stubExtractor }

func (degradedExtractor) Extract(path string) media.Metadata {
	meta := stubExtractor{}.Extract(path)
	meta.Degraded = true
	return meta
}

type fixture struct {
	scanner *Scanner
	catalog *catalog.Catalog
	access  *access.Manager
	library string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	cat, err := catalog.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	library := t.TempDir()
	mgr, err := access.NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	_, err = mgr.Designate(library)
	require.NoError(t, err)

	return &fixture{
		scanner: New(cat, stubExtractor{}, mgr, logger),
		catalog: cat,
		access:  mgr,
		library: library,
	}
}

func (f *fixture) addFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.library, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	return path
}

func TestScanAddsNewFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFile(t, "a.m4b")
	f.addFile(t, "nested/b.mp3")
	f.addFile(t, "notes.txt") // ignored

	result, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Removed)
	assert.Equal(t, "2 added, 0 updated, 0 removed", result.Summary())

	books, err := f.catalog.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "a", books[0].Title)
	assert.Equal(t, "Stub Author", books[0].Author)
}

func TestScanIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFile(t, "a.m4b")
	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	result, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Removed)
	assert.Equal(t, 1, result.Unchanged)
}

func TestScanDetectsModifiedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.addFile(t, "a.m4b")
	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	result, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, []string{path}, result.UpdatedPaths)
}

func TestRescanPreservesProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.addFile(t, "a.m4b")
	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	book, err := f.catalog.FindByPath(ctx, path)
	require.NoError(t, err)
	require.NoError(t, f.catalog.RecordProgress(ctx, book.ID, 42))

	later := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	_, err = f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	got, err := f.catalog.FindByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, book.ID, got.ID)
	assert.Equal(t, 42.0, got.PlaybackPosition)
}

func TestScanRemovesMissingFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.addFile(t, "a.m4b")
	f.addFile(t, "b.m4b")
	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	result, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, []string{path}, result.RemovedPaths)

	books, err := f.catalog.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
}

func TestScanEmptyFolderRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.addFile(t, "a.m4b")
	b := f.addFile(t, "b.mp3")
	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(a))
	require.NoError(t, os.Remove(b))

	result, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Removed)

	books, err := f.catalog.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestScanFolderAccessFailureLeavesCatalogUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFile(t, "a.m4b")
	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(f.library))

	_, err = f.scanner.Scan(ctx, ScanOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFolderAccess)

	books, err := f.catalog.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
}

func TestScanCountsDegradedExtractions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.scanner = New(f.catalog, degradedExtractor{}, f.access, slog.New(slog.DiscardHandler))
	f.addFile(t, "a.m4b")
	f.addFile(t, "b.mp3")

	result, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added) // degraded files still catalog
	assert.Equal(t, 2, result.Errors)
}

func TestWalkUnreadableRootFails(t *testing.T) {
	w := NewWalker(slog.New(slog.DiscardHandler))

	entries, err := w.Walk(context.Background(), filepath.Join(t.TempDir(), "gone"))
	require.Error(t, err)
	assert.Empty(t, entries)
}

func TestScanCancelledContext(t *testing.T) {
	f := newFixture(t)

	f.addFile(t, "a.m4b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.Error(t, err)

	books, err := f.catalog.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books)
}
