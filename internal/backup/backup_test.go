package backup

import (
	"bytes"
	"context"
	"encoding/json/v2"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkeeper/shelfkeeper/internal/catalog"
	"github.com/shelfkeeper/shelfkeeper/internal/domain"
	"github.com/shelfkeeper/shelfkeeper/internal/errors"
)

func newTestService(t *testing.T) (*Service, *catalog.Catalog) {
	t.Helper()

	cat, err := catalog.Open(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return NewService(cat, nil), cat
}

func seedBook(t *testing.T, cat *catalog.Catalog, path string) *domain.Book {
	t.Helper()

	ctx := context.Background()
	book, err := cat.Upsert(ctx, &domain.Book{Path: path, Title: path, Duration: 3600})
	require.NoError(t, err)
	require.NoError(t, cat.Save(ctx))
	return book
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	book := seedBook(t, cat, "/library/a.m4b")
	require.NoError(t, cat.RecordProgress(ctx, book.ID, 1234))
	_, err := cat.AddBookmark(ctx, book.ID, 900, "great scene", "a note", time.Time{})
	require.NoError(t, err)
	require.NoError(t, cat.Save(ctx))

	var buf bytes.Buffer
	require.NoError(t, svc.Export(ctx, &buf))

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, DocumentVersion, doc.Version)
	require.Len(t, doc.Books, 1)
	assert.Equal(t, "/library/a.m4b", doc.Books[0].FilePath)
	assert.Equal(t, 1234.0, doc.Books[0].PlaybackPosition)
	require.Len(t, doc.Books[0].Bookmarks, 1)

	// Wipe progress, then restore from the document.
	require.NoError(t, cat.ResetProgress(ctx, book.ID))

	result, err := svc.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, result.BooksUpdated)
	assert.Zero(t, result.BookmarksCreated) // bookmark still present, suppressed
	assert.Zero(t, result.BooksNotFound)

	got, err := cat.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1234.0, got.PlaybackPosition)
	require.NotNil(t, got.LastPlayedAt)
}

func TestExportSortedByPath(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	seedBook(t, cat, "/library/c.m4b")
	seedBook(t, cat, "/library/a.m4b")

	var buf bytes.Buffer
	require.NoError(t, svc.Export(ctx, &buf))

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Books, 2)
	assert.Equal(t, "/library/a.m4b", doc.Books[0].FilePath)
	assert.Equal(t, "/library/c.m4b", doc.Books[1].FilePath)
}

func TestImportNeverCreatesBooks(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	doc := Document{
		ExportDate: time.Now(),
		Version:    DocumentVersion,
		Books: []BookEntry{
			{FilePath: "/library/missing.m4b", PlaybackPosition: 10},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	result, err := svc.Import(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, result.BooksNotFound)
	assert.Zero(t, result.BooksUpdated)
	assert.Equal(t, "0 books updated, 0 bookmarks created, 0 skipped, 1 not found", result.Summary())

	books, err := cat.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestImportSuppressesDuplicateBookmarks(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	book := seedBook(t, cat, "/library/a.m4b")
	_, err := cat.AddBookmark(ctx, book.ID, 900, "existing", "", time.Time{})
	require.NoError(t, err)
	require.NoError(t, cat.Save(ctx))

	doc := Document{
		Version: DocumentVersion,
		Books: []BookEntry{{
			FilePath: "/library/a.m4b",
			Bookmarks: []BookmarkEntry{
				{Timestamp: 900, Name: "same instant", CreatedDate: time.Now()},
				{Timestamp: 1200, Name: "fresh", CreatedDate: time.Now()},
				{Timestamp: 1200, Name: "repeated in document", CreatedDate: time.Now()},
			},
		}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	result, err := svc.Import(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, result.BookmarksCreated)

	bookmarks, err := cat.BookmarksFor(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, bookmarks, 2)
	assert.Equal(t, "existing", bookmarks[0].Name)
	assert.Equal(t, "fresh", bookmarks[1].Name)
}

func TestImportSkipsMalformedBookmarks(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	book := seedBook(t, cat, "/library/a.m4b")

	doc := Document{
		Version: DocumentVersion,
		Books: []BookEntry{{
			FilePath: "/library/a.m4b",
			Bookmarks: []BookmarkEntry{
				{Timestamp: 10, Name: "", CreatedDate: time.Now()},
				{Timestamp: -5, Name: "negative timestamp", CreatedDate: time.Now()},
				{Timestamp: 60, Name: "valid", CreatedDate: time.Now()},
			},
		}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	result, err := svc.Import(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, result.BookmarksCreated)
	assert.Equal(t, 2, result.BookmarksSkipped)

	bookmarks, err := cat.BookmarksFor(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, bookmarks, 1)
	assert.Equal(t, "valid", bookmarks[0].Name)
}

func TestImportPreservesCreatedDate(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	book := seedBook(t, cat, "/library/a.m4b")

	created := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	doc := Document{
		Version: DocumentVersion,
		Books: []BookEntry{{
			FilePath:  "/library/a.m4b",
			Bookmarks: []BookmarkEntry{{Timestamp: 60, Name: "old mark", CreatedDate: created}},
		}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = svc.Import(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	bookmarks, err := cat.BookmarksFor(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, bookmarks, 1)
	assert.True(t, bookmarks[0].CreatedAt.Equal(created))
}

func TestImportUnparseableDocumentMutatesNothing(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	book := seedBook(t, cat, "/library/a.m4b")
	require.NoError(t, cat.RecordProgress(ctx, book.ID, 500))

	_, err := svc.Import(ctx, strings.NewReader("{not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBackupFormat)

	got, err := cat.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.PlaybackPosition)
}

func TestImportOverwritesLocalProgress(t *testing.T) {
	ctx := context.Background()
	svc, cat := newTestService(t)

	book := seedBook(t, cat, "/library/a.m4b")
	require.NoError(t, cat.RecordProgress(ctx, book.ID, 3000))

	played := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := Document{
		Version: DocumentVersion,
		Books: []BookEntry{{
			FilePath:         "/library/a.m4b",
			PlaybackPosition: 120,
			LastPlayedDate:   &played,
			IsCompleted:      false,
		}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = svc.Import(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	got, err := cat.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 120.0, got.PlaybackPosition)
	require.NotNil(t, got.LastPlayedAt)
	assert.True(t, got.LastPlayedAt.Equal(played))
}
