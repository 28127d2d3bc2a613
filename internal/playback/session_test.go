package playback

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkeeper/shelfkeeper/internal/catalog"
	"github.com/shelfkeeper/shelfkeeper/internal/domain"
	"github.com/shelfkeeper/shelfkeeper/internal/errors"
	"github.com/shelfkeeper/shelfkeeper/internal/media"
)

// fakeTransport is a scriptable stand-in for the audio engine.
type fakeTransport struct {
	position float64
	duration float64
	seeks    []float64
}

func (f *fakeTransport) CurrentTime() float64 { return f.position }
func (f *fakeTransport) Duration() float64    { return f.duration }
func (f *fakeTransport) Rate() float64        { return 1.0 }
func (f *fakeTransport) Seek(seconds float64) {
	f.position = seconds
	f.seeks = append(f.seeks, seconds)
}

// chapteredExtractor serves a fixed chapter table for any path.
type chapteredExtractor struct {
	chapters []media.Chapter
}

func (e chapteredExtractor) Extract(string) media.Metadata {
	return media.Metadata{Title: "Fixture", Chapters: e.chapters}
}

func (e chapteredExtractor) ExtractChapters(string) []media.Chapter { return e.chapters }

func threeChapters() []media.Chapter {
	return []media.Chapter{
		{Title: "One", Start: 0},
		{Title: "Two", Start: 600},
		{Title: "Three", Start: 1200},
	}
}

type sessionFixture struct {
	session   *Session
	catalog   *catalog.Catalog
	transport *fakeTransport
	book      *domain.Book
}

func newSessionFixture(t *testing.T, chapters []media.Chapter) *sessionFixture {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	book, err := cat.Upsert(ctx, &domain.Book{
		Path:        "/library/fixture.m4b",
		Title:       "Fixture",
		Duration:    1800,
		HasChapters: len(chapters) > 0,
	})
	require.NoError(t, err)
	require.NoError(t, cat.Save(ctx))

	transport := &fakeTransport{duration: 1800}
	session := NewSession(cat, chapteredExtractor{chapters: chapters}, transport, nil)
	require.NoError(t, session.Open(ctx, book))

	return &sessionFixture{session: session, catalog: cat, transport: transport, book: book}
}

func TestCurrentChapterLookup(t *testing.T) {
	f := newSessionFixture(t, threeChapters())

	tests := []struct {
		name string
		time float64
		want string
	}{
		{"inside first", 599, "One"},
		{"exactly on boundary", 600, "Two"},
		{"end of second", 1199, "Two"},
		{"start of last", 1200, "Three"},
		{"past the end", 9999, "Three"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := f.session.CurrentChapter(tt.time)
			require.NotNil(t, ch)
			assert.Equal(t, tt.want, ch.Title)
		})
	}
}

func TestCurrentChapterBeforeFirstStart(t *testing.T) {
	f := newSessionFixture(t, []media.Chapter{
		{Title: "Intro", Start: 10},
		{Title: "Body", Start: 500},
	})

	ch := f.session.CurrentChapter(5)
	require.NotNil(t, ch)
	assert.Equal(t, "Intro", ch.Title)
}

func TestCurrentChapterWithoutChapters(t *testing.T) {
	f := newSessionFixture(t, nil)
	assert.Nil(t, f.session.CurrentChapter(100))
}

func TestNextChapter(t *testing.T) {
	f := newSessionFixture(t, threeChapters())

	f.transport.position = 100
	f.session.NextChapter()
	assert.Equal(t, []float64{600}, f.transport.seeks)

	f.session.NextChapter()
	assert.Equal(t, []float64{600, 1200}, f.transport.seeks)

	// Last chapter: no-op.
	f.session.NextChapter()
	assert.Equal(t, []float64{600, 1200}, f.transport.seeks)
}

func TestPreviousChapterThreshold(t *testing.T) {
	f := newSessionFixture(t, threeChapters())

	// Strictly past the threshold: restart the current chapter.
	f.transport.position = 605
	f.session.PreviousChapter()
	assert.Equal(t, []float64{600}, f.transport.seeks)

	// At the threshold boundary: go one chapter back.
	f.transport.position = 604
	f.session.PreviousChapter()
	assert.Equal(t, []float64{600, 0}, f.transport.seeks)

	// At the first chapter near its start: no-op.
	f.transport.position = 2
	f.session.PreviousChapter()
	assert.Equal(t, []float64{600, 0}, f.transport.seeks)
}

func TestAddBookmarkRejectsEmptyName(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, threeChapters())

	_, err := f.session.AddBookmark(ctx, "", "a note")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)

	bookmarks, err := f.catalog.BookmarksFor(ctx, f.book.ID)
	require.NoError(t, err)
	assert.Empty(t, bookmarks)
}

func TestAddBookmarkPersistsAtLivePosition(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, threeChapters())

	f.transport.position = 750
	bm, err := f.session.AddBookmark(ctx, "tense moment", "chase begins")
	require.NoError(t, err)
	assert.Equal(t, 750.0, bm.Timestamp)

	// Persisted immediately, no explicit save needed.
	bookmarks, err := f.catalog.BookmarksFor(ctx, f.book.ID)
	require.NoError(t, err)
	require.Len(t, bookmarks, 1)
	assert.Equal(t, "tense moment", bookmarks[0].Name)

	assert.Len(t, f.session.Bookmarks(), 1)
}

func TestRecordProgressPersists(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, threeChapters())

	require.NoError(t, f.session.RecordProgress(ctx, 333))

	got, err := f.catalog.GetBook(ctx, f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, 333.0, got.PlaybackPosition)
	require.NotNil(t, got.LastPlayedAt)
}

func TestCloseRecordsFinalPosition(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, threeChapters())

	f.transport.position = 1500
	require.NoError(t, f.session.Close(ctx))
	assert.Nil(t, f.session.Book())

	got, err := f.catalog.GetBook(ctx, f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, got.PlaybackPosition)
}

func TestOpenWithoutChapterFlagSkipsExtraction(t *testing.T) {
	ctx := context.Background()

	cat, err := catalog.Open(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	book, err := cat.Upsert(ctx, &domain.Book{Path: "/library/flat.mp3", Title: "Flat", HasChapters: false})
	require.NoError(t, err)
	require.NoError(t, cat.Save(ctx))

	session := NewSession(cat, chapteredExtractor{chapters: threeChapters()}, &fakeTransport{}, nil)
	require.NoError(t, session.Open(ctx, book))
	assert.Empty(t, session.Chapters())
}
