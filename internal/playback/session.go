// Package playback maps a live transport position onto chapter-aware
// semantics for one open book at a time.
package playback

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shelfkeeper/shelfkeeper/internal/catalog"
	"github.com/shelfkeeper/shelfkeeper/internal/domain"
	"github.com/shelfkeeper/shelfkeeper/internal/errors"
	"github.com/shelfkeeper/shelfkeeper/internal/media"
)

// A tap of "previous" within this many seconds of a chapter start goes to
// the prior chapter; strictly past it, back to the current chapter's start.
const previousChapterThreshold = 4.0

var validate = validator.New()

// Transport is the read/write contract of the external audio engine.
type Transport interface {
	CurrentTime() float64
	Duration() float64
	Rate() float64
	Seek(seconds float64)
}

// Session tracks one open book. It is the sole writer of that book's
// progress fields while open, and is not safe for concurrent use; drive it
// from the single UI-owning goroutine.
type Session struct {
	catalog   *catalog.Catalog
	extractor media.Extractor
	transport Transport
	logger    *slog.Logger

	book      *domain.Book
	chapters  []media.Chapter
	bookmarks []*domain.Bookmark
}

// NewSession creates a session bound to a transport.
func NewSession(cat *catalog.Catalog, extractor media.Extractor, transport Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		catalog:   cat,
		extractor: extractor,
		transport: transport,
		logger:    logger,
	}
}

// Open loads the book's chapter table and bookmarks and begins tracking.
// Chapters are recomputed from the file on every open, never persisted.
func (s *Session) Open(ctx context.Context, book *domain.Book) error {
	s.book = book
	s.chapters = nil

	if book.HasChapters {
		s.chapters = s.extractor.ExtractChapters(book.Path)
	}

	bookmarks, err := s.catalog.BookmarksFor(ctx, book.ID)
	if err != nil {
		return err
	}
	sort.Slice(bookmarks, func(i, j int) bool {
		return bookmarks[i].Timestamp < bookmarks[j].Timestamp
	})
	s.bookmarks = bookmarks

	s.logger.Info("playback session opened",
		"book", book.ID,
		"title", book.Title,
		"chapters", len(s.chapters),
		"resume_at", book.PlaybackPosition,
	)
	return nil
}

// Book returns the open book, or nil when nothing is open.
func (s *Session) Book() *domain.Book { return s.book }

// Chapters returns the chapter table loaded at Open.
func (s *Session) Chapters() []media.Chapter { return s.chapters }

// Bookmarks returns the session's bookmark list, ascending by timestamp.
func (s *Session) Bookmarks() []*domain.Bookmark { return s.bookmarks }

// CurrentChapter returns the chapter whose start is the greatest value not
// exceeding t. Before the first chapter start it returns the first chapter;
// with no chapters it returns nil.
func (s *Session) CurrentChapter(t float64) *media.Chapter {
	idx := s.chapterIndex(t)
	if idx < 0 {
		return nil
	}
	return &s.chapters[idx]
}

// NextChapter seeks to the start of the following chapter. No-op on the
// last chapter or when the book has none.
func (s *Session) NextChapter() {
	idx := s.chapterIndex(s.transport.CurrentTime())
	if idx < 0 || idx+1 >= len(s.chapters) {
		return
	}
	s.transport.Seek(s.chapters[idx+1].Start)
}

// PreviousChapter seeks back with the conventional threshold: well past the
// current chapter's start it restarts that chapter, near the start it goes
// one chapter further back. No-op at the first chapter's start.
func (s *Session) PreviousChapter() {
	now := s.transport.CurrentTime()
	idx := s.chapterIndex(now)
	if idx < 0 {
		return
	}

	current := s.chapters[idx]
	if now > current.Start+previousChapterThreshold {
		s.transport.Seek(current.Start)
		return
	}
	if idx > 0 {
		s.transport.Seek(s.chapters[idx-1].Start)
	}
}

type bookmarkRequest struct {
	Name string `validate:"required"`
	Note string
}

// AddBookmark creates a bookmark at the current live position and persists
// it immediately. An empty name is rejected with no mutation.
func (s *Session) AddBookmark(ctx context.Context, name, note string) (*domain.Bookmark, error) {
	if s.book == nil {
		return nil, errors.NotFound("no book open")
	}
	if err := validate.Struct(bookmarkRequest{Name: name, Note: note}); err != nil {
		return nil, errors.Validation("bookmark name must not be empty").WithCause(err)
	}

	bm, err := s.catalog.AddBookmark(ctx, s.book.ID, s.transport.CurrentTime(), name, note, time.Time{})
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Save(ctx); err != nil {
		return nil, err
	}

	// Keep the session list current without a reload round-trip.
	s.bookmarks = append(s.bookmarks, bm)
	sort.Slice(s.bookmarks, func(i, j int) bool {
		return s.bookmarks[i].Timestamp < s.bookmarks[j].Timestamp
	})
	return bm, nil
}

// SeekToBookmark moves the transport to a bookmark's position.
func (s *Session) SeekToBookmark(bm *domain.Bookmark) {
	s.transport.Seek(bm.Timestamp)
}

// RecordProgress persists the given position as the book's resume point.
// This is the only path that advances progress during active playback.
func (s *Session) RecordProgress(ctx context.Context, t float64) error {
	if s.book == nil {
		return errors.NotFound("no book open")
	}
	if err := s.catalog.RecordProgress(ctx, s.book.ID, t); err != nil {
		return err
	}
	s.book.RecordPosition(t, time.Now())
	return nil
}

// Close records the final transport position and detaches the book.
func (s *Session) Close(ctx context.Context) error {
	if s.book == nil {
		return nil
	}
	if err := s.RecordProgress(ctx, s.transport.CurrentTime()); err != nil {
		return err
	}
	s.logger.Info("playback session closed", "book", s.book.ID)
	s.book = nil
	s.chapters = nil
	s.bookmarks = nil
	return nil
}

// chapterIndex finds the last chapter starting at or before t, 0 when t
// precedes every chapter, -1 when there are no chapters.
func (s *Session) chapterIndex(t float64) int {
	if len(s.chapters) == 0 {
		return -1
	}
	idx := sort.Search(len(s.chapters), func(i int) bool {
		return s.chapters[i].Start > t
	}) - 1
	if idx < 0 {
		return 0
	}
	return idx
}
