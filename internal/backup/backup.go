// Package backup exports and imports listening progress as a JSON document.
//
// The document carries progress and bookmarks only, keyed by file path. An
// import never creates books: entries whose path is not in the catalog are
// counted and skipped, so a backup from another machine degrades gracefully.
package backup

import (
	"context"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shelfkeeper/shelfkeeper/internal/catalog"
	"github.com/shelfkeeper/shelfkeeper/internal/domain"
	"github.com/shelfkeeper/shelfkeeper/internal/errors"
)

// DocumentVersion is the format version written on export.
const DocumentVersion = "1.0"

// Document is the top-level backup format.
type Document struct {
	ExportDate time.Time   `json:"exportDate"`
	Version    string      `json:"version"`
	Books      []BookEntry `json:"books"`
}

// BookEntry is one book's progress snapshot, keyed by file path.
type BookEntry struct {
	FilePath         string          `json:"filePath"`
	PlaybackPosition float64         `json:"playbackPosition"`
	LastPlayedDate   *time.Time      `json:"lastPlayedDate"`
	IsCompleted      bool            `json:"isCompleted"`
	Bookmarks        []BookmarkEntry `json:"bookmarks"`
}

// BookmarkEntry is one bookmark inside a BookEntry. A bookmark needs a name
// and a non-negative timestamp; entries failing that are skipped on import.
type BookmarkEntry struct {
	Timestamp   float64   `json:"timestamp"   validate:"gte=0"`
	Name        string    `json:"name"        validate:"required"`
	Note        *string   `json:"note"`
	CreatedDate time.Time `json:"createdDate"`
}

var validate = validator.New()

// ImportResult summarizes one import pass.
type ImportResult struct {
	BooksUpdated     int
	BookmarksCreated int
	BookmarksSkipped int
	BooksNotFound    int
}

// Summary renders the one-line human-readable outcome.
func (r *ImportResult) Summary() string {
	return fmt.Sprintf("%d books updated, %d bookmarks created, %d skipped, %d not found",
		r.BooksUpdated, r.BookmarksCreated, r.BookmarksSkipped, r.BooksNotFound)
}

// Service reads and writes backup documents against the catalog.
type Service struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewService creates a backup service.
func NewService(cat *catalog.Catalog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{catalog: cat, logger: logger}
}

// Export writes the whole catalog's progress as an indented JSON document.
// Books sort by path and bookmarks by timestamp so repeated exports diff
// cleanly.
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	books, err := s.catalog.FindAll(ctx)
	if err != nil {
		return err
	}

	doc := Document{
		ExportDate: time.Now().UTC(),
		Version:    DocumentVersion,
		Books:      make([]BookEntry, 0, len(books)),
	}

	for _, book := range books {
		bookmarks, err := s.catalog.BookmarksFor(ctx, book.ID)
		if err != nil {
			return err
		}
		doc.Books = append(doc.Books, newBookEntry(book, bookmarks))
	}
	sort.Slice(doc.Books, func(i, j int) bool {
		return doc.Books[i].FilePath < doc.Books[j].FilePath
	})

	if err := json.MarshalWrite(w, doc, jsontext.WithIndent("  ")); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode backup document")
	}

	s.logger.Info("backup exported", "books", len(doc.Books))
	return nil
}

// Import reads a backup document and overwrites matching books' progress.
//
// The document is authoritative for the books it names: positions, last
// played dates, and completion flags replace local state. Bookmarks merge
// additively with suppression of duplicates, where a duplicate is the same
// (book, timestamp) pair, whether against the catalog or an earlier entry
// of the same document. Everything lands in one atomic save; an unparseable
// document mutates nothing.
func (s *Service) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.UnmarshalRead(r, &doc); err != nil {
		return nil, errors.ErrBackupFormat.WithCause(err)
	}

	result := &ImportResult{}
	staged := make(map[string]map[float64]bool) // bookID -> staged bookmark timestamps

	for _, entry := range doc.Books {
		book, err := s.catalog.FindByPath(ctx, entry.FilePath)
		if err != nil {
			if errors.Is(err, catalog.ErrBookNotFound) {
				result.BooksNotFound++
				s.logger.Debug("backup entry has no matching book", "path", entry.FilePath)
				continue
			}
			s.catalog.Discard()
			return nil, err
		}

		if err := s.catalog.SetProgress(ctx, book.ID, entry.PlaybackPosition, entry.LastPlayedDate, entry.IsCompleted); err != nil {
			s.catalog.Discard()
			return nil, err
		}
		result.BooksUpdated++

		created, skipped, err := s.importBookmarks(ctx, book.ID, entry.Bookmarks, staged)
		if err != nil {
			s.catalog.Discard()
			return nil, err
		}
		result.BookmarksCreated += created
		result.BookmarksSkipped += skipped
	}

	if err := s.catalog.Save(ctx); err != nil {
		s.catalog.Discard()
		return nil, err
	}

	s.logger.Info("backup imported",
		"books_updated", result.BooksUpdated,
		"bookmarks_created", result.BookmarksCreated,
		"bookmarks_skipped", result.BookmarksSkipped,
		"books_not_found", result.BooksNotFound,
	)
	return result, nil
}

func (s *Service) importBookmarks(ctx context.Context, bookID string, entries []BookmarkEntry, staged map[string]map[float64]bool) (created, skipped int, err error) {
	existing, err := s.catalog.BookmarksFor(ctx, bookID)
	if err != nil {
		return 0, 0, err
	}

	seen := staged[bookID]
	if seen == nil {
		seen = make(map[float64]bool, len(existing)+len(entries))
		staged[bookID] = seen
	}
	for _, bm := range existing {
		seen[bm.Timestamp] = true
	}

	for _, entry := range entries {
		if err := validate.Struct(entry); err != nil {
			skipped++
			s.logger.Warn("skipping malformed bookmark entry",
				"book_id", bookID, "timestamp", entry.Timestamp, "error", err)
			continue
		}
		if seen[entry.Timestamp] {
			continue
		}
		seen[entry.Timestamp] = true

		note := ""
		if entry.Note != nil {
			note = *entry.Note
		}
		if _, err := s.catalog.AddBookmark(ctx, bookID, entry.Timestamp, entry.Name, note, entry.CreatedDate); err != nil {
			return 0, 0, err
		}
		created++
	}
	return created, skipped, nil
}

func newBookEntry(book *domain.Book, bookmarks []*domain.Bookmark) BookEntry {
	entry := BookEntry{
		FilePath:         book.Path,
		PlaybackPosition: book.PlaybackPosition,
		LastPlayedDate:   book.LastPlayedAt,
		IsCompleted:      book.IsCompleted,
		Bookmarks:        make([]BookmarkEntry, 0, len(bookmarks)),
	}

	for _, bm := range bookmarks {
		var note *string
		if bm.Note != "" {
			n := bm.Note
			note = &n
		}
		entry.Bookmarks = append(entry.Bookmarks, BookmarkEntry{
			Timestamp:   bm.Timestamp,
			Name:        bm.Name,
			Note:        note,
			CreatedDate: bm.CreatedAt,
		})
	}
	sort.Slice(entry.Bookmarks, func(i, j int) bool {
		return entry.Bookmarks[i].Timestamp < entry.Bookmarks[j].Timestamp
	})
	return entry
}
