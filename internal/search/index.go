// Package search maintains a Bleve full-text index over the catalog.
//
// The index is a derived view: it is rebuilt from the catalog whenever the
// mapping changes or the on-disk index is unusable, so losing it never loses
// data.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/shelfkeeper/shelfkeeper/internal/domain"
)

// mappingVersion triggers an automatic rebuild on startup when the on-disk
// index was built with a different mapping.
const mappingVersion = "1"

// document is the indexed shape of a book.
type document struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Genre  string `json:"genre"`
	Path   string `json:"path"`
	Year   int    `json:"year"`
}

// Hit is one search result.
type Hit struct {
	ID     string
	Title  string
	Author string
	Path   string
	Score  float64
}

// Index wraps a Bleve index with catalog-specific operations. Safe for
// concurrent use; the mutex guards the index swap during rebuild.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	logger *slog.Logger

	// NeedsRebuild reports whether the index was recreated empty at open
	// and should be refilled from the catalog.
	NeedsRebuild bool
}

// Open opens or creates the search index under dataPath.
func Open(dataPath string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	indexPath := filepath.Join(dataPath, "search.bleve")
	versionPath := filepath.Join(dataPath, "search.version")

	var idx bleve.Index
	needsRebuild := false

	if _, err := os.Stat(indexPath); err == nil {
		version, readErr := os.ReadFile(versionPath)
		if readErr != nil || string(version) != mappingVersion {
			logger.Info("search index mapping outdated, rebuilding", "version", mappingVersion)
			needsRebuild = true
		} else {
			idx, err = bleve.Open(indexPath)
			if err != nil {
				logger.Warn("failed to open search index, recreating", "error", err)
				needsRebuild = true
			}
		}
	}

	if idx == nil {
		if err := os.RemoveAll(indexPath); err != nil {
			return nil, fmt.Errorf("remove old search index: %w", err)
		}
		var err error
		idx, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create search index: %w", err)
		}
		if err := os.WriteFile(versionPath, []byte(mappingVersion), 0o644); err != nil {
			return nil, fmt.Errorf("write search index version: %w", err)
		}
	}

	return &Index{index: idx, logger: logger, NeedsRebuild: needsRebuild}, nil
}

// Close releases the index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Close()
}

// IndexBook adds or replaces a book document.
func (i *Index) IndexBook(book *domain.Book) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.index.Index(book.ID, document{
		Title:  book.Title,
		Author: book.Author,
		Genre:  book.Genre,
		Path:   book.Path,
		Year:   book.Year,
	})
}

// DeleteBook removes a book document.
func (i *Index) DeleteBook(bookID string) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.index.Delete(bookID)
}

// Rebuild reindexes the given books in one batch, replacing prior contents.
func (i *Index) Rebuild(ctx context.Context, books []*domain.Book) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.index.NewBatch()
	for _, book := range books {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batch.Index(book.ID, document{
			Title:  book.Title,
			Author: book.Author,
			Genre:  book.Genre,
			Path:   book.Path,
			Year:   book.Year,
		}); err != nil {
			return fmt.Errorf("batch index book %s: %w", book.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("apply index batch: %w", err)
	}

	i.NeedsRebuild = false
	i.logger.Info("search index rebuilt", "books", len(books))
	return nil
}

// Search runs a fuzzy-tolerant match query over title, author, and genre.
func (i *Index) Search(ctx context.Context, queryString string, limit int) ([]Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	q := bleve.NewMatchQuery(queryString)
	q.SetFuzziness(1)

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"title", "author", "path"}

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["author"].(string); ok {
			hit.Author = v
		}
		if v, ok := h.Fields["path"].(string); ok {
			hit.Path = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
