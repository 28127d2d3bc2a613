// Package scanner reconciles the catalog with the designated library folder.
package scanner

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shelfkeeper/shelfkeeper/internal/access"
	"github.com/shelfkeeper/shelfkeeper/internal/catalog"
	"github.com/shelfkeeper/shelfkeeper/internal/domain"
	"github.com/shelfkeeper/shelfkeeper/internal/errors"
	"github.com/shelfkeeper/shelfkeeper/internal/media"
)

// Scanner orchestrates the scan: snapshot the folder, snapshot the catalog,
// classify, extract metadata on workers, and commit one atomic save.
type Scanner struct {
	catalog   *catalog.Catalog
	extractor media.Extractor
	access    *access.Manager
	logger    *slog.Logger

	walker *Walker
	differ *Differ
}

// New creates a scanner.
func New(cat *catalog.Catalog, extractor media.Extractor, accessMgr *access.Manager, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scanner{
		catalog:   cat,
		extractor: extractor,
		access:    accessMgr,
		logger:    logger,
		walker:    NewWalker(logger),
		differ:    NewDiffer(logger),
	}
}

// ScanOptions configures a scan.
type ScanOptions struct {
	// Workers bounds parallel metadata extraction. Zero means NumCPU.
	Workers int
}

// Scan runs one full reconciliation pass.
//
// Folder access failure is fatal to this scan only; the catalog keeps its
// prior state. Per-file extraction failures are absorbed into the error
// counter. All catalog mutations land in one save, so a cancelled scan
// observes either everything or nothing.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	grant, err := s.access.Acquire()
	if err != nil {
		return nil, err
	}
	defer grant.Release()

	result := &ScanResult{StartedAt: time.Now()}

	files, err := s.walker.Walk(ctx, grant.Path())
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFolderAccess, "walk library folder")
	}

	existing, err := s.catalog.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	diff := s.differ.ComputeDiff(files, existing)
	result.Unchanged = diff.unchanged

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	updatedSet := make(map[string]bool, len(diff.updated))
	for _, f := range diff.updated {
		updatedSet[f.Path] = true
	}

	// Extraction parallelizes per file; everything after funnels back to
	// this goroutine, the catalog's single writer for the scan.
	books, extractErrs := s.extractAll(ctx, append(diff.added, diff.updated...), opts.Workers)
	result.Errors = extractErrs

	if err := ctx.Err(); err != nil {
		s.catalog.Discard()
		return nil, err
	}

	for _, book := range books {
		if _, err := s.catalog.Upsert(ctx, book); err != nil {
			s.catalog.Discard()
			return nil, err
		}
		if updatedSet[book.Path] {
			result.Updated++
			result.UpdatedPaths = append(result.UpdatedPaths, book.Path)
		} else {
			result.Added++
			result.AddedPaths = append(result.AddedPaths, book.Path)
		}
	}

	for _, book := range diff.removed {
		if err := s.catalog.Delete(ctx, book); err != nil {
			s.catalog.Discard()
			return nil, err
		}
		result.Removed++
		result.RemovedPaths = append(result.RemovedPaths, book.Path)
		s.logger.Info("book removed from catalog", "path", book.Path, "id", book.ID)
	}

	if err := s.catalog.Save(ctx); err != nil {
		s.catalog.Discard()
		return nil, err
	}

	sort.Strings(result.AddedPaths)
	sort.Strings(result.UpdatedPaths)
	sort.Strings(result.RemovedPaths)

	result.CompletedAt = time.Now()
	s.logger.Info("scan complete",
		"added", result.Added,
		"updated", result.Updated,
		"removed", result.Removed,
		"unchanged", result.Unchanged,
		"errors", result.Errors,
		"elapsed", result.CompletedAt.Sub(result.StartedAt),
	)
	return result, nil
}

type extractResult struct {
	book     *domain.Book
	degraded bool
}

// extractAll runs metadata extraction for the given files on a bounded
// worker pool and returns the resulting book candidates. Extraction never
// fails outright, so the error count is the number of files whose metadata
// degraded to the filename fallback.
func (s *Scanner) extractAll(ctx context.Context, files []fileEntry, workers int) ([]*domain.Book, int) {
	if len(files) == 0 {
		return nil, 0
	}
	if workers > len(files) {
		workers = len(files)
	}

	jobs := make(chan fileEntry)
	results := make(chan extractResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				results <- s.buildBook(f)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, f := range files {
			select {
			case jobs <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var books []*domain.Book
	degraded := 0
	for res := range results {
		books = append(books, res.book)
		if res.degraded {
			degraded++
		}
	}
	return books, degraded
}

// buildBook converts one file snapshot entry into a book candidate.
func (s *Scanner) buildBook(f fileEntry) extractResult {
	meta := s.extractor.Extract(f.Path)
	if meta.Degraded {
		s.logger.Warn("metadata degraded to filename fallback", "path", f.Path)
	}
	book := &domain.Book{
		Path:        f.Path,
		Title:       meta.Title,
		Author:      meta.Author,
		Genre:       meta.Genre,
		Year:        meta.Year,
		Duration:    meta.Duration,
		FileModTime: f.ModTime,
		HasChapters: len(meta.Chapters) > 0,
	}
	return extractResult{book: book, degraded: meta.Degraded}
}
