// Package catalog is the durable book catalog backed by Badger.
//
// All mutations are staged in an in-memory working set and become durable
// only at Save, which applies the whole set in one transaction. Readers
// always observe the last saved state; a working set is private to the
// writer that staged it. Writers serialize through the catalog's single
// mutex, so concurrent components degrade to last-write-wins at Save
// granularity.
package catalog

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/shelfkeeper/shelfkeeper/internal/domain"
)

const (
	bookPrefix           = "book:"
	bookByPathPrefix     = "idx:books:path:"
	bookmarkPrefix       = "bmk:"
	bookmarkByBookPrefix = "idx:bookmarks:book:"
)

var (
	ErrBookNotFound     = errors.New("book not found")
	ErrBookmarkNotFound = errors.New("bookmark not found")
)

// SearchIndexer is the interface for keeping a search index in sync with
// catalog commits. The catalog calls it after a successful Save; indexing
// failures are logged, never propagated, since search is a derived view.
type SearchIndexer interface {
	IndexBook(book *domain.Book) error
	DeleteBook(bookID string) error
}

// NoopIndexer is a no-op implementation of SearchIndexer for testing.
type NoopIndexer struct{}

// IndexBook implements SearchIndexer.IndexBook as a no-op.
func (NoopIndexer) IndexBook(*domain.Book) error { return nil }

// DeleteBook implements SearchIndexer.DeleteBook as a no-op.
func (NoopIndexer) DeleteBook(string) error { return nil }

// workingSet holds staged, uncommitted mutations.
type workingSet struct {
	upserts         map[string]*domain.Book     // by book ID
	pathToID        map[string]string           // staged path -> staged book ID
	deletes         map[string]*domain.Book     // by book ID
	bookmarkAdds    map[string]*domain.Bookmark // by bookmark ID
	bookmarkDeletes map[string]*domain.Bookmark // by bookmark ID
}

func newWorkingSet() *workingSet {
	return &workingSet{
		upserts:         make(map[string]*domain.Book),
		pathToID:        make(map[string]string),
		deletes:         make(map[string]*domain.Book),
		bookmarkAdds:    make(map[string]*domain.Bookmark),
		bookmarkDeletes: make(map[string]*domain.Bookmark),
	}
}

func (ws *workingSet) empty() bool {
	return len(ws.upserts) == 0 && len(ws.deletes) == 0 &&
		len(ws.bookmarkAdds) == 0 && len(ws.bookmarkDeletes) == 0
}

// Catalog wraps a Badger database instance plus the staged working set.
type Catalog struct {
	db     *badger.DB
	logger *slog.Logger

	// Search indexer for keeping search in sync with catalog commits.
	// Set via SetSearchIndexer after catalog creation; nil means no indexing.
	indexer SearchIndexer

	mu sync.Mutex
	ws *workingSet
}

// Open opens (or creates) the catalog database at the given path.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil            // Disable Badger's internal logging
	opts.SyncWrites = true       // Ensure writes are synced to disk to prevent corruption on crashes
	opts.CompactL0OnClose = true // Compact L0 tables on close for faster startup

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Catalog{
		db:     db,
		logger: logger,
		ws:     newWorkingSet(),
	}

	logger.Info("catalog opened", "path", path)
	return c, nil
}

// Close gracefully closes the database connection.
// Staged, unsaved mutations are dropped.
func (c *Catalog) Close() error {
	c.logger.Info("closing catalog")
	return c.db.Close()
}

// SetSearchIndexer sets the search indexer for keeping search in sync.
func (c *Catalog) SetSearchIndexer(indexer SearchIndexer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexer = indexer
}

// Discard drops all staged mutations without committing them.
func (c *Catalog) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = newWorkingSet()
}

// Save atomically commits every staged mutation in one transaction.
// On failure the working set is kept so the caller can decide between
// retrying and Discard; the committed state is untouched either way.
func (c *Catalog) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx)
}

func (c *Catalog) saveLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ws.empty() {
		return nil
	}

	ws := c.ws
	err := c.db.Update(func(txn *badger.Txn) error {
		// Deletes first: a path freed here may be reused by an upsert.
		for _, book := range ws.deletes {
			if err := deleteBookTxn(txn, book); err != nil {
				return err
			}
		}

		for _, book := range ws.upserts {
			data, err := json.Marshal(book)
			if err != nil {
				return fmt.Errorf("marshal book %s: %w", book.ID, err)
			}
			if err := txn.Set([]byte(bookPrefix+book.ID), data); err != nil {
				return err
			}
			if err := txn.Set([]byte(bookByPathPrefix+book.Path), []byte(book.ID)); err != nil {
				return err
			}
		}

		for _, bm := range ws.bookmarkDeletes {
			if err := txn.Delete([]byte(bookmarkPrefix + bm.ID)); err != nil {
				return err
			}
			if err := txn.Delete([]byte(bookmarkIndexKey(bm.BookID, bm.ID))); err != nil {
				return err
			}
		}

		for _, bm := range ws.bookmarkAdds {
			data, err := json.Marshal(bm)
			if err != nil {
				return fmt.Errorf("marshal bookmark %s: %w", bm.ID, err)
			}
			if err := txn.Set([]byte(bookmarkPrefix+bm.ID), data); err != nil {
				return err
			}
			if err := txn.Set([]byte(bookmarkIndexKey(bm.BookID, bm.ID)), []byte(bm.ID)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("commit catalog: %w", err)
	}

	c.logger.Info("catalog saved",
		"books_upserted", len(ws.upserts),
		"books_deleted", len(ws.deletes),
		"bookmarks_added", len(ws.bookmarkAdds),
		"bookmarks_deleted", len(ws.bookmarkDeletes),
	)

	c.notifyIndexer(ws)
	c.ws = newWorkingSet()
	return nil
}

// notifyIndexer pushes committed changes to the search indexer.
// Best-effort: the index is rebuildable, so failures only log.
func (c *Catalog) notifyIndexer(ws *workingSet) {
	if c.indexer == nil {
		return
	}
	for _, book := range ws.deletes {
		if err := c.indexer.DeleteBook(book.ID); err != nil {
			c.logger.Warn("failed to remove book from search index", "id", book.ID, "error", err)
		}
	}
	for _, book := range ws.upserts {
		if err := c.indexer.IndexBook(book); err != nil {
			c.logger.Warn("failed to index book", "id", book.ID, "error", err)
		}
	}
}

// deleteBookTxn removes a book, its path index entry, and all of its
// bookmarks inside the given transaction.
func deleteBookTxn(txn *badger.Txn, book *domain.Book) error {
	if err := txn.Delete([]byte(bookPrefix + book.ID)); err != nil {
		return err
	}
	if err := txn.Delete([]byte(bookByPathPrefix + book.Path)); err != nil {
		return err
	}

	// Cascade: bookmarks have no lifecycle of their own.
	prefix := []byte(bookmarkByBookPrefix + book.ID + ":")
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})

	var bookmarkIDs []string
	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			bookmarkIDs = append(bookmarkIDs, string(val))
			return nil
		})
		if err != nil {
			it.Close()
			return err
		}
	}
	it.Close()

	for _, bmID := range bookmarkIDs {
		if err := txn.Delete([]byte(bookmarkPrefix + bmID)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(bookmarkIndexKey(book.ID, bmID))); err != nil {
			return err
		}
	}
	return nil
}

func bookmarkIndexKey(bookID, bookmarkID string) string {
	return bookmarkByBookPrefix + bookID + ":" + bookmarkID
}

// get retrieves a value by key from the committed state.
func (c *Catalog) get(key []byte, dest any) error {
	return c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dest)
		})
	})
}
