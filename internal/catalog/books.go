package catalog

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/shelfkeeper/shelfkeeper/internal/domain"
	"github.com/shelfkeeper/shelfkeeper/internal/id"
)

// GetBook retrieves a committed book by ID.
func (c *Catalog) GetBook(ctx context.Context, bookID string) (*domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var book domain.Book
	err := c.get([]byte(bookPrefix+bookID), &book)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &book, nil
}

// FindByPath retrieves a committed book by its absolute file path.
func (c *Catalog) FindByPath(ctx context.Context, path string) (*domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var bookID string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(bookByPathPrefix + path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			bookID = string(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("get book by path: %w", err)
	}
	return c.GetBook(ctx, bookID)
}

// FindAll returns every committed book, sorted by path for deterministic output.
func (c *Catalog) FindAll(ctx context.Context) ([]*domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var books []*domain.Book
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(bookPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var book domain.Book
				if err := json.Unmarshal(val, &book); err != nil {
					return fmt.Errorf("unmarshal book: %w", err)
				}
				books = append(books, &book)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}

	sort.Slice(books, func(i, j int) bool {
		return books[i].Path < books[j].Path
	})
	return books, nil
}

// Upsert stages a create-or-update keyed by path.
//
// For a path already in the catalog (committed or staged) only the metadata
// fields are applied; identity, progress fields, and bookmarks are preserved.
// For a new path a fresh record is staged with zero progress. The staged
// record is returned; nothing is durable until Save.
func (c *Catalog) Upsert(ctx context.Context, incoming *domain.Book) (*domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if incoming.Path == "" {
		return nil, fmt.Errorf("upsert book: empty path")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Same path staged twice in one working set folds into one record.
	if stagedID, ok := c.ws.pathToID[incoming.Path]; ok {
		staged := c.ws.upserts[stagedID]
		staged.ApplyMetadata(incoming)
		return staged, nil
	}

	existing, err := c.FindByPath(ctx, incoming.Path)
	switch {
	case err == nil:
		existing.ApplyMetadata(incoming)
		c.ws.upserts[existing.ID] = existing
		c.ws.pathToID[existing.Path] = existing.ID
		return existing, nil

	case errors.Is(err, ErrBookNotFound):
		book := *incoming
		if book.ID == "" {
			bookID, err := id.Generate("book")
			if err != nil {
				return nil, fmt.Errorf("generate book ID: %w", err)
			}
			book.ID = bookID
		}
		book.InitTimestamps()
		book.PlaybackPosition = 0
		book.LastPlayedAt = nil
		book.IsCompleted = false
		c.ws.upserts[book.ID] = &book
		c.ws.pathToID[book.Path] = book.ID
		return &book, nil

	default:
		return nil, err
	}
}

// Delete stages removal of a book. Its bookmarks are cascaded at Save.
func (c *Catalog) Delete(ctx context.Context, book *domain.Book) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A record staged but never committed just drops out of the set.
	if stagedID, ok := c.ws.pathToID[book.Path]; ok && stagedID == book.ID {
		delete(c.ws.upserts, stagedID)
		delete(c.ws.pathToID, book.Path)
	}

	committed, err := c.GetBook(ctx, book.ID)
	if err != nil {
		if errors.Is(err, ErrBookNotFound) {
			return nil
		}
		return err
	}
	c.ws.deletes[committed.ID] = committed
	return nil
}

// SetProgress stages an authoritative overwrite of a book's progress fields.
// Used by backup import, where the document wins over local state.
func (c *Catalog) SetProgress(ctx context.Context, bookID string, position float64, lastPlayed *time.Time, completed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	book, err := c.stagedOrCommittedLocked(ctx, bookID)
	if err != nil {
		return err
	}

	if position < 0 {
		position = 0
	}
	if book.Duration > 0 && position > book.Duration {
		position = book.Duration
	}
	book.PlaybackPosition = position
	book.LastPlayedAt = lastPlayed
	book.IsCompleted = completed
	book.Touch()

	c.ws.upserts[book.ID] = book
	c.ws.pathToID[book.Path] = book.ID
	return nil
}

// RecordProgress writes the resume point for a book and commits immediately.
// This is the playback session's write path during active play.
func (c *Catalog) RecordProgress(ctx context.Context, bookID string, position float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	book, err := c.stagedOrCommittedLocked(ctx, bookID)
	if err != nil {
		return err
	}
	book.RecordPosition(position, time.Now())
	c.ws.upserts[book.ID] = book
	c.ws.pathToID[book.Path] = book.ID
	return c.saveLocked(ctx)
}

// MarkCompleted flags a book finished and commits immediately.
func (c *Catalog) MarkCompleted(ctx context.Context, bookID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	book, err := c.stagedOrCommittedLocked(ctx, bookID)
	if err != nil {
		return err
	}
	book.MarkCompleted()
	c.ws.upserts[book.ID] = book
	c.ws.pathToID[book.Path] = book.ID
	return c.saveLocked(ctx)
}

// ResetProgress returns a book to a never-played state and commits immediately.
func (c *Catalog) ResetProgress(ctx context.Context, bookID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	book, err := c.stagedOrCommittedLocked(ctx, bookID)
	if err != nil {
		return err
	}
	book.ResetProgress()
	c.ws.upserts[book.ID] = book
	c.ws.pathToID[book.Path] = book.ID
	return c.saveLocked(ctx)
}

// stagedOrCommittedLocked resolves a book ID against the working set first,
// then the committed state. Caller must hold c.mu.
func (c *Catalog) stagedOrCommittedLocked(ctx context.Context, bookID string) (*domain.Book, error) {
	if staged, ok := c.ws.upserts[bookID]; ok {
		return staged, nil
	}
	return c.GetBook(ctx, bookID)
}
