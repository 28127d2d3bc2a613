package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/shelfkeeper/shelfkeeper/internal/domain"
	"github.com/shelfkeeper/shelfkeeper/internal/id"
)

// AddBookmark stages a new bookmark on a book. The book must exist, staged
// or committed. A zero createdAt means "now"; backup import passes the
// original creation time through instead.
func (c *Catalog) AddBookmark(ctx context.Context, bookID string, timestamp float64, name, note string, createdAt time.Time) (*domain.Bookmark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.stagedOrCommittedLocked(ctx, bookID); err != nil {
		return nil, err
	}

	bmID, err := id.Generate("bmk")
	if err != nil {
		return nil, fmt.Errorf("generate bookmark ID: %w", err)
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	bm := &domain.Bookmark{
		Record: domain.Record{
			ID:        bmID,
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		},
		BookID:    bookID,
		Timestamp: timestamp,
		Name:      name,
		Note:      note,
	}
	c.ws.bookmarkAdds[bm.ID] = bm
	return bm, nil
}

// DeleteBookmark stages removal of a bookmark by ID.
func (c *Catalog) DeleteBookmark(ctx context.Context, bookmarkID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Staged-but-uncommitted bookmarks just drop out of the set.
	if bm, ok := c.ws.bookmarkAdds[bookmarkID]; ok {
		delete(c.ws.bookmarkAdds, bm.ID)
		return nil
	}

	var bm domain.Bookmark
	err := c.get([]byte(bookmarkPrefix+bookmarkID), &bm)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBookmarkNotFound
		}
		return fmt.Errorf("get bookmark: %w", err)
	}
	c.ws.bookmarkDeletes[bm.ID] = &bm
	return nil
}

// BookmarksFor returns a book's committed bookmarks sorted by timestamp.
func (c *Catalog) BookmarksFor(ctx context.Context, bookID string) ([]*domain.Bookmark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var bookmarkIDs []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(bookmarkByBookPrefix + bookID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				bookmarkIDs = append(bookmarkIDs, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bookmark index: %w", err)
	}

	bookmarks := make([]*domain.Bookmark, 0, len(bookmarkIDs))
	for _, bmID := range bookmarkIDs {
		var bm domain.Bookmark
		if err := c.get([]byte(bookmarkPrefix+bmID), &bm); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get bookmark: %w", err)
		}
		bookmarks = append(bookmarks, &bm)
	}

	sort.Slice(bookmarks, func(i, j int) bool {
		return bookmarks[i].Timestamp < bookmarks[j].Timestamp
	})
	return bookmarks, nil
}
