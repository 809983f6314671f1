package drive

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/btree"

	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/log"
)

// DefaultCacheCapacity bounds the number of concurrently open drive handles.
const DefaultCacheCapacity = 8

// OpenFunc opens the current generation store of a drive.
type OpenFunc func(ctx context.Context, driveID string) (*Store, error)

type cacheEntry struct {
	store    *Store
	lastUsed uint64
}

// Cache is a capacity-bounded LRU over open drive handles. Handles open
// lazily on first access and the least recently used handle is closed when
// the capacity would be exceeded. Backup and restore invalidate the handle
// explicitly so no handle is open while the database file is copied.
type Cache struct {
	mu sync.Mutex

	entries  *btree.Map[string, *cacheEntry]
	capacity int
	tick     uint64
	open     OpenFunc
	log      *log.Logger
}

func NewCache(capacity int, open OpenFunc, logger *log.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if logger == nil {
		logger = log.Discard()
	}

	return &Cache{
		entries:  btree.NewMap[string, *cacheEntry](0),
		capacity: capacity,
		open:     open,
		log:      logger,
	}
}

// Get returns the open handle for a drive, opening it on first access.
func (c *Cache) Get(ctx context.Context, driveID string) (*Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	if entry, ok := c.entries.Get(driveID); ok {
		entry.lastUsed = c.tick
		return entry.store, nil
	}

	if c.entries.Len() >= c.capacity {
		if err := c.evictOldest(); err != nil {
			return nil, err
		}
	}

	store, err := c.open(ctx, driveID)
	if err != nil {
		return nil, err
	}

	c.entries.Set(driveID, &cacheEntry{store: store, lastUsed: c.tick})
	c.log.Debug("opened drive handle %s (gen %d)", driveID, store.Generation())

	return store, nil
}

func (c *Cache) evictOldest() error {
	var oldestID string
	var oldest *cacheEntry

	c.entries.Scan(func(id string, entry *cacheEntry) bool {
		if oldest == nil || entry.lastUsed < oldest.lastUsed {
			oldestID, oldest = id, entry
		}
		return true
	})

	if oldest == nil {
		return nil
	}

	c.entries.Delete(oldestID)
	c.log.Debug("evicting drive handle %s", oldestID)

	if err := oldest.store.Close(); err != nil {
		return fmt.Errorf("%w: close evicted handle: %v", data.ErrIO, err)
	}

	return nil
}

// Invalidate closes and forgets the handle for a drive, if open. Required
// before any file-level copy of the drive database.
func (c *Cache) Invalidate(driveID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(driveID)
	if !ok {
		return nil
	}

	c.entries.Delete(driveID)
	return entry.store.Close()
}

// Len returns the number of currently open handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}

// Close closes every cached handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := &data.Errors{}
	c.entries.Scan(func(id string, entry *cacheEntry) bool {
		errs.Add(entry.store.Close())
		return true
	})
	c.entries.Clear()

	return errs.Errors()
}
