// Package localcache is the durable on-device fallback store. Entries are
// namespaced by collection and user, carry their own expiry, and survive
// restarts; it is consulted whenever the remote store is unreachable.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTTL is applied to entries saved without an explicit expiry.
const DefaultTTL = 30 * 24 * time.Hour

const localIDPrefix = "local-"

var ErrNotFound = errors.New("localcache: entry not found")

// Item is a single cached record. Reserved keys: "id", "createdAt",
// "updatedAt", "expiresAt"; everything else is collection-specific.
type Item = map[string]any

// Cache stores JSON-encoded items in badger under collection/userID/id keys.
type Cache struct {
	db    *badger.DB
	log   zerolog.Logger
	ttl   time.Duration
	now   func() time.Time
	idGen func(now time.Time) string
}

// Open creates or reopens the cache at dir.
func Open(dir string, log zerolog.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localcache: open %s: %w", dir, err)
	}
	return &Cache{
		db:  db,
		log: log,
		ttl: DefaultTTL,
		now: time.Now,
		idGen: func(now time.Time) string {
			return localIDPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()[:8]
		},
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// WithClock overrides the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// WithDefaultTTL overrides the expiry applied by Save.
func (c *Cache) WithDefaultTTL(ttl time.Duration) *Cache {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// IsLocalID reports whether id was synthesized by this cache, meaning the
// record has not yet been confirmed by the remote store.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Save stores item with the default expiry. If an entry with the same id
// already exists the new fields are merged over it and updatedAt is
// refreshed; otherwise a new entry is appended, with a synthetic id when the
// item carries none.
func (c *Cache) Save(collection, userID string, item Item) (Item, error) {
	return c.SaveTTL(collection, userID, item, c.ttl)
}

// SaveTTL is Save with an explicit time-to-live. A non-positive ttl produces
// an entry that is already expired and will be pruned on the next GetAll.
func (c *Cache) SaveTTL(collection, userID string, item Item, ttl time.Duration) (Item, error) {
	now := c.now()

	id, _ := item["id"].(string)
	if id == "" {
		id = c.idGen(now)
	}

	stored := Item{}
	if existing, err := c.GetByID(collection, userID, id); err == nil {
		stored = existing
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	fresh := len(stored) == 0
	for k, v := range item {
		stored[k] = v
	}
	stored["id"] = id
	if fresh {
		stored["createdAt"] = now.Format(time.RFC3339Nano)
		stored["expiresAt"] = now.Add(ttl).Format(time.RFC3339Nano)
	}
	stored["updatedAt"] = now.Format(time.RFC3339Nano)

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("localcache: marshal entry: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(collection, userID, id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("localcache: save entry: %w", err)
	}
	return stored, nil
}

// GetAll returns the live entries for (collection, userID). Expired entries
// are pruned from the store as a side effect; corrupt entries are logged and
// skipped, never fatal.
func (c *Cache) GetAll(collection, userID string) ([]Item, error) {
	now := c.now()
	prefix := []byte(collection + "/" + userID + "/")

	var (
		live    []Item
		expired [][]byte
	)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			entry := it.Item()
			var item Item
			if err := entry.Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				c.log.Warn().Err(err).Str("key", string(entry.Key())).
					Msg("skipping corrupt cache entry")
				continue
			}
			if isExpired(item, now) {
				expired = append(expired, entry.KeyCopy(nil))
				continue
			}
			live = append(live, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localcache: scan %s: %w", collection, err)
	}

	if len(expired) > 0 {
		err := c.db.Update(func(txn *badger.Txn) error {
			for _, k := range expired {
				if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
			}
			return nil
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("pruning expired cache entries failed")
		}
	}

	return live, nil
}

// GetByID returns a single entry, expired or not.
func (c *Cache) GetByID(collection, userID, id string) (Item, error) {
	var item Item
	err := c.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(key(collection, userID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("localcache: get entry: %w", err)
	}
	return item, nil
}

// Update merges changes over an existing entry and refreshes updatedAt.
func (c *Cache) Update(collection, userID, id string, changes Item) (Item, error) {
	existing, err := c.GetByID(collection, userID, id)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		existing[k] = v
	}
	existing["id"] = id
	existing["updatedAt"] = c.now().Format(time.RFC3339Nano)

	data, err := json.Marshal(existing)
	if err != nil {
		return nil, fmt.Errorf("localcache: marshal entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(collection, userID, id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("localcache: update entry: %w", err)
	}
	return existing, nil
}

// Delete removes a single entry. Deleting a missing entry is not an error.
func (c *Cache) Delete(collection, userID, id string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(collection, userID, id))
	})
	if err != nil {
		return fmt.Errorf("localcache: delete entry: %w", err)
	}
	return nil
}

// Clear drops every entry under (collection, userID).
func (c *Cache) Clear(collection, userID string) error {
	prefix := []byte(collection + "/" + userID + "/")

	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("localcache: scan for clear: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("localcache: clear: %w", err)
	}
	return nil
}

func key(collection, userID, id string) []byte {
	return []byte(collection + "/" + userID + "/" + id)
}

func isExpired(item Item, now time.Time) bool {
	raw, ok := item["expiresAt"].(string)
	if !ok || raw == "" {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// Unreadable expiry keeps the entry; the data itself is intact.
		return false
	}
	return !expiresAt.After(now)
}
