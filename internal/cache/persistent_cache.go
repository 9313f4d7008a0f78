package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"imagery-timeloop/internal/utils/naming"
)

const (
	indexFile     = "index.db"
	schemaVersion = 1
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("_meta")
)

// Entry is the index row of one file in the disk tier.
type Entry struct {
	Key         string    `json:"key"`
	Path        string    `json:"path"`
	SourceURL   string    `json:"source_url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	FetchedAt   time.Time `json:"fetched_at"`
	AccessedAt  time.Time `json:"accessed_at"`
}

// Index records what the disk tier holds. The files themselves decide
// presence; a row whose file is gone is stale.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index %s: %w", path, err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate cache index: %w", err)
	}
	return idx, nil
}

func (x *Index) migrate() error {
	return x.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(fmt.Sprint(schemaVersion))); err != nil {
				return err
			}
			return meta.Put([]byte("created_at"), []byte(time.Now().UTC().Format(time.RFC3339)))
		}
		return nil
	})
}

// Close closes the database.
func (x *Index) Close() error { return x.db.Close() }

// Put stores or replaces a row.
func (x *Index) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal index entry: %w", err)
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.Key), data)
	})
}

// Get returns the row for key.
func (x *Index) Get(key string) (Entry, bool, error) {
	var e Entry
	err := x.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return e, false, fmt.Errorf("failed to read index entry %s: %w", key, err)
	}
	return e, e.Key != "", nil
}

// Touch updates a row's access time. Missing rows are ignored.
func (x *Index) Touch(key string, at time.Time) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		e.AccessedAt = at
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a row.
func (x *Index) Delete(keys ...string) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every row sorted by key.
func (x *Index) List() ([]Entry, error) {
	var out []Entry
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode index entry %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Len returns the number of rows.
func (x *Index) Len() int {
	n := 0
	x.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n
}

// Clear removes every row.
func (x *Index) Clear() error {
	return x.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// rebuild indexes files already on disk, for a cache directory written
// before the index existed or whose index was deleted.
func (x *Index) rebuild(root string) (int, error) {
	base := filepath.Join(root, naming.CacheRootDir)
	var rows []Entry
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Base(path)[0] == '.' {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil
		}
		rows = append(rows, Entry{
			Key:        filepath.ToSlash(rel),
			Path:       path,
			Size:       info.Size(),
			FetchedAt:  info.ModTime(),
			AccessedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache directory: %w", err)
	}
	for _, e := range rows {
		if err := x.Put(e); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// oldestFirst sorts rows by access time, least recently used first.
func oldestFirst(rows []Entry) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].AccessedAt.Before(rows[j].AccessedAt)
	})
}
