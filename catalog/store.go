package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrStoreUnavailable wraps any failure of the persistence layer. Callers
// reading through the catalog should degrade to "unknown" on this error;
// callers claiming to serve cached data must propagate it.
var ErrStoreUnavailable = errors.New("catalog store unavailable")

// ErrNotCached reports that no entry exists for a server, distinct from the
// store itself being broken.
var ErrNotCached = errors.New("server not cached")

var bucketServers = []byte("servers")

// Store is the durable catalog, keyed by server name. Writes commit through
// a bolt transaction, so a Put either lands completely or not at all and a
// crash mid-write never damages previously committed entries.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create dir: %v", ErrStoreUnavailable, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketServers)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrStoreUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the entry for a server. The second return is false when no
// entry exists; an error means the store itself failed.
func (s *Store) Get(server string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServers).Get([]byte(server))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, server, err)
	}
	return entry, found, nil
}

// Put stores an entry, replacing any previous record for the same server.
// A differing config hash is a fresh write, never a merge. The entry is
// durable when Put returns nil.
func (s *Store) Put(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStoreUnavailable, entry.Server, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Put([]byte(entry.Server), data)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStoreUnavailable, entry.Server, err)
	}
	return nil
}

// All returns a snapshot of every stored entry.
func (s *Store) All() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
	}
	return entries, nil
}

// Invalidate removes a server's entry. Removing an absent entry is a no-op.
func (s *Store) Invalidate(server string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Delete([]byte(server))
	})
	if err != nil {
		return fmt.Errorf("%w: invalidate %s: %v", ErrStoreUnavailable, server, err)
	}
	return nil
}
