// Package storage keeps the classification history of koi-vetter.
// It uses BoltDB as the underlying storage engine. Records are keyed by
// timestamp so range scans and "most recent" queries walk the bucket in
// time order.
//
// History is optional and write-behind: a classification never depends on
// the store, and a failed write is logged by the caller and otherwise
// ignored.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"koi-vetter/internal/common"
)

// DBFile is the database file created inside the data directory.
const DBFile = "koi-history.db"

var classificationsBucket = []byte(common.BucketClassifications)

// Store provides persistent storage for classification records using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New creates a new storage instance with the specified data path.
// It initializes the BoltDB database and creates the classifications bucket.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(classificationsBucket); err != nil {
			return fmt.Errorf("create classifications bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append stores a classification record. Records without an ID or
// timestamp get one.
func (s *Store) Append(rec Record) (Record, error) {
	if s == nil || s.db == nil {
		return rec, errors.New("store is closed")
	}
	rec = rec.withDefaults()
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal record: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(classificationsBucket).Put(recordKey(rec.Timestamp, rec.ID.String()), data)
	})
	if err != nil {
		return rec, fmt.Errorf("store record: %w", err)
	}
	return rec, nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	records := make([]Record, 0, n)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(classificationsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// Range returns the records with start <= timestamp <= end, oldest first.
func (s *Store) Range(start, end time.Time) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(classificationsBucket).Cursor()

		startKey := timePrefix(start)
		endKey := append(timePrefix(end), 0xff)

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(classificationsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// timePrefix is zero-padded so that byte order matches time order.
func timePrefix(t time.Time) []byte {
	return []byte(fmt.Sprintf("%020d_", t.UnixNano()))
}

func recordKey(t time.Time, id string) []byte {
	return append(timePrefix(t), id...)
}
