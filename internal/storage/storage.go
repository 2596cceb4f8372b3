package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bktCredentials = []byte("credentials")
)

var (
	credentialsKey = []byte("current")
)

// Storage is a wrapper around bolt.DB. Bolt commits are atomic, so a crash
// mid-save leaves either the previous pair or the new one, never a torn
// record.
type Storage struct {
	db        *bolt.DB
	closeFunc func() error
}

// NewStorage creates a new storage
func NewStorage(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt db")
	}
	return &Storage{
		db:        db,
		closeFunc: db.Close,
	}, nil
}

// NewTempStorage creates a storage backed by a throwaway file, removed on Close.
func NewTempStorage() (*Storage, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("junction-agent-%s.db", uuid.New().String()))
	storage, err := NewStorage(path)
	if err != nil {
		return nil, err
	}
	originalCloseFunc := storage.closeFunc
	storage.closeFunc = func() error {
		if err := originalCloseFunc(); err != nil {
			return err
		}
		return os.Remove(path)
	}
	return storage, nil
}

// Close closes the storage
func (s *Storage) Close() error {
	return s.closeFunc()
}

// LoadCredentials returns the stored pair, or nil when the device has never
// registered (or was cleared after a credential rejection).
func (s *Storage) LoadCredentials() (*Credentials, error) {
	var creds *Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktCredentials)
		if b == nil {
			return nil
		}
		raw := b.Get(credentialsKey)
		if raw == nil {
			return nil
		}
		creds = &Credentials{}
		if err := json.Unmarshal(raw, creds); err != nil {
			return errors.Wrap(err, "unmarshaling credentials")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// SaveCredentials overwrites the stored pair in a single bolt transaction.
func (s *Storage) SaveCredentials(creds *Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "marshaling credentials")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bktCredentials)
		if err != nil {
			return err
		}
		return b.Put(credentialsKey, raw)
	})
}

// ClearCredentials removes the stored pair. Clearing an empty store is a no-op.
func (s *Storage) ClearCredentials() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktCredentials)
		if b == nil {
			return nil
		}
		return b.Delete(credentialsKey)
	})
}
