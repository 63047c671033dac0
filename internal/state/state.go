package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/profile-sync/internal/account"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

func accountsBucket(owner string) []byte {
	return []byte("owner:" + owner + ":accounts")
}

// AccountRecord is the locally persisted view of one synced account,
// keyed by the browser profile id within a per-owner bucket. It is a
// display cache for fast startup; the cloud record stays authoritative
// and reconciliation overwrites these fields freely.
type AccountRecord struct {
	AccountID    string              `json:"account_id"`
	Info         account.Info        `json:"info"`
	LoginMethod  account.LoginMethod `json:"login_method,omitempty"`
	LoginTime    int64               `json:"login_time,omitempty"`
	UpdatedAt    int64               `json:"updated_at"`
	LastSyncTime int64               `json:"last_sync_time,omitempty"`
}

// Store wraps a bbolt database for all persistent application state.
type Store struct {
	db    *bolt.DB
	owner string
}

// Open opens the state database at the given path for one owner,
// creating it if it does not exist. The owner's accounts bucket is
// created on open.
func Open(path, owner string) (*Store, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket(owner))

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db, owner: owner}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for an account id, or nil if not found.
func (s *Store) Get(accountID string) (*AccountRecord, error) {
	var rec *AccountRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket(s.owner))

		v := b.Get([]byte(accountID))
		if v == nil {
			return nil
		}

		rec = &AccountRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// Save persists a record, keyed by its account id.
func (s *Store) Save(rec AccountRecord) error {
	if rec.AccountID == "" {
		return fmt.Errorf("account id is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket(s.owner))

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.AccountID), data)
	})
}

// Delete removes the record for an account id.
func (s *Store) Delete(accountID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket(s.owner)).Delete([]byte(accountID))
	})
}

// All returns every record for the store's owner, keyed by account id.
func (s *Store) All() (map[string]AccountRecord, error) {
	result := make(map[string]AccountRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket(s.owner))

		return b.ForEach(func(k, v []byte) error {
			var rec AccountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})

	return result, err
}

// Count returns the number of records for the store's owner.
func (s *Store) Count() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket(s.owner))
		count = b.Stats().KeyN

		return nil
	})

	return count
}
