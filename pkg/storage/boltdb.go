package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/skeinlabs/skein/pkg/types"
)

var (
	// Bucket names
	bucketGraphs   = []byte("task_graphs")
	bucketMemories = []byte("memory_records")
	bucketSecrets  = []byte("secrets")
	bucketAccounts = []byte("user_accounts")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "skein.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketGraphs, bucketMemories, bucketSecrets, bucketAccounts}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Graph operations

func (s *BoltStore) SaveGraph(graph *types.TaskGraph) error {
	return s.put(bucketGraphs, graph.GraphID, graph)
}

func (s *BoltStore) GetGraph(id string) (*types.TaskGraph, error) {
	var graph types.TaskGraph
	if err := s.get(bucketGraphs, id, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

func (s *BoltStore) ListGraphs() ([]*types.TaskGraph, error) {
	var graphs []*types.TaskGraph
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGraphs).ForEach(func(k, v []byte) error {
			var graph types.TaskGraph
			if err := json.Unmarshal(v, &graph); err != nil {
				return err
			}
			graphs = append(graphs, &graph)
			return nil
		})
	})
	return graphs, err
}

func (s *BoltStore) DeleteGraph(id string) error {
	return s.delete(bucketGraphs, id)
}

// Memory record operations

func (s *BoltStore) SaveMemoryRecord(record *types.MemoryRecord) error {
	return s.put(bucketMemories, record.RecordID, record)
}

func (s *BoltStore) GetMemoryRecord(id string) (*types.MemoryRecord, error) {
	var record types.MemoryRecord
	if err := s.get(bucketMemories, id, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListMemoryRecords() ([]*types.MemoryRecord, error) {
	var records []*types.MemoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).ForEach(func(k, v []byte) error {
			var record types.MemoryRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) ListMemoryRecordsByCategory(category string) ([]*types.MemoryRecord, error) {
	records, err := s.ListMemoryRecords()
	if err != nil {
		return nil, err
	}
	var filtered []*types.MemoryRecord
	for _, record := range records {
		if record.Category == category {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteMemoryRecord(id string) error {
	return s.delete(bucketMemories, id)
}

// Secret operations

func (s *BoltStore) SaveSecret(secret *types.SecretRecord) error {
	return s.put(bucketSecrets, secret.Name, secret)
}

func (s *BoltStore) GetSecret(name string) (*types.SecretRecord, error) {
	var secret types.SecretRecord
	if err := s.get(bucketSecrets, name, &secret); err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *BoltStore) ListSecrets() ([]*types.SecretRecord, error) {
	var secrets []*types.SecretRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, v []byte) error {
			var secret types.SecretRecord
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			secrets = append(secrets, &secret)
			return nil
		})
	})
	return secrets, err
}

func (s *BoltStore) DeleteSecret(name string) error {
	return s.delete(bucketSecrets, name)
}

// Account operations

func (s *BoltStore) SaveAccount(account *types.UserAccount) error {
	return s.put(bucketAccounts, account.UserID, account)
}

func (s *BoltStore) GetAccount(userID string) (*types.UserAccount, error) {
	var account types.UserAccount
	if err := s.get(bucketAccounts, userID, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateAccount applies fn to the account inside one write transaction.
// An error from fn aborts the transaction and leaves the account unchanged.
func (s *BoltStore) UpdateAccount(userID string, fn func(*types.UserAccount) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("account %s: %w", userID, ErrNotFound)
		}
		var account types.UserAccount
		if err := json.Unmarshal(data, &account); err != nil {
			return err
		}
		if err := fn(&account); err != nil {
			return err
		}
		account.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&account)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), updated)
	})
}

// Shared bucket helpers

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
