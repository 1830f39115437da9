// Package storage persists orchestration state: graph snapshots, execution
// memories, encrypted secrets, and billing accounts. The embedded
// implementation is BoltDB with one bucket per record kind and JSON values.
package storage

import (
	"errors"

	"github.com/skeinlabs/skein/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store defines the interface for orchestration state storage
type Store interface {
	// Graph snapshots
	SaveGraph(graph *types.TaskGraph) error
	GetGraph(id string) (*types.TaskGraph, error)
	ListGraphs() ([]*types.TaskGraph, error)
	DeleteGraph(id string) error

	// Execution memories
	SaveMemoryRecord(record *types.MemoryRecord) error
	GetMemoryRecord(id string) (*types.MemoryRecord, error)
	ListMemoryRecords() ([]*types.MemoryRecord, error)
	ListMemoryRecordsByCategory(category string) ([]*types.MemoryRecord, error)
	DeleteMemoryRecord(id string) error

	// Encrypted secrets
	SaveSecret(secret *types.SecretRecord) error
	GetSecret(name string) (*types.SecretRecord, error)
	ListSecrets() ([]*types.SecretRecord, error)
	DeleteSecret(name string) error

	// Billing accounts. UpdateAccount runs fn inside a single write
	// transaction so read-modify-write cycles are atomic.
	SaveAccount(account *types.UserAccount) error
	GetAccount(userID string) (*types.UserAccount, error)
	UpdateAccount(userID string, fn func(*types.UserAccount) error) error

	Close() error
}
