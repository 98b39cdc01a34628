// Package datastore defines the storage interface consumed by the chain
// collaborator. The node core itself persists nothing.
package datastore

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("datastore: key not found")

type Key []byte

type KeyValue interface {
	Has(key Key) (bool, error)
	Put(key Key, value []byte) error
	Get(key Key) ([]byte, error)
	Delete(key Key) error
	Close() error
}
