// Package leveldb implements the datastore.KeyValue interface on top of
// goleveldb.
package leveldb

import (
	goerrors "errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"chainmesh/datastore"

	log "github.com/sirupsen/logrus"
)

var _ datastore.KeyValue = (*Store)(nil)

type Store struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func New(path string) (*Store, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return &Store{path: path, db: db}, nil
}

func (s *Store) Has(key datastore.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Has(key, nil)
}

func (s *Store) Put(key datastore.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(key, value, nil)
}

func (s *Store) Get(key datastore.Key) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.Get(key, nil)
	if goerrors.Is(err, leveldb.ErrNotFound) {
		return nil, datastore.ErrNotFound
	}
	return v, err
}

func (s *Store) Delete(key datastore.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(key, nil)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
