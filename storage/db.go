package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyExists is returned by PutIfAbsent when the key is already present.
var ErrKeyExists = errors.New("storage: key already exists")

// Database is a generic interface for a key-value store. It allows the
// authorization ledgers to use any backend (in-memory or persistent).
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// PutIfAbsent stores the value only when the key is not yet present.
	// The check and the write are a single atomic step; concurrent callers
	// racing on the same key observe exactly one winner.
	PutIfAbsent(key []byte, value []byte) error
	Close()
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = value
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("key not found")
	}
	return value, nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDB) PutIfAbsent(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.data[string(key)]; ok {
		return ErrKeyExists
	}
	db.data[string(key)] = value
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

// --- Persistent DB (for production) ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	return ldb.db.Get(key, nil)
}

// Has reports whether the key is present.
func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

// PutIfAbsent performs a mutex-guarded test-and-set so concurrent writers on
// the same key cannot both succeed.
func (ldb *LevelDB) PutIfAbsent(key []byte, value []byte) error {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()
	ok, err := ldb.db.Has(key, nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrKeyExists
	}
	return ldb.db.Put(key, value, nil)
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}
