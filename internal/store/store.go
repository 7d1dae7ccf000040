package store

// Store is the persisted key-value state backing the broker.
// All broker components read and write through this interface so
// tests can run against a deterministic in-memory implementation
// while production uses Badger.
//
// Get returns nil (no error) for an absent key. Values returned by
// Get are owned by the caller.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Close() error
}
