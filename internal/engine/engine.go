// Package engine provides the storage engines of the key-value store: the
// log-structured KVStore and the bbolt-backed BoltEngine, both behind the
// same interface. The server binds to one engine kind at startup and every
// worker shares the same engine value.
package engine

// Engine is the capability set the server dispatches requests against.
// Implementations are safe for concurrent use from multiple goroutines
// sharing one value.
type Engine interface {
	// Set durably records that key maps to value.
	Set(key, value string) error

	// Get returns the current value for key. ok is false when the key has
	// never been set or has been removed; that is not an error.
	Get(key string) (value string, ok bool, err error)

	// Remove deletes key. Removing an absent key fails with a
	// *NotFoundError; any other failure is of a different kind.
	Remove(key string) error

	// Close releases the engine's resources. Durability is guaranteed per
	// successful mutation, not at close.
	Close() error
}
