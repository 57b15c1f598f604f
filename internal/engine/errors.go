package engine

import (
	"errors"
	"fmt"
)

// NotFoundError is returned by Remove when the key is not present. It is
// the only engine error callers are expected to branch on; the server maps
// it to the "Key not found" wire response.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key not found, `%s` is not found", e.Key)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ErrCorruptRecord indicates that a key directory pointer resolved to a
// record that is not a set entry. The log file it points into is damaged;
// the engine itself remains usable.
var ErrCorruptRecord = errors.New("log corruption: pointer does not resolve to a set entry")
