// Package format provides encoding and decoding functionality for log
// entries. Each entry is stored as a single self-describing JSON line so
// the log remains human-readable and every record is delimited by a
// newline.
package format

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Entry type constants define the kind of log entry.
const (
	TypeSet    = "set"    // Normal log entry containing a key-value pair
	TypeRemove = "remove" // Tombstone marker indicating a deleted entry
)

var (
	// ErrMalformedEntry indicates a log line that does not decode to a
	// valid entry.
	ErrMalformedEntry = errors.New("malformed log entry")

	// ErrTruncatedEntry indicates a trailing record with no newline
	// terminator, the signature of an interrupted write.
	ErrTruncatedEntry = errors.New("truncated log entry")
)

// Entry represents a single mutation in the log file. A set entry carries
// a key and its value; a remove entry carries only the key.
type Entry struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// NewSet returns a set entry for the given key-value pair.
func NewSet(key, value string) Entry {
	return Entry{Type: TypeSet, Key: key, Value: value}
}

// NewRemove returns a remove entry (tombstone) for the given key.
func NewRemove(key string) Entry {
	return Entry{Type: TypeRemove, Key: key}
}

// IsSet reports whether the entry is a set record.
func (e Entry) IsSet() bool { return e.Type == TypeSet }

// Encode serializes the entry as one newline-terminated JSON line.
// The returned slice includes the trailing newline, so its length is the
// exact number of bytes the record occupies on disk.
func (e Entry) Encode() ([]byte, error) {
	if e.Type != TypeSet && e.Type != TypeRemove {
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrMalformedEntry, e.Type)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry for key %s: %w", e.Key, err)
	}
	return append(data, '\n'), nil
}

// Decode deserializes a single log line (without its trailing newline)
// into an Entry. Returns an error wrapping ErrMalformedEntry if the line
// is not valid JSON or does not carry a known entry type.
func Decode(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if e.Type != TypeSet && e.Type != TypeRemove {
		return Entry{}, fmt.Errorf("%w: unknown entry type %q", ErrMalformedEntry, e.Type)
	}
	if e.Type == TypeRemove && e.Value != "" {
		slog.Debug("decode: remove entry carries a value, ignoring",
			"key", e.Key)
		e.Value = ""
	}
	return e, nil
}

// Scanner reads entries sequentially from a log stream while tracking the
// byte offset at which each record starts. It is the single place where
// the line framing of the log is interpreted.
type Scanner struct {
	reader *bufio.Reader
	offset int64
}

// NewScanner creates a Scanner reading from r, with offsets counted from
// the current position of r (normally the start of the file).
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReader(r)}
}

// Offset returns the byte offset of the next record to be read. After a
// scan error it is the offset at which the bad record starts, which is
// where a torn active file should be truncated.
func (s *Scanner) Offset() int64 {
	return s.offset
}

// Next reads one entry and returns it together with the byte offset at
// which its record starts. It returns io.EOF at a clean end of stream, an
// error wrapping ErrTruncatedEntry for an unterminated trailing record,
// and an error wrapping ErrMalformedEntry for an undecodable line.
func (s *Scanner) Next() (Entry, int64, error) {
	start := s.offset

	line, err := s.reader.ReadBytes('\n')
	if len(line) == 0 && err == io.EOF {
		return Entry{}, start, io.EOF
	}
	if err == io.EOF {
		// Data after the last newline: an interrupted write left a
		// partial record behind.
		return Entry{}, start, fmt.Errorf("%w at offset %d", ErrTruncatedEntry, start)
	}
	if err != nil {
		return Entry{}, start, fmt.Errorf("failed to read log line at offset %d: %w", start, err)
	}

	entry, err := Decode(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		return Entry{}, start, fmt.Errorf("offset %d: %w", start, err)
	}

	s.offset += int64(len(line))
	return entry, start, nil
}
