package auditlog

import "fmt"

// StorageError reports an unreadable or unwritable store.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("audit store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audit store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EncodingError reports a record that cannot be encoded or a stored line that
// fails to parse. Line is 1-based and zero when not tied to a stored line.
type EncodingError struct {
	Line int
	Err  error
}

func (e *EncodingError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("audit record line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("audit record: %v", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
