package csvlog

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence matches every error returned by Store.
	ErrPersistence = errors.New("chat log persistence error")

	errFieldCount    = errors.New("wrong number of fields")
	errEmptyChatID   = errors.New("empty chat_id")
	errUnknownHeader = errors.New("unrecognised header")
)

// PersistenceError describes a failed load, migration or save.
type PersistenceError struct {
	Op   string
	Path string
	// Line is the 1-based line of the offending row, or 0.
	Line int
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("csvlog: %s %s line %d: %v", e.Op, e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("csvlog: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match any PersistenceError.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
