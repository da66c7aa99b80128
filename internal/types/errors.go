package types

import (
	"errors"
	"fmt"
)

// ErrDuplicateTask is returned by the store when inserting a generation whose
// creator task id is already claimed by another generation. Callers treat it
// as "somebody else won the race" and re-query.
var ErrDuplicateTask = errors.New("task id already owns a generation")

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("not found")

// ClassificationError reports a task type with no registry entry. It is
// fatal for the completion event: no generation is created and the task must
// not be marked Complete.
type ClassificationError struct {
	TaskType string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("no classification for task type %q", e.TaskType)
}
