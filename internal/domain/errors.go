package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrNothingToDelegate is returned when every subtask of a batch was claimed elsewhere.
	ErrNothingToDelegate = errors.New("no open subtasks left in batch")
)
