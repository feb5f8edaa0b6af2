package task

import "errors"

var (
	// ErrNotFound is returned for unknown or evicted task ids.
	ErrNotFound = errors.New("task not found")
	// ErrExists is returned when creating a task whose id is taken.
	ErrExists = errors.New("task already exists")
	// ErrNotCompleted is returned when a result is requested before completion.
	ErrNotCompleted = errors.New("task not completed")
	// ErrArtifactMissing is returned when a completed task's artifact is gone.
	ErrArtifactMissing = errors.New("task artifact missing")
	// ErrTerminal is returned when a write targets a completed or failed task.
	ErrTerminal = errors.New("task already finished")
)
