package services

import "errors"

var (
	// ErrAssignmentNotFound means the model key has no assignment rows at
	// all. Distinct from "found but all busy"; it is never retried.
	ErrAssignmentNotFound = errors.New("no assignment found for model")

	// ErrAllBusy is the transient all-candidates-busy state. The scheduler
	// handles it internally; callers only see it if their context fires
	// first or the single-attempt path is used.
	ErrAllBusy = errors.New("all candidate gpus busy")
)
