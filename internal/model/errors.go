package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrVersionConflict is returned on an optimistic concurrency mismatch,
	// the caller must re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStoreUnavailable is returned when the durable store is locked beyond
	// the configured bounded wait.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotOwner is returned when a worker operates on a task whose lease is
	// held by another worker.
	ErrNotOwner = errors.New("not lease owner")
	// ErrMissingCalibration is returned when no calibration set covers the
	// requested target time.
	ErrMissingCalibration = errors.New("no applicable calibration")
	// ErrPermanent marks a collaborator failure that must not be retried.
	ErrPermanent = errors.New("permanent failure")
)
