package model

import "errors"

var (
	// ErrInvalidSample is returned by ingestion for non-positive durations or
	// inverted time ranges. Nothing is persisted.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned when a claim is held by another worker.
	ErrAlreadyClaimed = errors.New("already claimed")

	// ErrInsufficientData marks a computation skipped for lack of samples or
	// variance. Callers treat it as a silent skip.
	ErrInsufficientData = errors.New("insufficient data")
)
