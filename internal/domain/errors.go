package domain

import "errors"

var (
	// ErrEmptyIdentifiers rejects an export request with no identifiers.
	ErrEmptyIdentifiers = errors.New("identifiers must contain at least one entry")

	// ErrNotFound covers both a missing job and an owner mismatch, so job ids
	// cannot be enumerated across owners.
	ErrNotFound = errors.New("export job not found")

	// ErrAlreadyTerminal rejects cancellation of a completed or failed job.
	ErrAlreadyTerminal = errors.New("export job already reached a terminal status")

	// ErrInvalidToken covers a forged, malformed, or expired download token.
	ErrInvalidToken = errors.New("download token is invalid")

	// ErrTokenMismatch means a structurally valid token is bound to a
	// different job or owner.
	ErrTokenMismatch = errors.New("download token does not match this export")

	// ErrNotReady means the job exists but has not completed.
	ErrNotReady = errors.New("export artifact is not ready")

	// ErrExpired means the artifact's retention window has passed.
	ErrExpired = errors.New("export artifact has expired")
)
