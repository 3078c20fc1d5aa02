package domain

import "errors"

var (
	// ErrFormat marks malformed input: bad JSON, bad encoding, wrong field
	// count, unparseable field.
	ErrFormat = errors.New("format error")

	// ErrIntegrity marks data that failed decryption or checksum
	// verification. Such payloads are rejected and never partially applied.
	ErrIntegrity = errors.New("integrity error")

	// ErrValidation marks a well-formed, authentic payload that is outside
	// business policy (stale, amount out of bounds).
	ErrValidation = errors.New("validation error")

	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrUnknownMerchant     = errors.New("unknown merchant")
	ErrNotFound            = errors.New("not found")
	ErrAllocationExhausted = errors.New("identifier allocation exhausted")
	ErrCodeTaken           = errors.New("identifier already taken")

	// ErrLockTimeout means the advisory lock is held by someone else. It is
	// never fatal; callers move on to another candidate.
	ErrLockTimeout = errors.New("advisory lock not acquired")

	// ErrLockUnavailable means the lock service itself could not be reached.
	ErrLockUnavailable = errors.New("advisory lock service unavailable")
)
