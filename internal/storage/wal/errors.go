package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates WAL file is corrupted (cannot parse JSON)
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates WAL file is empty
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")

	// ErrOutOfSequence indicates seq numbers are not strictly increasing
	ErrOutOfSequence = errors.New("wal: sequence is not increasing")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Expected checksum
	Actual   uint32 // Actual checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is matches ErrChecksumMismatch
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError represents WAL corruption error
type CorruptionError struct {
	Line  int   // 1-based line number in the file
	Cause error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is matches ErrCorruptedWAL
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
