package errors

import (
	"errors"
	"fmt"
)

var (
	ErrAnotherInstanceRunning = errors.New("another instance is already running")
	ErrArchiveCorrupt         = errors.New("archive failed integrity verification")
	ErrArchiveBomb            = errors.New("archive expansion ratio exceeds safety limit")
	ErrRetryBudgetExceeded    = errors.New("retry duration ceiling exceeded")
	ErrDiskHardLimit          = errors.New("disk usage above hard limit")
	ErrInsufficientDisk       = errors.New("insufficient disk space for archive")
	ErrShutdownRequested      = errors.New("shutdown requested")
	ErrUnsafeArchivePath      = errors.New("archive member escapes extraction directory")
)

// MissingCapabilityError reports an external tool the pipeline cannot run without.
func MissingCapabilityError(tool string) error {
	return fmt.Errorf("required tool %q not found in PATH", tool)
}

func ConfigNotSetError(config string) error {
	return fmt.Errorf("The %s configuration value must be set", config)
}
