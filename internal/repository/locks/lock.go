// Package locks enforces single-instance execution per phase. Lock
// primitives differ by platform and deployment, so the backends hide behind
// one interface: a file lock for a single host, a DynamoDB conditional-put
// lock when pack or unpack may run on several hosts.
package locks

import (
	"context"
	"fmt"
	"time"
)

// Record identifies the owner of a held lock.
type Record struct {
	Owner     string    `json:"owner" dynamodbav:"owner"`
	PID       int       `json:"pid" dynamodbav:"pid"`
	StartedAt time.Time `json:"started_at" dynamodbav:"started_at"`
}

// InstanceLock guards a phase against concurrent orchestrator processes.
// Acquire reclaims stale locks whose owner is no longer alive.
type InstanceLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Backend selects a lock implementation.
type Backend string

const (
	FileBackend     Backend = "file"
	DynamoDBBackend Backend = "dynamodb"
)

// Options carries backend-specific settings.
type Options struct {
	// Path of the lock file (file backend).
	Path string
	// Table name (dynamodb backend).
	Table string
	// Name distinguishes the pack and unpack phases.
	Name string
}

// New creates an InstanceLock for the chosen backend.
func New(backend Backend, opts Options, deps Deps) (InstanceLock, error) {
	switch backend {
	case FileBackend:
		return NewFileLock(opts.Path), nil
	case DynamoDBBackend:
		if deps.DynamoClient == nil {
			return nil, fmt.Errorf("dynamodb lock backend requires a DynamoDB client")
		}
		if opts.Table == "" {
			return nil, fmt.Errorf("dynamodb lock backend requires a table name")
		}
		return NewDynamoLock(deps.DynamoClient, opts.Table, opts.Name), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", backend)
	}
}
