package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnectionIDValidator owns the format rules for transport connection ids.
// ConnectionRouter implementations satisfy it.
type ConnectionIDValidator interface {
	ValidConnectionID(connectionID string) bool
}

// ExecutionContext is the immutable identity of a single run: who asked
// (user, thread), which run it is, and which connection its events belong to.
// All fields are unexported and exposed through getters; Metadata is returned
// as a copy. Values are safe to share across goroutines.
type ExecutionContext struct {
	userID       string
	threadID     string
	runID        string
	connectionID string
	createdAt    time.Time
	metadata     Metadata
	valid        bool
}

// NewExecutionContext validates the identity fields and returns a context.
// It fails with ErrInvalidContext when userID, threadID or runID is blank, or
// when the connection id is rejected by v. A nil validator only requires a
// non-blank connection id.
func NewExecutionContext(
	userID, threadID, runID, connectionID string,
	md Metadata,
	v ConnectionIDValidator,
) (ExecutionContext, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return ExecutionContext{}, fmt.Errorf("%w: user_id is required", ErrInvalidContext)
	case strings.TrimSpace(threadID) == "":
		return ExecutionContext{}, fmt.Errorf("%w: thread_id is required", ErrInvalidContext)
	case strings.TrimSpace(runID) == "":
		return ExecutionContext{}, fmt.Errorf("%w: run_id is required", ErrInvalidContext)
	case strings.TrimSpace(connectionID) == "":
		return ExecutionContext{}, fmt.Errorf("%w: connection_id is required", ErrInvalidContext)
	}

	if v != nil && !v.ValidConnectionID(connectionID) {
		return ExecutionContext{}, fmt.Errorf("%w: connection_id %q has an unexpected format", ErrInvalidContext, connectionID)
	}

	return ExecutionContext{
		userID:       userID,
		threadID:     threadID,
		runID:        runID,
		connectionID: connectionID,
		createdAt:    time.Now().UTC(),
		metadata:     md.Clone(),
		valid:        true,
	}, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// UserID returns the owning user.
func (ec ExecutionContext) UserID() string { return ec.userID }

// ThreadID returns the conversation thread.
func (ec ExecutionContext) ThreadID() string { return ec.threadID }

// RunID returns the run identifier; it keys the execution lock.
func (ec ExecutionContext) RunID() string { return ec.runID }

// ConnectionID returns the transport connection events are delivered to.
func (ec ExecutionContext) ConnectionID() string { return ec.connectionID }

// CreatedAt returns the construction time (UTC).
func (ec ExecutionContext) CreatedAt() time.Time { return ec.createdAt }

// Metadata returns a copy of the request metadata.
func (ec ExecutionContext) Metadata() Metadata { return ec.metadata.Clone() }

// Valid reports whether ec was produced by NewExecutionContext.
func (ec ExecutionContext) Valid() bool { return ec.valid }

// Equal reports whether both contexts carry the same identity. Metadata and
// creation time do not participate.
func (ec ExecutionContext) Equal(other ExecutionContext) bool {
	return ec.userID == other.userID &&
		ec.threadID == other.threadID &&
		ec.runID == other.runID &&
		ec.connectionID == other.connectionID
}

// String renders the identity for logs.
func (ec ExecutionContext) String() string {
	return fmt.Sprintf("user=%s thread=%s run=%s conn=%s", ec.userID, ec.threadID, ec.runID, ec.connectionID)
}
