package core

import (
	"context"

	"github.com/opsdeck/estimation/internal/domain"
)

// Frame is a marshaled event payload.
type Frame []byte

// ConnID identifies one subscribed connection. A participant with two tabs
// open holds two ConnIDs.
type ConnID string

// Subscriber abstracts a system messaging transport.
// TrySend must never block; Close must be idempotent. The adapter owns the
// underlying connection, but a session may Close a subscriber on teardown or
// when it cannot keep up.
type Subscriber interface {
	TrySend(Frame) error
	Close()
}

// TaskPersister is the external work-item collaborator that stores the
// agreed estimate on completion. The coordinator does not retry it.
type TaskPersister interface {
	SaveEstimate(ctx context.Context, task domain.TaskID, estimate int, unit domain.Unit) error
}
