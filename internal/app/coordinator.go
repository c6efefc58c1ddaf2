package app

import (
	"context"

	"github.com/opsdeck/estimation/internal/core"
	"github.com/opsdeck/estimation/internal/domain"
)

// Coordinator is the session facade: every operation resolves the session
// through the store and returns the resulting snapshot, so callers never
// need a separate read-after-write.
type Coordinator struct {
	Store *core.Store
	Tasks core.TaskPersister
}

// Create returns the live session for the work item, creating one when
// needed. Duplicate creation is resolved by returning the existing session.
func (c *Coordinator) Create(task domain.TaskID, parent domain.ParentID, facilitator domain.Participant, unit domain.Unit) (core.Snapshot, bool) {
	sess, created := c.Store.CreateOrJoin(task, parent, facilitator, unit)
	return sess.Snapshot(), created
}

// CreateAndJoin is Create plus an immediate subscription for the caller's
// connection, the usual path over the websocket boundary.
func (c *Coordinator) CreateAndJoin(task domain.TaskID, parent domain.ParentID, p domain.Participant, unit domain.Unit, connID core.ConnID, sub core.Subscriber) (core.Snapshot, bool, error) {
	sess, created := c.Store.CreateOrJoin(task, parent, p, unit)
	snap, err := sess.Join(connID, sub, p)
	if err != nil {
		return core.Snapshot{}, created, err
	}
	if created {
		sess.AnnounceCreated(p)
	}
	return snap, created, nil
}

func (c *Coordinator) Join(sid domain.SessionID, connID core.ConnID, sub core.Subscriber, p domain.Participant) (core.Snapshot, error) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.Join(connID, sub, p)
}

// JoinTask subscribes to the live session of a work item without knowing
// its session id, the reconnect path.
func (c *Coordinator) JoinTask(task domain.TaskID, connID core.ConnID, sub core.Subscriber, p domain.Participant) (core.Snapshot, error) {
	sess, err := c.Store.ForTask(task)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.Join(connID, sub, p)
}

// Leave is tolerant of already-evicted sessions; a disconnect after
// completion is not an error.
func (c *Coordinator) Leave(sid domain.SessionID, connID core.ConnID) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return
	}
	sess.Leave(connID)
}

func (c *Coordinator) Vote(sid domain.SessionID, p domain.Participant, value *int) (core.Snapshot, error) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.SubmitVote(p, value)
}

func (c *Coordinator) Reveal(sid domain.SessionID, requestedBy domain.Participant) (core.Snapshot, error) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.Reveal(requestedBy)
}

func (c *Coordinator) NewRound(sid domain.SessionID) (core.Snapshot, error) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.NewRound()
}

func (c *Coordinator) Complete(ctx context.Context, sid domain.SessionID, estimate *int) (core.Snapshot, error) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.Complete(ctx, estimate, c.Tasks)
}

func (c *Coordinator) Cancel(sid domain.SessionID, actor *domain.Participant) (core.Snapshot, error) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.Cancel(actor)
}

func (c *Coordinator) Rename(sid domain.SessionID, p domain.Participant) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return
	}
	sess.UpdateParticipant(p)
}

func (c *Coordinator) Get(sid domain.SessionID) (core.Snapshot, error) {
	sess, err := c.Store.Get(sid)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

func (c *Coordinator) ForTask(task domain.TaskID) (core.Snapshot, error) {
	sess, err := c.Store.ForTask(task)
	if err != nil {
		return core.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

func (c *Coordinator) ListForParent(parent domain.ParentID) []core.Snapshot {
	sessions := c.Store.ListForParent(parent)
	out := make([]core.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}
