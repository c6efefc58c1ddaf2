package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/estimation/internal/core"
	"github.com/opsdeck/estimation/internal/domain"
)

type recordingSub struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (r *recordingSub) TrySend(f core.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSub) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type stubPersister struct {
	err      error
	estimate int
}

func (s *stubPersister) SaveEstimate(_ context.Context, _ domain.TaskID, estimate int, _ domain.Unit) error {
	s.estimate = estimate
	return s.err
}

func newCoordinator(persister core.TaskPersister) *Coordinator {
	return &Coordinator{
		Store: core.NewStore(time.Minute),
		Tasks: persister,
	}
}

func ptr(v int) *int { return &v }

var carol = domain.Participant{ID: "u-carol", Name: "carol"}

func TestCreateAndJoinConverges(t *testing.T) {
	coord := newCoordinator(nil)

	first, created, err := coord.CreateAndJoin("TASK-1", "SPRINT-1", carol, domain.UnitStoryPoints, "c1", &recordingSub{})
	require.NoError(t, err)
	assert.True(t, created)

	dave := domain.Participant{ID: "u-dave", Name: "dave"}
	second, created, err := coord.CreateAndJoin("TASK-1", "SPRINT-1", dave, domain.UnitStoryPoints, "c2", &recordingSub{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.PresenceCount)
}

func TestFullRoundTrip(t *testing.T) {
	persister := &stubPersister{}
	coord := newCoordinator(persister)

	snap, _, err := coord.CreateAndJoin("TASK-2", "", carol, domain.UnitHours, "c1", &recordingSub{})
	require.NoError(t, err)
	sid := snap.ID

	snap, err = coord.Vote(sid, carol, ptr(3))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.VoteCount)

	snap, err = coord.Reveal(sid, carol)
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.HasConsensus)

	snap, err = coord.NewRound(sid)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Round)

	snap, err = coord.Complete(context.Background(), sid, ptr(3))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, snap.Status)
	assert.Equal(t, 3, persister.estimate)

	_, err = coord.Get(sid)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCompletePersistenceFailureSurfaced(t *testing.T) {
	coord := newCoordinator(&stubPersister{err: errors.New("boom")})

	snap, _, err := coord.CreateAndJoin("TASK-3", "", carol, domain.UnitStoryPoints, "c1", &recordingSub{})
	require.NoError(t, err)

	snap, err = coord.Complete(context.Background(), snap.ID, ptr(5))
	assert.ErrorIs(t, err, core.ErrPersistence)
	assert.Equal(t, domain.StatusCompleted, snap.Status)
}

func TestUnknownSessionOperations(t *testing.T) {
	coord := newCoordinator(nil)

	_, err := coord.Vote("nope", carol, ptr(1))
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = coord.Reveal("nope", carol)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = coord.Get("nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
	// Leave is cleanup, not a transition: tolerant of stale ids.
	coord.Leave("nope", "c1")
}

func TestListForParent(t *testing.T) {
	coord := newCoordinator(nil)
	_, _, err := coord.CreateAndJoin("TASK-A", "BOARD-1", carol, domain.UnitStoryPoints, "c1", &recordingSub{})
	require.NoError(t, err)
	_, _, err = coord.CreateAndJoin("TASK-B", "BOARD-1", carol, domain.UnitStoryPoints, "c2", &recordingSub{})
	require.NoError(t, err)

	assert.Len(t, coord.ListForParent("BOARD-1"), 2)
	assert.Empty(t, coord.ListForParent("BOARD-2"))
}

func TestRegistryIdentity(t *testing.T) {
	reg := NewRegistry()

	p := reg.GetOrCreateParticipant("tok-1")
	assert.Equal(t, "guest", p.Name)
	same := reg.GetOrCreateParticipant("tok-1")
	assert.Same(t, p, same)

	require.NoError(t, reg.UpdateName("tok-1", "carol"))
	assert.Equal(t, "carol", p.Name)
	assert.Error(t, reg.UpdateName("tok-1", ""))

	reg.BindConn("c1", "tok-1", nil)
	_, ok := reg.ConnSession("c1")
	assert.False(t, ok)
	reg.SetConnSession("c1", "sess-1")
	sid, ok := reg.ConnSession("c1")
	assert.True(t, ok)
	assert.Equal(t, domain.SessionID("sess-1"), sid)

	reg.UnbindConn("c1")
	_, ok = reg.ConnSession("c1")
	assert.False(t, ok)
}
