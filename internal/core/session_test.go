package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/estimation/internal/domain"
)

// fakeSub records every fanned-out event; with fail set it simulates a
// connection that cannot keep up.
type fakeSub struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (f *fakeSub) TrySend(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send buffer full")
	}
	var ev Event
	if err := json.Unmarshal(fr, &ev); err != nil {
		return err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSub) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSub) types() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeSub) last() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

type fakePersister struct {
	task     domain.TaskID
	estimate int
	unit     domain.Unit
	err      error
	calls    int
}

func (f *fakePersister) SaveEstimate(_ context.Context, task domain.TaskID, estimate int, unit domain.Unit) error {
	f.calls++
	f.task = task
	f.estimate = estimate
	f.unit = unit
	return f.err
}

var (
	alice = domain.Participant{ID: "u-alice", Name: "alice"}
	bob   = domain.Participant{ID: "u-bob", Name: "bob"}
)

func ptr(v int) *int { return &v }

func newTestSession(t *testing.T) (*Store, *Session) {
	t.Helper()
	st := NewStore(time.Minute)
	sess, created := st.CreateOrJoin("TASK-1", "SPRINT-1", alice, domain.UnitStoryPoints)
	require.True(t, created)
	return st, sess
}

func TestVoteOverwrite(t *testing.T) {
	_, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)

	_, err = sess.SubmitVote(alice, ptr(3))
	require.NoError(t, err)
	snap, err := sess.SubmitVote(alice, ptr(5))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.VoteCount)

	snap, err = sess.Reveal(alice)
	require.NoError(t, err)
	require.Len(t, snap.Votes, 1)
	require.NotNil(t, snap.Votes[0].Value)
	assert.Equal(t, 5, *snap.Votes[0].Value)
}

func TestVoteValuesHiddenWhileVoting(t *testing.T) {
	_, sess := newTestSession(t)
	sub := &fakeSub{}
	_, err := sess.Join("c1", sub, alice)
	require.NoError(t, err)

	snap, err := sess.SubmitVote(alice, ptr(8))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.VoteCount)
	assert.Nil(t, snap.Votes)
	assert.Nil(t, snap.Result)

	ev := sub.last()
	assert.Equal(t, EventVoteSubmitted, ev.Type)
	assert.Equal(t, 1, ev.Session.VoteCount)
	assert.Nil(t, ev.Session.Votes)
}

func TestRevealFreezesLedger(t *testing.T) {
	_, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)
	_, err = sess.SubmitVote(alice, ptr(5))
	require.NoError(t, err)

	revealed, err := sess.Reveal(alice)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevealed, revealed.Status)

	_, err = sess.SubmitVote(alice, ptr(8))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Ledger byte-for-byte identical until the next round clears it.
	before, err := json.Marshal(revealed.Votes)
	require.NoError(t, err)
	after, err := json.Marshal(sess.Snapshot().Votes)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRevealIdempotent(t *testing.T) {
	_, sess := newTestSession(t)
	sub := &fakeSub{}
	_, err := sess.Join("c1", sub, alice)
	require.NoError(t, err)
	_, err = sess.SubmitVote(alice, ptr(5))
	require.NoError(t, err)

	first, err := sess.Reveal(alice)
	require.NoError(t, err)
	second, err := sess.Reveal(alice)
	require.NoError(t, err)
	assert.Equal(t, first.Result, second.Result)

	reveals := 0
	for _, typ := range sub.types() {
		if typ == EventVotesRevealed {
			reveals++
		}
	}
	assert.Equal(t, 1, reveals)
}

func TestRevealWithPasses(t *testing.T) {
	_, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)
	_, err = sess.Join("c2", &fakeSub{}, bob)
	require.NoError(t, err)

	_, err = sess.SubmitVote(alice, ptr(5))
	require.NoError(t, err)
	_, err = sess.SubmitVote(bob, nil)
	require.NoError(t, err)

	snap, err := sess.Reveal(alice)
	require.NoError(t, err)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 1, snap.Result.Voted)
	assert.Equal(t, 1, snap.Result.Passed)
	assert.Equal(t, 5, snap.Result.SuggestedEstimate)
	assert.Len(t, snap.Votes, 2)
}

func TestNewRoundClearsState(t *testing.T) {
	_, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)

	// Must reveal before a new round can start.
	_, err = sess.NewRound()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = sess.SubmitVote(alice, ptr(13))
	require.NoError(t, err)
	_, err = sess.Reveal(alice)
	require.NoError(t, err)

	snap, err := sess.NewRound()
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVoting, snap.Status)
	assert.Equal(t, 2, snap.Round)
	assert.Equal(t, 0, snap.VoteCount)
	assert.Nil(t, snap.Votes)
	assert.Nil(t, snap.Result)
}

func TestCompleteDefaultsToSuggestedEstimate(t *testing.T) {
	st, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)
	_, err = sess.Join("c2", &fakeSub{}, bob)
	require.NoError(t, err)

	_, err = sess.SubmitVote(alice, ptr(5))
	require.NoError(t, err)
	_, err = sess.SubmitVote(bob, ptr(8))
	require.NoError(t, err)
	_, err = sess.Reveal(alice)
	require.NoError(t, err)

	// Mean of 5 and 8 is 6.5; ties round up.
	persister := &fakePersister{}
	snap, err := sess.Complete(context.Background(), nil, persister)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, snap.Status)
	require.NotNil(t, snap.FinalEstimate)
	assert.Equal(t, 7, *snap.FinalEstimate)

	assert.Equal(t, 1, persister.calls)
	assert.Equal(t, domain.TaskID("TASK-1"), persister.task)
	assert.Equal(t, 7, persister.estimate)
	assert.Equal(t, domain.UnitStoryPoints, persister.unit)

	_, err = st.Get(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteFromVotingWithExplicitEstimate(t *testing.T) {
	_, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)

	snap, err := sess.Complete(context.Background(), ptr(8), &fakePersister{})
	require.NoError(t, err)
	require.NotNil(t, snap.FinalEstimate)
	assert.Equal(t, 8, *snap.FinalEstimate)
}

func TestCompleteWithoutEstimateOrRevealRejected(t *testing.T) {
	_, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)

	_, err = sess.Complete(context.Background(), nil, &fakePersister{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, domain.StatusVoting, sess.Snapshot().Status)
}

func TestCompletePersistFailureKeepsSessionCompleted(t *testing.T) {
	st, sess := newTestSession(t)
	sub := &fakeSub{}
	_, err := sess.Join("c1", sub, alice)
	require.NoError(t, err)

	persister := &fakePersister{err: errors.New("task service down")}
	snap, err := sess.Complete(context.Background(), ptr(5), persister)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, domain.StatusCompleted, snap.Status)

	// The completion broadcast went out before the hand-off failed.
	types := sub.types()
	assert.Equal(t, EventSessionCompleted, types[len(types)-1])

	_, err = st.Get(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalImmutability(t *testing.T) {
	st, sess := newTestSession(t)
	sub := &fakeSub{}
	_, err := sess.Join("c1", sub, alice)
	require.NoError(t, err)

	snap, err := sess.Cancel(&alice)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, snap.Status)

	// Observers get the cancellation; the socket itself stays open for the
	// next session.
	assert.Equal(t, EventSessionCancelled, sub.last().Type)
	assert.False(t, sub.closed)

	_, err = st.Get(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sess.SubmitVote(alice, ptr(3))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sess.Reveal(alice)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sess.NewRound()
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sess.Complete(context.Background(), ptr(3), nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sess.Cancel(&alice)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sess.Join("c2", &fakeSub{}, bob)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPresenceRefcount(t *testing.T) {
	_, sess := newTestSession(t)
	observer := &fakeSub{}
	_, err := sess.Join("c-bob", observer, bob)
	require.NoError(t, err)

	// Two tabs, one participant: a single join broadcast.
	snap, err := sess.Join("c-alice-1", &fakeSub{}, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PresenceCount)
	snap, err = sess.Join("c-alice-2", &fakeSub{}, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PresenceCount)

	joins := 0
	for _, typ := range observer.types() {
		if typ == EventParticipantJoined {
			joins++
		}
	}
	assert.Equal(t, 1, joins)

	// Closing one tab keeps the participant present.
	sess.Leave("c-alice-1")
	assert.Equal(t, 2, sess.Snapshot().PresenceCount)
	for _, typ := range observer.types() {
		assert.NotEqual(t, EventParticipantLeft, typ)
	}

	// Closing the last tab marks them absent, once.
	sess.Leave("c-alice-2")
	assert.Equal(t, 1, sess.Snapshot().PresenceCount)
	lefts := 0
	for _, typ := range observer.types() {
		if typ == EventParticipantLeft {
			lefts++
		}
	}
	assert.Equal(t, 1, lefts)
}

func TestDepartureKeepsVote(t *testing.T) {
	_, sess := newTestSession(t)
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)
	_, err = sess.Join("c2", &fakeSub{}, bob)
	require.NoError(t, err)

	_, err = sess.SubmitVote(bob, ptr(8))
	require.NoError(t, err)
	sess.Leave("c2")

	snap, err := sess.Reveal(alice)
	require.NoError(t, err)
	require.Len(t, snap.Votes, 1)
	assert.Equal(t, bob.ID, snap.Votes[0].Participant)
}

func TestBroadcastOrdering(t *testing.T) {
	_, sess := newTestSession(t)
	sub1 := &fakeSub{}
	sub2 := &fakeSub{}
	_, err := sess.Join("c1", sub1, alice)
	require.NoError(t, err)
	_, err = sess.Join("c2", sub2, bob)
	require.NoError(t, err)

	_, err = sess.SubmitVote(alice, ptr(3))
	require.NoError(t, err)
	_, err = sess.SubmitVote(bob, ptr(5))
	require.NoError(t, err)
	_, err = sess.Reveal(bob)
	require.NoError(t, err)
	_, err = sess.NewRound()
	require.NoError(t, err)

	common := []EventType{EventVoteSubmitted, EventVoteSubmitted, EventVotesRevealed, EventRoundStarted}
	assert.Equal(t, append([]EventType{EventParticipantJoined}, common...), sub1.types())
	assert.Equal(t, common, sub2.types())
}

func TestSlowSubscriberDropped(t *testing.T) {
	_, sess := newTestSession(t)
	slow := &fakeSub{fail: true}
	_, err := sess.Join("c1", &fakeSub{}, alice)
	require.NoError(t, err)
	_, err = sess.Join("c2", slow, bob)
	require.NoError(t, err)

	_, err = sess.SubmitVote(alice, ptr(5))
	require.NoError(t, err)

	assert.True(t, slow.closed)
	assert.Equal(t, 1, sess.Snapshot().PresenceCount)
}

func TestRenamePropagates(t *testing.T) {
	_, sess := newTestSession(t)
	sub := &fakeSub{}
	_, err := sess.Join("c1", sub, alice)
	require.NoError(t, err)
	_, err = sess.Join("c2", &fakeSub{}, bob)
	require.NoError(t, err)
	_, err = sess.SubmitVote(bob, ptr(5))
	require.NoError(t, err)

	renamed := domain.Participant{ID: bob.ID, Name: "robert"}
	sess.UpdateParticipant(renamed)

	ev := sub.last()
	assert.Equal(t, EventParticipantRenamed, ev.Type)

	snap, err := sess.Reveal(alice)
	require.NoError(t, err)
	require.Len(t, snap.Votes, 1)
	assert.Equal(t, "robert", snap.Votes[0].Name)
	for _, p := range snap.Participants {
		if p.ID == bob.ID {
			assert.Equal(t, "robert", p.Name)
		}
	}
}
