package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	id     string
	mu     sync.Mutex
	msgs   []Message
	closed bool
	full   bool
}

func newFakeSink(id string) *fakeSink { return &fakeSink{id: id} }

func (f *fakeSink) ConnectionID() string { return f.id }

func (f *fakeSink) Enqueue(m Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSink) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Event
	}
	return out
}

func (f *fakeSink) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

type fakeFlusher struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many attempts before succeeding
	flushed  []*Event
}

func (f *fakeFlusher) Flush(_ context.Context, _ string, events []*Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return assert.AnError
	}
	f.flushed = events
	return nil
}

func (f *fakeFlusher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMeta struct {
	mu    sync.Mutex
	infos map[string]*ClassInfo
	calls int
}

func (f *fakeMeta) ClassInfo(_ context.Context, sessionID string) (*ClassInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.infos[sessionID], nil
}

// UpdateStatus lets the fake double as the StatusRecorder collaborator, so
// lifecycle transitions feed back into what ClassInfo reports.
func (f *fakeMeta) UpdateStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[id]; ok {
		info.Status = Status(status)
	}
	return nil
}

func (f *fakeMeta) status(id string) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[id]; ok {
		return info.Status
	}
	return ""
}

const (
	testClassID = "class-1"
	testHostID  = "host-1"
)

func newTestService(t *testing.T, fl Flusher) (*Service, *Room) {
	t.Helper()
	meta := &fakeMeta{infos: map[string]*ClassInfo{
		testClassID: {SessionID: testClassID, HostID: testHostID, ScheduledStart: time.Now()},
	}}
	reg := NewRegistry(meta, zap.NewNop())
	if fl == nil {
		fl = &fakeFlusher{}
	}
	svc := NewService(reg, fl, nil, nil, ServiceOptions{
		FlushAttempts: 2,
		FlushBackoff:  time.Millisecond,
	}, zap.NewNop())
	room, err := reg.GetOrCreate(context.Background(), testClassID)
	require.NoError(t, err)
	return svc, room
}

func mustJoin(t *testing.T, svc *Service, room *Room, userID string, sink Sink) *RoomState {
	t.Helper()
	state, err := svc.Join(context.Background(), room, userID, sink, 0)
	require.NoError(t, err)
	return state
}

func TestJoinDeliversSnapshotBeforeEvents(t *testing.T) {
	svc, room := newTestService(t, nil)

	hostSink := newFakeSink("conn-host")
	state := mustJoin(t, svc, room, testHostID, hostSink)
	assert.Equal(t, StatusScheduled, state.Status)
	assert.Equal(t, uint64(1), state.LastSeq) // the join event itself
	require.Len(t, state.Participants, 1)
	assert.Equal(t, RoleHost, state.Participants[0].Role)

	// The joiner's first queued frame is its own snapshot, not the join event.
	names := hostSink.eventNames()
	require.NotEmpty(t, names)
	assert.Equal(t, OutRoomState, names[0])

	attSink := newFakeSink("conn-att")
	attState := mustJoin(t, svc, room, "student-1", attSink)
	assert.Len(t, attState.Participants, 2)

	assert.Contains(t, hostSink.eventNames(), OutUserJoined)
	assert.Equal(t, OutRoomState, attSink.eventNames()[0])
}

func TestRejoinReplacesOldConnection(t *testing.T) {
	svc, room := newTestService(t, nil)
	hostSink := newFakeSink("conn-host")
	mustJoin(t, svc, room, testHostID, hostSink)

	oldSink := newFakeSink("conn-old")
	mustJoin(t, svc, room, "student-1", oldSink)

	newSink := newFakeSink("conn-new")
	mustJoin(t, svc, room, "student-1", newSink)

	// One entry per user, bound to the new connection.
	p, ok := room.Participant("student-1")
	require.True(t, ok)
	assert.Equal(t, "conn-new", p.ConnectionID)
	assert.Len(t, room.Roster(), 2)
	assert.True(t, oldSink.isClosed())

	// Observers see leave then join, in that order.
	names := hostSink.eventNames()
	var leaveIdx, joinIdx = -1, -1
	for i, n := range names {
		if n == OutUserLeft && leaveIdx == -1 {
			leaveIdx = i
		}
		if n == OutUserJoined && i > leaveIdx && leaveIdx != -1 {
			joinIdx = i
		}
	}
	require.NotEqual(t, -1, leaveIdx)
	require.NotEqual(t, -1, joinIdx)
	assert.Less(t, leaveIdx, joinIdx)
}

func TestRejoinResetsTransientFlags(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	mustJoin(t, svc, room, "student-1", newFakeSink("conn-a"))

	_, err := svc.RaiseHand(room, "student-1", true)
	require.NoError(t, err)
	_, err = svc.ToggleMedia(room, "student-1", "", MediaKindAudio, true)
	require.NoError(t, err)

	mustJoin(t, svc, room, "student-1", newFakeSink("conn-b"))
	p, ok := room.Participant("student-1")
	require.True(t, ok)
	assert.False(t, p.HandRaised)
	assert.False(t, p.IsAudioEnabled)
}

func TestLeaveWithStaleConnectionIsNoOp(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, "student-1", newFakeSink("conn-a"))
	before := room.EventCount()

	err := svc.Leave(context.Background(), room, "student-1", "conn-stale", LeaveReasonDisconnect)
	assert.ErrorIs(t, err, ErrStaleConnection)

	// Roster and log untouched.
	_, ok := room.Participant("student-1")
	assert.True(t, ok)
	assert.Equal(t, before, room.EventCount())
}

func TestLeaveRemovesParticipantAndAppendsEvent(t *testing.T) {
	svc, room := newTestService(t, nil)
	hostSink := newFakeSink("conn-host")
	mustJoin(t, svc, room, testHostID, hostSink)
	mustJoin(t, svc, room, "student-1", newFakeSink("conn-a"))

	err := svc.Leave(context.Background(), room, "student-1", "conn-a", LeaveReasonDisconnect)
	require.NoError(t, err)

	_, ok := room.Participant("student-1")
	assert.False(t, ok)
	assert.Contains(t, hostSink.eventNames(), OutUserLeft)
}

func TestNonParticipantRejectedWithoutSideEffects(t *testing.T) {
	svc, room := newTestService(t, nil)
	hostSink := newFakeSink("conn-host")
	mustJoin(t, svc, room, testHostID, hostSink)
	before := room.EventCount()
	beforeMsgs := len(hostSink.messages())

	_, err := svc.SendChat(room, "intruder", ChatPayload{Content: "hi", ContentType: "text"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.RaiseHand(room, "intruder", true)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.WhiteboardClear(room, "intruder")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// No event appended, nothing broadcast.
	assert.Equal(t, before, room.EventCount())
	assert.Len(t, hostSink.messages(), beforeMsgs)
}

func TestChatAllowedInLobby(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, "student-1", newFakeSink("conn-a"))

	require.Equal(t, StatusScheduled, room.Status())
	ev, err := svc.SendChat(room, "student-1", ChatPayload{Content: "early", ContentType: "text"})
	require.NoError(t, err)
	assert.Equal(t, EventChat, ev.Type)
}

func TestToggleMediaRules(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	mustJoin(t, svc, room, "student-1", newFakeSink("conn-a"))
	mustJoin(t, svc, room, "student-2", newFakeSink("conn-b"))

	// Self toggle always allowed.
	_, err := svc.ToggleMedia(room, "student-1", "", MediaKindAudio, true)
	require.NoError(t, err)
	p, _ := room.Participant("student-1")
	assert.True(t, p.IsAudioEnabled)

	// Attendee may not toggle another participant.
	_, err = svc.ToggleMedia(room, "student-2", "student-1", MediaKindAudio, false)
	assert.ErrorIs(t, err, ErrUnauthorized)
	p, _ = room.Participant("student-1")
	assert.True(t, p.IsAudioEnabled, "rejected toggle must not change state")

	// Host may mute.
	_, err = svc.ToggleMedia(room, testHostID, "student-1", MediaKindAudio, false)
	require.NoError(t, err)
	p, _ = room.Participant("student-1")
	assert.False(t, p.IsAudioEnabled)

	// Host may not force a device on.
	_, err = svc.ToggleMedia(room, testHostID, "student-1", MediaKindAudio, true)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Unknown target.
	_, err = svc.ToggleMedia(room, testHostID, "ghost", MediaKindAudio, false)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unknown media kind is a validation failure, not a lifecycle error, and
	// appends nothing.
	before := room.EventCount()
	_, err = svc.ToggleMedia(room, testHostID, "", "speaker", true)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, before, room.EventCount())
}

func TestWhiteboardFoldMatchesMaterializedState(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))

	stroke := func(x float64) StrokePayload {
		return StrokePayload{Points: []Point{{X: x, Y: x}}, Color: "#000", Thickness: 2}
	}
	_, err := svc.WhiteboardStroke(room, testHostID, stroke(1))
	require.NoError(t, err)
	_, err = svc.WhiteboardStroke(room, testHostID, stroke(2))
	require.NoError(t, err)
	_, err = svc.WhiteboardClear(room, testHostID)
	require.NoError(t, err)
	_, err = svc.WhiteboardStroke(room, testHostID, stroke(3))
	require.NoError(t, err)

	materialized := room.Whiteboard()
	require.Len(t, materialized, 1)
	assert.Equal(t, 3.0, materialized[0].Points[0].X)

	// Replaying the log must rebuild exactly the materialized state.
	assert.Equal(t, materialized, FoldWhiteboard(room.Replay(0)))
}

func TestReplaySinceReturnsSuffix(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host")) // seq 1
	for i := 0; i < 5; i++ {
		_, err := svc.SendChat(room, testHostID, ChatPayload{Content: "m", ContentType: "text"})
		require.NoError(t, err)
	}

	all := room.Replay(0)
	require.Len(t, all, 6)
	for i, ev := range all {
		assert.Equal(t, uint64(i+1), ev.ID)
	}

	tail := room.Replay(4)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(5), tail[0].ID)
	assert.Equal(t, uint64(6), tail[1].ID)

	assert.Empty(t, room.Replay(100))
}

func TestJoinWithSinceWatermark(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	for i := 0; i < 3; i++ {
		_, err := svc.SendChat(room, testHostID, ChatPayload{Content: "m", ContentType: "text"})
		require.NoError(t, err)
	}

	sink := newFakeSink("conn-a")
	state, err := svc.Join(context.Background(), room, "student-1", sink, 2)
	require.NoError(t, err)
	require.NotEmpty(t, state.Events)
	assert.Equal(t, uint64(3), state.Events[0].ID)
	assert.Equal(t, state.LastSeq, state.Events[len(state.Events)-1].ID)
}

func TestConcurrentAppendsKeepIDsContiguous(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))

	const workers = 4
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := svc.SendChat(room, testHostID, ChatPayload{Content: "m", ContentType: "text"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events := room.Replay(0)
	require.Len(t, events, workers*perWorker+1)
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.ID, "IDs must be contiguous from 1")
	}
}

func TestSlowSinkDoesNotBlockBroadcast(t *testing.T) {
	svc, room := newTestService(t, nil)
	healthy := newFakeSink("conn-host")
	mustJoin(t, svc, room, testHostID, healthy)

	stuck := newFakeSink("conn-stuck")
	mustJoin(t, svc, room, "student-1", stuck)
	stuck.mu.Lock()
	stuck.full = true
	stuck.mu.Unlock()

	_, err := svc.SendChat(room, testHostID, ChatPayload{Content: "m", ContentType: "text"})
	require.NoError(t, err)

	// The healthy connection still receives the frame; the stuck one is
	// skipped, never waited on.
	assert.Contains(t, healthy.eventNames(), OutNewMessage)
}
