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

func TestStartClassHostOnly(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	mustJoin(t, svc, room, "student-1", newFakeSink("conn-a"))

	_, err := svc.StartClass(room, "student-1")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StatusScheduled, room.Status())

	ev, err := svc.StartClass(room, testHostID)
	require.NoError(t, err)
	assert.Equal(t, EventSessionStart, ev.Type)
	assert.Equal(t, StatusLive, room.Status())

	// Already live.
	_, err = svc.StartClass(room, testHostID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEndClassRequiresLive(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))

	// Scheduled -> Ended is not a legal transition.
	_, err := svc.EndClass(context.Background(), room, testHostID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEndClassBroadcastsThenDisconnectsAndFlushesOnce(t *testing.T) {
	fl := &fakeFlusher{}
	svc, room := newTestService(t, fl)
	hostSink := newFakeSink("conn-host")
	attSink := newFakeSink("conn-a")
	mustJoin(t, svc, room, testHostID, hostSink)
	mustJoin(t, svc, room, "student-1", attSink)

	_, err := svc.StartClass(room, testHostID)
	require.NoError(t, err)
	_, err = svc.SendChat(room, testHostID, ChatPayload{Content: "bye", ContentType: "text"})
	require.NoError(t, err)

	_, err = svc.EndClass(context.Background(), room, testHostID)
	require.NoError(t, err)

	assert.Equal(t, StatusEnded, room.Status())
	assert.Empty(t, room.Roster())
	assert.True(t, hostSink.isClosed())
	assert.True(t, attSink.isClosed())
	// The end event was queued before the sinks were closed.
	assert.Contains(t, attSink.eventNames(), OutClassEnded)

	require.Eventually(t, func() bool {
		return svc.Registry().Len() == 0
	}, time.Second, 5*time.Millisecond, "room should be removed after flush")
	assert.Equal(t, 1, fl.callCount())

	// The flushed log is the complete ordered history.
	require.NotEmpty(t, fl.flushed)
	for i, ev := range fl.flushed {
		assert.Equal(t, uint64(i+1), ev.ID)
	}
	assert.Equal(t, EventSessionEnd, fl.flushed[len(fl.flushed)-1].Type)

	// A second end must not re-flush.
	_, err = svc.EndClass(context.Background(), room, testHostID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, fl.callCount())
}

func TestEndedRoomRejectsNewActivity(t *testing.T) {
	svc, room := newTestService(t, nil)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	_, err := svc.StartClass(room, testHostID)
	require.NoError(t, err)
	_, err = svc.EndClass(context.Background(), room, testHostID)
	require.NoError(t, err)

	_, err = svc.Join(context.Background(), room, "latecomer", newFakeSink("conn-late"), 0)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Even the former host cannot act on an ended room.
	_, err = svc.SendChat(room, testHostID, ChatPayload{Content: "m", ContentType: "text"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	fl := &fakeFlusher{failures: 1}
	svc, room := newTestService(t, fl)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	_, err := svc.StartClass(room, testHostID)
	require.NoError(t, err)
	_, err = svc.EndClass(context.Background(), room, testHostID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return svc.Registry().Len() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fl.callCount())
}

func TestFlushExhaustionKeepsRoomEnded(t *testing.T) {
	fl := &fakeFlusher{failures: 100} // never succeeds within 2 attempts
	svc, room := newTestService(t, fl)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	_, err := svc.StartClass(room, testHostID)
	require.NoError(t, err)
	_, err = svc.EndClass(context.Background(), room, testHostID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fl.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	// The transition is authoritative even though persistence failed, and the
	// room stays registered for operator intervention.
	assert.Equal(t, StatusEnded, room.Status())
	got, err := svc.Registry().Get(testClassID)
	require.NoError(t, err)
	assert.Same(t, room, got)
}

func TestEndedClassIsNotResurrected(t *testing.T) {
	fl := &fakeFlusher{}
	meta := &fakeMeta{infos: map[string]*ClassInfo{
		testClassID: {SessionID: testClassID, HostID: testHostID, ScheduledStart: time.Now()},
	}}
	reg := NewRegistry(meta, zap.NewNop())
	svc := NewService(reg, fl, nil, nil, ServiceOptions{
		FlushAttempts: 2,
		FlushBackoff:  time.Millisecond,
	}, zap.NewNop())
	svc.SetStatusRecorder(meta)

	room, err := reg.GetOrCreate(context.Background(), testClassID)
	require.NoError(t, err)
	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	_, err = svc.StartClass(room, testHostID)
	require.NoError(t, err)
	_, err = svc.EndClass(context.Background(), room, testHostID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reg.Len() == 0 && meta.status(testClassID) == StatusEnded
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, fl.callCount())

	// A late connect must not bring the ended session back as a fresh
	// Scheduled room: Ended is terminal and the log was already flushed.
	_, err = reg.GetOrCreate(context.Background(), testClassID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, fl.callCount())
}

type recordingExporter struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingExporter) EnqueueTranscriptExport(_ context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, sessionID)
	return nil
}

func TestSuccessfulFlushEnqueuesTranscriptExport(t *testing.T) {
	meta := &fakeMeta{infos: map[string]*ClassInfo{
		testClassID: {SessionID: testClassID, HostID: testHostID, ScheduledStart: time.Now()},
	}}
	reg := NewRegistry(meta, zap.NewNop())
	exp := &recordingExporter{}
	svc := NewService(reg, &fakeFlusher{}, nil, exp, ServiceOptions{
		FlushAttempts: 2,
		FlushBackoff:  time.Millisecond,
	}, zap.NewNop())
	room, err := reg.GetOrCreate(context.Background(), testClassID)
	require.NoError(t, err)

	mustJoin(t, svc, room, testHostID, newFakeSink("conn-host"))
	_, err = svc.StartClass(room, testHostID)
	require.NoError(t, err)
	_, err = svc.EndClass(context.Background(), room, testHostID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return len(exp.ids) == 1 && exp.ids[0] == testClassID
	}, time.Second, 5*time.Millisecond)
}
