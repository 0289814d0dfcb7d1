package live

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutboundNameDependsOnPayload(t *testing.T) {
	mk := func(typ EventType, payload interface{}) *Event {
		raw, _ := json.Marshal(payload)
		return &Event{ID: 1, Type: typ, Payload: raw}
	}

	assert.Equal(t, OutAudioStateChanged,
		outboundName(mk(EventMediaToggle, MediaTogglePayload{Kind: MediaKindAudio, Enabled: false})))
	assert.Equal(t, OutVideoStateChanged,
		outboundName(mk(EventMediaToggle, MediaTogglePayload{Kind: MediaKindVideo, Enabled: true})))
	assert.Equal(t, OutScreenShareStarted,
		outboundName(mk(EventScreenShare, ScreenSharePayload{Active: true})))
	assert.Equal(t, OutScreenShareStopped,
		outboundName(mk(EventScreenShare, ScreenSharePayload{Active: false})))
	assert.Equal(t, OutWhiteboardUpdate, outboundName(&Event{Type: EventWhiteboardClear}))
	assert.Equal(t, OutClassStarted, outboundName(&Event{Type: EventSessionStart}))
	assert.Equal(t, OutClassEnded, outboundName(&Event{Type: EventSessionEnd}))
}

func TestMessageForCarriesSequence(t *testing.T) {
	ev := &Event{ID: 42, Type: EventChat, SenderID: "u1"}
	msg := messageFor(ev)
	assert.Equal(t, OutNewMessage, msg.Event)
	assert.Equal(t, uint64(42), msg.Seq)

	var decoded Event
	assert.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}
