package live

// Action names the operations subject to authorization.
type Action string

const (
	ActionChat        Action = "chat"
	ActionHandRaise   Action = "hand_raise"
	ActionMediaToggle Action = "media_toggle"
	ActionScreenShare Action = "screen_share"
	ActionWhiteboard  Action = "whiteboard"
	ActionStartClass  Action = "start_class"
	ActionEndClass    Action = "end_class"
)

// authorizeLocked validates that senderID may perform action in the room.
// Rules: start/end and media toggles targeting another user are host-only;
// everything else requires a current participant entry. A sender with no
// entry is rejected regardless of action, which also blocks replayed signals
// from disconnected or never-joined identities. targetID is empty except for
// media toggles.
func authorizeLocked(r *Room, senderID string, action Action, targetID string) error {
	if _, ok := r.participants[senderID]; !ok {
		return ErrUnauthorized
	}
	switch action {
	case ActionStartClass, ActionEndClass:
		if senderID != r.HostID {
			return ErrUnauthorized
		}
	case ActionMediaToggle:
		if targetID != "" && targetID != senderID && senderID != r.HostID {
			return ErrUnauthorized
		}
	}
	return nil
}
