package broadcast

// Event type tags carried in the "type" field of every broadcast payload.
const (
	EventTranscript        = "transcript"
	EventArgumentUpdate    = "argument_update"
	EventAnchor            = "anchor"
	EventAnchorAdd         = "add"
	EventAnchorRemove      = "remove"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventParticipantUpdate = "participant_update"
	EventSessionRemoved    = "session_removed"
	EventSessionsUpdate    = "sessions_update"
	EventConnected         = "connected"
	EventKeepalive         = "keepalive"
	EventInitialState      = "initial_state"
)

// GlobalTopic carries session-list updates for home page viewers.
const GlobalTopic = "sessions"

// TopicForSession names the per-session event topic.
func TopicForSession(sessionID string) string {
	return "session:" + sessionID
}
