// Package protocol defines the wire format exchanged over the session
// socket: a flat JSON envelope plus the payload types carried inside it.
package protocol

import "encoding/json"

// Event names. Stable across reconnects — clients match on these verbatim.
const (
	EventConnect           = "connect"
	EventWelcome           = "welcome"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventUpdateUserList    = "update-user-list"
	EventMessage           = "message"
	EventStartUpload       = "start-upload"
	EventRequestNameChange = "request-name-change"
	EventNameChangeSuccess = "name-change-success"
	EventNameChangeFail    = "name-change-fail"
	EventTextMessage       = "text-message"
	EventFileMeta          = "file-meta"
)

// Frame is the envelope every session-socket message is wrapped in:
// an event name plus an opaque JSON payload decoded per Event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload and wraps it under event.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// User is the profile broadcast to peers: stable id, display name, color,
// and device class. Never includes the session token or socket id.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Device string `json:"device"`
}

// ConnectPayload is the first frame a client must send after the socket
// opens. SessionID lets a reconnect resume an existing session within the
// grace period; RoomCode is required when the server has admission enabled.
type ConnectPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	RoomCode  string `json:"roomCode,omitempty"`
}

// WelcomePayload is sent once, right after a successful connect.
type WelcomePayload struct {
	User      User   `json:"user"`
	AllUsers  []User `json:"allUsers"`
	ServerURL string `json:"serverUrl"`
}

// StartUploadPayload tells the owning socket to POST file bytes for a
// range a downloader has requested.
type StartUploadPayload struct {
	FileID     string `json:"fileId"`
	TransferID string `json:"transferId"`
	Offset     uint64 `json:"offset"`
	End        uint64 `json:"end"`
}

// TextMessage is the enriched payload broadcast for a chat message.
type TextMessage struct {
	ID           int64  `json:"id"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderColor  string `json:"senderColor"`
	SenderDevice string `json:"senderDevice"`
	Type         string `json:"type"`
	Text         string `json:"text"`
}

// FileMeta is the free-form file announcement payload. The router enriches
// it in place with sender identity and sentinel defaults before fan-out.
type FileMeta map[string]any

// String reads a string field, returning "" if absent or not a string.
func (f FileMeta) String(key string) string {
	v, ok := f[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Uint64 reads a numeric field, returning 0 if absent or not a number.
func (f FileMeta) Uint64(key string) uint64 {
	v, ok := f[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case json.Number:
		u, _ := n.Int64()
		if u < 0 {
			return 0
		}
		return uint64(u)
	default:
		return 0
	}
}
