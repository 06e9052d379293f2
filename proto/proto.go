// Package proto defines the wire frames exchanged over the telelink
// session connection. Every frame is a JSON object with a "type"
// discriminant; all other fields are optional and frame-type dependent.
package proto

import (
	"encoding/json"
	"time"
)

// Outbound frame types.
const (
	TypePing              = "ping"
	TypePong              = "pong"
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeChatMessage       = "chat_message"
	TypeMediaStateChange  = "media_state_change"
	TypeHandRaise         = "hand_raise"
	TypeUpdateStatus      = "update_status"
	TypeKickUser          = "kick_user"
	TypeWebRTCOffer       = "webrtc_offer"
	TypeWebRTCAnswer      = "webrtc_answer"
	TypeWebRTCICE         = "webrtc_ice_candidate"
)

// Inbound-only frame types.
const (
	TypeConnectionSuccess = "connection_success"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeNotification      = "notification"
	TypeError             = "error"
	TypeAuthWarning       = "auth_warning"
)

// Reserved close-code range signalling an authentication failure, distinct
// from generic abnormal closure. The session layer special-cases these with
// a single credential renewal instead of the backoff loop.
const (
	CloseAuthFailure    = 4001
	closeAuthRangeStart = 4000
	closeAuthRangeEnd   = 4009
)

// IsAuthClose reports whether a close code falls in the reserved
// authentication-failure range.
func IsAuthClose(code int) bool {
	return code >= closeAuthRangeStart && code <= closeAuthRangeEnd
}

// MediaState carries the audio/video/screen-share flags for one participant.
type MediaState struct {
	Audio       bool `json:"audio"`
	Video       bool `json:"video"`
	ScreenShare bool `json:"screen_share"`
}

// Frame is the single wire type for the session connection.
type Frame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	ToUserID string `json:"to_user_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Status   string `json:"status,omitempty"`

	// Media/room state. Pointers so absent fields stay absent on the wire.
	Media      *MediaState `json:"media,omitempty"`
	HandRaised *bool       `json:"hand_raised,omitempty"`
	Quality    string      `json:"connection_quality,omitempty"`

	// Opaque signaling payload (SDP / ICE). Never inspected by this layer.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error frames.
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	TS int64 `json:"ts,omitempty"`
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// format used on every frame.
func NowMillis() int64 { return time.Now().UnixMilli() }
