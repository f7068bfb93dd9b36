// Package protocol defines the framed control-stream wire protocol
// and the per-connection state machine.
//
// Grounded on protocol.go's ControlMsg JSON envelope (newline-framed
// JSON on a single reliable stream), generalized from the teacher's
// ad hoc message set to the full spec §6 frame catalogue.
package protocol

import "encoding/json"

// Type is the wire discriminator tag for a control frame.
type Type string

const (
	TypeAuthRequest     Type = "auth_request"
	TypeAuthResponse    Type = "auth_response"
	TypeJoinChannel     Type = "join_channel"
	TypeChannelSnapshot Type = "channel_snapshot"
	TypeLeaveChannel    Type = "leave_channel"
	TypeSetMute         Type = "set_mute"
	TypePostChat        Type = "post_chat"
	TypeMoveChannel     Type = "move_channel"
	TypePresenceEvent   Type = "presence_event"
	TypeChatEvent       Type = "chat_event"
	TypeModerationEvent Type = "moderation_event"
	TypeError           Type = "error"
)

// Frame is the envelope every control message is wrapped in. Body
// holds the type-specific payload as raw JSON, decoded into the
// matching struct below by the caller once Type is known — the same
// two-phase decode idiom protocol.go's ControlMsg uses.
type Frame struct {
	Type   Type            `json:"type"`
	CorrID string          `json:"corr_id,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Encode marshals a typed payload into a Frame's Body.
func Encode(typ Type, corrID string, payload any) (Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, CorrID: corrID, Body: body}, nil
}

// Decode unmarshals a Frame's Body into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Body) == 0 {
		return nil
	}
	return json.Unmarshal(f.Body, dst)
}

// AuthRequest carries the bearer token presented at connection open.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse confirms authentication and hands back the initial
// capability snapshot.
type AuthResponse struct {
	User         string   `json:"user"`
	CapsSnapshot []string `json:"caps_snapshot"`
}

// JoinChannel requests membership in a channel.
type JoinChannel struct {
	ChannelID string `json:"channel_id"`
}

// MemberView is the member-list shape returned in a ChannelSnapshot.
type MemberView struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Muted       bool   `json:"muted"`
	Deafened    bool   `json:"deafened"`
}

// ChatView is one message in a ChannelSnapshot's recent-chat history.
type ChatView struct {
	ID          string `json:"id"`
	AuthorID    string `json:"author_id"`
	Text        string `json:"text"`
	Attachments string `json:"attachments,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// ChannelSnapshot is the reply to a successful JoinChannel.
type ChannelSnapshot struct {
	ChannelID  string       `json:"channel_id"`
	Members    []MemberView `json:"members"`
	RecentChat []ChatView   `json:"recent_chat"`
}

// LeaveChannel has no fields; it acts on the caller's current channel.
type LeaveChannel struct{}

// SetMute mutes or unmutes target_user. Muting oneself requires no
// capability; muting someone else requires channel.moderate.
type SetMute struct {
	TargetUser string `json:"target_user"`
	Muted      bool   `json:"muted"`
}

// PostChat posts a chat message to a channel.
type PostChat struct {
	ChannelID   string `json:"channel_id"`
	Text        string `json:"text"`
	Attachments string `json:"attachments,omitempty"`
}

// MoveChannel relocates target_user to a different channel. Requires
// channel.moderate (enforced by the caller, not this type).
type MoveChannel struct {
	TargetUser string `json:"target_user"`
	ToChannel  string `json:"to_channel"`
}

// PresenceKind enumerates PresenceEvent's kind field.
type PresenceKind string

const (
	PresenceJoin   PresenceKind = "join"
	PresenceLeave  PresenceKind = "leave"
	PresenceMute   PresenceKind = "mute"
	PresenceDeafen PresenceKind = "deafen"
	PresenceMove   PresenceKind = "move"
)

// PresenceEvent is a server-pushed notification of membership change.
type PresenceEvent struct {
	Kind        PresenceKind `json:"kind"`
	ChannelID   string       `json:"channel_id"`
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name"`
	TSMs        int64        `json:"ts_ms"`
}

// ChatEvent is a server-pushed chat message delivery.
type ChatEvent struct {
	Message ChatView `json:"message"`
}

// ModerationEvent is a server-pushed notice of a moderation action.
type ModerationEvent struct {
	Kind   string `json:"kind"`
	Actor  string `json:"actor"`
	Target string `json:"target"`
}

// Error kinds surfaced at the control protocol, per spec §7.
const (
	ErrUnauthenticated = "unauthenticated"
	ErrForbidden       = "forbidden"
	ErrNotFound        = "not_found"
	ErrConflict        = "conflict"
	ErrRateLimited     = "rate_limited"
	ErrTooLarge        = "too_large"
	ErrServerBusy      = "server_busy"
	ErrInternal        = "internal"
	ErrSuperseded      = "superseded"
)

// ErrorFrame is pushed on any terminal or operation-level error.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
