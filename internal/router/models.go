package router

import (
	"context"
	"log/slog"

	json "github.com/goccy/go-json"

	"github.com/a-essam23/vibemap/pkg/state"
)

// Inbound event names.
const (
	EventUpdateLocation  = "update_location"
	EventSetVibe         = "set_vibe"
	EventJoinVideoRoom   = "join_video_room"
	EventLeaveVideoRoom  = "leave_video_room"
	EventRTCOffer        = "rtc_offer"
	EventRTCAnswer       = "rtc_answer"
	EventRTCIceCandidate = "rtc_ice_candidate"
)

// Outbound event names.
const (
	EventNearbyUpdate     = "nearby_update"
	EventGlobalVibeChange = "global_vibe_change"
	EventUserJoinedCall   = "user_joined_call"
	EventUserLeftCall     = "user_left_call"
	EventError            = "error"
)

// Messages carried by error replies.
const (
	MsgMalformed      = "malformed message"
	MsgUnknownEvent   = "unknown event"
	MsgInternal       = "Internal server error"
	MsgRateLimited    = "rate limit exceeded"
	MsgTargetNotFound = "target not connected"
)

// ClientMessage is the envelope used in both directions.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is an outbound envelope with a payload still to be encoded.
type ServerMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type UserPayload struct {
	UserID string `json:"userId"`
}

type VibePayload struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	VibeType string  `json:"vibeType"`
}

// Cargo is everything a handler gets for one inbound frame.
type Cargo struct {
	Ctx     context.Context
	Conn    *state.Connection
	Event   string
	Payload json.RawMessage
	Logger  *slog.Logger
}

// HandlerFunc handles one event. A returned error is turned into the reply
// the caller sees, see EventRouter.fail.
type HandlerFunc func(c *Cargo) error
