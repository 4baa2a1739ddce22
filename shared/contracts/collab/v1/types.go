// Package v1 defines the GeoPro collaboration wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and client SDKs to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Client -> server frame types.
const (
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"

	TypeChat        = "chat"
	TypeChatMessage = "chat_message"

	TypeCursorMove     = "cursor_move"
	TypeCursorPosition = "cursor_position"

	TypeFeatureAdd    = "feature_add"
	TypeFeatureEdit   = "feature_edit"
	TypeFeatureDelete = "feature_delete"

	TypeAnnotationAdd    = "annotation_add"
	TypeAnnotationUpdate = "annotation_update"
	TypeAnnotationDelete = "annotation_delete"

	TypePing = "ping"
)

// Server -> client frame types.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"

	TypeSystem             = "system"
	TypeSystemNotification = "system-notification"
	TypeHeartbeat          = "heartbeat"

	TypeAchievement    = "achievement"
	TypeWorkflowUpdate = "workflow_update"
)

// System frame actions (payload.action).
const (
	ActionJoined = "joined"
	ActionLeft   = "left"
)

// clientTypes is the routing table for inbound frames. A well-formed frame
// whose type is absent from this set is logged and ignored, never rejected,
// so older servers tolerate newer clients.
var clientTypes = map[string]struct{}{
	TypeJoinRoom:         {},
	TypeLeaveRoom:        {},
	TypeChat:             {},
	TypeChatMessage:      {},
	TypeCursorMove:       {},
	TypeCursorPosition:   {},
	TypeFeatureAdd:       {},
	TypeFeatureEdit:      {},
	TypeFeatureDelete:    {},
	TypeAnnotationAdd:    {},
	TypeAnnotationUpdate: {},
	TypeAnnotationDelete: {},
	TypePing:             {},
}

// KnownClientType reports whether t is a recognized client -> server type.
func KnownClientType(t string) bool {
	_, ok := clientTypes[t]
	return ok
}

// Envelope is the canonical wire wrapper. Envelopes are immutable once
// constructed: handlers forward them, they never mutate them.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation only. A missing type is the single
// structural error; unknown types are a routing decision left to the gateway.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// Millis converts t to the wire timestamp representation (Unix milliseconds).
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ---- Payloads ----

// SystemPayload carries presence transitions on "system" frames.
type SystemPayload struct {
	Action string `json:"action"`
}

// SubscribedPayload acknowledges room membership changes to the requesting
// connection only.
type SubscribedPayload struct {
	RoomID string `json:"roomId"`
}

// ChatPayload is the body of chat / chat_message frames.
type ChatPayload struct {
	Text string `json:"text"`
}

// NotificationPayload is the body of system-notification broadcasts.
type NotificationPayload struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// AchievementPayload is delivered on a user's addressed channel.
type AchievementPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// WorkflowUpdatePayload is delivered on a workflow's addressed channel.
type WorkflowUpdatePayload struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}
