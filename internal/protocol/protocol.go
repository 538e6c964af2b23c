// Package protocol defines the wire envelope and payload types exchanged
// over a duplex connection, shared by the gateway and the components that
// publish events into rooms.
package protocol

import (
	"time"

	"github.com/squadlive/backend/internal/apperrors"
	"github.com/squadlive/backend/internal/session"
)

type MessageType string

// Client → server commands.
const (
	MsgJoinSession            MessageType = "JOIN_SESSION"
	MsgLeaveSession           MessageType = "LEAVE_SESSION"
	MsgSessionStart           MessageType = "SESSION_START"
	MsgSessionPause           MessageType = "SESSION_PAUSE"
	MsgSessionResume          MessageType = "SESSION_RESUME"
	MsgSessionEnd             MessageType = "SESSION_END"
	MsgKickPlayer             MessageType = "KICK_PLAYER"
	MsgForceEndSession        MessageType = "FORCE_END_SESSION"
	MsgPlayerMetricsUpdate    MessageType = "PLAYER_METRICS_UPDATE"
	MsgPlayerExerciseProgress MessageType = "PLAYER_EXERCISE_PROGRESS"
	MsgPlayerIntervalProgress MessageType = "PLAYER_INTERVAL_PROGRESS"
	MsgPlayerStatusUpdate     MessageType = "PLAYER_STATUS_UPDATE"
	MsgBulkSessionCreated     MessageType = "BULK_SESSION_CREATED"
	MsgBulkOperationStatus    MessageType = "BULK_OPERATION_STATUS"
	MsgCrossSessionMove       MessageType = "CROSS_SESSION_PARTICIPANT_MOVE"
)

// Server → client events (command types above are also rebroadcast).
const (
	MsgSessionJoined     MessageType = "SESSION_JOINED"
	MsgSessionUpdate     MessageType = "SESSION_UPDATE"
	MsgPlayerJoin        MessageType = "PLAYER_JOIN"
	MsgPlayerLeave       MessageType = "PLAYER_LEAVE"
	MsgBulkSessionUpdate MessageType = "BULK_SESSION_UPDATE"
	MsgAggregateMetrics  MessageType = "AGGREGATE_METRICS_BROADCAST"
	MsgError             MessageType = "ERROR"
)

// Message is the wire envelope.
type Message struct {
	Type MessageType `json:"type"`
	// CorrelationID echoes the client-supplied id on direct responses so
	// the client can reconcile its provisional local patch.
	CorrelationID string `json:"correlationId,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// Publisher delivers an event to every connection subscribed to a room.
type Publisher interface {
	Publish(room string, msg Message)
}

// BundleRoom returns the room key for bundle-level events.
func BundleRoom(bundleID string) string {
	return "bundle:" + bundleID
}

// Server → client payloads.

type SessionJoinedPayload struct {
	Session *session.SessionState `json:"session"`
}

type SessionUpdatePayload struct {
	SessionID string                `json:"sessionId"`
	Session   *session.SessionState `json:"session"`
	Reason    string                `json:"reason,omitempty"`
}

type PlayerJoinPayload struct {
	SessionID string               `json:"sessionId"`
	Player    *session.PlayerState `json:"player"`
}

type PlayerLeavePayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
	Reason    string `json:"reason,omitempty"`
}

type PlayerTelemetryPayload struct {
	SessionID string               `json:"sessionId"`
	Player    *session.PlayerState `json:"player"`
}

type ErrorPayload struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// Client → server payloads.

type JoinSessionPayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId,omitempty"`
}

type LeaveSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionControlPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type KickPlayerPayload struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
	Reason    string `json:"reason,omitempty"`
}

type MetricsUpdatePayload struct {
	SessionID string          `json:"sessionId"`
	PlayerID  string          `json:"playerId"`
	Metrics   session.Metrics `json:"metrics"`
}

type ExerciseProgressPayload struct {
	SessionID string    `json:"sessionId"`
	PlayerID  string    `json:"playerId"`
	Exercise  string    `json:"exercise"`
	Timestamp time.Time `json:"timestamp"`
}

type IntervalProgressPayload struct {
	SessionID string    `json:"sessionId"`
	PlayerID  string    `json:"playerId"`
	Interval  int       `json:"interval"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusUpdatePayload struct {
	SessionID string    `json:"sessionId"`
	PlayerID  string    `json:"playerId"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
