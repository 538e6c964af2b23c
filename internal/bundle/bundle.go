// Package bundle coordinates groups of sessions created together: bulk
// fleet operations, cross-session participant moves, and on-demand
// aggregate metrics.
package bundle

import (
	"encoding/json"
	"time"

	"github.com/squadlive/backend/internal/session"
)

// MemberSession is one session's entry in a bundle, in creation order.
type MemberSession struct {
	SessionID        string         `json:"sessionId"`
	WorkoutType      string         `json:"workoutType"`
	ParticipantCount int            `json:"participantCount"`
	Status           session.Status `json:"status"`
}

// Bundle groups sessions created as one planning unit.
type Bundle struct {
	ID   string `json:"bundleId"`
	Name string `json:"name"`
	// Sessions preserves creation order.
	Sessions []MemberSession `json:"sessions"`
	// TotalParticipants is the sum across member sessions at creation
	// time; moves update the two affected member entries, not this sum.
	TotalParticipants int           `json:"totalParticipants"`
	ScheduledStart    time.Time     `json:"scheduledStart"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// Status derives the bundle status from its members: completed iff all
// members completed, active if any member is active, else scheduled.
func (b *Bundle) Status() session.Status {
	if len(b.Sessions) == 0 {
		return session.Scheduled
	}
	allCompleted := true
	for _, m := range b.Sessions {
		if m.Status != session.Completed {
			allCompleted = false
		}
		if m.Status == session.Active {
			return session.Active
		}
	}
	if allCompleted {
		return session.Completed
	}
	return session.Scheduled
}

// clone returns a deep copy safe to hand to callers.
func (b *Bundle) clone() *Bundle {
	c := *b
	c.Sessions = make([]MemberSession, len(b.Sessions))
	copy(c.Sessions, b.Sessions)
	return &c
}

// SessionConfig describes one member session at bundle creation, as
// supplied by the session-planning subsystem.
type SessionConfig struct {
	Name        string   `json:"name"`
	WorkoutType string   `json:"workoutType"`
	PlayerIDs   []string `json:"playerIds"`
	Facility    string   `json:"facility,omitempty"`
	Equipment   []string `json:"equipment,omitempty"`
}

// OpType is a fleet-wide command applied to every session in a bundle.
type OpType string

const (
	OpStartAll         OpType = "start_all"
	OpPauseAll         OpType = "pause_all"
	OpResumeAll        OpType = "resume_all"
	OpEmergencyStopAll OpType = "emergency_stop_all"
)

// Valid reports whether op is a known bulk operation.
func (op OpType) Valid() bool {
	switch op {
	case OpStartAll, OpPauseAll, OpResumeAll, OpEmergencyStopAll:
		return true
	}
	return false
}

// OpStatus is the lifecycle of a bulk operation. Every operation ends
// completed; member failures surface through Progress.Errors, not a
// separate terminal status.
type OpStatus int

const (
	OpInitiated OpStatus = iota
	OpInProgress
	OpCompleted
)

var opStatusNames = map[OpStatus]string{
	OpInitiated:  "initiated",
	OpInProgress: "in_progress",
	OpCompleted:  "completed",
}

func (s OpStatus) String() string {
	if n, ok := opStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s OpStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// OpError records one member session's failure within a bulk operation.
type OpError struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// Progress tracks per-member resolution of a bulk operation. Completed
// counts members whose transition succeeded; failures land in Errors.
// Completed + len(Errors) is the number of resolved members.
type Progress struct {
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Errors    []OpError `json:"errors,omitempty"`
}

// Operation is the transient record of one in-flight (or recently
// finished) bulk operation. It is superseded by the next operation on
// the same bundle and discarded after a grace window.
type Operation struct {
	ID               string   `json:"operationId"`
	BundleID         string   `json:"bundleId"`
	Op               OpType   `json:"operation"`
	Status           OpStatus `json:"status"`
	AffectedSessions []string `json:"affectedSessions"`
	Progress         Progress `json:"progress"`
	// FailedSessions surfaces the ids from Progress.Errors for quick
	// client consumption.
	FailedSessions []string  `json:"failedSessions,omitempty"`
	ExecutedBy     string    `json:"executedBy"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (o *Operation) clone() *Operation {
	c := *o
	c.AffectedSessions = append([]string(nil), o.AffectedSessions...)
	c.Progress.Errors = append([]OpError(nil), o.Progress.Errors...)
	c.FailedSessions = append([]string(nil), o.FailedSessions...)
	return &c
}

// MoveRequest describes a cross-session participant move. Ephemeral: its
// effects land in the two affected sessions' player maps.
type MoveRequest struct {
	BundleID         string `json:"bundleId"`
	PlayerID         string `json:"playerId"`
	FromSession      string `json:"fromSession"`
	ToSession        string `json:"toSession"`
	MoveReason       string `json:"moveReason,omitempty"`
	PreserveProgress bool   `json:"preserveProgress"`
	MedicalNotes     string `json:"medicalNotes,omitempty"`
}

// MoveResult is the audit record broadcast after a completed move.
type MoveResult struct {
	MoveRequest
	MovedAt          time.Time `json:"movedAt"`
	FromParticipants int       `json:"fromParticipants"`
	ToParticipants   int       `json:"toParticipants"`
}

// MemberAggregate is the per-session slice of an aggregate projection.
type MemberAggregate struct {
	SessionID    string         `json:"sessionId"`
	Status       session.Status `json:"status"`
	Participants int            `json:"participants"`
}

// Aggregate is a read-only projection over all member sessions' players,
// recomputed from registry state on every call so it cannot drift.
type Aggregate struct {
	BundleID          string            `json:"bundleId"`
	BundleStatus      session.Status    `json:"bundleStatus"`
	TotalParticipants int               `json:"totalParticipants"`
	PlayersByStatus   map[string]int    `json:"playersByStatus"`
	AvgHeartRate      float64           `json:"avgHeartRate"`
	AvgLoad           float64           `json:"avgLoad"`
	Sessions          []MemberAggregate `json:"sessions"`
	ComputedAt        time.Time         `json:"computedAt"`
}
