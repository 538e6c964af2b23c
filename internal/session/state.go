package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a live session.
type Status int

const (
	Scheduled Status = iota
	Active
	Paused
	Completed
	Cancelled
)

var statusNames = map[Status]string{
	Scheduled: "scheduled",
	Active:    "active",
	Paused:    "paused",
	Completed: "completed",
	Cancelled: "cancelled",
}

var statusFromName = map[string]Status{
	"scheduled": Scheduled,
	"active":    Active,
	"paused":    Paused,
	"completed": Completed,
	"cancelled": Cancelled,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := statusFromName[name]
	if !ok {
		return fmt.Errorf("unknown session status %q", name)
	}
	*s = v
	return nil
}

// IsTerminal reports whether the status allows no further transitions.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Cancelled
}

// PlayerStatus is the per-player state within a session.
type PlayerStatus int

const (
	PlayerActive PlayerStatus = iota
	PlayerPaused
	PlayerCompleted
	PlayerDisconnected
)

var playerStatusNames = map[PlayerStatus]string{
	PlayerActive:       "active",
	PlayerPaused:       "paused",
	PlayerCompleted:    "completed",
	PlayerDisconnected: "disconnected",
}

var playerStatusFromName = map[string]PlayerStatus{
	"active":       PlayerActive,
	"paused":       PlayerPaused,
	"completed":    PlayerCompleted,
	"disconnected": PlayerDisconnected,
}

func (p PlayerStatus) String() string {
	if n, ok := playerStatusNames[p]; ok {
		return n
	}
	return "unknown"
}

func (p PlayerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *PlayerStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := playerStatusFromName[name]
	if !ok {
		return fmt.Errorf("unknown player status %q", name)
	}
	*p = v
	return nil
}

// ParsePlayerStatus maps a wire name to a PlayerStatus.
func ParsePlayerStatus(name string) (PlayerStatus, bool) {
	v, ok := playerStatusFromName[name]
	return v, ok
}

// Metrics is a point-in-time telemetry sample for one player.
type Metrics struct {
	HeartRate int       `json:"heartRate"`
	Load      float64   `json:"load"`
	Timestamp time.Time `json:"timestamp"`
}

// PlayerState is the per-player record inside a session. It is created on
// join (or pre-registered at session creation), updated only by messages
// carrying its PlayerID, and removed on leave or kick.
type PlayerState struct {
	PlayerID        string       `json:"playerId"`
	Status          PlayerStatus `json:"status"`
	Metrics         *Metrics     `json:"metrics,omitempty"`
	CurrentExercise string       `json:"currentExercise,omitempty"`
	CurrentInterval int          `json:"currentInterval,omitempty"`
	LastActivity    time.Time    `json:"lastActivity"`
}

// clone returns a deep copy of the PlayerState, duplicating pointer fields
// so the copy can be mutated independently of the original.
func (p *PlayerState) clone() *PlayerState {
	c := *p
	if p.Metrics != nil {
		m := *p.Metrics
		c.Metrics = &m
	}
	return &c
}

// SessionState is the authoritative state of one live session. All
// mutation goes through the Registry; no caller holds a mutable reference
// beyond a Mutate call.
type SessionState struct {
	ID          string `json:"id"`
	BundleID    string `json:"bundleId,omitempty"`
	Name        string `json:"name"`
	WorkoutType string `json:"workoutType"`
	Status      Status `json:"status"`

	Players map[string]*PlayerState `json:"players"`

	// Derived counters, recomputed by the Registry on every mutation.
	// Never independently mutated.
	TotalPlayers     int `json:"totalPlayers"`
	ActivePlayers    int `json:"activePlayers"`
	CompletedPlayers int `json:"completedPlayers"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep copy of the SessionState, duplicating the player
// map and pointer fields so the copy can be mutated independently.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.Players = make(map[string]*PlayerState, len(s.Players))
	for id, p := range s.Players {
		c.Players[id] = p.clone()
	}
	return &c
}

// recount refreshes the derived player counters from the player map.
func (s *SessionState) recount() {
	total, active, completed := 0, 0, 0
	for _, p := range s.Players {
		total++
		switch p.Status {
		case PlayerActive:
			active++
		case PlayerCompleted:
			completed++
		}
	}
	s.TotalPlayers = total
	s.ActivePlayers = active
	s.CompletedPlayers = completed
}
