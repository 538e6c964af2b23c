// Package telemetry routes per-player real-time updates (metrics,
// exercise/interval progress, status) into the session registry and
// rebroadcasts them to the session's room.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/squadlive/backend/internal/apperrors"
	"github.com/squadlive/backend/internal/protocol"
	"github.com/squadlive/backend/internal/session"
)

// Router applies telemetry through Registry.Mutate. Updates for one
// player within one session apply in arrival order (the per-session lock
// serializes them); updates for different players are unordered relative
// to each other. Each update replaces only its named fields.
type Router struct {
	reg *session.Registry
	pub protocol.Publisher
	now func() time.Time
}

func NewRouter(reg *session.Registry, pub protocol.Publisher) *Router {
	return &Router{reg: reg, pub: pub, now: time.Now}
}

func playerNotFound(sessionID, playerID string) error {
	return apperrors.New(apperrors.CodeNotFound,
		fmt.Sprintf("player %s not in session %s", playerID, sessionID))
}

// apply runs fn against the named player and rebroadcasts the player's
// new state to the session room. fn returns false to signal a stale
// replay; the state is left untouched and nothing is rebroadcast.
func (r *Router) apply(sessionID, playerID string, msgType protocol.MessageType, fn func(*session.PlayerState) bool) (*session.SessionState, error) {
	fresh := false
	state, err := r.reg.Mutate(sessionID, func(s *session.SessionState) error {
		p, ok := s.Players[playerID]
		if !ok {
			return playerNotFound(sessionID, playerID)
		}
		fresh = fn(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fresh {
		r.pub.Publish(sessionID, protocol.Message{
			Type: msgType,
			Payload: protocol.PlayerTelemetryPayload{
				SessionID: sessionID,
				Player:    state.Players[playerID],
			},
		})
	}
	return state, nil
}

// stampOrSkip advances the player's LastActivity to ts, or reports a
// stale replay. Replaying the identical (player, timestamp) update is a
// no-op: nothing is double-counted and LastActivity never regresses.
func stampOrSkip(p *session.PlayerState, ts time.Time) bool {
	if !ts.After(p.LastActivity) {
		return false
	}
	p.LastActivity = ts
	return true
}

// UpdateMetrics replaces the player's metrics sample.
func (r *Router) UpdateMetrics(sessionID, playerID string, m session.Metrics) (*session.SessionState, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = r.now()
	}
	return r.apply(sessionID, playerID, protocol.MsgPlayerMetricsUpdate, func(p *session.PlayerState) bool {
		if !stampOrSkip(p, m.Timestamp) {
			return false
		}
		sample := m
		p.Metrics = &sample
		return true
	})
}

// UpdateExerciseProgress replaces the player's current exercise.
func (r *Router) UpdateExerciseProgress(sessionID, playerID, exercise string, ts time.Time) (*session.SessionState, error) {
	if ts.IsZero() {
		ts = r.now()
	}
	return r.apply(sessionID, playerID, protocol.MsgPlayerExerciseProgress, func(p *session.PlayerState) bool {
		if !stampOrSkip(p, ts) {
			return false
		}
		p.CurrentExercise = exercise
		return true
	})
}

// UpdateIntervalProgress replaces the player's current interval.
func (r *Router) UpdateIntervalProgress(sessionID, playerID string, interval int, ts time.Time) (*session.SessionState, error) {
	if ts.IsZero() {
		ts = r.now()
	}
	return r.apply(sessionID, playerID, protocol.MsgPlayerIntervalProgress, func(p *session.PlayerState) bool {
		if !stampOrSkip(p, ts) {
			return false
		}
		p.CurrentInterval = interval
		return true
	})
}

// UpdateStatus replaces the player's status.
func (r *Router) UpdateStatus(sessionID, playerID string, status session.PlayerStatus, ts time.Time) (*session.SessionState, error) {
	if ts.IsZero() {
		ts = r.now()
	}
	return r.apply(sessionID, playerID, protocol.MsgPlayerStatusUpdate, func(p *session.PlayerState) bool {
		if !stampOrSkip(p, ts) {
			return false
		}
		p.Status = status
		return true
	})
}

// StartStaleSweep marks players disconnected when their LastActivity is
// older than timeout. Runs until ctx is cancelled.
func (r *Router) StartStaleSweep(ctx context.Context, timeout, interval time.Duration) {
	if timeout <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(timeout)
			}
		}
	}()
}

func (r *Router) sweep(timeout time.Duration) {
	cutoff := r.now().Add(-timeout)
	for _, s := range r.reg.List() {
		if s.Status.IsTerminal() {
			continue
		}
		for id, p := range s.Players {
			if p.Status != session.PlayerActive && p.Status != session.PlayerPaused {
				continue
			}
			if p.LastActivity.Before(cutoff) {
				if _, err := r.UpdateStatus(s.ID, id, session.PlayerDisconnected, r.now()); err != nil {
					log.Printf("stale sweep: %v", err)
				}
			}
		}
	}
}
