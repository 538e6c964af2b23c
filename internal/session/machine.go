package session

import (
	"fmt"
	"time"

	"github.com/squadlive/backend/internal/apperrors"
)

// The state machine: scheduled → active → paused ⇄ active → completed;
// any non-terminal state → cancelled. Invalid transitions return
// InvalidTransition and must not be broadcast by callers.

func invalidTransition(op string, from Status) error {
	return apperrors.New(apperrors.CodeInvalidTransition,
		fmt.Sprintf("cannot %s a %s session", op, from))
}

// Start moves a scheduled session to active and stamps StartedAt.
func Start(s *SessionState, now time.Time) error {
	if s.Status != Scheduled {
		return invalidTransition("start", s.Status)
	}
	s.Status = Active
	t := now
	s.StartedAt = &t
	return nil
}

// Pause moves an active session to paused.
func Pause(s *SessionState) error {
	if s.Status != Active {
		return invalidTransition("pause", s.Status)
	}
	s.Status = Paused
	return nil
}

// Resume moves a paused session back to active.
func Resume(s *SessionState) error {
	if s.Status != Paused {
		return invalidTransition("resume", s.Status)
	}
	s.Status = Active
	return nil
}

// End moves an active or paused session to completed, stamps EndedAt,
// and freezes every player still active or paused as completed.
func End(s *SessionState, now time.Time) error {
	if s.Status != Active && s.Status != Paused {
		return invalidTransition("end", s.Status)
	}
	s.Status = Completed
	t := now
	s.EndedAt = &t
	for _, p := range s.Players {
		if p.Status == PlayerActive || p.Status == PlayerPaused {
			p.Status = PlayerCompleted
		}
	}
	return nil
}

// ForceEnd cancels any non-terminal session. Terminal sessions reject it.
func ForceEnd(s *SessionState, now time.Time) error {
	if s.Status.IsTerminal() {
		return invalidTransition("force-end", s.Status)
	}
	s.Status = Cancelled
	t := now
	s.EndedAt = &t
	return nil
}

// KickPlayer removes one player from the session without changing the
// session status. The Registry recounts derived counters afterwards.
func KickPlayer(s *SessionState, playerID string) error {
	if _, ok := s.Players[playerID]; !ok {
		return apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("player %s not in session %s", playerID, s.ID))
	}
	delete(s.Players, playerID)
	return nil
}
