package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/squadlive/backend/internal/apperrors"
	"github.com/squadlive/backend/internal/auth"
	"github.com/squadlive/backend/internal/bundle"
	"github.com/squadlive/backend/internal/protocol"
	"github.com/squadlive/backend/internal/session"
)

// inbound is the decoded client envelope. Payload stays raw until the
// handler knows its shape.
type inbound struct {
	Type          protocol.MessageType `json:"type"`
	CorrelationID string               `json:"correlationId,omitempty"`
	Payload       json.RawMessage      `json:"payload"`
}

type bulkCreateRequest struct {
	Name              string                 `json:"name"`
	Sessions          []bundle.SessionConfig `json:"sessionConfigs"`
	ScheduledStart    time.Time              `json:"scheduledStart"`
	EstimatedDuration time.Duration          `json:"estimatedDuration"`
}

type bulkOperationRequest struct {
	BundleID  string        `json:"bundleId"`
	Operation bundle.OpType `json:"operation"`
	Reason    string        `json:"reason,omitempty"`
}

// dispatch routes one inbound message. Errors go back to the issuing
// connection only; state-affecting successes are broadcast by the
// components themselves or by the handler.
func (s *Server) dispatch(c *Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(c, "", apperrors.Wrap(apperrors.CodeValidation, "malformed message", err))
		return
	}

	var err error
	switch msg.Type {
	case protocol.MsgJoinSession:
		err = s.handleJoin(c, msg)
	case protocol.MsgLeaveSession:
		err = s.handleLeave(c, msg)
	case protocol.MsgSessionStart, protocol.MsgSessionPause, protocol.MsgSessionResume,
		protocol.MsgSessionEnd, protocol.MsgForceEndSession:
		err = s.handleSessionControl(c, msg)
	case protocol.MsgKickPlayer:
		err = s.handleKick(c, msg)
	case protocol.MsgPlayerMetricsUpdate, protocol.MsgPlayerExerciseProgress,
		protocol.MsgPlayerIntervalProgress, protocol.MsgPlayerStatusUpdate:
		err = s.handleTelemetry(c, msg)
	case protocol.MsgBulkSessionCreated:
		err = s.handleBulkCreate(c, msg)
	case protocol.MsgBulkOperationStatus:
		err = s.handleBulkOperation(c, msg)
	case protocol.MsgCrossSessionMove:
		err = s.handleMove(c, msg)
	default:
		err = apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("unknown message type %q", msg.Type))
	}
	if err != nil {
		s.sendError(c, msg.CorrelationID, err)
	}
}

func (s *Server) sendError(c *Client, correlationID string, err error) {
	s.hub.Send(c, protocol.Message{
		Type:          protocol.MsgError,
		CorrelationID: correlationID,
		Payload: protocol.ErrorPayload{
			Code:    apperrors.CodeOf(err),
			Message: err.Error(),
		},
	})
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, apperrors.Wrap(apperrors.CodeValidation, "malformed payload", err)
	}
	return v, nil
}

func requireTrainer(c *Client) error {
	if c.identity.Role != auth.RoleTrainer {
		return apperrors.New(apperrors.CodeForbidden, "command requires the trainer role")
	}
	return nil
}

// handleJoin subscribes the connection to the session room and replies
// with a full snapshot. Subscription happens before the snapshot read,
// so a concurrent update is either in the snapshot or delivered as a
// later event, never missed; duplicates are resolved by the snapshot
// being authoritative.
func (s *Server) handleJoin(c *Client, msg inbound) error {
	req, err := decode[protocol.JoinSessionPayload](msg.Payload)
	if err != nil {
		return err
	}
	if req.SessionID == "" {
		return apperrors.New(apperrors.CodeValidation, "sessionId is required")
	}

	playerID := ""
	if c.identity.Role == auth.RolePlayer {
		playerID = req.PlayerID
		if playerID == "" {
			playerID = c.identity.UserID
		}
		if playerID != c.identity.UserID {
			return apperrors.New(apperrors.CodeForbidden, "players may only join as themselves")
		}
	}

	// Reject unknown sessions before touching room membership.
	if _, err := s.reg.Get(req.SessionID); err != nil {
		return err
	}

	s.hub.Subscribe(c, req.SessionID)

	if playerID != "" {
		now := time.Now()
		state, err := s.reg.Mutate(req.SessionID, func(st *session.SessionState) error {
			if st.Status.IsTerminal() {
				return apperrors.New(apperrors.CodeInvalidTransition,
					fmt.Sprintf("cannot join a %s session", st.Status))
			}
			p, ok := st.Players[playerID]
			if ok {
				// Reconnect of a pre-registered or dropped player.
				if p.Status == session.PlayerDisconnected {
					p.Status = session.PlayerActive
				}
				p.LastActivity = now
			} else {
				st.Players[playerID] = &session.PlayerState{
					PlayerID:     playerID,
					Status:       session.PlayerActive,
					LastActivity: now,
				}
			}
			return nil
		})
		if err != nil {
			s.hub.Unsubscribe(c, req.SessionID)
			return err
		}
		c.setJoined(req.SessionID, playerID)
		s.hub.Publish(req.SessionID, protocol.Message{
			Type: protocol.MsgPlayerJoin,
			Payload: protocol.PlayerJoinPayload{
				SessionID: req.SessionID,
				Player:    state.Players[playerID],
			},
		})
	} else {
		c.setJoined(req.SessionID, "")
	}

	snapshot, err := s.reg.Get(req.SessionID)
	if err != nil {
		return err
	}
	s.hub.Send(c, protocol.Message{
		Type:          protocol.MsgSessionJoined,
		CorrelationID: msg.CorrelationID,
		Payload:       protocol.SessionJoinedPayload{Session: snapshot},
	})

	// Bundle members also get the bundle-level room for fleet events.
	if snapshot.BundleID != "" {
		s.hub.Subscribe(c, protocol.BundleRoom(snapshot.BundleID))
	}
	return nil
}

func (s *Server) handleLeave(c *Client, msg inbound) error {
	req, err := decode[protocol.LeaveSessionPayload](msg.Payload)
	if err != nil {
		return err
	}
	playerID, joined := c.clearJoined(req.SessionID)
	s.hub.Unsubscribe(c, req.SessionID)
	if !joined || playerID == "" {
		return nil
	}

	_, err = s.reg.Mutate(req.SessionID, func(st *session.SessionState) error {
		delete(st.Players, playerID)
		return nil
	})
	if err != nil {
		return err
	}
	s.hub.Publish(req.SessionID, protocol.Message{
		Type: protocol.MsgPlayerLeave,
		Payload: protocol.PlayerLeavePayload{
			SessionID: req.SessionID,
			PlayerID:  playerID,
		},
	})
	return nil
}

func (s *Server) handleSessionControl(c *Client, msg inbound) error {
	if err := requireTrainer(c); err != nil {
		return err
	}
	req, err := decode[protocol.SessionControlPayload](msg.Payload)
	if err != nil {
		return err
	}

	now := time.Now()
	var transition func(*session.SessionState) error
	switch msg.Type {
	case protocol.MsgSessionStart:
		transition = func(st *session.SessionState) error { return session.Start(st, now) }
	case protocol.MsgSessionPause:
		transition = session.Pause
	case protocol.MsgSessionResume:
		transition = session.Resume
	case protocol.MsgSessionEnd:
		transition = func(st *session.SessionState) error { return session.End(st, now) }
	case protocol.MsgForceEndSession:
		transition = func(st *session.SessionState) error { return session.ForceEnd(st, now) }
	}

	state, err := s.reg.Mutate(req.SessionID, transition)
	if err != nil {
		// Rejected transitions are reported to the issuer only.
		return err
	}

	s.hub.Publish(req.SessionID, protocol.Message{
		Type: protocol.MsgSessionUpdate,
		Payload: protocol.SessionUpdatePayload{
			SessionID: req.SessionID,
			Session:   state,
			Reason:    req.Reason,
		},
	})
	if state.BundleID != "" {
		s.coord.NoteSessionStatus(state.BundleID, req.SessionID, state.Status)
	}
	if msg.CorrelationID != "" {
		s.hub.Send(c, protocol.Message{
			Type:          protocol.MsgSessionUpdate,
			CorrelationID: msg.CorrelationID,
			Payload: protocol.SessionUpdatePayload{
				SessionID: req.SessionID,
				Session:   state,
				Reason:    req.Reason,
			},
		})
	}
	log.Printf("session %s: %s by %s", req.SessionID, msg.Type, c.identity.UserID)
	return nil
}

func (s *Server) handleKick(c *Client, msg inbound) error {
	if err := requireTrainer(c); err != nil {
		return err
	}
	req, err := decode[protocol.KickPlayerPayload](msg.Payload)
	if err != nil {
		return err
	}

	_, err = s.reg.Mutate(req.SessionID, func(st *session.SessionState) error {
		return session.KickPlayer(st, req.PlayerID)
	})
	if err != nil {
		return err
	}

	reason := req.Reason
	if reason == "" {
		reason = "kicked"
	}
	s.hub.Publish(req.SessionID, protocol.Message{
		Type: protocol.MsgPlayerLeave,
		Payload: protocol.PlayerLeavePayload{
			SessionID: req.SessionID,
			PlayerID:  req.PlayerID,
			Reason:    reason,
		},
	})
	s.hub.EvictPlayer(req.SessionID, req.PlayerID)
	return nil
}

func (s *Server) handleTelemetry(c *Client, msg inbound) error {
	switch c.identity.Role {
	case auth.RolePlayer, auth.RoleTrainer:
	default:
		return apperrors.New(apperrors.CodeForbidden, "observers cannot send telemetry")
	}

	switch msg.Type {
	case protocol.MsgPlayerMetricsUpdate:
		req, err := decode[protocol.MetricsUpdatePayload](msg.Payload)
		if err != nil {
			return err
		}
		if err := s.checkTelemetrySender(c, req.PlayerID); err != nil {
			return err
		}
		_, err = s.router.UpdateMetrics(req.SessionID, s.telemetryPlayer(c, req.PlayerID), req.Metrics)
		return err

	case protocol.MsgPlayerExerciseProgress:
		req, err := decode[protocol.ExerciseProgressPayload](msg.Payload)
		if err != nil {
			return err
		}
		if err := s.checkTelemetrySender(c, req.PlayerID); err != nil {
			return err
		}
		_, err = s.router.UpdateExerciseProgress(req.SessionID, s.telemetryPlayer(c, req.PlayerID), req.Exercise, req.Timestamp)
		return err

	case protocol.MsgPlayerIntervalProgress:
		req, err := decode[protocol.IntervalProgressPayload](msg.Payload)
		if err != nil {
			return err
		}
		if err := s.checkTelemetrySender(c, req.PlayerID); err != nil {
			return err
		}
		_, err = s.router.UpdateIntervalProgress(req.SessionID, s.telemetryPlayer(c, req.PlayerID), req.Interval, req.Timestamp)
		return err

	default: // protocol.MsgPlayerStatusUpdate
		req, err := decode[protocol.StatusUpdatePayload](msg.Payload)
		if err != nil {
			return err
		}
		if err := s.checkTelemetrySender(c, req.PlayerID); err != nil {
			return err
		}
		status, ok := session.ParsePlayerStatus(req.Status)
		if !ok {
			return apperrors.New(apperrors.CodeValidation,
				fmt.Sprintf("unknown player status %q", req.Status))
		}
		_, err = s.router.UpdateStatus(req.SessionID, s.telemetryPlayer(c, req.PlayerID), status, req.Timestamp)
		return err
	}
}

// checkTelemetrySender enforces that players only report for themselves.
// Trainers may update any player (status overrides, assisted devices).
func (s *Server) checkTelemetrySender(c *Client, playerID string) error {
	if c.identity.Role == auth.RolePlayer && playerID != "" && playerID != c.identity.UserID {
		return apperrors.New(apperrors.CodeForbidden, "players may only report their own telemetry")
	}
	if c.identity.Role == auth.RoleTrainer && playerID == "" {
		return apperrors.New(apperrors.CodeValidation, "playerId is required")
	}
	return nil
}

func (s *Server) telemetryPlayer(c *Client, playerID string) string {
	if playerID == "" {
		return c.identity.UserID
	}
	return playerID
}

func (s *Server) handleBulkCreate(c *Client, msg inbound) error {
	if err := requireTrainer(c); err != nil {
		return err
	}
	req, err := decode[bulkCreateRequest](msg.Payload)
	if err != nil {
		return err
	}

	b, err := s.coord.CreateBundle(req.Name, req.Sessions, req.ScheduledStart, req.EstimatedDuration)
	if err != nil {
		return err
	}
	s.hub.Subscribe(c, protocol.BundleRoom(b.ID))
	s.hub.Send(c, protocol.Message{
		Type:          protocol.MsgBulkSessionCreated,
		CorrelationID: msg.CorrelationID,
		Payload:       b,
	})
	return nil
}

func (s *Server) handleBulkOperation(c *Client, msg inbound) error {
	if err := requireTrainer(c); err != nil {
		return err
	}
	req, err := decode[bulkOperationRequest](msg.Payload)
	if err != nil {
		return err
	}

	s.hub.Subscribe(c, protocol.BundleRoom(req.BundleID))

	// Bulk operations await all member transitions; run off the read
	// loop so the connection can keep issuing commands (an emergency
	// stop must not queue behind an in-flight start_all).
	go func() {
		op, err := s.coord.ExecuteBulkOperation(req.BundleID, req.Operation, c.identity.UserID, req.Reason)
		if err != nil {
			s.sendError(c, msg.CorrelationID, err)
			return
		}
		s.hub.Send(c, protocol.Message{
			Type:          protocol.MsgBulkOperationStatus,
			CorrelationID: msg.CorrelationID,
			Payload:       op,
		})
	}()
	return nil
}

func (s *Server) handleMove(c *Client, msg inbound) error {
	if err := requireTrainer(c); err != nil {
		return err
	}
	req, err := decode[bundle.MoveRequest](msg.Payload)
	if err != nil {
		return err
	}

	result, err := s.coord.MoveParticipant(req)
	if err != nil {
		return err
	}
	if msg.CorrelationID != "" {
		s.hub.Send(c, protocol.Message{
			Type:          protocol.MsgCrossSessionMove,
			CorrelationID: msg.CorrelationID,
			Payload:       result,
		})
	}
	return nil
}
