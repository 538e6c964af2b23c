package bundle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadlive/backend/internal/apperrors"
	"github.com/squadlive/backend/internal/protocol"
	"github.com/squadlive/backend/internal/session"
)

// Coordinator owns all bundles and their transient operation records. It
// never holds a long-lived reference into a session's player map; every
// session mutation goes through the registry.
type Coordinator struct {
	reg   *session.Registry
	pub   protocol.Publisher
	grace time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	bundles map[string]*bundleEntry
	ops     map[string]*Operation // keyed by bundle id; latest op wins
}

// bundleEntry serializes bookkeeping and moves for one bundle.
type bundleEntry struct {
	mu     sync.Mutex
	bundle *Bundle
}

func NewCoordinator(reg *session.Registry, pub protocol.Publisher, grace time.Duration) *Coordinator {
	return &Coordinator{
		reg:     reg,
		pub:     pub,
		grace:   grace,
		now:     time.Now,
		bundles: make(map[string]*bundleEntry),
		ops:     make(map[string]*Operation),
	}
}

func bundleNotFound(id string) error {
	return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("bundle %s not found", id))
}

func (c *Coordinator) entry(id string) (*bundleEntry, error) {
	c.mu.RLock()
	e, ok := c.bundles[id]
	c.mu.RUnlock()
	if !ok {
		return nil, bundleNotFound(id)
	}
	return e, nil
}

// CreateBundle atomically allocates N session ids, registers N scheduled
// sessions with pre-registered players, and records the bundle. Either
// everything is created or nothing is.
func (c *Coordinator) CreateBundle(name string, configs []SessionConfig, scheduledStart time.Time, estimatedDuration time.Duration) (*Bundle, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "bundle name is required")
	}
	if len(configs) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "at least one session config is required")
	}

	bundleID := uuid.NewString()
	now := c.now()

	states := make([]*session.SessionState, 0, len(configs))
	members := make([]MemberSession, 0, len(configs))
	total := 0
	for _, cfg := range configs {
		if cfg.WorkoutType == "" {
			return nil, apperrors.New(apperrors.CodeValidation, "workout type is required")
		}
		st := &session.SessionState{
			ID:          uuid.NewString(),
			BundleID:    bundleID,
			Name:        cfg.Name,
			WorkoutType: cfg.WorkoutType,
			Status:      session.Scheduled,
			Players:     make(map[string]*session.PlayerState, len(cfg.PlayerIDs)),
			CreatedAt:   now,
		}
		for _, pid := range cfg.PlayerIDs {
			if pid == "" {
				continue
			}
			st.Players[pid] = &session.PlayerState{
				PlayerID:     pid,
				Status:       session.PlayerActive,
				LastActivity: now,
			}
		}
		states = append(states, st)
		members = append(members, MemberSession{
			SessionID:        st.ID,
			WorkoutType:      cfg.WorkoutType,
			ParticipantCount: len(st.Players),
			Status:           session.Scheduled,
		})
		total += len(st.Players)
	}

	if err := c.reg.CreateBatch(states); err != nil {
		return nil, err
	}

	b := &Bundle{
		ID:                bundleID,
		Name:              name,
		Sessions:          members,
		TotalParticipants: total,
		ScheduledStart:    scheduledStart,
		EstimatedDuration: estimatedDuration,
		CreatedAt:         now,
	}

	c.mu.Lock()
	c.bundles[bundleID] = &bundleEntry{bundle: b}
	c.mu.Unlock()

	c.pub.Publish(protocol.BundleRoom(bundleID), protocol.Message{
		Type:    protocol.MsgBulkSessionCreated,
		Payload: b.clone(),
	})
	log.Printf("bundle %s created: %d sessions, %d participants", bundleID, len(members), total)

	return b.clone(), nil
}

// Get returns a copy of the bundle.
func (c *Coordinator) Get(bundleID string) (*Bundle, error) {
	e, err := c.entry(bundleID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bundle.clone(), nil
}

// GetOperation returns the bundle's most recent operation, if it is
// still within its retention window.
func (c *Coordinator) GetOperation(bundleID string) (*Operation, error) {
	c.mu.RLock()
	op, ok := c.ops[bundleID]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("no operation in flight for bundle %s", bundleID))
	}
	return op.clone(), nil
}

// Count returns the number of managed bundles.
func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bundles)
}

// transitionFor maps a bulk operation to the single-session transition.
func transitionFor(op OpType, now time.Time) func(*session.SessionState) error {
	switch op {
	case OpStartAll:
		return func(s *session.SessionState) error { return session.Start(s, now) }
	case OpPauseAll:
		return session.Pause
	case OpResumeAll:
		return session.Resume
	default: // OpEmergencyStopAll, validated by the caller
		return func(s *session.SessionState) error { return session.ForceEnd(s, now) }
	}
}

// ExecuteBulkOperation applies the equivalent single-session transition
// to every member concurrently and reports incremental progress to the
// bundle room. One member's failure never aborts the others; failures
// are recorded in the progress error list and the operation still
// completes. There is no retry at this layer.
func (c *Coordinator) ExecuteBulkOperation(bundleID string, opType OpType, executedBy, reason string) (*Operation, error) {
	if !opType.Valid() {
		return nil, apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("unknown bulk operation %q", opType))
	}
	e, err := c.entry(bundleID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	affected := make([]string, len(e.bundle.Sessions))
	for i, m := range e.bundle.Sessions {
		affected[i] = m.SessionID
	}
	e.mu.Unlock()

	op := &Operation{
		ID:               uuid.NewString(),
		BundleID:         bundleID,
		Op:               opType,
		Status:           OpInitiated,
		AffectedSessions: affected,
		Progress:         Progress{Total: len(affected)},
		ExecutedBy:       executedBy,
		Reason:           reason,
		Timestamp:        c.now(),
	}

	// A new operation supersedes the previous one on the same bundle.
	// The map only ever holds clones; the live op stays private to this
	// call and its workers.
	c.mu.Lock()
	c.ops[bundleID] = op.clone()
	c.mu.Unlock()

	c.publishOperation(op)

	var opMu sync.Mutex
	op.Status = OpInProgress

	transition := transitionFor(opType, c.now())

	var wg sync.WaitGroup
	for _, sid := range affected {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			state, err := c.reg.Mutate(sid, transition)

			opMu.Lock()
			if err != nil {
				op.Progress.Errors = append(op.Progress.Errors, OpError{
					SessionID: sid,
					Message:   err.Error(),
				})
				op.FailedSessions = append(op.FailedSessions, sid)
			} else {
				op.Progress.Completed++
			}
			c.publishOperation(op)
			opMu.Unlock()

			if err == nil {
				c.noteMemberStatus(e, sid, state.Status)
				c.pub.Publish(sid, protocol.Message{
					Type: protocol.MsgSessionUpdate,
					Payload: protocol.SessionUpdatePayload{
						SessionID: sid,
						Session:   state,
						Reason:    reason,
					},
				})
			}
		}(sid)
	}
	wg.Wait()

	opMu.Lock()
	op.Status = OpCompleted
	result := op.clone()
	c.publishOperation(op)
	opMu.Unlock()

	c.scheduleOperationDiscard(bundleID, op.ID)

	if len(result.Progress.Errors) > 0 {
		log.Printf("bulk %s on bundle %s: %d/%d ok, %d failed",
			opType, bundleID, result.Progress.Completed,
			result.Progress.Total, len(result.Progress.Errors))
	}

	return result, nil
}

// publishOperation snapshots op, refreshes the queryable record, and
// broadcasts the snapshot to the bundle room. Callers mutating op hold
// their own lock around the call. The record is only refreshed while op
// is still the bundle's current operation, so a superseding operation
// is never overwritten by a straggler worker.
func (c *Coordinator) publishOperation(op *Operation) {
	snap := op.clone()
	c.mu.Lock()
	if cur, ok := c.ops[snap.BundleID]; ok && cur.ID == snap.ID {
		c.ops[snap.BundleID] = snap
	}
	c.mu.Unlock()
	c.pub.Publish(protocol.BundleRoom(snap.BundleID), protocol.Message{
		Type:    protocol.MsgBulkOperationStatus,
		Payload: snap,
	})
}

// scheduleOperationDiscard forgets the operation after the grace window,
// unless a newer operation has already superseded it.
func (c *Coordinator) scheduleOperationDiscard(bundleID, opID string) {
	if c.grace <= 0 {
		return
	}
	time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		if cur, ok := c.ops[bundleID]; ok && cur.ID == opID {
			delete(c.ops, bundleID)
		}
		c.mu.Unlock()
	})
}

// NoteSessionStatus refreshes the member entry for a session after a
// single-session transition landed outside a bulk operation.
func (c *Coordinator) NoteSessionStatus(bundleID, sessionID string, status session.Status) {
	e, err := c.entry(bundleID)
	if err != nil {
		return
	}
	c.noteMemberStatus(e, sessionID, status)
}

func (c *Coordinator) noteMemberStatus(e *bundleEntry, sessionID string, status session.Status) {
	e.mu.Lock()
	changed := false
	for i := range e.bundle.Sessions {
		if e.bundle.Sessions[i].SessionID == sessionID && e.bundle.Sessions[i].Status != status {
			e.bundle.Sessions[i].Status = status
			changed = true
		}
	}
	snapshot := e.bundle.clone()
	e.mu.Unlock()

	if changed {
		c.pub.Publish(protocol.BundleRoom(snapshot.ID), protocol.Message{
			Type:    protocol.MsgBulkSessionUpdate,
			Payload: snapshot,
		})
	}
}

// MoveParticipant relocates one player between two member sessions. The
// two sessions are mutated under both session locks, so no observer can
// see the player in both or in neither. The move event is published to
// both session rooms and the bundle room.
func (c *Coordinator) MoveParticipant(req MoveRequest) (*MoveResult, error) {
	e, err := c.entry(req.BundleID)
	if err != nil {
		return nil, err
	}
	if req.PlayerID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "player id is required")
	}

	// Bundle lock serializes moves with each other and with member
	// bookkeeping, not with per-session transitions.
	e.mu.Lock()
	defer e.mu.Unlock()

	if !c.memberOf(e, req.FromSession) || !c.memberOf(e, req.ToSession) {
		return nil, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("sessions %s and %s must both belong to bundle %s",
				req.FromSession, req.ToSession, req.BundleID))
	}

	now := c.now()
	fromState, toState, err := c.reg.MutatePair(req.FromSession, req.ToSession,
		func(from, to *session.SessionState) error {
			if from.Status.IsTerminal() || to.Status.IsTerminal() {
				return apperrors.New(apperrors.CodeInvalidTransition,
					"cannot move participants on a terminal session")
			}
			p, ok := from.Players[req.PlayerID]
			if !ok {
				return apperrors.New(apperrors.CodeNotFound,
					fmt.Sprintf("player %s not in session %s", req.PlayerID, req.FromSession))
			}
			delete(from.Players, req.PlayerID)

			moved := &session.PlayerState{
				PlayerID:     req.PlayerID,
				Status:       session.PlayerActive,
				LastActivity: now,
			}
			if req.PreserveProgress {
				moved.Metrics = p.Metrics
				moved.CurrentExercise = p.CurrentExercise
				moved.CurrentInterval = p.CurrentInterval
			}
			to.Players[req.PlayerID] = moved
			return nil
		})
	if err != nil {
		return nil, err
	}

	// Member participant counts follow the recomputed session totals;
	// the players map stays the single source of truth.
	for i := range e.bundle.Sessions {
		switch e.bundle.Sessions[i].SessionID {
		case req.FromSession:
			e.bundle.Sessions[i].ParticipantCount = fromState.TotalPlayers
		case req.ToSession:
			e.bundle.Sessions[i].ParticipantCount = toState.TotalPlayers
		}
	}

	result := &MoveResult{
		MoveRequest:      req,
		MovedAt:          now,
		FromParticipants: fromState.TotalPlayers,
		ToParticipants:   toState.TotalPlayers,
	}

	msg := protocol.Message{Type: protocol.MsgCrossSessionMove, Payload: result}
	c.pub.Publish(req.FromSession, msg)
	c.pub.Publish(req.ToSession, msg)
	c.pub.Publish(protocol.BundleRoom(req.BundleID), msg)

	return result, nil
}

func (c *Coordinator) memberOf(e *bundleEntry, sessionID string) bool {
	for _, m := range e.bundle.Sessions {
		if m.SessionID == sessionID {
			return true
		}
	}
	return false
}

// AggregateMetrics recomputes the bundle-wide projection from registry
// state. Never incrementally patched, so it cannot drift from the
// per-session player maps.
func (c *Coordinator) AggregateMetrics(bundleID string) (*Aggregate, error) {
	b, err := c.Get(bundleID)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		BundleID:        bundleID,
		PlayersByStatus: make(map[string]int),
		ComputedAt:      c.now(),
	}

	var hrSum, loadSum float64
	var hrCount, loadCount int
	for _, m := range b.Sessions {
		state, err := c.reg.Get(m.SessionID)
		if err != nil {
			return nil, err
		}
		agg.Sessions = append(agg.Sessions, MemberAggregate{
			SessionID:    state.ID,
			Status:       state.Status,
			Participants: state.TotalPlayers,
		})
		agg.TotalParticipants += state.TotalPlayers
		for _, p := range state.Players {
			agg.PlayersByStatus[p.Status.String()]++
			if p.Metrics != nil {
				if p.Metrics.HeartRate > 0 {
					hrSum += float64(p.Metrics.HeartRate)
					hrCount++
				}
				if p.Metrics.Load > 0 {
					loadSum += p.Metrics.Load
					loadCount++
				}
			}
		}
	}
	if hrCount > 0 {
		agg.AvgHeartRate = hrSum / float64(hrCount)
	}
	if loadCount > 0 {
		agg.AvgLoad = loadSum / float64(loadCount)
	}

	// Bundle status derives from live registry state, not the cached
	// member entries.
	for i, ma := range agg.Sessions {
		b.Sessions[i].Status = ma.Status
	}
	agg.BundleStatus = b.Status()

	return agg, nil
}

// StartAggregatePush periodically broadcasts each bundle's aggregate to
// its bundle room. Disabled when interval is zero.
func (c *Coordinator) StartAggregatePush(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
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
				c.pushAggregates()
			}
		}
	}()
}

func (c *Coordinator) pushAggregates() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.bundles))
	for id := range c.bundles {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		agg, err := c.AggregateMetrics(id)
		if err != nil {
			log.Printf("aggregate push for bundle %s: %v", id, err)
			continue
		}
		c.pub.Publish(protocol.BundleRoom(id), protocol.Message{
			Type:    protocol.MsgAggregateMetrics,
			Payload: agg,
		})
	}
}
