package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/squadlive/backend/internal/apperrors"
	"github.com/squadlive/backend/internal/protocol"
	"github.com/squadlive/backend/internal/session"
)

// capturePublisher records published messages for assertions.
type capturePublisher struct {
	mu   sync.Mutex
	msgs []struct {
		room string
		msg  protocol.Message
	}
}

func (p *capturePublisher) Publish(room string, msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, struct {
		room string
		msg  protocol.Message
	}{room, msg})
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func newTestRouter(t *testing.T) (*Router, *session.Registry, *capturePublisher) {
	t.Helper()
	reg := session.NewRegistry()
	pub := &capturePublisher{}
	err := reg.Create(&session.SessionState{
		ID:     "s1",
		Status: session.Active,
		Players: map[string]*session.PlayerState{
			"p1": {PlayerID: "p1", Status: session.PlayerActive},
		},
	})
	if err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	return NewRouter(reg, pub), reg, pub
}

func TestUpdateMetricsPartialUpdate(t *testing.T) {
	r, reg, _ := newTestRouter(t)

	ts := time.Now()
	if _, err := r.UpdateExerciseProgress("s1", "p1", "squats", ts); err != nil {
		t.Fatalf("UpdateExerciseProgress: %v", err)
	}
	if _, err := r.UpdateMetrics("s1", "p1", session.Metrics{HeartRate: 150, Load: 3.1, Timestamp: ts.Add(time.Second)}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}

	state, _ := reg.Get("s1")
	p := state.Players["p1"]
	if p.CurrentExercise != "squats" {
		t.Error("metrics update clobbered exercise progress")
	}
	if p.Metrics == nil || p.Metrics.HeartRate != 150 {
		t.Errorf("metrics not applied: %+v", p.Metrics)
	}
}

func TestIdempotentReplay(t *testing.T) {
	r, reg, pub := newTestRouter(t)

	ts := time.Now()
	m := session.Metrics{HeartRate: 150, Load: 3.1, Timestamp: ts}
	if _, err := r.UpdateMetrics("s1", "p1", m); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before, _ := reg.Get("s1")
	published := pub.count()

	// Replay the identical update; state must be unchanged and nothing
	// rebroadcast.
	if _, err := r.UpdateMetrics("s1", "p1", m); err != nil {
		t.Fatalf("replay: %v", err)
	}
	after, _ := reg.Get("s1")

	if !after.Players["p1"].LastActivity.Equal(before.Players["p1"].LastActivity) {
		t.Error("replay regressed or advanced LastActivity")
	}
	if after.Players["p1"].Metrics.HeartRate != 150 {
		t.Error("replay changed metrics")
	}
	if pub.count() != published {
		t.Error("replay was rebroadcast")
	}
}

func TestStaleUpdateIgnored(t *testing.T) {
	r, reg, _ := newTestRouter(t)

	ts := time.Now()
	if _, err := r.UpdateMetrics("s1", "p1", session.Metrics{HeartRate: 150, Timestamp: ts}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	if _, err := r.UpdateMetrics("s1", "p1", session.Metrics{HeartRate: 90, Timestamp: ts.Add(-time.Minute)}); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	state, _ := reg.Get("s1")
	if state.Players["p1"].Metrics.HeartRate != 150 {
		t.Error("stale update overwrote newer metrics")
	}
}

func TestUpdateUnknownPlayer(t *testing.T) {
	r, _, pub := newTestRouter(t)

	_, err := r.UpdateMetrics("s1", "ghost", session.Metrics{HeartRate: 100, Timestamp: time.Now()})
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if pub.count() != 0 {
		t.Error("rejected update was broadcast")
	}
}

func TestUpdateStatusBroadcasts(t *testing.T) {
	r, reg, pub := newTestRouter(t)

	if _, err := r.UpdateStatus("s1", "p1", session.PlayerCompleted, time.Now()); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	state, _ := reg.Get("s1")
	if state.Players["p1"].Status != session.PlayerCompleted {
		t.Error("status not applied")
	}
	if state.CompletedPlayers != 1 || state.ActivePlayers != 0 {
		t.Errorf("counters not recomputed: active=%d completed=%d",
			state.ActivePlayers, state.CompletedPlayers)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	if pub.msgs[0].room != "s1" {
		t.Errorf("published to room %q, want s1", pub.msgs[0].room)
	}
	if pub.msgs[0].msg.Type != protocol.MsgPlayerStatusUpdate {
		t.Errorf("published type %s, want %s", pub.msgs[0].msg.Type, protocol.MsgPlayerStatusUpdate)
	}
}

func TestStaleSweepMarksDisconnected(t *testing.T) {
	r, reg, _ := newTestRouter(t)

	// Backdate the player's last activity beyond the timeout.
	if _, err := reg.Mutate("s1", func(s *session.SessionState) error {
		s.Players["p1"].LastActivity = time.Now().Add(-5 * time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	r.sweep(time.Minute)

	state, _ := reg.Get("s1")
	if state.Players["p1"].Status != session.PlayerDisconnected {
		t.Errorf("player status = %v, want disconnected", state.Players["p1"].Status)
	}
}
