package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/squadlive/backend/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testState(id string, status session.Status) *session.SessionState {
	return &session.SessionState{
		ID:     id,
		Status: status,
		Players: map[string]*session.PlayerState{
			"p1": {PlayerID: "p1", Status: session.PlayerActive, CurrentInterval: 2},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, []*session.SessionState{
		testState("s1", session.Active),
		testState("s2", session.Completed),
		testState("s3", session.Cancelled),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	states, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Terminal sessions are not restored.
	if len(states) != 1 || states[0].ID != "s1" {
		t.Fatalf("Load returned %d states (%+v), want only s1", len(states), states)
	}
	if states[0].Status != session.Active {
		t.Errorf("status = %v, want active", states[0].Status)
	}
	p, ok := states[0].Players["p1"]
	if !ok || p.CurrentInterval != 2 {
		t.Errorf("player state not round-tripped: %+v", states[0].Players)
	}
}

func TestSaveUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := testState("s1", session.Active)
	if err := s.Save(ctx, []*session.SessionState{st}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	st.Players["p1"].CurrentInterval = 7
	if err := s.Save(ctx, []*session.SessionState{st}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	states, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("Load returned %d states, want 1", len(states))
	}
	if states[0].Players["p1"].CurrentInterval != 7 {
		t.Errorf("second save did not overwrite the first")
	}
}

func TestTerminalStatusOverwriteHidesSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, []*session.SessionState{testState("s1", session.Active)}); err != nil {
		t.Fatalf("save active: %v", err)
	}
	if err := s.Save(ctx, []*session.SessionState{testState("s1", session.Completed)}); err != nil {
		t.Fatalf("save completed: %v", err)
	}

	states, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("completed session still restorable: %+v", states)
	}
}

func TestRestore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, []*session.SessionState{
		testState("s1", session.Active),
		testState("s2", session.Paused),
		testState("s3", session.Completed),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reg := session.NewRegistry()
	n, err := s.Restore(ctx, reg)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("Restore = %d sessions, want 2", n)
	}
	if reg.Count() != 2 {
		t.Errorf("registry holds %d sessions, want 2", reg.Count())
	}
	state, err := reg.Get("s2")
	if err != nil {
		t.Fatalf("restored session missing: %v", err)
	}
	if state.Status != session.Paused {
		t.Errorf("status = %v, want paused", state.Status)
	}
	if state.TotalPlayers != 1 {
		t.Errorf("counters not recomputed on restore: %d", state.TotalPlayers)
	}
}

func TestRestoreEmptyStore(t *testing.T) {
	s := openTestStore(t)
	reg := session.NewRegistry()
	n, err := s.Restore(context.Background(), reg)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 0 || reg.Count() != 0 {
		t.Errorf("empty store restored %d sessions", n)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
