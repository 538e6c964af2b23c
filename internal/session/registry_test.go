package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/squadlive/backend/internal/apperrors"
)

func seedSession(t *testing.T, r *Registry, id string, status Status, playerIDs ...string) {
	t.Helper()
	players := make(map[string]*PlayerState, len(playerIDs))
	for _, pid := range playerIDs {
		players[pid] = &PlayerState{PlayerID: pid, Status: PlayerActive, LastActivity: time.Now()}
	}
	err := r.Create(&SessionState{
		ID:      id,
		Status:  status,
		Players: players,
	})
	if err != nil {
		t.Fatalf("seeding session %s: %v", id, err)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestRegistryGetReturnsClone(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "s1", Active, "p1")

	a, _ := r.Get("s1")
	a.Players["p1"].Status = PlayerCompleted
	a.Players["p2"] = &PlayerState{PlayerID: "p2"}

	b, _ := r.Get("s1")
	if b.Players["p1"].Status != PlayerActive {
		t.Error("mutating a Get result leaked into registry state")
	}
	if len(b.Players) != 1 {
		t.Error("mutating a Get result grew the registry player map")
	}
}

func TestRegistryCreateDuplicate(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "s1", Scheduled)
	err := r.Create(&SessionState{ID: "s1", Players: map[string]*PlayerState{}})
	assertCode(t, err, apperrors.CodeValidation)
}

func TestRegistryCreateBatchAllOrNothing(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "dup", Scheduled)

	err := r.CreateBatch([]*SessionState{
		{ID: "new1", Players: map[string]*PlayerState{}},
		{ID: "dup", Players: map[string]*PlayerState{}},
		{ID: "new2", Players: map[string]*PlayerState{}},
	})
	assertCode(t, err, apperrors.CodeValidation)

	if _, err := r.Get("new1"); err == nil {
		t.Error("new1 should not exist after failed batch")
	}
	if _, err := r.Get("new2"); err == nil {
		t.Error("new2 should not exist after failed batch")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestMutateRecountsCounters(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "s1", Active, "p1", "p2", "p3")

	state, err := r.Mutate("s1", func(s *SessionState) error {
		s.Players["p1"].Status = PlayerCompleted
		delete(s.Players, "p3")
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if state.TotalPlayers != 2 || state.ActivePlayers != 1 || state.CompletedPlayers != 1 {
		t.Errorf("counters = %d/%d/%d, want total 2, active 1, completed 1",
			state.TotalPlayers, state.ActivePlayers, state.CompletedPlayers)
	}
}

// Concurrent trainer pause and player completion must both apply without
// a lost update, whichever order the per-session lock serializes them in.
func TestMutateSingleWriter(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "s1", Active, "p1", "p2")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Mutate("s1", Pause)
	}()
	go func() {
		defer wg.Done()
		r.Mutate("s1", func(s *SessionState) error {
			s.Players["p1"].Status = PlayerCompleted
			return nil
		})
	}()
	wg.Wait()

	state, _ := r.Get("s1")
	if state.Status != Paused {
		t.Errorf("status = %v, want paused", state.Status)
	}
	if state.Players["p1"].Status != PlayerCompleted {
		t.Error("player completion lost")
	}
	if state.ActivePlayers != 1 || state.CompletedPlayers != 1 || state.TotalPlayers != 2 {
		t.Errorf("counters = %d/%d/%d after concurrent writes",
			state.TotalPlayers, state.ActivePlayers, state.CompletedPlayers)
	}
}

func TestMutateManyConcurrentWriters(t *testing.T) {
	r := NewRegistry()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
	}
	seedSession(t, r, "s1", Active, ids...)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Mutate("s1", func(s *SessionState) error {
				s.Players[id].Status = PlayerCompleted
				return nil
			})
		}(id)
	}
	wg.Wait()

	state, _ := r.Get("s1")
	if state.CompletedPlayers != len(ids) {
		t.Errorf("CompletedPlayers = %d, want %d", state.CompletedPlayers, len(ids))
	}
}

// A participant moved with MutatePair must be visible in exactly one of
// the two sessions at every observable point.
func TestMutatePairAtomicity(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "a", Active, "mover")
	seedSession(t, r, "b", Active)

	done := make(chan struct{})
	var violations int
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			a, b, err := r.GetPair("a", "b")
			if err != nil {
				violations++
				continue
			}
			_, inA := a.Players["mover"]
			_, inB := b.Players["mover"]
			if inA == inB {
				violations++
			}
		}
	}()

	for i := 0; i < 100; i++ {
		from, to := "a", "b"
		if i%2 == 1 {
			from, to = "b", "a"
		}
		_, _, err := r.MutatePair(from, to, func(f, t *SessionState) error {
			p := f.Players["mover"]
			delete(f.Players, "mover")
			t.Players["mover"] = p
			return nil
		})
		if err != nil {
			t.Fatalf("MutatePair: %v", err)
		}
	}
	<-done

	if violations > 0 {
		t.Errorf("observed player in both or neither session %d times", violations)
	}
}

func TestMutatePairSameSession(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "a", Active)
	_, _, err := r.MutatePair("a", "a", func(f, t *SessionState) error { return nil })
	assertCode(t, err, apperrors.CodeValidation)
}

func TestActiveCount(t *testing.T) {
	r := NewRegistry()
	seedSession(t, r, "s1", Active)
	seedSession(t, r, "s2", Completed)
	seedSession(t, r, "s3", Scheduled)

	if got := r.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
}
