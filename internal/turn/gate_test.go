package turn_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/greensteps/voicecoach/internal/turn"
)

func TestGate_StartsAgentSpeaking(t *testing.T) {
	t.Parallel()
	g := turn.New(turn.PolicyGreetFirst)
	if g.State() != turn.AgentSpeaking {
		t.Fatalf("State = %v, want agent_speaking", g.State())
	}
	if g.Allow() {
		t.Fatal("Allow = true before first turn complete")
	}
}

func TestGate_OpenIsIrreversible(t *testing.T) {
	t.Parallel()
	var opened atomic.Int32
	g := turn.New("", turn.WithOnOpen(func() { opened.Add(1) }))

	g.Open()
	g.Open()
	if !g.Allow() || g.State() != turn.UserTurnOpen {
		t.Fatalf("State = %v after Open, want user_turn_open", g.State())
	}
	if n := opened.Load(); n != 1 {
		t.Errorf("OnOpen ran %d times, want 1", n)
	}
}

func TestGate_PolicyOpen(t *testing.T) {
	t.Parallel()
	g := turn.New(turn.PolicyOpen)
	if !g.Allow() {
		t.Fatal("Allow = false with open policy")
	}
}

func TestGate_ConcurrentOpenAndAllow(t *testing.T) {
	t.Parallel()
	var opened atomic.Int32
	g := turn.New(turn.PolicyGreetFirst, turn.WithOnOpen(func() { opened.Add(1) }))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Open()
		}()
		go func() {
			defer wg.Done()
			_ = g.Allow()
		}()
	}
	wg.Wait()
	if n := opened.Load(); n != 1 {
		t.Errorf("OnOpen ran %d times, want 1", n)
	}
}

func TestPolicy_IsValid(t *testing.T) {
	t.Parallel()
	if !turn.PolicyGreetFirst.IsValid() || !turn.PolicyOpen.IsValid() {
		t.Error("known policies reported invalid")
	}
	if turn.Policy("sometimes").IsValid() {
		t.Error("unknown policy reported valid")
	}
}
