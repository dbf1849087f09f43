package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ErrorPct:       50,
		WindowDuration: time.Second,
		OpenDuration:   50 * time.Millisecond,
		HalfOpenProbes: 2,
	}
}

func TestClosedAllowsCalls(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 10; i++ {
		if !b.Allow() {
			t.Fatalf("call %d rejected while closed", i)
		}
		b.RecordSuccess()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestTripsAtErrorThreshold(t *testing.T) {
	b := New(testConfig())

	b.RecordSuccess()
	b.RecordFailure()
	// 1 success + 1 failure = 50% error rate, at the threshold.
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a call")
	}
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	b := New(testConfig())

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed at 25%% errors", got)
	}
}

func TestHalfOpenProbesThenCloses(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(cfg.OpenDuration + 10*time.Millisecond)

	for i := 0; i < cfg.HalfOpenProbes; i++ {
		if !b.Allow() {
			t.Fatalf("probe %d rejected in half-open", i)
		}
	}
	if b.Allow() {
		t.Fatal("allowed more calls than configured probes in half-open")
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after all probes succeeded", got)
	}
	if !b.Allow() {
		t.Fatal("closed breaker rejected a call")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)

	b.RecordFailure()
	time.Sleep(cfg.OpenDuration + 10*time.Millisecond)

	if !b.Allow() {
		t.Fatal("probe rejected in half-open")
	}
	b.RecordFailure()

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}
	if b.Allow() {
		t.Fatal("reopened breaker allowed a call")
	}
}

func TestWindowForgetsOldOutcomes(t *testing.T) {
	cfg := testConfig()
	cfg.WindowDuration = 100 * time.Millisecond
	b := New(cfg)

	b.RecordSuccess()
	b.RecordSuccess()

	// Let the successes age out of the window entirely, then fail once:
	// the single failure is 100% of the (now empty) window and trips.
	time.Sleep(cfg.WindowDuration + 20*time.Millisecond)
	b.RecordFailure()

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open once old successes aged out", got)
	}
}

func TestRegistryDisablesOnZeroConfig(t *testing.T) {
	r := NewRegistry()
	if b := r.Get("pg", Config{}); b != nil {
		t.Fatal("Get with zero config should return nil")
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry()
	a := r.Get("pg", testConfig())
	b := r.Get("pg", testConfig())
	if a != b {
		t.Fatal("Get returned different breakers for the same backend")
	}

	snap := r.Snapshot()
	if snap["pg"] != "closed" {
		t.Fatalf("snapshot = %v, want pg closed", snap)
	}

	r.Remove("pg")
	if len(r.Snapshot()) != 0 {
		t.Fatal("Remove did not delete the breaker")
	}
}
