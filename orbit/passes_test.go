package orbit

import (
	"testing"
	"time"
)

func TestFindPassesSingleWindow(t *testing.T) {
	start := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	passStart := start.Add(100 * time.Second)
	passEnd := start.Add(200 * time.Second)
	visible := func(at time.Time) bool {
		return !at.Before(passStart) && at.Before(passEnd)
	}

	passes := FindPasses(visible, start, end, 30*time.Second)
	if len(passes) != 1 {
		t.Fatalf("got %d passes, want 1", len(passes))
	}
	if d := passes[0].Start.Sub(passStart); d < -time.Second || d > time.Second {
		t.Fatalf("pass start %v, want within 1 s of %v", passes[0].Start, passStart)
	}
	if d := passes[0].End.Sub(passEnd); d < -time.Second || d > time.Second {
		t.Fatalf("pass end %v, want within 1 s of %v", passes[0].End, passEnd)
	}
}

func TestFindPassesClippedAtEdges(t *testing.T) {
	start := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)

	// Visibility already holds at the window start.
	openAtStart := func(at time.Time) bool { return at.Before(start.Add(time.Minute)) }
	passes := FindPasses(openAtStart, start, end, 10*time.Second)
	if len(passes) != 1 || !passes[0].Start.Equal(start) {
		t.Fatalf("pass open at window start: %+v", passes)
	}

	// Visibility still holds at the window end.
	openAtEnd := func(at time.Time) bool { return !at.Before(end.Add(-time.Minute)) }
	passes = FindPasses(openAtEnd, start, end, 10*time.Second)
	if len(passes) != 1 || !passes[0].End.Equal(end) {
		t.Fatalf("pass open at window end: %+v", passes)
	}
}

func TestFindPassesAlwaysAndNever(t *testing.T) {
	start := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)

	passes := FindPasses(func(time.Time) bool { return true }, start, end, 10*time.Second)
	if len(passes) != 1 || !passes[0].Start.Equal(start) || !passes[0].End.Equal(end) {
		t.Fatalf("always visible: %+v", passes)
	}

	if passes := FindPasses(func(time.Time) bool { return false }, start, end, 10*time.Second); passes != nil {
		t.Fatalf("never visible: %+v", passes)
	}
}

func TestFindPassesMultiple(t *testing.T) {
	start := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	visible := func(at time.Time) bool {
		s := int(at.Sub(start).Seconds())
		return (s >= 60 && s < 120) || (s >= 300 && s < 420)
	}

	passes := FindPasses(visible, start, end, 15*time.Second)
	if len(passes) != 2 {
		t.Fatalf("got %d passes, want 2", len(passes))
	}
	if !passes[0].End.Before(passes[1].Start) {
		t.Fatalf("passes out of order: %+v", passes)
	}
}

func TestFindPassesDegenerate(t *testing.T) {
	start := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)
	if p := FindPasses(func(time.Time) bool { return true }, start, start.Add(-time.Second), time.Second); p != nil {
		t.Fatalf("inverted window: %+v", p)
	}
	if p := FindPasses(func(time.Time) bool { return true }, start, start.Add(time.Minute), 0); p != nil {
		t.Fatalf("non-positive step: %+v", p)
	}
}
