package timectrl

import (
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":           Accelerated,
		"accelerated": Accelerated,
		"fast":       Accelerated,
		"REALTIME":   RealTime,
		"real-time":  RealTime,
		" realtime ": RealTime,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseMode("warp"); err == nil {
		t.Fatal("unknown mode must fail")
	}
}

func TestNewPacer(t *testing.T) {
	if _, ok := NewPacer(Accelerated, time.Second).(FreeRun); !ok {
		t.Fatal("accelerated mode should free-run")
	}
	if _, ok := NewPacer(RealTime, time.Second).(*WallClock); !ok {
		t.Fatal("realtime mode should pace against the wall clock")
	}
}

func TestWallClockPacing(t *testing.T) {
	const delta = 20 * time.Millisecond
	w := NewWallClock(delta)
	sim := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

	began := time.Now()
	w.Wait(0, sim)
	w.Wait(1, sim.Add(delta))
	w.Wait(2, sim.Add(2*delta))
	elapsed := time.Since(began)
	if elapsed < 2*delta {
		t.Fatalf("three epochs took %v, want at least %v", elapsed, 2*delta)
	}
}

func TestWallClockOverrun(t *testing.T) {
	const delta = 10 * time.Millisecond
	w := NewWallClock(delta)
	sim := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

	w.Wait(0, sim)
	time.Sleep(3 * delta) // the epoch body overruns its slot

	// The schedule re-anchors instead of bursting to catch up.
	began := time.Now()
	w.Wait(1, sim.Add(delta))
	w.Wait(2, sim.Add(2*delta))
	elapsed := time.Since(began)
	if elapsed > 2*delta {
		t.Fatalf("catch-up after overrun took %v, want about %v", elapsed, delta)
	}
}
