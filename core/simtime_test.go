package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseSimTime(t *testing.T) {
	got, err := ParseSimTime("2021-10-02 12:00:00")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Fatalf("timestamps must be UTC, got %v", got.Location())
	}
}

func TestParseSimTimeInvalid(t *testing.T) {
	for _, s := range []string{"", "2021-10-02T12:00:00Z", "yesterday"} {
		if _, err := ParseSimTime(s); !errors.Is(err, ErrConfig) {
			t.Fatalf("ParseSimTime(%q) should wrap ErrConfig, got %v", s, err)
		}
	}
}

func TestFormatSimTime(t *testing.T) {
	in := time.Date(2021, 10, 2, 13, 30, 0, 0, time.UTC)
	if s := FormatSimTime(in); s != "2021-10-02 13:30:00" {
		t.Fatalf("got %q", s)
	}
}

func TestEpochCount(t *testing.T) {
	start := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

	if n := EpochCount(start, start.Add(10*time.Second), time.Second); n != 11 {
		t.Fatalf("10 s window at 1 s: got %d, want 11", n)
	}
	if n := EpochCount(start, start, time.Second); n != 1 {
		t.Fatalf("zero-length window: got %d, want 1", n)
	}
	if n := EpochCount(start, start.Add(10*time.Second), 3*time.Second); n != 4 {
		t.Fatalf("non-dividing delta: got %d, want 4", n)
	}
	if n := EpochCount(start, start.Add(-time.Second), time.Second); n != 0 {
		t.Fatalf("end before start: got %d", n)
	}
	if n := EpochCount(start, start.Add(time.Minute), 0); n != 0 {
		t.Fatalf("zero delta: got %d", n)
	}
}
