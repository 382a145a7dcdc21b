package simlog

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *captureSink) Write(r Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"error":   LevelError,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"":        LevelInfo,
		"INFO":    LevelInfo,
		"debug":   LevelDebug,
		"logic":   LevelLogic,
		"all":     LevelAll,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("want ErrUnknownLevel, got %v", err)
	}
}

func TestLoggerFiltering(t *testing.T) {
	sink := &captureSink{}
	log := New(7, LevelInfo, sink)
	now := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

	log.Log(now, LevelError, EventStateChange, "bad")
	log.Log(now, LevelInfo, EventPassStart, "pass")
	log.Log(now, LevelDebug, EventPacketTx, "chatty")
	log.Log(now, LevelLogic, EventStateChange, "fsm")

	if sink.len() != 2 {
		t.Fatalf("recorded %d, want 2", sink.len())
	}
	if sink.records[0].NodeID != 7 || sink.records[0].Kind != EventStateChange {
		t.Fatalf("first record %+v", sink.records[0])
	}
	if sink.records[1].Payload != "pass" {
		t.Fatalf("second record %+v", sink.records[1])
	}
}

func TestLoggerLevelAll(t *testing.T) {
	sink := &captureSink{}
	log := New(1, LevelAll, sink)
	now := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

	for _, lvl := range []Level{LevelError, LevelWarn, LevelInfo, LevelDebug, LevelLogic} {
		log.Log(now, lvl, EventStateChange, "x")
	}
	if sink.len() != 5 {
		t.Fatalf("recorded %d, want 5", sink.len())
	}
}

func TestLoggerFormatting(t *testing.T) {
	sink := &captureSink{}
	log := New(1, LevelDebug, sink)
	now := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

	log.Log(now, LevelDebug, EventPacketTx, "packet %d to node %d", 42, 3)
	if got := sink.records[0].Payload; got != "packet 42 to node 3" {
		t.Fatalf("payload %q", got)
	}
}

func TestOpenHandlers(t *testing.T) {
	sink, err := Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	sink.Close()

	sink, err = Open("LoggerFileChunkwise", map[string]any{"logfolder": t.TempDir(), "chunk_size": 5})
	if err != nil {
		t.Fatal(err)
	}
	sink.Close()

	if _, err := Open("LoggerTelepathy", nil); !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("want ErrUnknownHandler, got %v", err)
	}
}

func TestDispatcherDelivers(t *testing.T) {
	dst := &captureSink{}
	d := NewDispatcher(dst, 16)
	now := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		d.Write(Record{SimTime: now, NodeID: 1, Level: LevelInfo, Kind: EventPacketRx})
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if dst.len() != 10 {
		t.Fatalf("delivered %d, want 10", dst.len())
	}
	if d.Dropped() != 0 {
		t.Fatalf("dropped %d, want 0", d.Dropped())
	}
	if err := d.Close(); err != nil {
		t.Fatal("second close must be a no-op")
	}
}
