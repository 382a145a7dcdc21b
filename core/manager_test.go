package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/simlog"
	"github.com/signalsfoundry/orbitnet-simulator/timectrl"
)

type countingModel struct {
	stubModel
	advanced int
}

func (m *countingModel) Advance(time.Time) { m.advanced++ }

func managerFixture(t *testing.T, window time.Duration) (*BuildResult, *countingModel) {
	t.Helper()
	start := time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)
	node := NewNode(NodeSpec{
		ID: 1, TopologyID: 1, Kind: KindSat, Class: "TestNode",
		Start: start, End: start.Add(window), Delta: time.Second,
	})
	cm := &countingModel{stubModel: stubModel{name: "ModelCount", tag: TagOrbital, owner: node}}
	node.AttachModels([]Model{cm})

	dir := NewDirectory()
	if err := dir.AddTopology(&Topology{ID: 1, Name: "t", Nodes: []*Node{node}}); err != nil {
		t.Fatal(err)
	}
	return &BuildResult{
		Dir:   dir,
		Start: start,
		End:   start.Add(window),
		Delta: time.Second,
		Sink:  simlog.Discard(),
	}, cm
}

func TestManagerRunToCompletion(t *testing.T) {
	build, cm := managerFixture(t, 10*time.Second)
	mgr := NewManager(build, ManagerConfig{})
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cm.advanced != 11 {
		t.Fatalf("advanced %d epochs, want 11", cm.advanced)
	}
	if mgr.Epoch() != 11 {
		t.Fatalf("Epoch() = %d, want 11", mgr.Epoch())
	}
	if !mgr.Now().Equal(build.End) {
		t.Fatalf("Now() = %v, want %v", mgr.Now(), build.End)
	}
}

func TestManagerRunParallel(t *testing.T) {
	build, cm := managerFixture(t, 10*time.Second)
	mgr := NewManager(build, ManagerConfig{Workers: 4})
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cm.advanced != 11 {
		t.Fatalf("advanced %d epochs, want 11", cm.advanced)
	}
	if !build.Dir.Parallel() {
		t.Fatal("workers > 1 must switch the directory to staged delivery")
	}
}

func TestManagerNodeWindow(t *testing.T) {
	build, _ := managerFixture(t, 10*time.Second)
	start := build.Start
	short := NewNode(NodeSpec{
		ID: 2, TopologyID: 2, Kind: KindGS, Class: "TestNode",
		Start: start, End: start.Add(4 * time.Second), Delta: time.Second,
	})
	cm := &countingModel{stubModel: stubModel{name: "ModelCount", tag: TagOrbital, owner: short}}
	short.AttachModels([]Model{cm})
	if err := build.Dir.AddTopology(&Topology{ID: 2, Nodes: []*Node{short}}); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(build, ManagerConfig{})
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cm.advanced != 5 {
		t.Fatalf("out-of-window node advanced %d times, want 5", cm.advanced)
	}
	if build.Dir.NodeByID(2) == nil {
		t.Fatal("expired node must stay addressable")
	}
}

func TestManagerRuntimeControl(t *testing.T) {
	build, _ := managerFixture(t, time.Hour)
	// Pace epochs at 1 ms so the loop is still running when the calls
	// below arrive; a free-running loop finishes the hour in milliseconds.
	mgr := NewManager(build, ManagerConfig{Pacer: timectrl.NewWallClock(time.Millisecond)})
	rt := mgr.Runtime()

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run(context.Background()) }()

	// Stepping a free-running simulation is refused.
	err := rt.Step()
	if ie, ok := AsInvocationError(err); !ok || ie.Kind != PreconditionFailed {
		t.Fatalf("step while running: want PreconditionFailed, got %v", err)
	}

	if err := rt.Pause(); err != nil {
		t.Fatal(err)
	}
	before := mgr.Epoch()

	// The step reply arrives before the epoch executes, so poll.
	if err := rt.Step(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Epoch() != before+1 {
		if time.Now().After(deadline) {
			t.Fatalf("epoch stuck at %d after step", mgr.Epoch())
		}
		time.Sleep(time.Millisecond)
	}

	if err := rt.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := rt.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := <-runDone; err != nil {
		t.Fatal(err)
	}

	if _, err := rt.Call("get_Topologies", nil); !errors.Is(err, ErrManagerStopped) {
		t.Fatalf("calls after shutdown: want ErrManagerStopped, got %v", err)
	}
}

func TestManagerDispatchInspection(t *testing.T) {
	build, _ := managerFixture(t, time.Hour)
	mgr := NewManager(build, ManagerConfig{})
	rt := mgr.Runtime()

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run(context.Background()) }()
	defer func() {
		rt.Stop()
		<-runDone
	}()

	if err := rt.Pause(); err != nil {
		t.Fatal(err)
	}

	info, err := rt.Call("get_NodeInfo", Args{"_node_id": 1})
	if err != nil {
		t.Fatal(err)
	}
	m, ok := info.(map[string]any)
	if !ok || m["node_id"] != 1 || m["type"] != "SAT" {
		t.Fatalf("get_NodeInfo = %#v", info)
	}

	if _, err := rt.Call("get_NodeInfo", Args{"_node_id": 99}); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("want ErrNodeNotFound, got %v", err)
	}

	if _, err := rt.Call("set_GlobalDictionary", Args{"_name": "k", "_value": 42}); err != nil {
		t.Fatal(err)
	}
	v, err := rt.Call("get_GlobalDictionary", Args{"_name": "k"})
	if err != nil || v != 42 {
		t.Fatalf("global dictionary round trip: %v, %v", v, err)
	}
	_, err = rt.Call("get_GlobalDictionary", Args{"_name": "absent"})
	if ie, ok := AsInvocationError(err); !ok || ie.Kind != PreconditionFailed {
		t.Fatalf("absent dictionary: want PreconditionFailed, got %v", err)
	}

	if _, err := rt.Call("fly_ToMars", nil); err == nil {
		t.Fatal("unknown runtime api must fail")
	}
}
