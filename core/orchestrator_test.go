package core

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/model"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

type stubModel struct {
	name  string
	tag   Tag
	owner *Node
	trace *[]string
}

func (m *stubModel) Name() string  { return m.name }
func (m *stubModel) Tag() Tag      { return m.tag }
func (m *stubModel) Owner() *Node  { return m.owner }
func (m *stubModel) Invoke(op string, args Args) (any, error) {
	return nil, ErrUnknownOp(op)
}
func (m *stubModel) Advance(time.Time) {
	if m.trace != nil {
		*m.trace = append(*m.trace, m.name)
	}
}

type carrierStub struct {
	stubModel
	freq float64
}

func (c *carrierStub) Frequency() float64 { return c.freq }

func registerStub(reg *Registry, name string, info ModelInfo, trace *[]string) {
	info.New = func(owner *Node, cfg Args, log *simlog.Logger) (Model, error) {
		return &stubModel{name: name, tag: info.Tag, owner: owner, trace: trace}, nil
	}
	reg.RegisterModelClass(name, info)
}

func registerCarrier(reg *Registry, name string, tag Tag, freq float64) {
	reg.RegisterModelClass(name, ModelInfo{
		Tag: tag,
		New: func(owner *Node, cfg Args, log *simlog.Logger) (Model, error) {
			return &carrierStub{stubModel: stubModel{name: name, tag: tag, owner: owner}, freq: freq}, nil
		},
	})
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterNodeClass("TestNode", func(spec NodeSpec, cfg Args) (*Node, error) {
		return NewNode(spec), nil
	})
	return reg
}

func oneNodeScenario(models ...string) *model.Scenario {
	mcs := make([]model.ModelConfig, len(models))
	for i, name := range models {
		mcs[i] = model.ModelConfig{IName: name, Raw: map[string]any{}}
	}
	return &model.Scenario{
		SimTime: model.SimTime{
			StartTime: "2021-10-02 12:00:00",
			EndTime:   "2021-10-02 12:00:10",
			Delta:     1,
		},
		Topologies: []model.Topology{{
			ID: 1, Name: "t",
			Nodes: []model.NodeConfig{{
				NodeID: 1, Type: "SAT", IName: "TestNode",
				Models: mcs, Raw: map[string]any{},
			}},
		}},
	}
}

func TestBuildDependencyOrdering(t *testing.T) {
	reg := testRegistry()
	var trace []string
	registerStub(reg, "ModelA", ModelInfo{Tag: TagOrbital}, &trace)
	registerStub(reg, "ModelB", ModelInfo{Tag: TagPower, Dependencies: DependencyExpr{{"ModelA"}}}, &trace)

	// B is declared first but depends on A, so A must advance first.
	build, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelB", "ModelA"))
	if err != nil {
		t.Fatal(err)
	}
	defer build.Sink.Close()

	node := build.Dir.NodeByID(1)
	node.Advance(build.Start)
	if len(trace) != 2 || trace[0] != "ModelA" || trace[1] != "ModelB" {
		t.Fatalf("advance order %v, want [ModelA ModelB]", trace)
	}
}

func TestBuildDisjunctiveDependency(t *testing.T) {
	reg := testRegistry()
	registerStub(reg, "ModelA", ModelInfo{Tag: TagOrbital}, nil)
	registerStub(reg, "ModelC", ModelInfo{
		Tag:          TagPower,
		Dependencies: DependencyExpr{{"ModelX", "ModelA"}},
	}, nil)

	build, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelC", "ModelA"))
	if err != nil {
		t.Fatalf("one satisfied alternative should suffice: %v", err)
	}
	build.Sink.Close()
}

func TestBuildUnsatisfiedDependency(t *testing.T) {
	reg := testRegistry()
	registerStub(reg, "ModelB", ModelInfo{Tag: TagPower, Dependencies: DependencyExpr{{"ModelA"}}}, nil)

	_, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelB"))
	if !errors.Is(err, ErrUnsatisfiedDependency) {
		t.Fatalf("want ErrUnsatisfiedDependency, got %v", err)
	}
}

func TestBuildCyclicDependency(t *testing.T) {
	reg := testRegistry()
	registerStub(reg, "ModelA", ModelInfo{Tag: TagOrbital, Dependencies: DependencyExpr{{"ModelB"}}}, nil)
	registerStub(reg, "ModelB", ModelInfo{Tag: TagPower, Dependencies: DependencyExpr{{"ModelA"}}}, nil)

	_, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelA", "ModelB"))
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("want ErrCyclicDependency, got %v", err)
	}
}

func TestBuildUnsupportedOwner(t *testing.T) {
	reg := testRegistry()
	registerStub(reg, "ModelA", ModelInfo{Tag: TagOrbital, SupportedNodeClasses: []string{"OtherNode"}}, nil)

	_, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelA"))
	if !errors.Is(err, ErrUnsupportedOwner) {
		t.Fatalf("want ErrUnsupportedOwner, got %v", err)
	}
}

func TestBuildUnknownModelClass(t *testing.T) {
	reg := testRegistry()
	_, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelNope"))
	if !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("want ErrUnknownClass, got %v", err)
	}
}

func TestBuildDuplicateCarriers(t *testing.T) {
	reg := testRegistry()
	registerCarrier(reg, "ModelRadioA", TagBasicLoraRadio, 868.1e6)
	registerCarrier(reg, "ModelRadioB", TagBasicLoraRadio, 868.1e6)

	_, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelRadioA", "ModelRadioB"))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("same tag and frequency must be refused, got %v", err)
	}
}

func TestBuildDistinctCarriers(t *testing.T) {
	reg := testRegistry()
	registerCarrier(reg, "ModelRadioA", TagBasicLoraRadio, 868.1e6)
	registerCarrier(reg, "ModelRadioB", TagBasicLoraRadio, 868.3e6)

	build, err := NewOrchestrator(reg).Build(oneNodeScenario("ModelRadioA", "ModelRadioB"))
	if err != nil {
		t.Fatalf("distinct frequencies are fine: %v", err)
	}
	build.Sink.Close()
}

func TestBuildBadWindow(t *testing.T) {
	reg := testRegistry()
	sc := oneNodeScenario()
	sc.SimTime.EndTime = "2021-10-02 11:00:00"
	if _, err := NewOrchestrator(reg).Build(sc); !errors.Is(err, ErrConfig) {
		t.Fatalf("end before start: want ErrConfig, got %v", err)
	}

	sc = oneNodeScenario()
	sc.SimTime.Delta = 0
	if _, err := NewOrchestrator(reg).Build(sc); !errors.Is(err, ErrConfig) {
		t.Fatalf("zero delta: want ErrConfig, got %v", err)
	}

	sc = oneNodeScenario()
	sc.SimTime.StartTime = "soon"
	if _, err := NewOrchestrator(reg).Build(sc); !errors.Is(err, ErrConfig) {
		t.Fatalf("bad timestamp: want ErrConfig, got %v", err)
	}
}
