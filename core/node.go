package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// Kind classifies a node within the scenario.
type Kind int

const (
	KindUnknown Kind = iota
	KindSat
	KindGS
	KindIoTDevice
)

func (k Kind) String() string {
	switch k {
	case KindSat:
		return "SAT"
	case KindGS:
		return "GS"
	case KindIoTDevice:
		return "IOTDEVICE"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// ParseKind resolves a node type string from the scenario file.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAT":
		return KindSat, nil
	case "GS":
		return KindGS, nil
	case "IOTDEVICE":
		return KindIoTDevice, nil
	default:
		return KindUnknown, fmt.Errorf("%w: node type %q", ErrConfig, s)
	}
}

// Location is a position in the Earth-fixed frame, metres.
type Location struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance in metres.
func (l Location) DistanceTo(other Location) float64 {
	dx := l.X - other.X
	dy := l.Y - other.Y
	dz := l.Z - other.Z
	return sqrt(dx*dx + dy*dy + dz*dz)
}

// Node is one simulated entity: a satellite, ground station or IoT device.
// It owns an ordered list of models; the order is the dependency
// topological order established at orchestration and is the order models
// advance each epoch.
type Node struct {
	id         int
	topologyID int
	kind       Kind
	class      string

	start time.Time
	end   time.Time
	delta time.Duration

	log *simlog.Logger
	dir *Directory

	models []Model

	now     time.Time
	pos     Location
	posTime time.Time
	hasPos  bool

	tle1, tle2 string
}

// NodeSpec carries everything a node factory needs.
type NodeSpec struct {
	ID         int
	TopologyID int
	Kind       Kind
	Class      string
	Start, End time.Time
	Delta      time.Duration
	Logger     *simlog.Logger
}

// NewNode builds a bare node; the orchestrator attaches models afterwards.
func NewNode(spec NodeSpec) *Node {
	log := spec.Logger
	if log == nil {
		log = simlog.Nop()
	}
	return &Node{
		id:         spec.ID,
		topologyID: spec.TopologyID,
		kind:       spec.Kind,
		class:      spec.Class,
		start:      spec.Start,
		end:        spec.End,
		delta:      spec.Delta,
		log:        log,
		now:        spec.Start,
	}
}

func (n *Node) ID() int              { return n.id }
func (n *Node) TopologyID() int      { return n.topologyID }
func (n *Node) Kind() Kind           { return n.kind }
func (n *Node) ClassName() string    { return n.class }
func (n *Node) Start() time.Time     { return n.start }
func (n *Node) End() time.Time       { return n.end }
func (n *Node) Delta() time.Duration { return n.delta }

// Timestamp is the node's current simulated time.
func (n *Node) Timestamp() time.Time { return n.now }

// Logger returns the per-node event logger.
func (n *Node) Logger() *simlog.Logger { return n.log }

// Directory returns the runtime node directory, set during orchestration.
func (n *Node) Directory() *Directory { return n.dir }

// SetTLE records the two-line element set for satellite node classes.
func (n *Node) SetTLE(line1, line2 string) {
	n.tle1, n.tle2 = line1, line2
}

// TLE returns the node's two-line element set, empty for ground classes.
func (n *Node) TLE() (string, string) { return n.tle1, n.tle2 }

// SetPosition records the node position observed at t.
func (n *Node) SetPosition(loc Location, t time.Time) {
	n.pos = loc
	n.posTime = t
	n.hasPos = true
}

// Position returns the most recently recorded position.
func (n *Node) Position() (Location, bool) {
	return n.pos, n.hasPos
}

// PositionAt returns the node position at t. Ground classes return their
// static position; satellites consult the resident orbital model when the
// recorded position is stale.
func (n *Node) PositionAt(t time.Time) (Location, bool) {
	if n.hasPos && n.posTime.Equal(t) {
		return n.pos, true
	}
	if m := n.ModelByTag(TagOrbital); m != nil {
		out, err := m.Invoke("get_Position", Args{"_time": t})
		if err == nil {
			if loc, ok := out.(Location); ok {
				return loc, true
			}
		}
		return Location{}, false
	}
	return n.pos, n.hasPos
}

// AttachModels installs the dependency-ordered model list. Called once by
// the orchestrator.
func (n *Node) AttachModels(models []Model) {
	n.models = models
}

// Models returns the resident models in advance order.
func (n *Node) Models() []Model { return n.models }

// ModelByTag returns the first resident model with the given tag, or nil.
func (n *Node) ModelByTag(tag Tag) Model {
	for _, m := range n.models {
		if m.Tag() == tag {
			return m
		}
	}
	return nil
}

// ModelsByTag returns every resident model with the given tag.
func (n *Node) ModelsByTag(tag Tag) []Model {
	var out []Model
	for _, m := range n.models {
		if m.Tag() == tag {
			out = append(out, m)
		}
	}
	return out
}

// ModelByClass returns the resident model with the given implementation
// class name, or nil.
func (n *Node) ModelByClass(name string) Model {
	for _, m := range n.models {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

// InWindow reports whether t falls inside the node's own time window.
func (n *Node) InWindow(t time.Time) bool {
	return !t.Before(n.start) && !t.After(n.end)
}

// Advance steps every resident model once at simulated time t, in
// dependency order. Nodes outside their window skip the step but remain
// addressable by the link fabric.
func (n *Node) Advance(t time.Time) {
	if !n.InWindow(t) {
		return
	}
	n.now = t
	for _, m := range n.models {
		m.Advance(t)
	}
}

// AdvanceToEnd repeatedly advances by delta until the node's end time,
// for isolated node stepping.
func (n *Node) AdvanceToEnd() {
	for t := n.now; !t.After(n.end); t = t.Add(n.delta) {
		n.Advance(t)
	}
}

func (n *Node) attachDirectory(d *Directory) { n.dir = d }
