package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Scenario is the root of a scenario file: the global clock, the logging
// setup and the topology tree. Field names follow the on-disk keys.
type Scenario struct {
	SimTime    SimTime
	LogSetup   LogSetup
	Topologies []Topology
}

// SimTime is the global simulation window. Every node defaults to it.
type SimTime struct {
	StartTime string
	EndTime   string
	Delta     float64 // seconds
	Workers   int
}

// LogSetup selects the log handler and its options.
type LogSetup struct {
	Handler  string
	LogLevel string
	Options  map[string]any
}

// Topology is one named node group.
type Topology struct {
	ID    int
	Name  string
	Nodes []NodeConfig
}

// NodeConfig is the declaration of one node. Keys the loader does not
// recognize are forwarded untouched in Raw so node factories can consume
// class-specific settings (TLE lines, coordinates) without the loader
// knowing about them.
type NodeConfig struct {
	NodeID    int
	Type      string
	IName     string
	LogLevel  string
	StartTime string
	EndTime   string
	Delta     float64
	Models    []ModelConfig
	Raw       map[string]any
}

// ModelConfig is the declaration of one model instance on a node. All
// keys other than the implementation name travel in Raw.
type ModelConfig struct {
	IName string
	Raw   map[string]any
}

// ---------- Decoding ----------

// The scenario format is key-value with open-ended per-class settings, so
// every level decodes through a generic map and claims its known keys.

func (s *Scenario) fromMap(m map[string]any) error {
	if v, ok := m["sim_time"]; ok {
		sub, err := asMap(v, "sim_time")
		if err != nil {
			return err
		}
		if err := s.SimTime.fromMap(sub); err != nil {
			return err
		}
	}
	if v, ok := m["log_setup"]; ok {
		sub, err := asMap(v, "log_setup")
		if err != nil {
			return err
		}
		s.LogSetup.fromMap(sub)
	}
	raw, ok := m["topologies"]
	if !ok {
		return fmt.Errorf("scenario: missing topologies")
	}
	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("scenario: topologies is not a list")
	}
	for i, item := range list {
		sub, err := asMap(item, fmt.Sprintf("topologies[%d]", i))
		if err != nil {
			return err
		}
		var t Topology
		if err := t.fromMap(sub); err != nil {
			return err
		}
		s.Topologies = append(s.Topologies, t)
	}
	return nil
}

func (st *SimTime) fromMap(m map[string]any) error {
	st.StartTime, _ = asString(m["start_time"])
	st.EndTime, _ = asString(m["end_time"])
	if v, ok := m["delta"]; ok {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("sim_time: delta is not a number")
		}
		st.Delta = f
	}
	if v, ok := m["workers"]; ok {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("sim_time: workers is not a number")
		}
		st.Workers = int(f)
	}
	return nil
}

func (ls *LogSetup) fromMap(m map[string]any) {
	ls.Handler, _ = asString(m["log_handler"])
	ls.LogLevel, _ = asString(m["log_level"])
	ls.Options = make(map[string]any)
	for k, v := range m {
		if k == "log_handler" || k == "log_level" {
			continue
		}
		ls.Options[k] = v
	}
}

func (t *Topology) fromMap(m map[string]any) error {
	if v, ok := m["id"]; ok {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("topology: id is not a number")
		}
		t.ID = int(f)
	}
	t.Name, _ = asString(m["name"])
	raw, ok := m["nodes"]
	if !ok {
		return fmt.Errorf("topology %d: missing nodes", t.ID)
	}
	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("topology %d: nodes is not a list", t.ID)
	}
	for i, item := range list {
		sub, err := asMap(item, fmt.Sprintf("topology %d nodes[%d]", t.ID, i))
		if err != nil {
			return err
		}
		var nc NodeConfig
		if err := nc.fromMap(sub); err != nil {
			return err
		}
		t.Nodes = append(t.Nodes, nc)
	}
	return nil
}

var nodeKnownKeys = map[string]bool{
	"node_id":    true,
	"type":       true,
	"iname":      true,
	"log_level":  true,
	"start_time": true,
	"end_time":   true,
	"delta":      true,
	"models":     true,
}

func (nc *NodeConfig) fromMap(m map[string]any) error {
	if v, ok := m["node_id"]; ok {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("node: node_id is not a number")
		}
		nc.NodeID = int(f)
	}
	nc.Type, _ = asString(m["type"])
	nc.IName, _ = asString(m["iname"])
	nc.LogLevel, _ = asString(m["log_level"])
	nc.StartTime, _ = asString(m["start_time"])
	nc.EndTime, _ = asString(m["end_time"])
	if v, ok := m["delta"]; ok {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("node %d: delta is not a number", nc.NodeID)
		}
		nc.Delta = f
	}
	nc.Raw = make(map[string]any)
	for k, v := range m {
		if !nodeKnownKeys[k] {
			nc.Raw[k] = v
		}
	}
	if raw, ok := m["models"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("node %d: models is not a list", nc.NodeID)
		}
		for i, item := range list {
			sub, err := asMap(item, fmt.Sprintf("node %d models[%d]", nc.NodeID, i))
			if err != nil {
				return err
			}
			var mc ModelConfig
			mc.fromMap(sub)
			nc.Models = append(nc.Models, mc)
		}
	}
	return nil
}

func (mc *ModelConfig) fromMap(m map[string]any) {
	mc.IName, _ = asString(m["iname"])
	mc.Raw = make(map[string]any)
	for k, v := range m {
		if k != "iname" {
			mc.Raw[k] = v
		}
	}
}

// UnmarshalJSON decodes a scenario from JSON, forwarding unknown keys.
func (s *Scenario) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	return s.fromMap(m)
}

// UnmarshalYAML decodes a scenario from YAML, forwarding unknown keys.
func (s *Scenario) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	return s.fromMap(normalizeYAML(m).(map[string]any))
}

// ---------- Conversion helpers ----------

func asMap(v any, where string) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: not a mapping", where)
	}
	return m, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalizeYAML rewrites map[any]any trees from the YAML decoder into
// the map[string]any shape the JSON path produces.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
