package orbit

import (
	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// Node class names understood by the scenario loader.
const (
	NodeClassSatellite = "SatelliteBasic"
	NodeClassGS        = "GSBasic"
	NodeClassIoT       = "IoTBasic"
)

func newSatelliteNode(spec core.NodeSpec, cfg core.Args) (*core.Node, error) {
	l1, err := cfg.Str("tle_1")
	if err != nil {
		return nil, err
	}
	l2, err := cfg.Str("tle_2")
	if err != nil {
		return nil, err
	}
	// Fail at orchestration, not mid-run.
	if _, err := NewPropagator(l1, l2); err != nil {
		return nil, err
	}
	n := core.NewNode(spec)
	n.SetTLE(l1, l2)
	return n, nil
}

func newGroundNode(spec core.NodeSpec, cfg core.Args) (*core.Node, error) {
	lat, err := cfg.Float("latitude")
	if err != nil {
		return nil, err
	}
	lon, err := cfg.Float("longitude")
	if err != nil {
		return nil, err
	}
	alt := 0.0
	if cfg.Has("elevation") {
		if alt, err = cfg.Float("elevation"); err != nil {
			return nil, err
		}
	}
	n := core.NewNode(spec)
	n.SetPosition(GeodeticToECEF(lat, lon, alt), spec.Start)
	return n, nil
}

// Register installs the orbit node and model classes.
func Register(r *core.Registry) {
	r.RegisterNodeClass(NodeClassSatellite, newSatelliteNode)
	r.RegisterNodeClass(NodeClassGS, newGroundNode)
	r.RegisterNodeClass(NodeClassIoT, newGroundNode)

	r.RegisterModelClass("ModelOrbit", core.ModelInfo{
		Tag:                  core.TagOrbital,
		SupportedNodeClasses: []string{NodeClassSatellite},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelOrbit(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelOrbitOneFullUpdate", core.ModelInfo{
		Tag:                  core.TagOrbital,
		SupportedNodeClasses: []string{NodeClassSatellite},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelOrbitOneFullUpdate(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelFixedOrbit", core.ModelInfo{
		Tag:                  core.TagOrbital,
		SupportedNodeClasses: []string{NodeClassGS, NodeClassIoT},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelFixedOrbit(owner, cfg, log)
		},
	})
}
