// Package payload models the mission payload chain: on-board compute,
// attitude control, the imager and the capture scheduler.
package payload

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/internal/observability"
	"github.com/signalsfoundry/orbitnet-simulator/radio"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

const (
	defaultJobLimit      = 32
	defaultJobsPerEpoch  = 1
	defaultSlewRateDeg   = 1.0
	defaultExposure      = time.Second
	defaultImageBytes    = 5_000_000
	defaultSummaryFactor = 100
)

var imageSeq atomic.Int64

// ImagePayload is one raw capture sitting in the datastore until the
// downlink drains it.
type ImagePayload struct {
	ImageID   int64
	TargetID  int
	TakenAt   time.Time
	SizeBytes int
}

// ImageSummary is the reduced product an edge-compute pass leaves in
// place of the raw capture.
type ImageSummary struct {
	ImageID   int64
	TargetID  int
	TakenAt   time.Time
	SizeBytes int
}

// ---------- ModelCompute ----------

// ModelCompute is a bounded job queue processed on a per-epoch budget.
// Processing an epoch costs one COMPUTE energy grant; a refused grant
// stalls the queue without losing jobs.
type ModelCompute struct {
	owner *core.Node
	log   *simlog.Logger

	limit     int
	perEpoch  int
	queue     []any
	completed int

	metrics *observability.SimCollector
	ops     core.OpTable
}

func newModelCompute(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelCompute, error) {
	m := &ModelCompute{
		owner:    owner,
		log:      log,
		limit:    defaultJobLimit,
		perEpoch: defaultJobsPerEpoch,
		metrics:  observability.Default(),
	}
	var err error
	if cfg.Has("queue_limit") {
		if m.limit, err = cfg.Int("queue_limit"); err != nil {
			return nil, err
		}
		if m.limit <= 0 {
			return nil, core.ErrInvalidArg("queue_limit", "must be positive")
		}
	}
	if cfg.Has("jobs_per_epoch") {
		if m.perEpoch, err = cfg.Int("jobs_per_epoch"); err != nil {
			return nil, err
		}
		if m.perEpoch <= 0 {
			return nil, core.ErrInvalidArg("jobs_per_epoch", "must be positive")
		}
	}
	m.ops = core.OpTable{
		"add_Job":       m.opAddJob,
		"get_QueueSize": func(core.Args) (any, error) { return len(m.queue), nil },
		"get_Completed": func(core.Args) (any, error) { return m.completed, nil },
	}
	return m, nil
}

func (m *ModelCompute) Name() string      { return "ModelCompute" }
func (m *ModelCompute) Tag() core.Tag     { return core.TagCompute }
func (m *ModelCompute) Owner() *core.Node { return m.owner }

func (m *ModelCompute) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelCompute) opAddJob(args core.Args) (any, error) {
	job, err := args.Any("_job")
	if err != nil {
		return nil, err
	}
	if len(m.queue) >= m.limit {
		m.metrics.ComputeJobs.WithLabelValues("rejected").Inc()
		return nil, core.ErrPrecondition(fmt.Sprintf("job queue full at %d", m.limit))
	}
	m.queue = append(m.queue, job)
	m.metrics.ComputeJobs.WithLabelValues("enqueued").Inc()
	m.log.Log(m.owner.Timestamp(), simlog.LevelDebug, simlog.EventComputeEnqueued,
		"job enqueued, queue %d", len(m.queue))
	return len(m.queue), nil
}

func (m *ModelCompute) Advance(t time.Time) {
	if len(m.queue) == 0 {
		return
	}
	if !consumeEnergy(m.owner, "COMPUTE", m.owner.Delta()) {
		return
	}
	n := m.perEpoch
	if n > len(m.queue) {
		n = len(m.queue)
	}
	m.queue = m.queue[n:]
	m.completed += n
	for i := 0; i < n; i++ {
		m.metrics.ComputeJobs.WithLabelValues("completed").Inc()
	}
	m.log.Log(t, simlog.LevelDebug, simlog.EventComputeCompleted,
		"completed %d jobs, %d total", n, m.completed)
}

// consumeEnergy debits the sibling power model for one load over a
// duration. A missing power model grants everything.
func consumeEnergy(owner *core.Node, tag string, d time.Duration) bool {
	power := owner.ModelByTag(core.TagPower)
	if power == nil {
		return true
	}
	_, err := power.Invoke("consume_Energy", core.Args{"_tag": tag, "_duration": d})
	return err == nil
}

// ---------- ModelEdgeCompute ----------

// ModelEdgeCompute reduces raw captures in the datastore to summaries
// before they reach the downlink, trading COMPUTE energy for airtime.
type ModelEdgeCompute struct {
	owner *core.Node
	log   *simlog.Logger

	factor  int
	batch   int
	reduced int

	metrics *observability.SimCollector
	ops     core.OpTable
}

func newModelEdgeCompute(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelEdgeCompute, error) {
	m := &ModelEdgeCompute{
		owner:   owner,
		log:     log,
		factor:  defaultSummaryFactor,
		batch:   defaultJobsPerEpoch,
		metrics: observability.Default(),
	}
	var err error
	if cfg.Has("reduction_factor") {
		if m.factor, err = cfg.Int("reduction_factor"); err != nil {
			return nil, err
		}
		if m.factor <= 1 {
			return nil, core.ErrInvalidArg("reduction_factor", "must exceed 1")
		}
	}
	if cfg.Has("jobs_per_epoch") {
		if m.batch, err = cfg.Int("jobs_per_epoch"); err != nil {
			return nil, err
		}
		if m.batch <= 0 {
			return nil, core.ErrInvalidArg("jobs_per_epoch", "must be positive")
		}
	}
	m.ops = core.OpTable{
		"get_Reduced": func(core.Args) (any, error) { return m.reduced, nil },
	}
	return m, nil
}

func (m *ModelEdgeCompute) Name() string      { return "ModelEdgeCompute" }
func (m *ModelEdgeCompute) Tag() core.Tag     { return core.TagCompute }
func (m *ModelEdgeCompute) Owner() *core.Node { return m.owner }

func (m *ModelEdgeCompute) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelEdgeCompute) Advance(t time.Time) {
	store := m.owner.ModelByTag(core.TagDataStore)
	if store == nil {
		return
	}
	out, err := store.Invoke("get_Queue", nil)
	if err != nil {
		return
	}
	pkts, _ := out.([]*radio.Packet)
	done := 0
	for _, pkt := range pkts {
		if done >= m.batch {
			break
		}
		img, ok := pkt.Payload.(ImagePayload)
		if !ok {
			continue
		}
		if !consumeEnergy(m.owner, "COMPUTE", m.owner.Delta()) {
			return
		}
		summary := ImageSummary{
			ImageID:   img.ImageID,
			TargetID:  img.TargetID,
			TakenAt:   img.TakenAt,
			SizeBytes: img.SizeBytes / m.factor,
		}
		reduced := radio.NewPacket(pkt.Source, pkt.Dest, summary.SizeBytes, summary, t)
		if _, err := store.Invoke("delete_Data", core.Args{"_ids": []int64{pkt.ID}}); err != nil {
			return
		}
		if _, err := store.Invoke("add_Data", core.Args{"_packet": reduced}); err != nil {
			return
		}
		m.reduced++
		done++
		m.metrics.ComputeJobs.WithLabelValues("completed").Inc()
		m.log.Log(t, simlog.LevelDebug, simlog.EventComputeCompleted,
			"image %d reduced %d -> %d bytes", img.ImageID, img.SizeBytes, summary.SizeBytes)
	}
}

// ---------- ModelADACS ----------

type adacsState int

const (
	adacsIdle adacsState = iota
	adacsSlewing
	adacsPointing
)

func (s adacsState) String() string {
	switch s {
	case adacsSlewing:
		return "SLEWING"
	case adacsPointing:
		return "POINTING"
	default:
		return "IDLE"
	}
}

// ModelADACS is the attitude machine. point_To starts a slew whose
// duration is the angular separation over the slew rate; the state
// reaches POINTING once the slew deadline passes. Slewing epochs draw
// ADACS power.
type ModelADACS struct {
	owner *core.Node
	log   *simlog.Logger

	slewRateDeg float64
	state       adacsState
	targetID    int
	pointing    [3]float64
	hasPointing bool
	slewUntil   time.Time

	ops core.OpTable
}

func newModelADACS(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelADACS, error) {
	m := &ModelADACS{owner: owner, log: log, slewRateDeg: defaultSlewRateDeg}
	if cfg.Has("slew_rate") {
		var err error
		if m.slewRateDeg, err = cfg.Float("slew_rate"); err != nil {
			return nil, err
		}
		if m.slewRateDeg <= 0 {
			return nil, core.ErrInvalidArg("slew_rate", "must be positive")
		}
	}
	m.ops = core.OpTable{
		"point_To":   m.opPointTo,
		"get_State":  func(core.Args) (any, error) { return m.state.String(), nil },
		"get_Target": func(core.Args) (any, error) { return m.targetID, nil },
	}
	return m, nil
}

func (m *ModelADACS) Name() string      { return "ModelADACS" }
func (m *ModelADACS) Tag() core.Tag     { return core.TagADACS }
func (m *ModelADACS) Owner() *core.Node { return m.owner }

func (m *ModelADACS) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

// opPointTo starts a slew towards the target node. Re-pointing at the
// current target while POINTING is a no-op.
func (m *ModelADACS) opPointTo(args core.Args) (any, error) {
	id, err := args.Int("_target_id")
	if err != nil {
		return nil, err
	}
	target := m.owner.Directory().NodeByID(id)
	if target == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrNodeNotFound, id)
	}
	if m.state == adacsPointing && m.targetID == id {
		return m.state.String(), nil
	}
	t := m.owner.Timestamp()
	from, ok := m.owner.PositionAt(t)
	if !ok {
		return nil, core.ErrPrecondition("own position unknown")
	}
	to, ok := target.PositionAt(t)
	if !ok {
		return nil, core.ErrPrecondition(fmt.Sprintf("node %d position unknown", id))
	}
	next := unit(to.X-from.X, to.Y-from.Y, to.Z-from.Z)
	angle := 90.0
	if m.hasPointing {
		angle = angleDeg(m.pointing, next)
	}
	m.pointing = next
	m.hasPointing = true
	m.targetID = id
	m.slewUntil = t.Add(time.Duration(angle / m.slewRateDeg * float64(time.Second)))
	m.state = adacsSlewing
	m.log.Log(t, simlog.LevelLogic, simlog.EventStateChange,
		"slewing %.1f deg to node %d", angle, id)
	return m.state.String(), nil
}

func (m *ModelADACS) Advance(t time.Time) {
	if m.state != adacsSlewing {
		return
	}
	if !consumeEnergy(m.owner, "ADACS", m.owner.Delta()) {
		// Hold the slew until power recovers.
		m.slewUntil = m.slewUntil.Add(m.owner.Delta())
		return
	}
	if !t.Before(m.slewUntil) {
		m.state = adacsPointing
		m.log.Log(t, simlog.LevelLogic, simlog.EventStateChange,
			"pointing at node %d", m.targetID)
	}
}

func unit(x, y, z float64) [3]float64 {
	n := math.Sqrt(x*x + y*y + z*z)
	if n == 0 {
		return [3]float64{}
	}
	return [3]float64{x / n, y / n, z / n}
}

func angleDeg(a, b [3]float64) float64 {
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return math.Acos(dot) * 180 / math.Pi
}

// ---------- ModelImaging ----------

// ModelImaging captures an image on command. A capture needs the ADACS
// pointing and an IMAGING energy grant covering the exposure; the raw
// product lands in the datastore for the downlink path.
type ModelImaging struct {
	owner *core.Node
	log   *simlog.Logger

	exposure   time.Duration
	imageBytes int
	captured   int

	ops core.OpTable
}

func newModelImaging(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelImaging, error) {
	m := &ModelImaging{
		owner:      owner,
		log:        log,
		exposure:   defaultExposure,
		imageBytes: defaultImageBytes,
	}
	var err error
	if cfg.Has("exposure_time") {
		if m.exposure, err = cfg.Duration("exposure_time"); err != nil {
			return nil, err
		}
	}
	if cfg.Has("image_size") {
		if m.imageBytes, err = cfg.Int("image_size"); err != nil {
			return nil, err
		}
		if m.imageBytes <= 0 {
			return nil, core.ErrInvalidArg("image_size", "must be positive")
		}
	}
	m.ops = core.OpTable{
		"capture_Image": m.opCapture,
		"get_Captured":  func(core.Args) (any, error) { return m.captured, nil },
	}
	return m, nil
}

func (m *ModelImaging) Name() string      { return "ModelImaging" }
func (m *ModelImaging) Tag() core.Tag     { return core.TagImaging }
func (m *ModelImaging) Owner() *core.Node { return m.owner }
func (m *ModelImaging) Advance(time.Time) {}

func (m *ModelImaging) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelImaging) opCapture(args core.Args) (any, error) {
	targetID := 0
	if args.Has("_target_id") {
		var err error
		if targetID, err = args.Int("_target_id"); err != nil {
			return nil, err
		}
	}
	if adacs := m.owner.ModelByTag(core.TagADACS); adacs != nil {
		out, err := adacs.Invoke("get_State", nil)
		if err != nil {
			return nil, err
		}
		if state, _ := out.(string); state != "POINTING" {
			return nil, core.ErrPrecondition(fmt.Sprintf("attitude is %s, not POINTING", state))
		}
	}
	store := m.owner.ModelByTag(core.TagDataStore)
	if store == nil {
		return nil, core.ErrPrecondition("no datastore resident")
	}
	if !consumeEnergy(m.owner, "IMAGING", m.exposure) {
		return nil, core.ErrPrecondition("insufficient energy for capture")
	}
	t := m.owner.Timestamp()
	img := ImagePayload{
		ImageID:   imageSeq.Add(1),
		TargetID:  targetID,
		TakenAt:   t,
		SizeBytes: m.imageBytes,
	}
	pkt := radio.NewPacket(m.owner.ID(), targetID, img.SizeBytes, img, t)
	if _, err := store.Invoke("add_Data", core.Args{"_packet": pkt}); err != nil {
		return nil, err
	}
	m.captured++
	m.log.Log(t, simlog.LevelInfo, simlog.EventImageTaken,
		"image %d of node %d, %d bytes", img.ImageID, targetID, img.SizeBytes)
	return img.ImageID, nil
}

// ---------- ModelImagingLogicBased ----------

// ModelImagingLogicBased schedules captures: when a configured ground
// target comes into view it points the ADACS at it and fires the imager
// once pointed, at most once per capture interval per target.
type ModelImagingLogicBased struct {
	owner *core.Node
	log   *simlog.Logger

	targets      []int
	interval     time.Duration
	lastCapture  map[int]time.Time
	scheduled    int
	activeTarget int

	ops core.OpTable
}

func newModelImagingLogicBased(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelImagingLogicBased, error) {
	m := &ModelImagingLogicBased{
		owner:       owner,
		log:         log,
		interval:    time.Minute,
		lastCapture: map[int]time.Time{},
	}
	raw, ok := cfg["targets"]
	if !ok {
		return nil, core.ErrMissingArg("targets")
	}
	switch list := raw.(type) {
	case []int:
		m.targets = list
	case []any:
		for _, item := range list {
			switch v := item.(type) {
			case int:
				m.targets = append(m.targets, v)
			case float64:
				m.targets = append(m.targets, int(v))
			default:
				return nil, core.ErrInvalidArg("targets", "not a list of node ids")
			}
		}
	default:
		return nil, core.ErrInvalidArg("targets", "not a list")
	}
	if cfg.Has("capture_interval") {
		var err error
		if m.interval, err = cfg.Duration("capture_interval"); err != nil {
			return nil, err
		}
	}
	m.ops = core.OpTable{
		"get_Scheduled": func(core.Args) (any, error) { return m.scheduled, nil },
		"get_Targets": func(core.Args) (any, error) {
			out := make([]int, len(m.targets))
			copy(out, m.targets)
			return out, nil
		},
	}
	return m, nil
}

func (m *ModelImagingLogicBased) Name() string      { return "ModelImagingLogicBased" }
func (m *ModelImagingLogicBased) Tag() core.Tag     { return core.TagScheduler }
func (m *ModelImagingLogicBased) Owner() *core.Node { return m.owner }

func (m *ModelImagingLogicBased) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelImagingLogicBased) Advance(t time.Time) {
	fov := m.owner.ModelByTag(core.TagViewOfNode)
	adacs := m.owner.ModelByTag(core.TagADACS)
	imaging := m.owner.ModelByTag(core.TagImaging)
	if fov == nil || adacs == nil || imaging == nil {
		return
	}

	target := m.pickTarget(t, fov)
	if target == 0 {
		m.activeTarget = 0
		return
	}

	if m.activeTarget != target {
		if _, err := adacs.Invoke("point_To", core.Args{"_target_id": target}); err != nil {
			return
		}
		m.activeTarget = target
		return
	}

	out, err := adacs.Invoke("get_State", nil)
	if err != nil {
		return
	}
	if state, _ := out.(string); state != "POINTING" {
		return
	}
	if _, err := imaging.Invoke("capture_Image", core.Args{"_target_id": target}); err != nil {
		return
	}
	m.lastCapture[target] = t
	m.scheduled++
}

// pickTarget returns the first configured target in view whose capture
// interval has elapsed.
func (m *ModelImagingLogicBased) pickTarget(t time.Time, fov core.Model) int {
	for _, id := range m.targets {
		if last, ok := m.lastCapture[id]; ok && t.Sub(last) < m.interval {
			continue
		}
		out, err := fov.Invoke("in_View", core.Args{"_target_id": id, "_time": t})
		if err != nil {
			continue
		}
		if in, _ := out.(bool); in {
			return id
		}
	}
	return 0
}

var (
	adacsClasses   = []string{"ModelADACS"}
	imagingClasses = []string{"ModelImaging"}
	powerClasses   = []string{"ModelPower"}
	fovClasses     = []string{"ModelHelperFoV", "ModelFovTimeBased"}
	storeClasses   = []string{"ModelDataStore"}
)

// Register installs the payload model classes.
func Register(r *core.Registry) {
	r.RegisterModelClass("ModelCompute", core.ModelInfo{
		Tag: core.TagCompute,
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelCompute(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelEdgeCompute", core.ModelInfo{
		Tag:          core.TagCompute,
		Dependencies: core.DependencyExpr{storeClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelEdgeCompute(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelADACS", core.ModelInfo{
		Tag: core.TagADACS,
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelADACS(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelImaging", core.ModelInfo{
		Tag:          core.TagImaging,
		Dependencies: core.DependencyExpr{storeClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelImaging(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelImagingLogicBased", core.ModelInfo{
		Tag: core.TagScheduler,
		Dependencies: core.DependencyExpr{
			powerClasses, fovClasses, adacsClasses, imagingClasses,
		},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelImagingLogicBased(owner, cfg, log)
		},
	})
}
