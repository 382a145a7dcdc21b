package payload

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/radio"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

var t0 = time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)

func newTestNode(id int, kind core.Kind) *core.Node {
	return core.NewNode(core.NodeSpec{
		ID: id, TopologyID: 1, Kind: kind, Class: "SatelliteBasic",
		Start: t0, End: t0.Add(time.Hour), Delta: time.Second,
	})
}

// fakeStore is a minimal in-memory datastore standing in for the data
// path model.
type fakeStore struct {
	owner *core.Node
	queue []*radio.Packet
}

func (f *fakeStore) Name() string      { return "ModelDataStore" }
func (f *fakeStore) Tag() core.Tag     { return core.TagDataStore }
func (f *fakeStore) Owner() *core.Node { return f.owner }
func (f *fakeStore) Advance(time.Time) {}

func (f *fakeStore) Invoke(op string, args core.Args) (any, error) {
	switch op {
	case "add_Data":
		raw, err := args.Any("_packet")
		if err != nil {
			return nil, err
		}
		f.queue = append(f.queue, raw.(*radio.Packet))
		return len(f.queue), nil
	case "get_Queue":
		out := make([]*radio.Packet, len(f.queue))
		copy(out, f.queue)
		return out, nil
	case "get_QueueSize":
		return len(f.queue), nil
	case "delete_Data":
		raw, err := args.Any("_ids")
		if err != nil {
			return nil, err
		}
		drop := map[int64]bool{}
		for _, id := range raw.([]int64) {
			drop[id] = true
		}
		kept := f.queue[:0]
		for _, pkt := range f.queue {
			if !drop[pkt.ID] {
				kept = append(kept, pkt)
			}
		}
		f.queue = kept
		return 0, nil
	}
	return nil, core.ErrUnknownOp(op)
}

// fakePower grants or refuses every energy request wholesale.
type fakePower struct {
	owner  *core.Node
	grant  bool
	grants int
}

func (f *fakePower) Name() string      { return "ModelPower" }
func (f *fakePower) Tag() core.Tag     { return core.TagPower }
func (f *fakePower) Owner() *core.Node { return f.owner }
func (f *fakePower) Advance(time.Time) {}

func (f *fakePower) Invoke(op string, args core.Args) (any, error) {
	if op != "consume_Energy" {
		return nil, core.ErrUnknownOp(op)
	}
	if !f.grant {
		return nil, core.ErrPrecondition("battery at floor")
	}
	f.grants++
	return 0.0, nil
}

// fakeFov reports a fixed set of node ids as visible.
type fakeFov struct {
	owner   *core.Node
	visible map[int]bool
}

func (f *fakeFov) Name() string      { return "ModelHelperFoV" }
func (f *fakeFov) Tag() core.Tag     { return core.TagViewOfNode }
func (f *fakeFov) Owner() *core.Node { return f.owner }
func (f *fakeFov) Advance(time.Time) {}

func (f *fakeFov) Invoke(op string, args core.Args) (any, error) {
	if op != "in_View" {
		return nil, core.ErrUnknownOp(op)
	}
	id, err := args.Int("_target_id")
	if err != nil {
		return nil, err
	}
	return f.visible[id], nil
}

func TestComputeQueueLimit(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	m, err := newModelCompute(owner, core.Args{"queue_limit": 2}, simlog.Nop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := m.Invoke("add_Job", core.Args{"_job": i})
		require.NoError(t, err)
	}
	_, err = m.Invoke("add_Job", core.Args{"_job": 2})
	ie, ok := core.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, core.PreconditionFailed, ie.Kind)
}

func TestComputeProcessesPerEpochBudget(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	m, err := newModelCompute(owner, core.Args{"jobs_per_epoch": 2}, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{m})

	for i := 0; i < 3; i++ {
		_, err := m.Invoke("add_Job", core.Args{"_job": i})
		require.NoError(t, err)
	}

	m.Advance(t0)
	size, _ := m.Invoke("get_QueueSize", nil)
	assert.Equal(t, 1, size)

	m.Advance(t0.Add(time.Second))
	done, _ := m.Invoke("get_Completed", nil)
	assert.Equal(t, 3, done)
}

func TestComputeStallsWithoutEnergy(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	m, err := newModelCompute(owner, core.Args{}, simlog.Nop())
	require.NoError(t, err)
	power := &fakePower{owner: owner, grant: false}
	owner.AttachModels([]core.Model{power, m})

	_, err = m.Invoke("add_Job", core.Args{"_job": "x"})
	require.NoError(t, err)

	m.Advance(t0)
	size, _ := m.Invoke("get_QueueSize", nil)
	assert.Equal(t, 1, size, "a refused grant must not lose jobs")

	power.grant = true
	m.Advance(t0.Add(time.Second))
	size, _ = m.Invoke("get_QueueSize", nil)
	assert.Equal(t, 0, size)
	assert.Equal(t, 1, power.grants)
}

func adacsFixture(t *testing.T, cfg core.Args) (*ModelADACS, *core.Node) {
	t.Helper()
	owner := newTestNode(1, core.KindSat)
	target := newTestNode(2, core.KindGS)
	m, err := newModelADACS(owner, cfg, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{m})

	dir := core.NewDirectory()
	require.NoError(t, dir.AddTopology(&core.Topology{ID: 1, Nodes: []*core.Node{owner, target}}))

	owner.SetPosition(core.Location{X: 6.8e6}, t0)
	target.SetPosition(core.Location{X: 6.371e6, Y: 1e5}, t0)
	return m, owner
}

func adacsStateStr(t *testing.T, m *ModelADACS) string {
	t.Helper()
	out, err := m.Invoke("get_State", nil)
	require.NoError(t, err)
	return out.(string)
}

func TestADACSSlewCompletes(t *testing.T) {
	// The first slew always sweeps the 90 degree default; at 90 deg/s
	// that is one epoch.
	m, _ := adacsFixture(t, core.Args{"slew_rate": 90.0})

	out, err := m.Invoke("point_To", core.Args{"_target_id": 2})
	require.NoError(t, err)
	assert.Equal(t, "SLEWING", out)

	m.Advance(t0)
	assert.Equal(t, "SLEWING", adacsStateStr(t, m))

	m.Advance(t0.Add(time.Second))
	assert.Equal(t, "POINTING", adacsStateStr(t, m))

	tgt, _ := m.Invoke("get_Target", nil)
	assert.Equal(t, 2, tgt)
}

func TestADACSRepointSameTargetIsNoOp(t *testing.T) {
	m, _ := adacsFixture(t, core.Args{"slew_rate": 90.0})
	_, err := m.Invoke("point_To", core.Args{"_target_id": 2})
	require.NoError(t, err)
	m.Advance(t0.Add(time.Second))
	require.Equal(t, "POINTING", adacsStateStr(t, m))

	out, err := m.Invoke("point_To", core.Args{"_target_id": 2})
	require.NoError(t, err)
	assert.Equal(t, "POINTING", out, "re-pointing at the held target must not slew")
}

func TestADACSUnknownTarget(t *testing.T) {
	m, _ := adacsFixture(t, core.Args{})
	_, err := m.Invoke("point_To", core.Args{"_target_id": 42})
	assert.True(t, errors.Is(err, core.ErrNodeNotFound))
}

func TestADACSSlewHeldWithoutEnergy(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	target := newTestNode(2, core.KindGS)
	m, err := newModelADACS(owner, core.Args{"slew_rate": 90.0}, simlog.Nop())
	require.NoError(t, err)
	power := &fakePower{owner: owner, grant: false}
	owner.AttachModels([]core.Model{power, m})

	dir := core.NewDirectory()
	require.NoError(t, dir.AddTopology(&core.Topology{ID: 1, Nodes: []*core.Node{owner, target}}))
	owner.SetPosition(core.Location{X: 6.8e6}, t0)
	target.SetPosition(core.Location{X: 6.371e6, Y: 1e5}, t0)

	_, err = m.Invoke("point_To", core.Args{"_target_id": 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.Advance(t0.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, "SLEWING", adacsStateStr(t, m), "an unpowered slew must not finish")

	power.grant = true
	m.Advance(t0.Add(time.Hour))
	assert.Equal(t, "POINTING", adacsStateStr(t, m))
}

func TestImagingCaptureStoresImage(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	store := &fakeStore{owner: owner}
	m, err := newModelImaging(owner, core.Args{"image_size": 1000}, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{store, m})

	out, err := m.Invoke("capture_Image", core.Args{"_target_id": 7})
	require.NoError(t, err)
	assert.Greater(t, out.(int64), int64(0))

	require.Len(t, store.queue, 1)
	img, ok := store.queue[0].Payload.(ImagePayload)
	require.True(t, ok)
	assert.Equal(t, 7, img.TargetID)
	assert.Equal(t, 1000, img.SizeBytes)

	n, _ := m.Invoke("get_Captured", nil)
	assert.Equal(t, 1, n)
}

func TestImagingRequiresPointing(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	adacs, err := newModelADACS(owner, core.Args{}, simlog.Nop())
	require.NoError(t, err)
	img, err := newModelImaging(owner, core.Args{}, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{&fakeStore{owner: owner}, adacs, img})
	require.Equal(t, "IDLE", adacsStateStr(t, adacs))

	_, err = img.Invoke("capture_Image", nil)
	ie, ok := core.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, core.PreconditionFailed, ie.Kind)
}

func TestImagingRequiresStore(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	m, err := newModelImaging(owner, core.Args{}, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{m})

	_, err = m.Invoke("capture_Image", nil)
	ie, ok := core.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, core.PreconditionFailed, ie.Kind)
}

func TestImagingRequiresEnergy(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	m, err := newModelImaging(owner, core.Args{}, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{&fakeStore{owner: owner}, &fakePower{owner: owner, grant: false}, m})

	_, err = m.Invoke("capture_Image", nil)
	ie, ok := core.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, core.PreconditionFailed, ie.Kind)
}

func TestEdgeComputeReducesRawImages(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	store := &fakeStore{owner: owner}
	m, err := newModelEdgeCompute(owner, core.Args{"reduction_factor": 100}, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{store, m})

	img := ImagePayload{ImageID: 9, TargetID: 3, TakenAt: t0, SizeBytes: 5_000_000}
	store.queue = append(store.queue,
		radio.NewPacket(1, 2, img.SizeBytes, img, t0),
		radio.NewPacket(1, 2, 24, "telemetry", t0),
	)

	m.Advance(t0)

	require.Len(t, store.queue, 2)
	// The plain packet keeps its slot; the raw capture is re-queued as a
	// summary at the tail.
	assert.Equal(t, "telemetry", store.queue[0].Payload)
	sum, ok := store.queue[1].Payload.(ImageSummary)
	require.True(t, ok)
	assert.Equal(t, int64(9), sum.ImageID)
	assert.Equal(t, 50_000, sum.SizeBytes)
	assert.Equal(t, 50_000, store.queue[1].SizeBytes)

	n, _ := m.Invoke("get_Reduced", nil)
	assert.Equal(t, 1, n)
}

func TestEdgeComputeStallsWithoutEnergy(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	store := &fakeStore{owner: owner}
	m, err := newModelEdgeCompute(owner, core.Args{}, simlog.Nop())
	require.NoError(t, err)
	owner.AttachModels([]core.Model{store, &fakePower{owner: owner, grant: false}, m})

	img := ImagePayload{ImageID: 1, SizeBytes: 1000}
	store.queue = append(store.queue, radio.NewPacket(1, 2, img.SizeBytes, img, t0))

	m.Advance(t0)

	require.Len(t, store.queue, 1)
	_, raw := store.queue[0].Payload.(ImagePayload)
	assert.True(t, raw, "an unpowered pass must leave the raw capture alone")
}

func TestSchedulerCapturesVisibleTarget(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	target := newTestNode(7, core.KindGS)

	adacs, err := newModelADACS(owner, core.Args{"slew_rate": 90.0}, simlog.Nop())
	require.NoError(t, err)
	imaging, err := newModelImaging(owner, core.Args{}, simlog.Nop())
	require.NoError(t, err)
	sched, err := newModelImagingLogicBased(owner, core.Args{
		"targets":          []int{7},
		"capture_interval": 10 * time.Minute,
	}, simlog.Nop())
	require.NoError(t, err)
	store := &fakeStore{owner: owner}
	fov := &fakeFov{owner: owner, visible: map[int]bool{7: true}}
	owner.AttachModels([]core.Model{store, fov, adacs, imaging, sched})

	dir := core.NewDirectory()
	require.NoError(t, dir.AddTopology(&core.Topology{ID: 1, Nodes: []*core.Node{owner, target}}))
	owner.SetPosition(core.Location{X: 6.8e6}, t0)
	target.SetPosition(core.Location{X: 6.371e6}, t0)

	// First pass commands the slew, the next completes it, the third
	// fires the imager.
	sched.Advance(t0)
	assert.Equal(t, "SLEWING", adacsStateStr(t, adacs))

	adacs.Advance(t0.Add(time.Second))
	sched.Advance(t0.Add(time.Second))

	n, _ := sched.Invoke("get_Scheduled", nil)
	assert.Equal(t, 1, n)
	require.Len(t, store.queue, 1)

	// Within the capture interval the target is left alone.
	sched.Advance(t0.Add(2 * time.Second))
	n, _ = sched.Invoke("get_Scheduled", nil)
	assert.Equal(t, 1, n)
}

func TestSchedulerRequiresTargets(t *testing.T) {
	owner := newTestNode(1, core.KindSat)
	_, err := newModelImagingLogicBased(owner, core.Args{}, simlog.Nop())
	ie, ok := core.AsInvocationError(err)
	require.True(t, ok)
	assert.Equal(t, core.MissingArgument, ie.Kind)
}
