// Package data holds the on-board data path: the bounded packet store,
// the Poisson traffic generator and the store-and-forward relay.
package data

import (
	"fmt"
	"math"
	"time"

	"github.com/iti/rngstream"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/radio"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

const (
	defaultQueueLimit  = 1024
	defaultPayloadSize = 24
)

// ---------- ModelDataStore ----------

// ModelDataStore is the bounded FIFO packet queue every MAC serves out
// of. Peek leaves packets queued, so an unacknowledged transfer can be
// served again; get_Data pops from the head, delete_Data removes by id,
// and adding to a full queue sheds the oldest packet.
type ModelDataStore struct {
	owner *core.Node
	log   *simlog.Logger

	limit   int
	queue   []*radio.Packet
	dropped int

	ops core.OpTable
}

func newModelDataStore(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelDataStore, error) {
	m := &ModelDataStore{owner: owner, log: log, limit: defaultQueueLimit}
	if cfg.Has("queue_limit") {
		n, err := cfg.Int("queue_limit")
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, core.ErrInvalidArg("queue_limit", "must be positive")
		}
		m.limit = n
	}
	m.ops = core.OpTable{
		"add_Data":      m.opAdd,
		"peek_Data":     m.opPeek,
		"get_Data":      m.opGet,
		"delete_Data":   m.opDelete,
		"get_QueueSize": func(core.Args) (any, error) { return len(m.queue), nil },
		"get_Queue": func(core.Args) (any, error) {
			out := make([]*radio.Packet, len(m.queue))
			copy(out, m.queue)
			return out, nil
		},
		"get_Dropped": func(core.Args) (any, error) { return m.dropped, nil },
	}
	return m, nil
}

func (m *ModelDataStore) Name() string      { return "ModelDataStore" }
func (m *ModelDataStore) Tag() core.Tag     { return core.TagDataStore }
func (m *ModelDataStore) Owner() *core.Node { return m.owner }
func (m *ModelDataStore) Advance(time.Time) {}

func (m *ModelDataStore) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

// opAdd appends one packet, shedding the oldest entry when full.
func (m *ModelDataStore) opAdd(args core.Args) (any, error) {
	raw, err := args.Any("_packet")
	if err != nil {
		return nil, err
	}
	pkt, ok := raw.(*radio.Packet)
	if !ok {
		return nil, core.ErrInvalidArg("_packet", "want *radio.Packet")
	}
	if len(m.queue) >= m.limit {
		m.queue = m.queue[1:]
		m.dropped++
	}
	m.queue = append(m.queue, pkt)
	return len(m.queue), nil
}

// opPeek returns up to _n packets from the head without removing them.
func (m *ModelDataStore) opPeek(args core.Args) (any, error) {
	n, err := args.Int("_n")
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, core.ErrInvalidArg("_n", "must be non-negative")
	}
	if n > len(m.queue) {
		n = len(m.queue)
	}
	out := make([]*radio.Packet, n)
	copy(out, m.queue[:n])
	return out, nil
}

// opGet pops up to _n packets from the head.
func (m *ModelDataStore) opGet(args core.Args) (any, error) {
	out, err := m.opPeek(args)
	if err != nil {
		return nil, err
	}
	pkts := out.([]*radio.Packet)
	m.queue = m.queue[len(pkts):]
	return pkts, nil
}

// opDelete removes the packets with the given ids, ignoring unknown ids.
func (m *ModelDataStore) opDelete(args core.Args) (any, error) {
	raw, err := args.Any("_ids")
	if err != nil {
		return nil, err
	}
	ids, ok := raw.([]int64)
	if !ok {
		return nil, core.ErrInvalidArg("_ids", "want []int64")
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	removed := 0
	kept := m.queue[:0]
	for _, pkt := range m.queue {
		if drop[pkt.ID] {
			removed++
			continue
		}
		kept = append(kept, pkt)
	}
	m.queue = kept
	return removed, nil
}

// ---------- ModelDataGenerator ----------

// rngSource adapts the simulation RNG stream to the exp/rand source the
// distribution sampler draws from. Seeding is fixed at stream creation.
type rngSource struct {
	rng *rngstream.RngStream
}

func (s rngSource) Uint64() uint64 {
	return uint64(s.rng.RandU01() * float64(math.MaxUint64))
}

func (s rngSource) Seed(uint64) {}

// ModelDataGenerator produces measurement packets into the sibling
// datastore. Arrivals per epoch are Poisson with mean rate*delta, so the
// traffic intensity is independent of the epoch length.
type ModelDataGenerator struct {
	owner *core.Node
	log   *simlog.Logger

	payloadSize int
	running     bool
	generated   int
	arrivals    distuv.Poisson

	ops core.OpTable
}

func newModelDataGenerator(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelDataGenerator, error) {
	rate := 0.1
	var err error
	if cfg.Has("data_rate") {
		if rate, err = cfg.Float("data_rate"); err != nil {
			return nil, err
		}
		if rate <= 0 {
			return nil, core.ErrInvalidArg("data_rate", "must be positive")
		}
	}
	m := &ModelDataGenerator{
		owner:       owner,
		log:         log,
		payloadSize: defaultPayloadSize,
		running:     true,
	}
	if cfg.Has("payload_size") {
		if m.payloadSize, err = cfg.Int("payload_size"); err != nil {
			return nil, err
		}
		if m.payloadSize <= 0 {
			return nil, core.ErrInvalidArg("payload_size", "must be positive")
		}
	}
	src := rngSource{rng: rngstream.New(fmt.Sprintf("ModelDataGenerator-%d", owner.ID()))}
	m.arrivals = distuv.Poisson{
		Lambda: rate * owner.Delta().Seconds(),
		Src:    rand.New(src),
	}
	m.ops = core.OpTable{
		"start_Generation": func(core.Args) (any, error) {
			m.running = true
			return true, nil
		},
		"stop_Generation": func(core.Args) (any, error) {
			m.running = false
			return false, nil
		},
		"get_Generated": func(core.Args) (any, error) { return m.generated, nil },
		"is_Running":    func(core.Args) (any, error) { return m.running, nil },
	}
	return m, nil
}

func (m *ModelDataGenerator) Name() string      { return "ModelDataGenerator" }
func (m *ModelDataGenerator) Tag() core.Tag     { return core.TagDataGenerator }
func (m *ModelDataGenerator) Owner() *core.Node { return m.owner }

func (m *ModelDataGenerator) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelDataGenerator) Advance(t time.Time) {
	if !m.running {
		return
	}
	store := m.owner.ModelByTag(core.TagDataStore)
	if store == nil {
		return
	}
	n := int(m.arrivals.Rand())
	for i := 0; i < n; i++ {
		pkt := radio.NewPacket(m.owner.ID(), 0, m.payloadSize, Measurement{Origin: m.owner.ID(), TakenAt: t}, t)
		if _, err := store.Invoke("add_Data", core.Args{"_packet": pkt}); err != nil {
			return
		}
		m.generated++
	}
	if n > 0 {
		m.log.Log(t, simlog.LevelDebug, simlog.EventComputeEnqueued,
			"generated %d packets, %d total", n, m.generated)
	}
}

// Measurement is the synthetic payload the generator stamps into each
// packet.
type Measurement struct {
	Origin  int
	TakenAt time.Time
}

// ---------- ModelDataRelay ----------

// ModelDataRelay drains the local store towards ground: each epoch it
// peeks a batch and offers it to the downlink radio for any station in
// view, deleting only what was actually sent.
type ModelDataRelay struct {
	owner *core.Node
	log   *simlog.Logger

	batch     int
	forwarded int

	ops core.OpTable
}

func newModelDataRelay(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelDataRelay, error) {
	m := &ModelDataRelay{owner: owner, log: log, batch: 10}
	if cfg.Has("batch_size") {
		n, err := cfg.Int("batch_size")
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, core.ErrInvalidArg("batch_size", "must be positive")
		}
		m.batch = n
	}
	m.ops = core.OpTable{
		"get_Forwarded": func(core.Args) (any, error) { return m.forwarded, nil },
	}
	return m, nil
}

func (m *ModelDataRelay) Name() string      { return "ModelDataRelay" }
func (m *ModelDataRelay) Tag() core.Tag     { return core.TagDataRelay }
func (m *ModelDataRelay) Owner() *core.Node { return m.owner }

func (m *ModelDataRelay) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelDataRelay) Advance(t time.Time) {
	store := m.owner.ModelByTag(core.TagDataStore)
	downlink := m.owner.ModelByTag(core.TagImagingRadio)
	if store == nil || downlink == nil {
		return
	}
	out, err := store.Invoke("peek_Data", core.Args{"_n": m.batch})
	if err != nil {
		return
	}
	pkts, _ := out.([]*radio.Packet)
	var sentIDs []int64
	for _, pkt := range pkts {
		res, err := downlink.Invoke("send_Packet", core.Args{
			"_payload":    pkt.Payload,
			"_size_bytes": pkt.SizeBytes,
		})
		if err != nil {
			break
		}
		if sent, ok := res.(int); !ok || sent == 0 {
			break
		}
		sentIDs = append(sentIDs, pkt.ID)
	}
	if len(sentIDs) == 0 {
		return
	}
	if _, err := store.Invoke("delete_Data", core.Args{"_ids": sentIDs}); err != nil {
		return
	}
	m.forwarded += len(sentIDs)
	m.log.Log(t, simlog.LevelInfo, simlog.EventPacketTx,
		"relayed %d packets, %d total", len(sentIDs), m.forwarded)
}

// Register installs the data path model classes.
func Register(r *core.Registry) {
	r.RegisterModelClass("ModelDataStore", core.ModelInfo{
		Tag: core.TagDataStore,
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelDataStore(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelDataGenerator", core.ModelInfo{
		Tag:          core.TagDataGenerator,
		Dependencies: core.DependencyExpr{{"ModelDataStore"}},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelDataGenerator(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelDataRelay", core.ModelInfo{
		Tag: core.TagDataRelay,
		Dependencies: core.DependencyExpr{
			{"ModelDataStore"},
			{"ModelDownlinkRadio", "ModelImagingRadio"},
		},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelDataRelay(owner, cfg, log)
		},
	})
}
