package radio

import (
	"fmt"
	"sync"
	"time"

	"github.com/iti/rngstream"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/internal/observability"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// defaultRxQueueLen bounds the receive queue; the oldest frames are
// shed first when a MAC stops draining.
const defaultRxQueueLen = 64

// Stats are the lifetime counters of one radio.
type Stats struct {
	Sent       int
	Received   int
	Collided   int
	BelowFloor int
	Faded      int
	Shed       int
}

// radioCore is the shared half of every radio model: phy settings,
// pending in-flight frames, the receive queue and the reception rules.
// Concrete radio classes wrap it with their own targeting policy.
type radioCore struct {
	owner *core.Node
	log   *simlog.Logger
	class string
	tag   core.Tag

	phy      PhySetup
	rng      *rngstream.RngStream
	rxOn     bool
	channels int // 0 means unlimited

	mu      sync.Mutex
	pending []*Frame

	rxq      []*Frame
	rxqLimit int

	stats   Stats
	metrics *observability.SimCollector
}

func newRadioCore(owner *core.Node, cfg core.Args, log *simlog.Logger, class string, tag core.Tag) (*radioCore, error) {
	phy, err := PhyFromArgs(cfg)
	if err != nil {
		return nil, err
	}
	rc := &radioCore{
		owner:    owner,
		log:      log,
		class:    class,
		tag:      tag,
		phy:      phy,
		rng:      rngstream.New(fmt.Sprintf("%s-%d", class, owner.ID())),
		rxOn:     true,
		rxqLimit: defaultRxQueueLen,
		metrics:  observability.Default(),
	}
	if cfg.Has("rx_queue_len") {
		if rc.rxqLimit, err = cfg.Int("rx_queue_len"); err != nil {
			return nil, err
		}
	}
	if cfg.Has("num_channels") {
		if rc.channels, err = cfg.Int("num_channels"); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// Frequency satisfies core.Carrier.
func (rc *radioCore) Frequency() float64 { return rc.phy.FrequencyHz }

// deposit is called by the sender's delivery closure; it may run on
// another node's goroutine in parallel mode.
func (rc *radioCore) deposit(f *Frame) {
	rc.mu.Lock()
	rc.pending = append(rc.pending, f)
	rc.mu.Unlock()
}

// advance settles every in-flight frame whose airtime has elapsed by t.
func (rc *radioCore) advance(t time.Time) {
	rc.mu.Lock()
	var due, still []*Frame
	for _, f := range rc.pending {
		if !f.SentAt.Add(f.AirTime).After(t) {
			due = append(due, f)
		} else {
			still = append(still, f)
		}
	}
	rc.pending = still
	rc.mu.Unlock()

	if len(due) == 0 {
		return
	}
	if !rc.rxOn {
		for _, f := range due {
			rc.drop(t, f, "rx-off")
		}
		return
	}
	rc.settle(t, due)
}

// settle applies the reception rules: co-channel collisions with
// capture, channel limits, the sensitivity floor and the margin fade
// draw. Survivors join the receive queue.
func (rc *radioCore) settle(t time.Time, due []*Frame) {
	survivors := rc.resolveCollisions(t, due)

	if rc.channels > 0 && len(survivors) > rc.channels {
		for _, f := range survivors[rc.channels:] {
			rc.drop(t, f, "no-channel")
		}
		survivors = survivors[:rc.channels]
	}

	for _, f := range survivors {
		budget := LinkBudget{RSSIdBm: f.RSSIdBm, SNRdB: f.SNRdB}
		if f.RSSIdBm < Sensitivity(rc.phy.SpreadingFactor) {
			rc.stats.BelowFloor++
			rc.drop(t, f, "below-floor")
			continue
		}
		per := PacketErrorRate(budget, rc.phy.SpreadingFactor)
		if per > 0 && rc.rng.RandU01() < per {
			rc.stats.Faded++
			rc.drop(t, f, "fade")
			continue
		}
		rc.enqueue(t, f)
	}
}

// resolveCollisions drops overlapping same-frequency frames unless one
// dominates the rest by the capture threshold.
func (rc *radioCore) resolveCollisions(t time.Time, due []*Frame) []*Frame {
	var out []*Frame
	dead := make([]bool, len(due))
	for i, f := range due {
		if dead[i] {
			continue
		}
		group := []int{i}
		for j := i + 1; j < len(due); j++ {
			if dead[j] || due[j].FrequencyHz != f.FrequencyHz {
				continue
			}
			if f.Overlaps(due[j]) {
				group = append(group, j)
			}
		}
		if len(group) == 1 {
			out = append(out, f)
			continue
		}

		strongest, runnerUp := group[0], -1
		for _, k := range group[1:] {
			if due[k].RSSIdBm > due[strongest].RSSIdBm {
				runnerUp = strongest
				strongest = k
			} else if runnerUp == -1 || due[k].RSSIdBm > due[runnerUp].RSSIdBm {
				runnerUp = k
			}
		}
		captured := due[strongest].RSSIdBm-due[runnerUp].RSSIdBm >= captureThresholdDB
		for _, k := range group {
			if captured && k == strongest {
				continue
			}
			dead[k] = true
			rc.stats.Collided++
			rc.drop(t, due[k], "collision")
		}
		if captured {
			out = append(out, due[strongest])
		}
	}
	return out
}

func (rc *radioCore) enqueue(t time.Time, f *Frame) {
	if len(rc.rxq) >= rc.rxqLimit {
		shed := rc.rxq[0]
		rc.rxq = rc.rxq[1:]
		rc.stats.Shed++
		rc.drop(t, shed, "queue-full")
	}
	rc.rxq = append(rc.rxq, f)
	rc.stats.Received++
	rc.metrics.PacketsRx.WithLabelValues(rc.class).Inc()
	rc.log.Log(t, simlog.LevelDebug, simlog.EventPacketRx,
		"packet %d from node %d rssi %.1f dBm snr %.1f dB",
		f.Packet.ID, f.From, f.RSSIdBm, f.SNRdB)
}

func (rc *radioCore) drop(t time.Time, f *Frame, reason string) {
	rc.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	rc.log.Log(t, simlog.LevelDebug, simlog.EventPacketDrop,
		"packet %d from node %d dropped: %s", f.Packet.ID, f.From, reason)
}

// drain empties the receive queue.
func (rc *radioCore) drain() []*Frame {
	out := rc.rxq
	rc.rxq = nil
	return out
}

// transmit runs the send pipeline against one recipient node: energy
// gate, visibility gate, peer radio resolution, budget, delivery and
// energy accounting.
func (rc *radioCore) transmit(t time.Time, target *core.Node, pkt *Packet, visible func(*core.Node) bool) error {
	airtime := AirTime(rc.phy, pkt.SizeBytes)

	if power := rc.owner.ModelByTag(core.TagPower); power != nil {
		ok, err := power.Invoke("has_Energy", core.Args{"_tag": "TXRADIO", "_duration": airtime})
		if err != nil {
			return err
		}
		if has, _ := ok.(bool); !has {
			return core.ErrPrecondition("insufficient energy for transmit")
		}
	}

	if visible != nil && !visible(target) {
		return core.ErrPrecondition(fmt.Sprintf("node %d not in view", target.ID()))
	}

	peer, err := rc.peerRadio(target)
	if err != nil {
		return err
	}

	from, ok := rc.owner.PositionAt(t)
	if !ok {
		return core.ErrPrecondition("own position unknown")
	}
	to, ok := target.PositionAt(t)
	if !ok {
		return core.ErrPrecondition(fmt.Sprintf("node %d position unknown", target.ID()))
	}

	budget := ComputeBudget(rc.phy, from.DistanceTo(to))
	frame := &Frame{
		Packet:      pkt,
		From:        rc.owner.ID(),
		To:          target.ID(),
		FrequencyHz: rc.phy.FrequencyHz,
		SentAt:      t,
		AirTime:     airtime,
		RSSIdBm:     budget.RSSIdBm,
		SNRdB:       budget.SNRdB,
	}
	rc.owner.Directory().Deliver(func() { peer.deposit(frame) })

	if power := rc.owner.ModelByTag(core.TagPower); power != nil {
		if _, err := power.Invoke("consume_Energy", core.Args{"_tag": "TXRADIO", "_duration": airtime}); err != nil {
			return err
		}
	}

	rc.stats.Sent++
	rc.metrics.PacketsTx.WithLabelValues(rc.class).Inc()
	rc.log.Log(t, simlog.LevelDebug, simlog.EventPacketTx,
		"packet %d to node %d airtime %s", pkt.ID, target.ID(), airtime.Truncate(time.Microsecond))
	return nil
}

// peerRadio finds the single radio on target matching this radio's tag
// and frequency.
func (rc *radioCore) peerRadio(target *core.Node) (*radioCore, error) {
	var found *radioCore
	for _, m := range target.ModelsByTag(rc.tag) {
		cr, ok := m.(interface{ coreRef() *radioCore })
		if !ok {
			continue
		}
		peer := cr.coreRef()
		if peer.phy.FrequencyHz != rc.phy.FrequencyHz {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: node %d tag %s frequency %.0f",
				core.ErrAmbiguousRecipient, target.ID(), rc.tag, rc.phy.FrequencyHz)
		}
		found = peer
	}
	if found == nil {
		return nil, core.ErrPrecondition(fmt.Sprintf("node %d has no %s radio at %.0f Hz",
			target.ID(), rc.tag, rc.phy.FrequencyHz))
	}
	return found, nil
}

// baseOps is the operation surface every radio class shares.
func (rc *radioCore) baseOps(m interface {
	targetFor(args core.Args, t time.Time) ([]*core.Node, error)
	visible(*core.Node) bool
}) core.OpTable {
	return core.OpTable{
		"send_Packet": func(args core.Args) (any, error) {
			t := rc.owner.Timestamp()
			targets, err := m.targetFor(args, t)
			if err != nil {
				return nil, err
			}
			var payload any
			if args.Has("_payload") {
				payload, _ = args.Any("_payload")
			}
			size, err := args.Int("_size_bytes")
			if err != nil {
				return nil, err
			}
			sent := 0
			var lastErr error
			for _, target := range targets {
				pkt := NewPacket(rc.owner.ID(), target.ID(), size, payload, t)
				if err := rc.transmit(t, target, pkt, m.visible); err != nil {
					lastErr = err
					continue
				}
				sent++
			}
			if sent == 0 && lastErr != nil {
				return nil, lastErr
			}
			return sent, nil
		},
		"receive_Packets": func(core.Args) (any, error) {
			return rc.drain(), nil
		},
		"peek_Packets": func(core.Args) (any, error) {
			out := make([]*Frame, len(rc.rxq))
			copy(out, rc.rxq)
			return out, nil
		},
		"set_RxOn": func(args core.Args) (any, error) {
			on, err := args.Bool("_on")
			if err != nil {
				return nil, err
			}
			rc.rxOn = on
			return on, nil
		},
		"get_Frequency": func(core.Args) (any, error) {
			return rc.phy.FrequencyHz, nil
		},
		"get_PhySetup": func(core.Args) (any, error) {
			return rc.phy, nil
		},
		"get_AirTime": func(args core.Args) (any, error) {
			size, err := args.Int("_size_bytes")
			if err != nil {
				return nil, err
			}
			return AirTime(rc.phy, size), nil
		},
		"get_Stats": func(core.Args) (any, error) {
			return rc.stats, nil
		},
	}
}
