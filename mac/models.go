package mac

import (
	"fmt"
	"time"

	"github.com/iti/rngstream"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/radio"
	"github.com/signalsfoundry/orbitnet-simulator/simlog"
)

// Defaults shared by the MAC classes.
const (
	defaultBeaconInterval = 30 * time.Second
	defaultBackoffMax     = 5 * time.Second
	defaultRxTimeout      = 30 * time.Second
	defaultNumPackets     = 10
	defaultMaxRetries     = 8
)

// macBase is the plumbing every MAC class shares: the sibling radio and
// datastore handles, the backoff RNG and state-change logging.
type macBase struct {
	owner *core.Node
	log   *simlog.Logger
	rng   *rngstream.RngStream

	beaconInterval time.Duration
	backoffMax     time.Duration
	rxTimeout      time.Duration
	numPackets     int
	maxRetries     int
}

func newMacBase(owner *core.Node, cfg core.Args, log *simlog.Logger, class string) (macBase, error) {
	b := macBase{
		owner:          owner,
		log:            log,
		rng:            rngstream.New(fmt.Sprintf("%s-%d", class, owner.ID())),
		beaconInterval: defaultBeaconInterval,
		backoffMax:     defaultBackoffMax,
		rxTimeout:      defaultRxTimeout,
		numPackets:     defaultNumPackets,
		maxRetries:     defaultMaxRetries,
	}
	var err error
	if cfg.Has("beacon_interval") {
		if b.beaconInterval, err = cfg.Duration("beacon_interval"); err != nil {
			return b, err
		}
	}
	if cfg.Has("backoff_max") {
		if b.backoffMax, err = cfg.Duration("backoff_max"); err != nil {
			return b, err
		}
	}
	if cfg.Has("rx_timeout") {
		if b.rxTimeout, err = cfg.Duration("rx_timeout"); err != nil {
			return b, err
		}
	}
	if cfg.Has("num_packets") {
		if b.numPackets, err = cfg.Int("num_packets"); err != nil {
			return b, err
		}
	}
	if cfg.Has("max_retries") {
		if b.maxRetries, err = cfg.Int("max_retries"); err != nil {
			return b, err
		}
	}
	return b, nil
}

// backoff draws a uniform delay in (0, backoffMax].
func (b *macBase) backoff() time.Duration {
	return time.Duration(b.rng.RandU01() * float64(b.backoffMax))
}

func (b *macBase) radioModel(tag core.Tag) (core.Model, error) {
	m := b.owner.ModelByTag(tag)
	if m == nil {
		return nil, core.ErrPrecondition(fmt.Sprintf("no %s radio resident", tag))
	}
	return m, nil
}

func (b *macBase) store() (core.Model, error) {
	m := b.owner.ModelByTag(core.TagDataStore)
	if m == nil {
		return nil, core.ErrPrecondition("no datastore resident")
	}
	return m, nil
}

// drainRadio empties the radio's receive queue.
func (b *macBase) drainRadio(tag core.Tag) []*radio.Frame {
	r, err := b.radioModel(tag)
	if err != nil {
		return nil
	}
	out, err := r.Invoke("receive_Packets", nil)
	if err != nil {
		return nil
	}
	frames, _ := out.([]*radio.Frame)
	return frames
}

func (b *macBase) send(tag core.Tag, targetID int, payload any, size int) error {
	r, err := b.radioModel(tag)
	if err != nil {
		return err
	}
	_, err = r.Invoke("send_Packet", core.Args{
		"_target_id":  targetID,
		"_payload":    payload,
		"_size_bytes": size,
	})
	return err
}

func (b *macBase) logState(t time.Time, from, to string) {
	if from == to {
		return
	}
	b.log.Log(t, simlog.LevelLogic, simlog.EventStateChange, "%s -> %s", from, to)
}

// peekStored returns up to n packets from the datastore without
// removing them; serve-without-delete is what makes the bulk ACK purge
// safe against lost data frames.
func (b *macBase) peekStored(n int) []*radio.Packet {
	store, err := b.store()
	if err != nil {
		return nil
	}
	out, err := store.Invoke("peek_Data", core.Args{"_n": n})
	if err != nil {
		return nil
	}
	pkts, _ := out.([]*radio.Packet)
	return pkts
}

func (b *macBase) deleteStored(ids []int64) {
	if len(ids) == 0 {
		return
	}
	store, err := b.store()
	if err != nil {
		return
	}
	_, _ = store.Invoke("delete_Data", core.Args{"_ids": ids})
}

func (b *macBase) addStored(pkt *radio.Packet) {
	store, err := b.store()
	if err != nil {
		return
	}
	_, _ = store.Invoke("add_Data", core.Args{"_packet": pkt})
}

// ---------- ModelMacTTnC ----------

// ttncState is the satellite TT&C machine state.
type ttncState int

const (
	ttncIdle ttncState = iota
	ttncServing
)

func (s ttncState) String() string {
	if s == ttncServing {
		return "SERVING"
	}
	return "IDLE"
}

// ModelMacTTnC runs on satellites: it beacons on an interval with a
// random dither, serves ground-station bulk requests out of the
// datastore without deleting, and purges on bulk acknowledgement.
type ModelMacTTnC struct {
	macBase
	state      ttncState
	nextBeacon time.Time
	ops        core.OpTable
}

func newModelMacTTnC(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelMacTTnC, error) {
	base, err := newMacBase(owner, cfg, log, "ModelMacTTnC")
	if err != nil {
		return nil, err
	}
	m := &ModelMacTTnC{macBase: base}
	m.ops = core.OpTable{
		"get_State": func(core.Args) (any, error) { return m.state.String(), nil },
	}
	return m, nil
}

func (m *ModelMacTTnC) Name() string      { return "ModelMacTTnC" }
func (m *ModelMacTTnC) Tag() core.Tag     { return core.TagMAC }
func (m *ModelMacTTnC) Owner() *core.Node { return m.owner }

func (m *ModelMacTTnC) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelMacTTnC) Advance(t time.Time) {
	prev := m.state

	for _, f := range m.drainRadio(core.TagBasicLoraRadio) {
		switch payload := f.Packet.Payload.(type) {
		case RequestPayload:
			m.state = ttncServing
			m.serve(t, payload)
			m.state = ttncIdle
		case AckPayload:
			m.deleteStored(payload.IDs)
			m.log.Log(t, simlog.LevelInfo, simlog.EventPacketRx,
				"bulk ack from node %d purged %d packets", f.From, len(payload.IDs))
		}
	}

	if m.nextBeacon.IsZero() || !t.Before(m.nextBeacon) {
		m.beacon(t)
		m.nextBeacon = t.Add(m.beaconInterval + m.backoff())
	}

	m.logState(t, prev.String(), m.state.String())
}

// beacon broadcasts to everything in view; a send refused for lack of
// visibility or energy just waits for the next interval.
func (m *ModelMacTTnC) beacon(t time.Time) {
	r, err := m.radioModel(core.TagBasicLoraRadio)
	if err != nil {
		return
	}
	out, err := r.Invoke("send_Packet", core.Args{
		"_payload":    NewBeacon(m.owner.ID()),
		"_size_bytes": beaconSize,
	})
	if err != nil {
		return
	}
	if sent, ok := out.(int); ok && sent > 0 {
		m.log.Log(t, simlog.LevelInfo, simlog.EventBeaconSent, "beacon to %d nodes", sent)
	}
}

// serve answers a bulk request with up to NumPackets stored packets.
// Packets stay queued until the ACK arrives.
func (m *ModelMacTTnC) serve(t time.Time, req RequestPayload) {
	n := req.NumPackets
	if n <= 0 || n > m.numPackets {
		n = m.numPackets
	}
	for _, pkt := range m.peekStored(n) {
		payload := DataPayload{PacketID: pkt.ID, Body: pkt.Payload}
		if err := m.send(core.TagBasicLoraRadio, req.GSID, payload, pkt.SizeBytes); err != nil {
			return
		}
	}
}

// ---------- ModelMacGS ----------

type gsState int

const (
	gsListen gsState = iota
	gsRequesting
	gsWaitData
)

func (s gsState) String() string {
	switch s {
	case gsRequesting:
		return "REQUESTING"
	case gsWaitData:
		return "WAIT_DATA"
	default:
		return "LISTEN"
	}
}

// ModelMacGS runs on ground stations: on a beacon it backs off, sends a
// bulk request, collects data until the count arrives or the timeout
// passes since the last data frame, then acknowledges the whole batch at
// once.
type ModelMacGS struct {
	macBase
	state        gsState
	satID        int
	backoffUntil time.Time
	deadline     time.Time
	gotIDs       []int64
	ops          core.OpTable
}

func newModelMacGS(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelMacGS, error) {
	base, err := newMacBase(owner, cfg, log, "ModelMacGS")
	if err != nil {
		return nil, err
	}
	m := &ModelMacGS{macBase: base}
	m.ops = core.OpTable{
		"get_State": func(core.Args) (any, error) { return m.state.String(), nil },
	}
	return m, nil
}

func (m *ModelMacGS) Name() string      { return "ModelMacGS" }
func (m *ModelMacGS) Tag() core.Tag     { return core.TagMAC }
func (m *ModelMacGS) Owner() *core.Node { return m.owner }

func (m *ModelMacGS) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelMacGS) Advance(t time.Time) {
	prev := m.state
	frames := m.drainRadio(core.TagBasicLoraRadio)

	switch m.state {
	case gsListen:
		for _, f := range frames {
			if b, ok := f.Packet.Payload.(BeaconPayload); ok {
				m.satID = b.SatID
				m.backoffUntil = t.Add(m.backoff())
				m.state = gsRequesting
				break
			}
		}

	case gsRequesting:
		if !t.Before(m.backoffUntil) {
			req := RequestPayload{GSID: m.owner.ID(), NumPackets: m.numPackets}
			if err := m.send(core.TagBasicLoraRadio, m.satID, req, requestSize); err != nil {
				m.state = gsListen
				break
			}
			m.gotIDs = nil
			m.deadline = t.Add(m.rxTimeout)
			m.state = gsWaitData
		}

	case gsWaitData:
		for _, f := range frames {
			if d, ok := f.Packet.Payload.(DataPayload); ok && f.From == m.satID {
				m.gotIDs = append(m.gotIDs, d.PacketID)
				m.addStored(f.Packet)
				m.deadline = t.Add(m.rxTimeout)
			}
		}
		if len(m.gotIDs) >= m.numPackets || !t.Before(m.deadline) {
			if len(m.gotIDs) > 0 {
				ack := AckPayload{IDs: m.gotIDs}
				_ = m.send(core.TagBasicLoraRadio, m.satID, ack, ackSize(len(m.gotIDs)))
			}
			m.gotIDs = nil
			m.state = gsListen
		}
	}

	m.logState(t, prev.String(), m.state.String())
}

// ---------- ModelMacIoT ----------

type iotState int

const (
	iotListen iotState = iota
	iotBackoff
	iotWaitAck
)

func (s iotState) String() string {
	switch s {
	case iotBackoff:
		return "BACKOFF"
	case iotWaitAck:
		return "WAIT_ACK"
	default:
		return "LISTEN"
	}
}

// ModelMacIoT runs on IoT devices: a fresh beacon triggers a random
// backoff, then the head of the data queue goes up and the device
// retries until the satellite acknowledges it.
type ModelMacIoT struct {
	macBase
	state        iotState
	satID        int
	lastBeacon   int64
	backoffUntil time.Time
	deadline     time.Time
	inFlight     int64
	retries      int
	ops          core.OpTable
}

func newModelMacIoT(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelMacIoT, error) {
	base, err := newMacBase(owner, cfg, log, "ModelMacIoT")
	if err != nil {
		return nil, err
	}
	m := &ModelMacIoT{macBase: base}
	m.ops = core.OpTable{
		"get_State": func(core.Args) (any, error) { return m.state.String(), nil },
	}
	return m, nil
}

func (m *ModelMacIoT) Name() string      { return "ModelMacIoT" }
func (m *ModelMacIoT) Tag() core.Tag     { return core.TagMAC }
func (m *ModelMacIoT) Owner() *core.Node { return m.owner }

func (m *ModelMacIoT) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelMacIoT) Advance(t time.Time) {
	prev := m.state
	frames := m.drainRadio(core.TagBasicLoraRadio)

	// An ACK settles the in-flight packet no matter the state.
	for _, f := range frames {
		if ack, ok := f.Packet.Payload.(AckPayload); ok {
			for _, id := range ack.IDs {
				if id == m.inFlight {
					m.deleteStored([]int64{id})
					m.inFlight = 0
					m.retries = 0
					if m.state == iotWaitAck {
						m.state = iotListen
					}
				}
			}
		}
	}

	switch m.state {
	case iotListen:
		for _, f := range frames {
			b, ok := f.Packet.Payload.(BeaconPayload)
			if !ok || b.BeaconID == m.lastBeacon {
				continue
			}
			m.lastBeacon = b.BeaconID
			m.satID = b.SatID
			m.backoffUntil = t.Add(m.backoff())
			m.state = iotBackoff
			break
		}

	case iotBackoff:
		if !t.Before(m.backoffUntil) {
			head := m.peekStored(1)
			if len(head) == 0 {
				m.state = iotListen
				break
			}
			pkt := head[0]
			payload := DataPayload{PacketID: pkt.ID, Body: pkt.Payload}
			if err := m.send(core.TagBasicLoraRadio, m.satID, payload, pkt.SizeBytes); err != nil {
				m.state = iotListen
				break
			}
			m.inFlight = pkt.ID
			m.deadline = t.Add(m.rxTimeout)
			m.state = iotWaitAck
		}

	case iotWaitAck:
		if m.inFlight != 0 && !t.Before(m.deadline) {
			m.retries++
			if m.retries > m.maxRetries {
				// Give the channel up until the next beacon.
				m.retries = 0
				m.inFlight = 0
				m.state = iotListen
				break
			}
			m.backoffUntil = t.Add(m.backoff())
			m.state = iotBackoff
		}
	}

	m.logState(t, prev.String(), m.state.String())
}

// ---------- ModelMacGateway ----------

// ModelMacGateway runs on aggregator satellites: every data frame
// arriving on the aggregator radio is stored for later downlink and
// acknowledged immediately, batched per sender per epoch.
type ModelMacGateway struct {
	macBase
	ops core.OpTable
}

func newModelMacGateway(owner *core.Node, cfg core.Args, log *simlog.Logger) (*ModelMacGateway, error) {
	base, err := newMacBase(owner, cfg, log, "ModelMacGateway")
	if err != nil {
		return nil, err
	}
	m := &ModelMacGateway{macBase: base}
	m.ops = core.OpTable{
		"get_State": func(core.Args) (any, error) { return "AGGREGATING", nil },
	}
	return m, nil
}

func (m *ModelMacGateway) Name() string      { return "ModelMacGateway" }
func (m *ModelMacGateway) Tag() core.Tag     { return core.TagMAC }
func (m *ModelMacGateway) Owner() *core.Node { return m.owner }

func (m *ModelMacGateway) Invoke(op string, args core.Args) (any, error) {
	return m.ops.Dispatch(op, args)
}

func (m *ModelMacGateway) Advance(t time.Time) {
	acks := make(map[int][]int64)
	for _, f := range m.drainRadio(core.TagBasicLoraRadio) {
		d, ok := f.Packet.Payload.(DataPayload)
		if !ok {
			continue
		}
		m.addStored(f.Packet)
		acks[f.From] = append(acks[f.From], d.PacketID)
	}
	for from, ids := range acks {
		_ = m.send(core.TagBasicLoraRadio, from, AckPayload{IDs: ids}, ackSize(len(ids)))
	}
}

var (
	loraRadioClasses = []string{"ModelLoraRadio", "ModelAggregatorRadio"}
	storeClasses     = []string{"ModelDataStore"}
)

// Register installs the MAC model classes.
func Register(r *core.Registry) {
	r.RegisterModelClass("ModelMacTTnC", core.ModelInfo{
		Tag:          core.TagMAC,
		Dependencies: core.DependencyExpr{loraRadioClasses, storeClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelMacTTnC(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelMacGS", core.ModelInfo{
		Tag:          core.TagMAC,
		Dependencies: core.DependencyExpr{loraRadioClasses, storeClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelMacGS(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelMacIoT", core.ModelInfo{
		Tag:          core.TagMAC,
		Dependencies: core.DependencyExpr{loraRadioClasses, storeClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelMacIoT(owner, cfg, log)
		},
	})
	r.RegisterModelClass("ModelMacGateway", core.ModelInfo{
		Tag:          core.TagMAC,
		Dependencies: core.DependencyExpr{loraRadioClasses, storeClasses},
		New: func(owner *core.Node, cfg core.Args, log *simlog.Logger) (core.Model, error) {
			return newModelMacGateway(owner, cfg, log)
		},
	})
}
