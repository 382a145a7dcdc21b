// Package radio implements the link substrate: physical-layer settings,
// LoRa link budgets, airtime, packet delivery with collisions and the
// radio model classes the MAC layer drives.
package radio

import (
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/orbitnet-simulator/core"
)

// PhySetup is the physical-layer configuration of one radio, decoded
// from the scenario's radio_physetup block.
type PhySetup struct {
	FrequencyHz     float64
	BandwidthHz     float64
	SpreadingFactor int
	CodingRate      int // LoRa CR index 1..4, meaning 4/(4+CR)
	EIRPdBm         float64
	GTdB            float64 // receiver gain-to-noise-temperature
	AtmosLossDB     float64
	PreambleSymbols int
	CRCEnabled      bool
}

// PhyFromArgs decodes a radio_physetup block, applying LoRa defaults
// for absent keys.
func PhyFromArgs(cfg core.Args) (PhySetup, error) {
	phy := PhySetup{
		FrequencyHz:     868.1e6,
		BandwidthHz:     125e3,
		SpreadingFactor: 7,
		CodingRate:      1,
		EIRPdBm:         14,
		GTdB:            -12,
		AtmosLossDB:     0,
		PreambleSymbols: 8,
		CRCEnabled:      true,
	}
	raw, ok := cfg["radio_physetup"]
	if !ok {
		return phy, nil
	}
	sub, ok := raw.(map[string]any)
	if !ok {
		return phy, core.ErrInvalidArg("radio_physetup", "not a mapping")
	}
	args := core.Args(sub)
	var err error
	if args.Has("frequency") {
		if phy.FrequencyHz, err = args.Float("frequency"); err != nil {
			return phy, err
		}
	}
	if args.Has("bandwidth") {
		if phy.BandwidthHz, err = args.Float("bandwidth"); err != nil {
			return phy, err
		}
	}
	if args.Has("spreading_factor") {
		if phy.SpreadingFactor, err = args.Int("spreading_factor"); err != nil {
			return phy, err
		}
		if phy.SpreadingFactor < 7 || phy.SpreadingFactor > 12 {
			return phy, core.ErrInvalidArg("spreading_factor", "must be 7..12")
		}
	}
	if args.Has("coding_rate") {
		if phy.CodingRate, err = args.Int("coding_rate"); err != nil {
			return phy, err
		}
		if phy.CodingRate < 1 || phy.CodingRate > 4 {
			return phy, core.ErrInvalidArg("coding_rate", "must be 1..4")
		}
	}
	if args.Has("eirp") {
		if phy.EIRPdBm, err = args.Float("eirp"); err != nil {
			return phy, err
		}
	}
	if args.Has("g_t") {
		if phy.GTdB, err = args.Float("g_t"); err != nil {
			return phy, err
		}
	}
	if args.Has("atmospheric_loss") {
		if phy.AtmosLossDB, err = args.Float("atmospheric_loss"); err != nil {
			return phy, err
		}
	}
	if args.Has("preamble_symbols") {
		if phy.PreambleSymbols, err = args.Int("preamble_symbols"); err != nil {
			return phy, err
		}
	}
	if args.Has("crc") {
		if phy.CRCEnabled, err = args.Bool("crc"); err != nil {
			return phy, err
		}
	}
	return phy, nil
}

var packetSeq atomic.Int64

// Packet is one application-layer datagram. IDs are unique across the
// whole process.
type Packet struct {
	ID        int64
	Source    int
	Dest      int
	SizeBytes int
	Payload   any
	Created   time.Time
}

// NewPacket allocates a packet with a fresh id.
func NewPacket(source, dest, sizeBytes int, payload any, created time.Time) *Packet {
	return &Packet{
		ID:        packetSeq.Add(1),
		Source:    source,
		Dest:      dest,
		SizeBytes: sizeBytes,
		Payload:   payload,
		Created:   created,
	}
}

// Frame is one packet in flight: the packet plus everything the
// receiver needs to judge reception.
type Frame struct {
	Packet *Packet
	From   int
	To     int // 0 means broadcast

	FrequencyHz float64
	SentAt      time.Time
	AirTime     time.Duration
	RSSIdBm     float64
	SNRdB       float64
}

// Overlaps reports whether two frames share airtime.
func (f *Frame) Overlaps(other *Frame) bool {
	fEnd := f.SentAt.Add(f.AirTime)
	oEnd := other.SentAt.Add(other.AirTime)
	return f.SentAt.Before(oEnd) && other.SentAt.Before(fEnd)
}
