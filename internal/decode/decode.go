package decode

import (
	"context"
	"time"

	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/mqtt"
	"github.com/aminovpavel/meshtopo/internal/route"
)

// Packet is one gateway's decoded observation, ready for persistence.
type Packet struct {
	Topic       string
	QoS         byte
	Retained    bool
	ReceivedAt  time.Time
	MessageType string

	GatewayID    string
	ChannelID    string
	MeshPacketID uint32
	From         mesh.NodeID
	To           mesh.NodeID
	ChannelIndex uint32
	RxTime       uint32
	RxSNR        float32
	RxRSSI       int32
	HopLimit     uint32
	HopStart     uint32
	ViaMQTT      bool

	PortNum       mesh.PortNum
	Payload       []byte
	PayloadLength int
	Encrypted     bool

	ProcessedSuccessfully bool
	ParsingError          string
	RawServiceEnvelope    []byte

	Position *PositionInfo
	Node     *NodeInfo
	Route    *route.ParsedRoute
}

// Reception converts the packet into the shared reception model.
func (p Packet) Reception() mesh.Reception {
	r := mesh.Reception{
		Timestamp:     p.ReceivedAt,
		MeshPacketID:  p.MeshPacketID,
		From:          p.From,
		To:            p.To,
		PortNum:       p.PortNum,
		GatewayID:     p.GatewayID,
		ChannelID:     p.ChannelID,
		Payload:       p.Payload,
		PayloadLength: p.PayloadLength,
		Processed:     p.ProcessedSuccessfully && !p.Encrypted,
	}
	if p.RxRSSI != 0 {
		rssi := p.RxRSSI
		snr := float64(p.RxSNR)
		r.RSSI, r.SNR = &rssi, &snr
	}
	if p.HopStart != 0 {
		start, limit := p.HopStart, p.HopLimit
		r.HopStart, r.HopLimit = &start, &limit
	}
	return r
}

// IsRouteDiscovery reports whether hops should be extracted from the packet.
func (p Packet) IsRouteDiscovery() bool {
	return p.Reception().IsRouteDiscovery()
}

// PositionInfo is a decoded position report.
type PositionInfo struct {
	Latitude  float64
	Longitude float64
	Altitude  *int32
	Time      uint32
}

// NodeInfo is a decoded user record.
type NodeInfo struct {
	UserID    string
	LongName  string
	ShortName string
}

// Decoder converts raw MQTT messages into structured packets.
type Decoder interface {
	Decode(ctx context.Context, msg mqtt.Message) (Packet, error)
}
