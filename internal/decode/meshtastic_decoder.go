package decode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/mqtt"
	"github.com/aminovpavel/meshtopo/internal/route"
)

const unknownGatewayID = "unknown"

const coordScale = 1e-7

// MeshtasticConfig controls how packets are decoded.
type MeshtasticConfig struct {
	StoreRawEnvelope bool
}

// MeshtasticDecoder parses MQTT service envelopes into packets.
type MeshtasticDecoder struct {
	cfg    MeshtasticConfig
	routes *route.Decoder
}

// NewMeshtasticDecoder constructs a decoder. routes may be nil.
func NewMeshtasticDecoder(cfg MeshtasticConfig, routes *route.Decoder) MeshtasticDecoder {
	if routes == nil {
		routes = route.NewDecoder()
	}
	return MeshtasticDecoder{cfg: cfg, routes: routes}
}

// Decode converts the raw MQTT message into a Packet. It never returns an
// error; parsing failures are recorded on the packet so the raw observation
// can still be stored.
func (d MeshtasticDecoder) Decode(_ context.Context, msg mqtt.Message) (Packet, error) {
	packet := Packet{
		Topic:       msg.Topic,
		QoS:         msg.QoS,
		Retained:    msg.Retained,
		ReceivedAt:  msg.Time,
		MessageType: extractMessageType(msg.Topic),
	}
	if d.cfg.StoreRawEnvelope && len(msg.Payload) > 0 {
		packet.RawServiceEnvelope = append([]byte(nil), msg.Payload...)
	}

	meshPacket, err := d.parseEnvelope(&packet, msg.Payload)
	if err != nil {
		packet.ParsingError = err.Error()
		sanitizePacket(&packet)
		return packet, nil
	}
	if meshPacket == nil {
		packet.ParsingError = "missing mesh packet"
		sanitizePacket(&packet)
		return packet, nil
	}

	data, err := parseMeshPacket(&packet, meshPacket)
	if err != nil {
		packet.ParsingError = err.Error()
	} else if data != nil {
		d.populateFromData(&packet, data)
	}

	packet.PayloadLength = len(packet.Payload)
	packet.ProcessedSuccessfully = packet.ParsingError == ""
	sanitizePacket(&packet)
	return packet, nil
}

func (d MeshtasticDecoder) parseEnvelope(pkt *Packet, b []byte) ([]byte, error) {
	var meshPacket []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			meshPacket = v.bytes
		case 2:
			pkt.ChannelID = string(v.bytes)
		case 3:
			pkt.GatewayID = string(v.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("service envelope: %w", err)
	}
	return meshPacket, nil
}

// parseMeshPacket fills the header fields and returns the decoded Data
// message, if any.
func parseMeshPacket(pkt *Packet, b []byte) ([]byte, error) {
	var data []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			pkt.From = mesh.NodeID(v.u32)
		case 2:
			pkt.To = mesh.NodeID(v.u32)
		case 3:
			pkt.ChannelIndex = uint32(v.u64)
		case 4:
			if typ == protowire.BytesType {
				data = v.bytes
			}
		case 5:
			if typ == protowire.BytesType {
				pkt.Payload = append([]byte(nil), v.bytes...)
				pkt.Encrypted = true
			}
		case 6:
			pkt.MeshPacketID = v.u32
		case 7:
			pkt.RxTime = v.u32
		case 8:
			if typ == protowire.Fixed32Type {
				pkt.RxSNR = math.Float32frombits(v.u32)
			}
		case 9:
			pkt.HopLimit = uint32(v.u64)
		case 12:
			pkt.RxRSSI = int32(v.u64)
		case 14:
			pkt.ViaMQTT = v.u64 != 0
		case 15:
			pkt.HopStart = uint32(v.u64)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mesh packet: %w", err)
	}
	return data, nil
}

func (d MeshtasticDecoder) populateFromData(pkt *Packet, b []byte) {
	var payload []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			pkt.PortNum = mesh.PortNum(int32(v.u64))
		case 2:
			if typ == protowire.BytesType {
				payload = v.bytes
			}
		}
		return nil
	})
	if err != nil {
		pkt.ParsingError = fmt.Sprintf("data: %v", err)
		return
	}
	pkt.Payload = append([]byte(nil), payload...)

	switch pkt.PortNum {
	case mesh.PortPosition:
		pos, err := parsePosition(payload)
		if err != nil {
			pkt.ParsingError = err.Error()
			return
		}
		pkt.Position = pos
	case mesh.PortNodeInfo:
		node, err := parseUser(payload)
		if err != nil {
			pkt.ParsingError = err.Error()
			return
		}
		pkt.Node = node
	case mesh.PortTraceroute:
		parsed := d.routes.Decode(payload)
		pkt.Route = &parsed
	}
}

func parsePosition(b []byte) (*PositionInfo, error) {
	var (
		pos       PositionInfo
		lat, lon  int32
		hasCoords bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case 1:
			lat, hasCoords = int32(v.u32), true
		case 2:
			lon, hasCoords = int32(v.u32), true
		case 3:
			alt := int32(v.u64)
			pos.Altitude = &alt
		case 4:
			pos.Time = v.u32
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	if !hasCoords {
		return nil, errors.New("position: no coordinates")
	}
	pos.Latitude = float64(lat) * coordScale
	pos.Longitude = float64(lon) * coordScale
	return &pos, nil
}

func parseUser(b []byte) (*NodeInfo, error) {
	var node NodeInfo
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			node.UserID = cleanString(v.bytes)
		case 2:
			node.LongName = cleanString(v.bytes)
		case 3:
			node.ShortName = cleanString(v.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	return &node, nil
}

type value struct {
	u64   uint64
	u32   uint32
	bytes []byte
}

// walk iterates the top-level fields of a message. Groups are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v value
		switch typ {
		case protowire.VarintType:
			v.u64, n = protowire.ConsumeVarint(b)
			v.u32 = uint32(v.u64)
		case protowire.Fixed32Type:
			v.u32, n = protowire.ConsumeFixed32(b)
			v.u64 = uint64(v.u32)
		case protowire.Fixed64Type:
			v.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func cleanString(b []byte) string {
	s := string(b)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// sanitizePacket fills fields some firmware leaves empty.
func sanitizePacket(pkt *Packet) {
	if strings.TrimSpace(pkt.GatewayID) == "" {
		pkt.GatewayID = gatewayFromTopic(pkt.Topic)
	}
	if pkt.ChannelID == "" && pkt.MessageType == "stat" {
		pkt.ChannelID = channelFromTopic(pkt.Topic)
	}
}

func extractMessageType(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 4 {
		return parts[3]
	}
	return ""
}

func gatewayFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if last := parts[len(parts)-1]; strings.HasPrefix(last, "!") && len(last) > 1 {
		return last
	}
	return unknownGatewayID
}

func channelFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}
