// Package testutil encodes Meshtastic wire fixtures for tests.
package testutil

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aminovpavel/meshtopo/internal/mesh"
)

// BytesRepeating creates a slice filled with a repeated byte.
func BytesRepeating(b byte, count int) []byte {
	buf := make([]byte, count)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// RouteDiscovery encodes a RouteDiscovery payload with packed fields.
func RouteDiscovery(route []uint32, snrTowards []int32, routeBack []uint32, snrBack []int32) []byte {
	var b []byte
	b = appendPackedFixed32(b, 1, route)
	b = appendPackedInt32(b, 2, snrTowards)
	b = appendPackedFixed32(b, 3, routeBack)
	b = appendPackedInt32(b, 4, snrBack)
	return b
}

// Position encodes a Position payload from integer-scaled coordinates.
func Position(latI, lonI, altitude int32, fixTime uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(latI))
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(lonI))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(altitude)))
	if fixTime > 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, fixTime)
	}
	return b
}

// User encodes a User (node info) payload.
func User(id, longName, shortName string) []byte {
	var b []byte
	b = appendString(b, 1, id)
	b = appendString(b, 2, longName)
	b = appendString(b, 3, shortName)
	return b
}

// Data encodes a decoded Data message.
func Data(port mesh.PortNum, payload []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(port))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// Packet describes the MeshPacket part of a fixture envelope.
type Packet struct {
	ID        uint32
	From      uint32
	To        uint32
	Channel   uint32
	RxTime    uint32
	RxSNR     float32
	RxRSSI    int32
	HopLimit  uint32
	HopStart  uint32
	ViaMQTT   bool
	Decoded   []byte
	Encrypted []byte
}

// ServiceEnvelope encodes an MQTT service envelope wrapping pkt.
func ServiceEnvelope(pkt Packet, channelID, gatewayID string) []byte {
	var mp []byte
	mp = appendFixed32(mp, 1, pkt.From)
	mp = appendFixed32(mp, 2, pkt.To)
	mp = appendVarint(mp, 3, uint64(pkt.Channel))
	if pkt.Decoded != nil {
		mp = protowire.AppendTag(mp, 4, protowire.BytesType)
		mp = protowire.AppendBytes(mp, pkt.Decoded)
	}
	if pkt.Encrypted != nil {
		mp = protowire.AppendTag(mp, 5, protowire.BytesType)
		mp = protowire.AppendBytes(mp, pkt.Encrypted)
	}
	mp = appendFixed32(mp, 6, pkt.ID)
	mp = appendFixed32(mp, 7, pkt.RxTime)
	if pkt.RxSNR != 0 {
		mp = appendFixed32(mp, 8, math.Float32bits(pkt.RxSNR))
	}
	mp = appendVarint(mp, 9, uint64(pkt.HopLimit))
	if pkt.RxRSSI != 0 {
		mp = appendVarint(mp, 12, uint64(int64(pkt.RxRSSI)))
	}
	if pkt.ViaMQTT {
		mp = appendVarint(mp, 14, 1)
	}
	mp = appendVarint(mp, 15, uint64(pkt.HopStart))

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, mp)
	b = appendString(b, 2, channelID)
	b = appendString(b, 3, gatewayID)
	return b
}

func appendPackedFixed32(b []byte, num protowire.Number, values []uint32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedInt32(b []byte, num protowire.Number, values []int32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
