// Package mesh holds the node, port and reception types shared by the
// ingestion path and the topology core.
package mesh

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeID is a 32-bit mesh node number.
type NodeID uint32

// Broadcast is the all-ones destination used for mesh-wide packets.
const Broadcast NodeID = 0xFFFFFFFF

// MaxNodeID is the largest id a real node can carry.
const MaxNodeID NodeID = 0xFFFFFFFE

// Valid reports whether the id can identify a real node.
func (id NodeID) Valid() bool {
	return id != 0 && id != Broadcast
}

// String renders the id the way nodes print it ("!0000abcd").
func (id NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(id))
}

// ParseNodeID accepts "!a1b2c3d4", "0xa1b2c3d4" or a decimal number.
func ParseNodeID(value string) (NodeID, error) {
	value = strings.TrimSpace(value)
	var (
		n   uint64
		err error
	)
	switch {
	case strings.HasPrefix(value, "!"):
		n, err = strconv.ParseUint(value[1:], 16, 32)
	case strings.HasPrefix(value, "0x"), strings.HasPrefix(value, "0X"):
		n, err = strconv.ParseUint(value[2:], 16, 32)
	default:
		n, err = strconv.ParseUint(value, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("mesh: invalid node id %q", value)
	}
	return NodeID(n), nil
}

// DisplayName returns name, falling back to the formatted node id.
func DisplayName(id NodeID, names ...string) string {
	for _, name := range names {
		if name != "" {
			return name
		}
	}
	return id.String()
}

// PortNum identifies the application a packet belongs to.
type PortNum int32

const (
	PortUnknown      PortNum = 0
	PortTextMessage  PortNum = 1
	PortRemoteHW     PortNum = 2
	PortPosition     PortNum = 3
	PortNodeInfo     PortNum = 4
	PortRouting      PortNum = 5
	PortAdmin        PortNum = 6
	PortWaypoint     PortNum = 8
	PortDetection    PortNum = 10
	PortReply        PortNum = 32
	PortRangeTest    PortNum = 66
	PortTelemetry    PortNum = 67
	PortStoreForward PortNum = 65
	PortTraceroute   PortNum = 70
	PortNeighborInfo PortNum = 71
	PortMapReport    PortNum = 73
)

var portNames = map[PortNum]string{
	PortUnknown:      "UNKNOWN_APP",
	PortTextMessage:  "TEXT_MESSAGE_APP",
	PortRemoteHW:     "REMOTE_HARDWARE_APP",
	PortPosition:     "POSITION_APP",
	PortNodeInfo:     "NODEINFO_APP",
	PortRouting:      "ROUTING_APP",
	PortAdmin:        "ADMIN_APP",
	PortWaypoint:     "WAYPOINT_APP",
	PortDetection:    "DETECTION_SENSOR_APP",
	PortReply:        "REPLY_APP",
	PortStoreForward: "STORE_FORWARD_APP",
	PortRangeTest:    "RANGE_TEST_APP",
	PortTelemetry:    "TELEMETRY_APP",
	PortTraceroute:   "TRACEROUTE_APP",
	PortNeighborInfo: "NEIGHBORINFO_APP",
	PortMapReport:    "MAP_REPORT_APP",
}

// String returns the protocol name of the port, or PORT_<n> when unknown.
func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PORT_%d", int32(p))
}

// ParsePortNum accepts either a protocol name or a number.
func ParsePortNum(value string) (PortNum, bool) {
	for port, name := range portNames {
		if name == value {
			return port, true
		}
	}
	var n int32
	if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
		return PortNum(n), true
	}
	return 0, false
}

// Reception is one gateway's observation of a transmission.
type Reception struct {
	ID            int64
	Timestamp     time.Time
	MeshPacketID  uint32
	From          NodeID
	To            NodeID
	PortNum       PortNum
	GatewayID     string
	ChannelID     string
	RSSI          *int32
	SNR           *float64
	HopStart      *uint32
	HopLimit      *uint32
	Payload       []byte
	PayloadLength int
	Processed     bool
}

// HopCount reports hop_start - hop_limit when both are known.
func (r Reception) HopCount() (int, bool) {
	if r.HopStart == nil || r.HopLimit == nil {
		return 0, false
	}
	hops := int(*r.HopStart) - int(*r.HopLimit)
	if hops < 0 {
		return 0, false
	}
	return hops, true
}

// Length is the payload size used for averages.
func (r Reception) Length() int {
	if r.PayloadLength > 0 {
		return r.PayloadLength
	}
	return len(r.Payload)
}

// IsRouteDiscovery reports whether the reception carries a route-discovery
// payload worth decoding: the right port, a decoded payload, real endpoints
// and a unicast destination.
func (r Reception) IsRouteDiscovery() bool {
	if r.PortNum != PortTraceroute || !r.Processed || len(r.Payload) == 0 {
		return false
	}
	return r.From != 0 && r.To.Valid()
}

// LinkKey is an unordered node pair, stored as (min, max).
type LinkKey struct {
	A NodeID
	B NodeID
}

// NewLinkKey canonicalizes the pair.
func NewLinkKey(a, b NodeID) LinkKey {
	if a > b {
		a, b = b, a
	}
	return LinkKey{A: a, B: b}
}

// String renders "a-b" using node ids.
func (k LinkKey) String() string {
	return k.A.String() + "-" + k.B.String()
}

// Position is a node location fix.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  *int32
	Timestamp time.Time
}

// Known reports whether the fix carries real coordinates. Nodes without a
// GPS fix report 0/0.
func (p Position) Known() bool {
	return !(p.Latitude == 0 && p.Longitude == 0)
}
