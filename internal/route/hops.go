package route

import (
	"time"

	"github.com/aminovpavel/meshtopo/internal/mesh"
)

// Direction tells which leg of a route-discovery exchange a hop belongs to.
type Direction string

const (
	Forward Direction = "forward"
	Return  Direction = "return"
)

// Envelope is the packet context a route payload arrived in.
type Envelope struct {
	PacketID     int64
	MeshPacketID uint32
	From         mesh.NodeID
	To           mesh.NodeID
	GatewayID    string
	Timestamp    time.Time
}

// EnvelopeFromReception copies the routing context out of a stored reception.
func EnvelopeFromReception(r mesh.Reception) Envelope {
	return Envelope{
		PacketID:     r.ID,
		MeshPacketID: r.MeshPacketID,
		From:         r.From,
		To:           r.To,
		GatewayID:    r.GatewayID,
		Timestamp:    r.Timestamp,
	}
}

// Hop is one transmission between consecutive nodes of a path.
type Hop struct {
	Index     int
	From      mesh.NodeID
	To        mesh.NodeID
	SNR       *float64
	Direction Direction
}

// Path is one leg of a route with its hops.
type Path struct {
	Direction Direction
	Nodes     []mesh.NodeID
	Hops      []Hop
	Complete  bool
}

// Build splices the envelope endpoints around the decoded route. The forward
// path is always produced; the return path only when one was recorded.
func Build(env Envelope, route ParsedRoute) []Path {
	paths := make([]Path, 0, 2)
	paths = append(paths, buildPath(Forward, env.From, route.Forward, env.To, route.ForwardSNR))
	if route.HasReturn() {
		paths = append(paths, buildPath(Return, env.To, route.Return, env.From, route.ReturnSNR))
	}
	return paths
}

func buildPath(dir Direction, origin mesh.NodeID, via []mesh.NodeID, terminus mesh.NodeID, snr []float64) Path {
	nodes := make([]mesh.NodeID, 0, len(via)+2)
	nodes = append(nodes, origin)
	nodes = append(nodes, via...)
	nodes = append(nodes, terminus)

	hops := make([]Hop, 0, len(nodes)-1)
	for i := 0; i+1 < len(nodes); i++ {
		hop := Hop{
			Index:     i,
			From:      nodes[i],
			To:        nodes[i+1],
			Direction: dir,
		}
		if i < len(snr) {
			v := snr[i]
			hop.SNR = &v
		}
		hops = append(hops, hop)
	}

	return Path{
		Direction: dir,
		Nodes:     nodes,
		Hops:      hops,
		Complete:  complete(nodes, terminus),
	}
}

func complete(nodes []mesh.NodeID, terminus mesh.NodeID) bool {
	if len(nodes) < 2 || !terminus.Valid() || !nodes[0].Valid() {
		return false
	}
	return nodes[len(nodes)-1] == terminus
}

// Flatten returns the hops of all paths in order.
func Flatten(paths []Path) []Hop {
	var hops []Hop
	for _, p := range paths {
		hops = append(hops, p.Hops...)
	}
	return hops
}
