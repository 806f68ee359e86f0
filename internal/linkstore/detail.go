package linkstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aminovpavel/meshtopo/internal/geo"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

const (
	// DefaultDetailHours is the look-back of a link detail query.
	DefaultDetailHours = 7 * 24
	// DefaultDetailLimit caps the observations returned with a link detail.
	DefaultDetailLimit = 200
)

// ErrSameNode rejects a link detail query for a node paired with itself.
var ErrSameNode = errors.New("linkstore: link endpoints must differ")

// Observation is a single directed hop between the two nodes of a link.
type Observation struct {
	PacketID     int64
	MeshPacketID uint32
	GatewayID    string
	From         mesh.NodeID
	To           mesh.NodeID
	Direction    string
	HopIndex     int
	SNR          *float64
	ReceivedAt   time.Time
}

// DirectionStats summarizes the observations in one orientation.
type DirectionStats struct {
	From   mesh.NodeID
	To     mesh.NodeID
	Count  int
	AvgSNR *float64
	MinSNR *float64
	MaxSNR *float64
}

// LinkDetail describes one link from both ends.
type LinkDetail struct {
	Key          mesh.LinkKey
	AName        string
	BName        string
	APosition    *mesh.Position
	BPosition    *mesh.Position
	DistanceKm   *float64
	Aggregate    *Aggregate
	AToB         DirectionStats
	BToA         DirectionStats
	Observations []Observation
}

// LinkDetail loads recent hops between a and b with per-direction SNR
// statistics. hours and limit fall back to the defaults when not positive.
func (s *Store) LinkDetail(ctx context.Context, a, b mesh.NodeID, hours, limit int) (LinkDetail, error) {
	if s.hops == nil {
		return LinkDetail{}, ErrNoHopSource
	}
	if a == b {
		return LinkDetail{}, ErrSameNode
	}
	if hours <= 0 {
		hours = DefaultDetailHours
	}
	if limit <= 0 {
		limit = DefaultDetailLimit
	}
	key := mesh.NewLinkKey(a, b)

	obs, err := s.hops.LinkObservations(ctx, key, s.cutoff(hours), limit)
	if err != nil {
		return LinkDetail{}, fmt.Errorf("linkstore: link observations: %w", err)
	}
	positions, names, err := s.resolve(ctx, []mesh.NodeID{key.A, key.B})
	if err != nil {
		return LinkDetail{}, err
	}

	detail := LinkDetail{
		Key:          key,
		AName:        mesh.DisplayName(key.A, names[key.A]),
		BName:        mesh.DisplayName(key.B, names[key.B]),
		APosition:    knownPosition(positions, key.A),
		BPosition:    knownPosition(positions, key.B),
		AToB:         directionStats(obs, key.A, key.B),
		BToA:         directionStats(obs, key.B, key.A),
		Observations: obs,
	}
	detail.DistanceKm = geo.Between(detail.APosition, detail.BPosition)
	links := s.Snapshot().Links
	for i := range links {
		if links[i].Key == key {
			agg := links[i]
			detail.Aggregate = &agg
			break
		}
	}
	return detail, nil
}

func directionStats(obs []Observation, from, to mesh.NodeID) DirectionStats {
	st := DirectionStats{From: from, To: to}
	var sum float64
	var n int
	for _, o := range obs {
		if o.From != from || o.To != to {
			continue
		}
		st.Count++
		if o.SNR == nil {
			continue
		}
		v := *o.SNR
		sum += v
		n++
		if st.MinSNR == nil || v < *st.MinSNR {
			st.MinSNR = &v
		}
		if st.MaxSNR == nil || v > *st.MaxSNR {
			vv := v
			st.MaxSNR = &vv
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		st.AvgSNR = &avg
	}
	return st
}

// Neighbor is a node that shares a link with the queried node.
type Neighbor struct {
	RankedLink
	ID       mesh.NodeID
	Name     string
	Position *mesh.Position
}

// Neighbors ranks the links touching id and reports the far end of each.
func (s *Store) Neighbors(ctx context.Context, id mesh.NodeID, q Query) ([]Neighbor, error) {
	links, err := s.rank(ctx, q, func(agg Aggregate) bool {
		return agg.Key.A == id || agg.Key.B == id
	})
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(links))
	for _, l := range links {
		n := Neighbor{RankedLink: l, ID: l.Key.B, Name: l.ToName, Position: l.ToPosition}
		if l.Key.B == id {
			n.ID, n.Name, n.Position = l.Key.A, l.FromName, l.FromPosition
		}
		out = append(out, n)
	}
	return out, nil
}
