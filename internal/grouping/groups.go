// Package grouping collapses redundant gateway receptions of one mesh
// transmission into logical packet groups.
package grouping

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aminovpavel/meshtopo/internal/mesh"
)

// Key identifies one logical transmission.
type Key struct {
	MeshPacketID uint32
	From         mesh.NodeID
	To           mesh.NodeID
	PortNum      mesh.PortNum
}

// Group is the set of receptions of one logical transmission.
type Group struct {
	Key              Key
	Timestamp        time.Time
	Representative   mesh.Reception
	Receptions       []mesh.Reception
	Gateways         []string
	GatewayCount     int
	MinRSSI          *int32
	MaxRSSI          *int32
	MinSNR           *float64
	MaxSNR           *float64
	MinHops          *int
	MaxHops          *int
	AvgPayloadLength float64
	Processed        bool
}

// ReceptionCount is the number of gateway observations folded into the group.
func (g Group) ReceptionCount() int {
	return len(g.Receptions)
}

// HopRange renders the hop span ("2", "1-3" or "").
func (g Group) HopRange() string {
	if g.MinHops == nil {
		return ""
	}
	if *g.MinHops == *g.MaxHops {
		return fmt.Sprintf("%d", *g.MinHops)
	}
	return fmt.Sprintf("%d-%d", *g.MinHops, *g.MaxHops)
}

// RSSIRange renders the RSSI span in dBm.
func (g Group) RSSIRange() string {
	if g.MinRSSI == nil {
		return ""
	}
	if *g.MinRSSI == *g.MaxRSSI {
		return fmt.Sprintf("%d dBm", *g.MinRSSI)
	}
	return fmt.Sprintf("%d to %d dBm", *g.MinRSSI, *g.MaxRSSI)
}

// SNRRange renders the SNR span in dB.
func (g Group) SNRRange() string {
	if g.MinSNR == nil {
		return ""
	}
	if *g.MinSNR == *g.MaxSNR {
		return fmt.Sprintf("%.1f dB", *g.MinSNR)
	}
	return fmt.Sprintf("%.1f to %.1f dB", *g.MinSNR, *g.MaxSNR)
}

// Build groups receptions by logical transmission. Receptions without a mesh
// packet id are skipped. Groups keep the order in which their first reception
// appears in the input.
func Build(receptions []mesh.Reception) []Group {
	index := make(map[Key]int)
	groups := make([]Group, 0)

	for _, r := range receptions {
		if r.MeshPacketID == 0 {
			continue
		}
		key := Key{MeshPacketID: r.MeshPacketID, From: r.From, To: r.To, PortNum: r.PortNum}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Receptions = append(groups[i].Receptions, r)
	}

	for i := range groups {
		summarize(&groups[i])
	}
	return groups
}

func summarize(g *Group) {
	seen := make(map[string]struct{})
	totalLength := 0
	g.Processed = true

	for i, r := range g.Receptions {
		if i == 0 || r.Timestamp.Before(g.Representative.Timestamp) {
			g.Representative = r
		}
		if gw := strings.TrimSpace(r.GatewayID); gw != "" {
			if _, ok := seen[gw]; !ok {
				seen[gw] = struct{}{}
				g.Gateways = append(g.Gateways, gw)
			}
		}
		if r.RSSI != nil {
			g.MinRSSI = minPtr(g.MinRSSI, *r.RSSI)
			g.MaxRSSI = maxPtr(g.MaxRSSI, *r.RSSI)
		}
		if r.SNR != nil {
			g.MinSNR = minPtr(g.MinSNR, *r.SNR)
			g.MaxSNR = maxPtr(g.MaxSNR, *r.SNR)
		}
		if hops, ok := r.HopCount(); ok {
			g.MinHops = minPtr(g.MinHops, hops)
			g.MaxHops = maxPtr(g.MaxHops, hops)
		}
		totalLength += r.Length()
		if !r.Processed {
			g.Processed = false
		}
	}

	sort.Strings(g.Gateways)
	g.GatewayCount = len(g.Gateways)
	g.Timestamp = g.Representative.Timestamp
	if n := len(g.Receptions); n > 0 {
		g.AvgPayloadLength = float64(totalLength) / float64(n)
	}
}

type ordered interface {
	~int | ~int32 | ~float64
}

func minPtr[T ordered](cur *T, v T) *T {
	if cur == nil || v < *cur {
		return &v
	}
	return cur
}

func maxPtr[T ordered](cur *T, v T) *T {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}
