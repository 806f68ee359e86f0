// Package topology folds decoded route-discovery hops into an undirected
// radio link graph.
package topology

import (
	"math"

	"github.com/aminovpavel/meshtopo/internal/route"
)

// DisableSNRFilter is the MinSNR value that turns the threshold off.
const DisableSNRFilter = -200.0

// Stats counts what a graph build saw and discarded.
type Stats struct {
	PacketsAnalyzed      int `json:"packets_analyzed"`
	PacketsWithRFHops    int `json:"packets_with_rf_hops"`
	TotalRFHops          int `json:"total_rf_hops"`
	LinksFound           int `json:"links_found"`
	LinksFilteredBySNR   int `json:"links_filtered_by_snr"`
	LinksFilteredZeroSNR int `json:"links_filtered_due_to_snr_0"`
}

// RFHops returns the hops of complete paths that qualify as direct radio
// transmissions. A hop qualifies when it joins two distinct real nodes and
// carries a non-zero SNR at or above minSNR. stats may be nil.
func RFHops(paths []route.Path, minSNR float64, stats *Stats) []route.Hop {
	if stats == nil {
		stats = &Stats{}
	}
	var hops []route.Hop
	for _, p := range paths {
		if !p.Complete {
			continue
		}
		for _, hop := range p.Hops {
			if hop.From == hop.To || !hop.From.Valid() || !hop.To.Valid() {
				continue
			}
			if hop.SNR == nil {
				stats.LinksFilteredBySNR++
				continue
			}
			snr := *hop.SNR
			if snr == 0 {
				stats.LinksFilteredZeroSNR++
				continue
			}
			if minSNR != DisableSNRFilter && snr < minSNR {
				stats.LinksFilteredBySNR++
				continue
			}
			hops = append(hops, hop)
		}
	}
	return hops
}

// LinkStrength maps average SNR and observation count onto 1..10. It grows
// with both inputs.
func LinkStrength(avgSNR float64, observations int) float64 {
	if observations <= 0 {
		return 1
	}
	base := (avgSNR + 20.0) / 5.0
	if base < 0 {
		base = 0
	}
	return clamp(base+math.Log10(float64(observations)), 1, 10)
}

// IndirectStrength scores a multi-hop connection on 0.5..5.
func IndirectStrength(pathCount, hopCount int) float64 {
	if hopCount <= 0 {
		return 0.5
	}
	return clamp(float64(pathCount)/float64(hopCount), 0.5, 5)
}

// NodeSize scales a node marker with its packet count on 5..20.
func NodeSize(packetCount int) float64 {
	return clamp(math.Log10(float64(packetCount)+1)*3, 5, 20)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
