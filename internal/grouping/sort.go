package grouping

import (
	"cmp"
	"sort"
	"strings"
)

// SortKey names an in-memory ordering of groups.
type SortKey string

const (
	SortTimestamp     SortKey = "timestamp"
	SortGatewayCount  SortKey = "gateway_count"
	SortPayloadLength SortKey = "payload_length"
	SortMinRSSI       SortKey = "min_rssi"
	SortMaxRSSI       SortKey = "max_rssi"
	SortMinSNR        SortKey = "min_snr"
	SortMaxSNR        SortKey = "max_snr"
	SortMinHops       SortKey = "min_hops"
	SortMaxHops       SortKey = "max_hops"
)

var sortAliases = map[string]SortKey{
	"":           SortTimestamp,
	"time":       SortTimestamp,
	"gateway_id": SortGatewayCount,
	"gateways":   SortGatewayCount,
	"rssi":       SortMinRSSI,
	"snr":        SortMinSNR,
	"hop_count":  SortMinHops,
	"hops":       SortMinHops,
}

// ParseSortKey resolves a sort name, accepting the legacy column aliases.
func ParseSortKey(value string) (SortKey, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if key, ok := sortAliases[value]; ok {
		return key, true
	}
	switch key := SortKey(value); key {
	case SortTimestamp, SortGatewayCount, SortPayloadLength,
		SortMinRSSI, SortMaxRSSI, SortMinSNR, SortMaxSNR, SortMinHops, SortMaxHops:
		return key, true
	}
	return "", false
}

// Sort orders groups in place. Groups missing the sorted value go last in
// both directions; ties keep their current order.
func Sort(groups []Group, key SortKey, descending bool) {
	compare := comparator(key)
	sort.SliceStable(groups, func(i, j int) bool {
		c, okI, okJ := compare(groups[i], groups[j])
		switch {
		case !okI:
			return false
		case !okJ:
			return true
		}
		if descending {
			return c > 0
		}
		return c < 0
	})
}

// comparator returns a three-way comparison for key along with whether each
// side carries a value.
func comparator(key SortKey) func(a, b Group) (int, bool, bool) {
	switch key {
	case SortGatewayCount, SortPayloadLength, SortMinRSSI, SortMaxRSSI,
		SortMinSNR, SortMaxSNR, SortMinHops, SortMaxHops:
		value := sortValue(key)
		return func(a, b Group) (int, bool, bool) {
			va, okA := value(a)
			vb, okB := value(b)
			return cmp.Compare(va, vb), okA, okB
		}
	default:
		// Timestamps compare directly; nanosecond floats lose precision.
		return func(a, b Group) (int, bool, bool) {
			return a.Timestamp.Compare(b.Timestamp), !a.Timestamp.IsZero(), !b.Timestamp.IsZero()
		}
	}
}

func sortValue(key SortKey) func(Group) (float64, bool) {
	switch key {
	case SortGatewayCount:
		return func(g Group) (float64, bool) { return float64(g.GatewayCount), true }
	case SortPayloadLength:
		return func(g Group) (float64, bool) { return g.AvgPayloadLength, true }
	case SortMinRSSI:
		return func(g Group) (float64, bool) { return derefInt32(g.MinRSSI) }
	case SortMaxRSSI:
		return func(g Group) (float64, bool) { return derefInt32(g.MaxRSSI) }
	case SortMinSNR:
		return func(g Group) (float64, bool) { return derefFloat(g.MinSNR) }
	case SortMaxSNR:
		return func(g Group) (float64, bool) { return derefFloat(g.MaxSNR) }
	case SortMinHops:
		return func(g Group) (float64, bool) { return derefInt(g.MinHops) }
	default:
		return func(g Group) (float64, bool) { return derefInt(g.MaxHops) }
	}
}

func derefInt32(v *int32) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

func derefInt(v *int) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

func derefFloat(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}
