// Package route decodes route-discovery payloads and expands them into
// directional hop sequences.
package route

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
)

// RouteDiscovery field numbers.
const (
	fieldRoute      protowire.Number = 1
	fieldSNRTowards protowire.Number = 2
	fieldRouteBack  protowire.Number = 3
	fieldSNRBack    protowire.Number = 4
)

const (
	snrScale = 4.0
	snrLimit = 200.0
)

// ParsedRoute is the decoded content of a route-discovery payload.
type ParsedRoute struct {
	Forward    []mesh.NodeID
	ForwardSNR []float64
	Return     []mesh.NodeID
	ReturnSNR  []float64
}

// Empty reports whether nothing was decoded.
func (r ParsedRoute) Empty() bool {
	return len(r.Forward) == 0 && len(r.ForwardSNR) == 0 && len(r.Return) == 0 && len(r.ReturnSNR) == 0
}

// HasReturn reports whether a return path was observed.
func (r ParsedRoute) HasReturn() bool {
	return len(r.Return) > 0
}

// Parse decodes payload. Structural damage (a broken tag or a truncated
// field) fails the whole payload; individual elements that cannot be read as
// node ids or SNR values are skipped.
func Parse(payload []byte) (ParsedRoute, error) {
	var route ParsedRoute
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ParsedRoute{}, fmt.Errorf("route: read tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldRoute:
			route.Forward, n = consumeNodes(b, num, typ, route.Forward)
		case fieldRouteBack:
			route.Return, n = consumeNodes(b, num, typ, route.Return)
		case fieldSNRTowards:
			route.ForwardSNR, n = consumeSNR(b, num, typ, route.ForwardSNR)
		case fieldSNRBack:
			route.ReturnSNR, n = consumeSNR(b, num, typ, route.ReturnSNR)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return ParsedRoute{}, fmt.Errorf("route: field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return route, nil
}

// consumeNodes reads one occurrence of a node id field, packed or not.
func consumeNodes(b []byte, num protowire.Number, typ protowire.Type, out []mesh.NodeID) ([]mesh.NodeID, int) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return out, n
		}
		return append(out, clampNode(uint64(v))), n
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return out, n
		}
		if v <= 0xFFFFFFFF {
			out = append(out, clampNode(v))
		}
		return out, n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return out, n
		}
		for len(packed) >= 4 {
			out = append(out, clampNode(uint64(binary.LittleEndian.Uint32(packed))))
			packed = packed[4:]
		}
		return out, n
	default:
		return out, protowire.ConsumeFieldValue(num, typ, b)
	}
}

// consumeSNR reads one occurrence of an SNR field, packed or not.
func consumeSNR(b []byte, num protowire.Number, typ protowire.Type, out []float64) ([]float64, int) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return out, n
		}
		if snr, ok := scaleSNR(v); ok {
			out = append(out, snr)
		}
		return out, n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return out, n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				break
			}
			packed = packed[m:]
			if snr, ok := scaleSNR(v); ok {
				out = append(out, snr)
			}
		}
		return out, n
	default:
		return out, protowire.ConsumeFieldValue(num, typ, b)
	}
}

func clampNode(v uint64) mesh.NodeID {
	if v < 1 {
		return 1
	}
	if v > uint64(mesh.MaxNodeID) {
		return mesh.MaxNodeID
	}
	return mesh.NodeID(v)
}

// scaleSNR converts a raw int32 varint (quarter-dB units) to dB.
func scaleSNR(v uint64) (float64, bool) {
	raw := int64(v)
	if raw < -1<<31 || raw > 1<<31-1 {
		return 0, false
	}
	snr := float64(int32(raw)) / snrScale
	if snr < -snrLimit {
		snr = -snrLimit
	}
	if snr > snrLimit {
		snr = snrLimit
	}
	return snr, true
}

// Decoder wraps Parse with logging and metrics; it never returns an error.
type Decoder struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger receiving decode diagnostics.
func WithLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics attaches decode failure counters.
func WithMetrics(metrics *observability.Metrics) DecoderOption {
	return func(d *Decoder) {
		d.metrics = metrics
	}
}

// NewDecoder builds a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{logger: observability.NoOpLogger()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode returns the parsed route, or an empty one when payload is malformed.
func (d *Decoder) Decode(payload []byte) ParsedRoute {
	route, err := Parse(payload)
	if err != nil {
		d.logger.Debug("route payload decode failed",
			slog.Int("payload_length", len(payload)),
			slog.Any("error", err))
		d.metrics.IncRouteDecodeFailures()
		return ParsedRoute{}
	}
	return route
}
