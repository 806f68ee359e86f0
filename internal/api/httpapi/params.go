package httpapi

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aminovpavel/meshtopo/internal/mesh"
)

// paramError marks a malformed request argument.
type paramError struct {
	name string
	msg  string
}

func (e *paramError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.name, e.msg)
}

func invalid(name, format string, args ...any) error {
	return &paramError{name: name, msg: fmt.Sprintf(format, args...)}
}

// params reads typed query arguments, remembering the first failure.
type params struct {
	values url.Values
	err    error
}

func newParams(values url.Values) *params {
	return &params{values: values}
}

func (p *params) raw(name string) string {
	return strings.TrimSpace(p.values.Get(name))
}

func (p *params) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *params) int(name string, def int) int {
	v := p.raw(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(invalid(name, "%q is not an integer", v))
		return def
	}
	return n
}

func (p *params) nonNegativeInt(name string, def int) int {
	n := p.int(name, def)
	if n < 0 {
		p.fail(invalid(name, "must not be negative"))
		return def
	}
	return n
}

func (p *params) float(name string) *float64 {
	v := p.raw(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(invalid(name, "%q is not a number", v))
		return nil
	}
	return &f
}

func (p *params) bool(name string) bool {
	switch strings.ToLower(p.raw(name)) {
	case "", "0", "false", "no":
		return false
	case "1", "true", "yes":
		return true
	default:
		p.fail(invalid(name, "%q is not a boolean", p.raw(name)))
		return false
	}
}

func (p *params) node(name string) *mesh.NodeID {
	v := p.raw(name)
	if v == "" {
		return nil
	}
	id, err := mesh.ParseNodeID(v)
	if err != nil {
		p.fail(invalid(name, "%q is not a node id", v))
		return nil
	}
	return &id
}

func (p *params) port(name string) *mesh.PortNum {
	v := p.raw(name)
	if v == "" {
		return nil
	}
	port, ok := mesh.ParsePortNum(v)
	if !ok {
		p.fail(invalid(name, "unknown port %q", v))
		return nil
	}
	return &port
}

// time accepts RFC 3339 or unix seconds.
func (p *params) time(name string) time.Time {
	v := p.raw(name)
	if v == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.UnixMicro(int64(secs * 1e6)).UTC()
	}
	p.fail(invalid(name, "%q is neither RFC 3339 nor unix seconds", v))
	return time.Time{}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// pathNode parses a node id taken from the URL path.
func (p *params) pathNode(vars map[string]string, name string) mesh.NodeID {
	v := strings.TrimSpace(vars[name])
	id, err := mesh.ParseNodeID(v)
	if err != nil || !id.Valid() {
		p.fail(invalid(name, "%q is not a node id", v))
		return 0
	}
	return id
}
