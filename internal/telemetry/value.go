package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// PropertyPrefix is prepended to every flattened property key.
const PropertyPrefix = "LUIS_"

// Value is a telemetry payload node: a Scalar, a Composite or a List.
type Value interface {
	isValue()
}

// Scalar is a leaf holding a string, number, bool or nil.
type Scalar struct {
	V any
}

// Composite is an object-like node keyed by field name.
type Composite map[string]Value

// List is an array-like node; elements are keyed by index when flattened.
type List []Value

func (Scalar) isValue()    {}
func (Composite) isValue() {}
func (List) isValue()      {}

// Flatten turns a nested value into a single-level property bag. A child
// key is joined to its parent path with "_" and every leaf is stored under
// PropertyPrefix+path. Keys are visited in sorted order, so when two paths
// flatten to the same key the one sorting last wins.
func Flatten(v Value, prefix string) map[string]any {
	out := make(map[string]any)
	flattenInto(v, prefix, out)
	return out
}

func flattenInto(v Value, prefix string, out map[string]any) {
	switch n := v.(type) {
	case Composite:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(n[k], join(prefix, k), out)
		}
	case List:
		for i, child := range n {
			flattenInto(child, join(prefix, strconv.Itoa(i)), out)
		}
	case Scalar:
		out[PropertyPrefix+prefix] = n.V
	case nil:
		out[PropertyPrefix+prefix] = nil
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}

// FromJSON converts anything encoding/json can marshal into a Value.
// Integral numbers become int64, other numbers float64.
func FromJSON(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal telemetry payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode telemetry payload: %w", err)
	}
	return fromAny(raw), nil
}

func fromAny(x any) Value {
	switch t := x.(type) {
	case map[string]any:
		c := make(Composite, len(t))
		for k, v := range t {
			c[k] = fromAny(v)
		}
		return c
	case []any:
		l := make(List, 0, len(t))
		for _, v := range t {
			l = append(l, fromAny(v))
		}
		return l
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Scalar{V: i}
		}
		f, _ := t.Float64()
		return Scalar{V: f}
	default:
		return Scalar{V: t}
	}
}

// Merge combines composites left to right; later fields replace earlier ones.
func Merge(parts ...Composite) Composite {
	out := Composite{}
	for _, p := range parts {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}
