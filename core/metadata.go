package core

import (
	"encoding/json"
	"maps"
	"slices"
)

// Metadata is an ordered string→any mapping attached to an ExecutionContext
// (e.g. "user_request"). Keys keep their first insertion order. The zero value
// is an empty, usable Metadata.
type Metadata struct {
	keys   []string
	values map[string]any
}

// NewMetadata builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored, as are non-string keys.
func NewMetadata(kv ...any) Metadata {
	var md Metadata
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		md = md.With(k, kv[i+1])
	}
	return md
}

// With returns a copy of md with k set to v. The receiver is not modified.
func (md Metadata) With(k string, v any) Metadata {
	out := md.Clone()
	if out.values == nil {
		out.values = map[string]any{}
	}
	if _, exists := out.values[k]; !exists {
		out.keys = append(out.keys, k)
	}
	out.values[k] = v
	return out
}

// Get returns the value for k and whether it was present.
func (md Metadata) Get(k string) (any, bool) {
	v, ok := md.values[k]
	return v, ok
}

// String returns the value for k if it is a string, else "".
func (md Metadata) String(k string) string {
	s, _ := md.values[k].(string)
	return s
}

// Keys returns the keys in insertion order.
func (md Metadata) Keys() []string { return slices.Clone(md.keys) }

// Len returns the number of entries.
func (md Metadata) Len() int { return len(md.keys) }

// Clone returns an independent copy. Values are copied shallowly.
func (md Metadata) Clone() Metadata {
	return Metadata{keys: slices.Clone(md.keys), values: maps.Clone(md.values)}
}

// Map returns an unordered copy of the entries, convenient for templates.
func (md Metadata) Map() map[string]any {
	out := make(map[string]any, len(md.keys))
	maps.Copy(out, md.values)
	return out
}

// MarshalJSON encodes the entries as a JSON object in insertion order.
func (md Metadata) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range md.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(md.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}
