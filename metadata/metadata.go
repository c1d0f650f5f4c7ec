// Package metadata implements the user metadata model and the query filter
// grammar applied to it.
package metadata

import "encoding/json"

// Document is arbitrary user metadata attached to a vector. Values are the
// usual encoding/json shapes: string, float64, bool, nil, []any, map[string]any.
type Document map[string]any

// Clone returns a deep copy via a JSON roundtrip. Documents are small; this
// keeps shards and responses from aliasing caller memory.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
