// Package models contains the node types shared by the server and client.
package models

import (
	"fmt"
	"regexp"
	"sort"
)

// Kind discriminates the node variants. Decoding rejects unknown kinds.
type Kind string

const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
	KindSensor Kind = "sensor"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFolder, KindFile, KindSensor:
		return true
	}
	return false
}

// IsLeaf reports whether nodes of this kind can never have children.
func (k Kind) IsLeaf() bool {
	switch k {
	case KindFolder:
		return false
	case KindFile, KindSensor:
		return true
	}
	return true
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v := Kind(b)
	if !v.Valid() {
		return fmt.Errorf("unknown node type %q", string(b))
	}
	*k = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown node type %q", string(k))
	}
	return []byte(k), nil
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidID reports whether id has the accepted node id format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Node is a folder, file or sensor as seen by API clients.
type Node struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        Kind     `json:"type"`
	ParentID    string   `json:"parentId,omitempty"`
	HasChildren bool     `json:"hasChildren"`
	Metadata    Metadata `json:"metadata,omitempty"`
	Sensors     []Node   `json:"sensors,omitempty"`
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	out := n
	out.Metadata = n.Metadata.Clone()
	if n.Sensors != nil {
		out.Sensors = make([]Node, len(n.Sensors))
		for i, s := range n.Sensors {
			out.Sensors[i] = s.Clone()
		}
	}
	return out
}

// Metadata holds scalar attributes keyed by name.
type Metadata map[string]any

// Validate returns an error if any value is not a scalar.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("metadata %q: value of type %T is not a scalar", k, v)
		}
	}
	return nil
}

// Strings returns every value stringified, ordered by key.
func (m Metadata) Strings() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprint(m[k]))
	}
	return out
}

// Clone returns a shallow copy; values are scalars so this is a full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
