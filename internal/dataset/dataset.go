// Package dataset holds the authoritative tree of folders, files and sensors
// the server answers from.
package dataset

import (
	"context"
	"fmt"
	"sync"

	"github.com/sensortree/sensortree/internal/metrics"
	"github.com/sensortree/sensortree/pkg/models"
)

// Entity is one node of the authoritative tree. Sensors hang off folders
// and never have children of their own.
type Entity struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Type     models.Kind     `yaml:"type"`
	Metadata models.Metadata `yaml:"metadata,omitempty"`
	Sensors  []*Entity       `yaml:"sensors,omitempty"`
	Children []*Entity       `yaml:"children,omitempty"`
}

// HasChildren reports whether listing e's children yields anything.
func (e *Entity) HasChildren() bool {
	return len(e.Children)+len(e.Sensors) > 0
}

// Persister writes renames through to durable storage.
type Persister interface {
	Rename(ctx context.Context, id, name string) error
}

// Dataset is a concurrency-safe, indexed forest of entities.
type Dataset struct {
	mu        sync.RWMutex
	roots     []*Entity
	idx       *index
	persister Persister
}

// New validates roots and builds the id index.
func New(roots []*Entity) (*Dataset, error) {
	idx, err := buildIndex(roots)
	if err != nil {
		return nil, err
	}
	metrics.SetDatasetSize(len(idx.byID))
	return &Dataset{roots: roots, idx: idx}, nil
}

// SetPersister makes Rename write through to p before updating memory.
func (d *Dataset) SetPersister(p Persister) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persister = p
}

// Replace swaps in a freshly loaded forest. The old tree stays in place if
// the new one is invalid.
func (d *Dataset) Replace(roots []*Entity) error {
	idx, err := buildIndex(roots)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.roots = roots
	d.idx = idx
	d.mu.Unlock()
	metrics.SetDatasetSize(len(idx.byID))
	return nil
}

// Len returns the number of nodes and sensors.
func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.idx.byID)
}

// IDs returns every node id (sensors excluded) in pre-order.
func (d *Dataset) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.idx.byID))
	walk(d.roots, nil, func(_ []*Entity, e *Entity) bool {
		if e.Type != models.KindSensor {
			ids = append(ids, e.ID)
		}
		return true
	})
	return ids
}

// Roots returns the top-level nodes in dataset order.
func (d *Dataset) Roots() []models.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Node, 0, len(d.roots))
	for _, e := range d.roots {
		out = append(out, e.Node(""))
	}
	return out
}

// Children lists id's child nodes followed by its sensors. The boolean is
// false when id is unknown.
func (d *Dataset) Children(id string) ([]models.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.idx.byID[id]
	if !ok {
		return nil, false
	}
	return childrenOf(e), true
}

// Lookup returns the node with the given id.
func (d *Dataset) Lookup(id string) (models.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.idx.byID[id]
	if !ok {
		return models.Node{}, false
	}
	return e.Node(d.idx.parentID(id)), true
}

// Chain returns the entities from a root down to id, inclusive, together
// with each one's children listing (nil for sensors).
func (d *Dataset) Chain(id string) ([]models.Node, [][]models.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.chainLocked(id)
}

// RevealChain is Chain plus the root listing, all read from the same
// version of the dataset.
func (d *Dataset) RevealChain(id string) (roots, nodes []models.Node, children [][]models.Node, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes, children, err = d.chainLocked(id)
	if err != nil {
		return nil, nil, nil, err
	}
	roots = make([]models.Node, 0, len(d.roots))
	for _, e := range d.roots {
		roots = append(roots, e.Node(""))
	}
	return roots, nodes, children, nil
}

func (d *Dataset) chainLocked(id string) ([]models.Node, [][]models.Node, error) {
	chain := d.idx.chain(id)
	if chain == nil {
		return nil, nil, models.NotFoundError(id)
	}
	nodes := make([]models.Node, len(chain))
	children := make([][]models.Node, len(chain))
	for i, e := range chain {
		parent := ""
		if i > 0 {
			parent = chain[i-1].ID
		}
		nodes[i] = e.Node(parent)
		if e.Type == models.KindFolder {
			children[i] = childrenOf(e)
		}
	}
	return nodes, children, nil
}

// WalkFunc is called for every entity in pre-order: a node, then its
// sensors, then its children. ancestors runs from a root to the entity's
// parent (the owning node, for sensors). Returning false stops the walk.
// Callers must not retain or modify the entities.
type WalkFunc func(ancestors []*Entity, e *Entity) bool

// Walk traverses the forest under a read lock.
func (d *Dataset) Walk(fn WalkFunc) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	walk(d.roots, nil, fn)
}

// Rename changes the display name of a node or sensor.
func (d *Dataset) Rename(ctx context.Context, id, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.idx.byID[id]
	if !ok {
		return models.NotFoundError(id)
	}
	if d.persister != nil {
		if err := d.persister.Rename(ctx, id, name); err != nil {
			return fmt.Errorf("persist rename of %s: %w", id, err)
		}
	}
	e.Name = name
	metrics.RecordRename()
	return nil
}

// Node converts e to its wire form. Folders carry their sensors.
func (e *Entity) Node(parentID string) models.Node {
	n := models.Node{
		ID:          e.ID,
		Name:        e.Name,
		Type:        e.Type,
		ParentID:    parentID,
		HasChildren: e.HasChildren(),
		Metadata:    e.Metadata.Clone(),
	}
	if e.Type == models.KindFolder {
		n.Sensors = make([]models.Node, 0, len(e.Sensors))
		for _, s := range e.Sensors {
			n.Sensors = append(n.Sensors, s.Node(e.ID))
		}
	}
	return n
}

func childrenOf(e *Entity) []models.Node {
	out := make([]models.Node, 0, len(e.Children)+len(e.Sensors))
	for _, c := range e.Children {
		out = append(out, c.Node(e.ID))
	}
	for _, s := range e.Sensors {
		out = append(out, s.Node(e.ID))
	}
	return out
}
