package dataset

import (
	"fmt"

	"github.com/sensortree/sensortree/pkg/models"
)

// index maps every id to its entity and its owner.
type index struct {
	byID   map[string]*Entity
	parent map[string]*Entity // nil for roots
}

func buildIndex(roots []*Entity) (*index, error) {
	idx := &index{
		byID:   make(map[string]*Entity),
		parent: make(map[string]*Entity),
	}
	if err := idx.add(roots, nil); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *index) add(entities []*Entity, owner *Entity) error {
	for _, e := range entities {
		if err := validate(e, owner); err != nil {
			return err
		}
		if _, dup := idx.byID[e.ID]; dup {
			return fmt.Errorf("duplicate id %q", e.ID)
		}
		idx.byID[e.ID] = e
		idx.parent[e.ID] = owner

		for _, s := range e.Sensors {
			if s.Type != models.KindSensor {
				return fmt.Errorf("%s: sensor %q has type %q", e.ID, s.ID, s.Type)
			}
		}
		if err := idx.add(e.Sensors, e); err != nil {
			return err
		}
		if err := idx.add(e.Children, e); err != nil {
			return err
		}
	}
	return nil
}

func validate(e *Entity, owner *Entity) error {
	if e == nil {
		return fmt.Errorf("nil entity under %v", ownerID(owner))
	}
	if !models.ValidID(e.ID) {
		return fmt.Errorf("invalid id %q", e.ID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%s: unknown type %q", e.ID, e.Type)
	}
	if e.Type.IsLeaf() && (len(e.Children) > 0 || len(e.Sensors) > 0) {
		return fmt.Errorf("%s: %s cannot have children or sensors", e.ID, e.Type)
	}
	if e.Type == models.KindSensor && owner == nil {
		return fmt.Errorf("%s: sensor at root level", e.ID)
	}
	if err := e.Metadata.Validate(); err != nil {
		return fmt.Errorf("%s: %w", e.ID, err)
	}
	return nil
}

func ownerID(owner *Entity) string {
	if owner == nil {
		return "root"
	}
	return owner.ID
}

func (idx *index) parentID(id string) string {
	if p := idx.parent[id]; p != nil {
		return p.ID
	}
	return ""
}

// chain returns the entities from a root to id, inclusive, or nil.
func (idx *index) chain(id string) []*Entity {
	e, ok := idx.byID[id]
	if !ok {
		return nil
	}
	var rev []*Entity
	for cur := e; cur != nil; cur = idx.parent[cur.ID] {
		rev = append(rev, cur)
	}
	out := make([]*Entity, len(rev))
	for i, c := range rev {
		out[len(rev)-1-i] = c
	}
	return out
}

// walk visits entities in pre-order: self, sensors, children.
func walk(entities []*Entity, ancestors []*Entity, fn WalkFunc) bool {
	for _, e := range entities {
		if !fn(ancestors, e) {
			return false
		}
		path := append(ancestors[:len(ancestors):len(ancestors)], e)
		for _, s := range e.Sensors {
			if !fn(path, s) {
				return false
			}
		}
		if !walk(e.Children, path, fn) {
			return false
		}
	}
	return true
}

// FindByID finds an entity by id in a forest (recursive).
func FindByID(roots []*Entity, id string) *Entity {
	for _, e := range roots {
		if e.ID == id {
			return e
		}
		for _, s := range e.Sensors {
			if s.ID == id {
				return s
			}
		}
		if found := FindByID(e.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// CountEntities counts nodes and sensors in a forest.
func CountEntities(roots []*Entity) int {
	count := 0
	for _, e := range roots {
		count += 1 + len(e.Sensors) + CountEntities(e.Children)
	}
	return count
}
