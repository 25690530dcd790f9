package treestore

import "github.com/sensortree/sensortree/pkg/models"

// Node returns a copy of the node with the given id.
func (s *Store) Node(id string) (models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return models.Node{}, false
	}
	return n.Clone(), true
}

// Children resolves parentID's children list. The boolean is false when
// the list has never been fetched.
func (s *Store) Children(parentID string) ([]models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs, ok := s.children[parentID]
	if !ok {
		return nil, false
	}
	return s.resolveLocked(refs), true
}

// Roots returns the loaded root level.
func (s *Store) Roots() []models.Node {
	nodes, _ := s.Children(RootID)
	return nodes
}

func (s *Store) resolveLocked(refs []ChildRef) []models.Node {
	out := make([]models.Node, 0, len(refs))
	for _, ref := range refs {
		if n, ok := s.nodes[ref.ID]; ok {
			out = append(out, n.Clone())
		}
	}
	return out
}

// IsLoaded reports whether parentID's children were fetched successfully.
func (s *Store) IsLoaded(parentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.children[parentID]
	return ok && !s.failed[parentID]
}

// IsOpen reports whether id is expanded.
func (s *Store) IsOpen(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open[id]
}

// Highlight returns the highlighted node id, or "".
func (s *Store) Highlight() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highlight
}

// ClearHighlight removes the highlight marker.
func (s *Store) ClearHighlight() {
	s.mu.Lock()
	cleared := s.highlight != ""
	s.highlight = ""
	s.mu.Unlock()
	if cleared {
		s.changed()
	}
}

// TakeScrollTarget returns the pending scroll target and clears it.
func (s *Store) TakeScrollTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.scrollTarget
	s.scrollTarget = ""
	return id
}

// VisibleNode is one row of the flattened tree.
type VisibleNode struct {
	Node  models.Node
	Depth int
	Open  bool
}

// Visible flattens the loaded tree in display order, descending only into
// open folders.
func (s *Store) Visible() []VisibleNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VisibleNode
	var walk func(parentID string, depth int)
	walk = func(parentID string, depth int) {
		for _, ref := range s.children[parentID] {
			n, ok := s.nodes[ref.ID]
			if !ok {
				continue
			}
			isOpen := s.open[ref.ID]
			out = append(out, VisibleNode{Node: n.Clone(), Depth: depth, Open: isOpen})
			if isOpen {
				walk(ref.ID, depth+1)
			}
		}
	}
	walk(RootID, 0)
	return out
}

// Snapshot is a deep copy of the store's state.
type Snapshot struct {
	Nodes        map[string]models.Node
	Children     map[string][]ChildRef
	Open         map[string]bool
	Failed       map[string]bool
	Highlight    string
	ScrollTarget string
}

// Snapshot copies the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Nodes:        make(map[string]models.Node, len(s.nodes)),
		Children:     make(map[string][]ChildRef, len(s.children)),
		Open:         make(map[string]bool, len(s.open)),
		Failed:       make(map[string]bool, len(s.failed)),
		Highlight:    s.highlight,
		ScrollTarget: s.scrollTarget,
	}
	for id, n := range s.nodes {
		snap.Nodes[id] = n.Clone()
	}
	for id, refs := range s.children {
		snap.Children[id] = append([]ChildRef{}, refs...)
	}
	for id, v := range s.open {
		snap.Open[id] = v
	}
	for id, v := range s.failed {
		snap.Failed[id] = v
	}
	return snap
}
