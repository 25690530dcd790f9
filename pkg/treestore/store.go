// Package treestore holds the client's partially loaded view of the tree:
// nodes by id, children lists by parent, and which folders are open.
package treestore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/protocol"
)

// RootID is the parent key of the root level.
const RootID = ""

// Source lists children and computes reveal paths. *client.Client
// implements it.
type Source interface {
	// FetchChildren lists parentID's children; RootID lists the roots.
	FetchChildren(ctx context.Context, parentID string) ([]models.Node, error)
	RevealPath(ctx context.Context, id string) (*protocol.PathDTO, error)
}

// ChildRef is one entry of a children list.
type ChildRef struct {
	ID   string
	Type models.Kind
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCoalescing makes concurrent fetches of the same parent share one
// request. Without it every caller fetches and the last merge wins.
func WithCoalescing() Option {
	return func(s *Store) { s.coalesce = true }
}

// WithOnChange registers fn to run after every state change. It is called
// without the store's lock held.
func WithOnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithRefreshLimit caps concurrent fetches during RefreshExpandedNodes.
func WithRefreshLimit(n int) Option {
	return func(s *Store) { s.refreshLimit = n }
}

// Store is safe for concurrent use. Network calls run outside the lock and
// each merge applies atomically.
type Store struct {
	src          Source
	logger       *zap.Logger
	coalesce     bool
	onChange     func()
	refreshLimit int
	group        singleflight.Group

	mu           sync.RWMutex
	nodes        map[string]*models.Node
	children     map[string][]ChildRef
	open         map[string]bool
	failed       map[string]bool
	highlight    string
	scrollTarget string
}

// New creates an empty store backed by src.
func New(src Source, opts ...Option) *Store {
	s := &Store{
		src:      src,
		logger:   zap.NewNop(),
		nodes:    make(map[string]*models.Node),
		children: make(map[string][]ChildRef),
		open:     make(map[string]bool),
		failed:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchChildren loads parentID's children unless they are already loaded
// and force is false. A failed fetch leaves an empty list behind and the
// parent is fetched again on the next call.
func (s *Store) FetchChildren(ctx context.Context, parentID string, force bool) error {
	if !force && s.IsLoaded(parentID) {
		return nil
	}

	nodes, err := s.fetch(ctx, parentID)
	if err != nil {
		s.mu.Lock()
		s.children[parentID] = []ChildRef{}
		s.failed[parentID] = true
		s.mu.Unlock()
		s.changed()
		s.logger.Warn("fetch children failed", zap.String("parent", label(parentID)), zap.Error(err))
		return fmt.Errorf("fetch children of %s: %w", label(parentID), err)
	}

	s.mu.Lock()
	s.mergeLocked(parentID, nodes)
	s.mu.Unlock()
	s.changed()
	s.logger.Debug("children merged", zap.String("parent", label(parentID)), zap.Int("count", len(nodes)))
	return nil
}

func (s *Store) fetch(ctx context.Context, parentID string) ([]models.Node, error) {
	if !s.coalesce {
		return s.src.FetchChildren(ctx, parentID)
	}
	// The shared fetch outlives any single caller; each caller stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(parentID, func() (any, error) {
		return s.src.FetchChildren(shared, parentID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("fetch coalesced", zap.String("parent", label(parentID)))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]models.Node), nil
	}
}

// mergeLocked upserts nodes and replaces parentID's children list wholesale.
func (s *Store) mergeLocked(parentID string, nodes []models.Node) {
	refs := make([]ChildRef, 0, len(nodes))
	for _, n := range nodes {
		s.upsertLocked(n)
		refs = append(refs, ChildRef{ID: n.ID, Type: n.Type})
	}
	s.children[parentID] = refs
	delete(s.failed, parentID)
}

// upsertLocked updates a known node in place so existing pointers see the
// new fields.
func (s *Store) upsertLocked(n models.Node) {
	c := n.Clone()
	if existing, ok := s.nodes[n.ID]; ok {
		*existing = c
		return
	}
	s.nodes[n.ID] = &c
}

// RevealPath loads every children list along the chain to targetID, opens
// each folder on it and marks targetID as the scroll and highlight target.
// On error the store is left untouched.
func (s *Store) RevealPath(ctx context.Context, targetID string) error {
	dto, err := s.src.RevealPath(ctx, targetID)
	if err != nil {
		return fmt.Errorf("reveal %s: %w", targetID, err)
	}

	s.mu.Lock()
	for key, list := range dto.ChildrenMap {
		parent := key
		if key == protocol.RootKey {
			parent = RootID
		}
		s.mergeLocked(parent, list)
	}
	opened := 0
	for _, n := range dto.Path {
		if !n.HasChildren {
			continue
		}
		if _, loaded := s.children[n.ID]; !loaded {
			s.logger.Warn("reveal path omitted children list", zap.String("id", n.ID))
			continue
		}
		s.open[n.ID] = true
		opened++
	}
	s.scrollTarget = targetID
	s.highlight = targetID
	s.mu.Unlock()

	s.changed()
	s.logger.Debug("path revealed",
		zap.String("target", targetID),
		zap.Int("lists", len(dto.ChildrenMap)),
		zap.Int("opened", opened))
	return nil
}

// ApplyExternalUpdate renames known nodes and ignores the rest. It returns
// how many updates applied.
func (s *Store) ApplyExternalUpdate(batch []protocol.NodeUpdate) int {
	applied := 0
	s.mu.Lock()
	for _, u := range batch {
		if n, ok := s.nodes[u.ID]; ok {
			n.Name = u.NewName
			applied++
		}
	}
	s.mu.Unlock()

	if applied > 0 {
		s.changed()
	}
	s.logger.Debug("external update applied", zap.Int("batch", len(batch)), zap.Int("applied", applied))
	return applied
}

// RefreshExpandedNodes force-fetches the root level and every open node
// concurrently. A failed fetch does not stop the others; the ids that
// failed are returned. The error is non-nil only if ctx ended.
func (s *Store) RefreshExpandedNodes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	parents := make([]string, 0, len(s.open)+1)
	parents = append(parents, RootID)
	for id, isOpen := range s.open {
		if isOpen {
			parents = append(parents, id)
		}
	}
	s.mu.RUnlock()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	if s.refreshLimit > 0 {
		g.SetLimit(s.refreshLimit)
	}
	for _, id := range parents {
		g.Go(func() error {
			if err := s.FetchChildren(ctx, id, true); err != nil {
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	s.logger.Info("expanded nodes refreshed", zap.Int("parents", len(parents)), zap.Int("failed", len(failed)))
	return failed, ctx.Err()
}

// Expand loads id's children if needed and opens it. The folder stays
// closed if the fetch fails. Known leaves are left alone.
func (s *Store) Expand(ctx context.Context, id string) error {
	if n, ok := s.Node(id); ok && n.Type.IsLeaf() {
		return nil
	}
	if err := s.FetchChildren(ctx, id, false); err != nil {
		return err
	}
	s.mu.Lock()
	s.open[id] = true
	s.mu.Unlock()
	s.changed()
	return nil
}

// Collapse closes id. Its children stay loaded.
func (s *Store) Collapse(id string) {
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
	s.changed()
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func label(parentID string) string {
	if parentID == RootID {
		return "root"
	}
	return parentID
}
