// Package reveal computes the ancestor chain and sibling lists a client
// needs to expand the tree down to one node.
package reveal

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/internal/metrics"
	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/protocol"
)

// Service answers reveal-path requests against a dataset.
type Service struct {
	data *dataset.Dataset
}

// New creates a reveal service over d.
func New(d *dataset.Dataset) *Service {
	return &Service{data: d}
}

// RevealPath returns the chain from a root to id, inclusive, and the full
// children listing of the root level and of every folder on the chain.
// Folders with nothing under them still get an (empty) entry so the client
// knows they are loaded.
func (s *Service) RevealPath(ctx context.Context, id string) (*protocol.PathDTO, error) {
	if !models.ValidID(id) {
		return nil, &models.ValidationError{Field: "id", Message: "Invalid node ID format."}
	}

	roots, nodes, children, err := s.data.RevealChain(id)
	if err != nil {
		metrics.RecordReveal(!errors.Is(err, models.ErrNotFound))
		return nil, fmt.Errorf("reveal %s: %w", id, err)
	}

	dto := &protocol.PathDTO{
		Path:        nodes,
		ChildrenMap: make(map[string][]models.Node, len(nodes)+1),
	}
	dto.ChildrenMap[protocol.RootKey] = roots
	for i, n := range nodes {
		if n.Type == models.KindFolder {
			dto.ChildrenMap[n.ID] = children[i]
		}
	}

	metrics.RecordReveal(true)
	logging.WithContext(ctx).Debug("reveal path computed",
		zap.String("id", id),
		zap.Int("depth", len(nodes)),
		zap.Int("lists", len(dto.ChildrenMap)))
	return dto, nil
}
