// Package search scans the dataset for nodes and sensors whose name or
// metadata contains a query.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/internal/metrics"
	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/protocol"
)

// Validation messages returned for rejected queries.
const (
	MsgEmptyQuery   = "Search query cannot be empty."
	MsgQueryTooLong = "Search query cannot exceed 100 characters."
)

// Service answers search queries against a dataset.
type Service struct {
	data *dataset.Dataset
}

// New creates a search service over d.
func New(d *dataset.Dataset) *Service {
	return &Service{data: d}
}

// Validate checks a raw query.
func Validate(query string) error {
	if strings.TrimSpace(query) == "" {
		return &models.ValidationError{Field: "query", Message: MsgEmptyQuery}
	}
	if utf8.RuneCountInString(query) > protocol.MaxQueryLength {
		return &models.ValidationError{Field: "query", Message: MsgQueryTooLong}
	}
	return nil
}

// Search returns every match in pre-order: a node, then its sensors, then
// its children. A node's path ends with the node itself; a sensor's path
// ends with the node that owns it.
func (s *Service) Search(ctx context.Context, query string) ([]protocol.SearchResult, error) {
	if err := Validate(query); err != nil {
		return nil, err
	}
	start := time.Now()

	// Casers are stateful; one per call.
	fold := cases.Fold()
	needle := fold.String(query)
	matches := func(e *dataset.Entity) bool {
		if strings.Contains(fold.String(e.Name), needle) {
			return true
		}
		for _, v := range e.Metadata.Strings() {
			if strings.Contains(fold.String(v), needle) {
				return true
			}
		}
		return false
	}

	results := []protocol.SearchResult{}
	var walkErr error
	s.data.Walk(func(ancestors []*dataset.Entity, e *dataset.Entity) bool {
		if err := ctx.Err(); err != nil {
			walkErr = err
			return false
		}
		if !matches(e) {
			return true
		}

		var path []protocol.PathElement
		if e.Type == models.KindSensor {
			path = pathOf(ancestors, nil)
		} else {
			path = pathOf(ancestors, e)
		}
		parentID := ""
		if len(ancestors) > 0 {
			parentID = ancestors[len(ancestors)-1].ID
		}
		results = append(results, protocol.SearchResult{Path: path, Item: e.Node(parentID)})
		return true
	})
	if walkErr != nil {
		return nil, fmt.Errorf("search %q: %w", query, walkErr)
	}

	metrics.RecordSearch(time.Since(start), len(results))
	logging.WithContext(ctx).Debug("search completed",
		zap.String("query", query),
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)))
	return results, nil
}

func pathOf(ancestors []*dataset.Entity, self *dataset.Entity) []protocol.PathElement {
	path := make([]protocol.PathElement, 0, len(ancestors)+1)
	for _, a := range ancestors {
		path = append(path, protocol.PathElement{ID: a.ID, Name: a.Name, Type: a.Type})
	}
	if self != nil {
		path = append(path, protocol.PathElement{ID: self.ID, Name: self.Name, Type: self.Type})
	}
	return path
}
