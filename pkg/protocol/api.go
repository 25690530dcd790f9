// Package protocol defines the API request/response types.
package protocol

import (
	"github.com/sensortree/sensortree/pkg/models"
)

// RootKey is the childrenMap key under which the root level is listed.
const RootKey = "null"

// MaxQueryLength is the longest accepted search query, in characters.
const MaxQueryLength = 100

// SearchRequest is the body for POST /api/search.
type SearchRequest struct {
	Query string `json:"query"`
}

// PathElement is one ancestor in a search result path.
type PathElement struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type models.Kind `json:"type"`
}

// SearchResult is one match returned by POST /api/search.
type SearchResult struct {
	Path []PathElement `json:"path"`
	Item models.Node   `json:"item"`
}

// PathDTO is returned by GET /api/nodes/reveal-path/{id}.
type PathDTO struct {
	Path        []models.Node            `json:"path"`
	ChildrenMap map[string][]models.Node `json:"childrenMap"`
}

// NodeUpdate is a single rename pushed over the live channel.
type NodeUpdate struct {
	ID      string `json:"id"`
	NewName string `json:"newName"`
}

// MessageTypeBatch tags a batch of node updates.
const MessageTypeBatch = "NODE_UPDATES_BATCH"

// BatchMessage is the frame the server pushes on its broadcast interval.
type BatchMessage struct {
	Type    string       `json:"type"`
	Payload []NodeUpdate `json:"payload"`
}

// Error codes carried in ErrorResponse.ErrorCode.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeEntityNotFound   = "ENTITY_NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      int               `json:"code"`
	ErrorCode string            `json:"errorCode,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
