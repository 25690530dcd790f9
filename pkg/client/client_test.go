package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/retry"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL,
		RetryConfig: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestRootsAndChildren(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/nodes/root", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `[{"id":"node-1","name":"Building A","type":"folder","hasChildren":true}]`)
	})
	mux.HandleFunc("GET /api/nodes/node-1/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `[{"id":"node-2","name":"Floor 1","type":"folder","hasChildren":false}]`)
	})
	mux.HandleFunc("GET /api/nodes/ghost/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `[]`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	roots, err := c.FetchChildren(ctx, "")
	if err != nil {
		t.Fatalf("Roots: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != "node-1" || roots[0].Type != models.KindFolder {
		t.Errorf("unexpected roots: %+v", roots)
	}

	children, err := c.FetchChildren(ctx, "node-1")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 || children[0].ID != "node-2" {
		t.Errorf("unexpected children: %+v", children)
	}

	empty, err := c.Children(ctx, "ghost")
	if err != nil {
		t.Fatalf("Children(ghost): %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", empty)
	}
}

func TestSearchSendsQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/search", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"query":"floor"}` {
			t.Errorf("unexpected body %s", body)
		}
		writeJSON(w, 200, `[{"path":[{"id":"node-1","name":"Building A","type":"folder"}],"item":{"id":"node-1","name":"Building A","type":"folder","hasChildren":true}}]`)
	})
	c := newTestClient(t, mux)

	results, err := c.Search(context.Background(), "floor")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != "node-1" || len(results[0].Path) != 1 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestErrorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, `{"error":"Validation failed","code":400,"errorCode":"VALIDATION_FAILED","details":{"query":"Search query cannot be empty."}}`)
	})
	mux.HandleFunc("GET /api/nodes/reveal-path/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, `{"error":"Node not found","code":404,"errorCode":"ENTITY_NOT_FOUND"}`)
	})
	mux.HandleFunc("GET /api/nodes/reveal-path/teapot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTeapot, `{}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.Search(ctx, " ")
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Field != "query" {
		t.Fatalf("expected validation error on query, got %v", err)
	}
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}

	if _, err := c.RevealPath(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.RevealPath(ctx, "teapot"); !errors.Is(err, models.ErrApplication) {
		t.Errorf("expected ErrApplication, got %v", err)
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/nodes/reveal-path/node-3", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, 503, `{"error":"busy","code":503}`)
			return
		}
		writeJSON(w, 200, `{"path":[{"id":"node-3","name":"Room 101","type":"folder","hasChildren":true}],"childrenMap":{"null":[]}}`)
	})
	c := newTestClient(t, mux)

	dto, err := c.RevealPath(context.Background(), "node-3")
	if err != nil {
		t.Fatalf("RevealPath: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if len(dto.Path) != 1 || dto.Path[0].ID != "node-3" {
		t.Errorf("unexpected path: %+v", dto.Path)
	}
	if !c.IsOnline() {
		t.Error("expected client online after success")
	}
}

func TestTransportErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Config{BaseURL: base, RetryConfig: retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond}})
	_, err := c.Roots(context.Background())
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if c.IsOnline() {
		t.Error("expected client offline")
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://tree.example.com/", "wss://tree.example.com/ws"},
		{"http://host/base", "ws://host/base/ws"},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.in)
		if err != nil {
			t.Fatalf("WebSocketURL(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := WebSocketURL("ftp://x"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}
