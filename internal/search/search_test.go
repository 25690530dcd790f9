package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/protocol"
)

func pathIDs(path []protocol.PathElement) string {
	ids := make([]string, len(path))
	for i, p := range path {
		ids[i] = p.ID
	}
	return strings.Join(ids, ",")
}

func TestSensorMatchUsesOwnerPath(t *testing.T) {
	svc := New(dataset.Sample())

	results, err := svc.Search(context.Background(), "Assembly")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Item.ID != "sensor-1-1" || r.Item.Type != models.KindSensor {
		t.Errorf("unexpected item %+v", r.Item)
	}
	if got := pathIDs(r.Path); got != "node-1,node-1-1" {
		t.Errorf("path = %s, want node-1,node-1-1", got)
	}
}

func TestNodeMatchIncludesSelf(t *testing.T) {
	svc := New(dataset.Sample())

	results, err := svc.Search(context.Background(), "warehouse")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if got := pathIDs(results[0].Path); got != "node-2,node-2-1" {
		t.Errorf("path = %s", got)
	}
	if !results[0].Item.HasChildren {
		t.Error("warehouse should report children")
	}
}

func TestMatchesMetadataCaseInsensitively(t *testing.T) {
	svc := New(dataset.Sample())

	results, err := svc.Search(context.Background(), "emea")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// node-1 by name and by its region metadata, once.
	if len(results) != 1 || results[0].Item.ID != "node-1" {
		t.Errorf("unexpected results %+v", results)
	}

	results, err = svc.Search(context.Background(), "WIDGET")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var got []string
	for _, r := range results {
		got = append(got, r.Item.ID)
	}
	if strings.Join(got, ",") != "node-1-1-1,node-1-1-2" {
		t.Errorf("widget matches = %v", got)
	}
}

func TestResultsFollowTraversalOrder(t *testing.T) {
	folder := func(id string, sensors, children []*dataset.Entity) *dataset.Entity {
		return &dataset.Entity{ID: id, Name: "item " + id, Type: models.KindFolder, Sensors: sensors, Children: children}
	}
	leaf := func(id string, kind models.Kind) *dataset.Entity {
		return &dataset.Entity{ID: id, Name: "item " + id, Type: kind}
	}
	d, err := dataset.New([]*dataset.Entity{
		folder("a", []*dataset.Entity{leaf("sa", models.KindSensor)}, []*dataset.Entity{
			folder("b", []*dataset.Entity{leaf("sb", models.KindSensor)}, []*dataset.Entity{leaf("c", models.KindFile)}),
			leaf("d", models.KindFile),
		}),
		folder("e", nil, nil),
	})
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}

	results, err := New(d).Search(context.Background(), "ITEM")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var got []string
	for _, r := range results {
		got = append(got, r.Item.ID+":"+pathIDs(r.Path))
	}
	want := []string{"a:a", "sa:a", "b:a,b", "sb:a,b", "c:a,b,c", "d:a,d", "e:e"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("order:\n got %v\nwant %v", got, want)
	}
}

func TestNoMatches(t *testing.T) {
	svc := New(dataset.Sample())
	results, err := svc.Search(context.Background(), "zzz-no-such-thing")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", results)
	}
}

func TestValidate(t *testing.T) {
	svc := New(dataset.Sample())
	tests := []struct {
		query string
		msg   string
	}{
		{"", MsgEmptyQuery},
		{"   ", MsgEmptyQuery},
		{strings.Repeat("x", 101), MsgQueryTooLong},
	}
	for _, tt := range tests {
		_, err := svc.Search(context.Background(), tt.query)
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("query %q: expected validation error, got %v", tt.query, err)
			continue
		}
		if verr.Message != tt.msg || !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("query %q: got %v", tt.query, err)
		}
	}
	if err := Validate(strings.Repeat("ü", 100)); err != nil {
		t.Errorf("100 runes should be accepted: %v", err)
	}
}

func TestSearchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(dataset.Sample()).Search(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// genForest draws a small random forest with unique ids.
func genForest(t *rapid.T) []*dataset.Entity {
	next := 0
	var gen func(depth, min int) []*dataset.Entity
	gen = func(depth, min int) []*dataset.Entity {
		n := rapid.IntRange(min, 3).Draw(t, fmt.Sprintf("width-%d", depth))
		out := make([]*dataset.Entity, 0, n)
		for i := 0; i < n; i++ {
			next++
			e := &dataset.Entity{
				ID:   fmt.Sprintf("n-%d", next),
				Name: rapid.StringMatching(`[A-Za-z ]{1,12}`).Draw(t, "name"),
				Type: models.KindFolder,
				Metadata: models.Metadata{
					"tag": rapid.StringMatching(`[a-z0-9]{1,10}`).Draw(t, "tag"),
				},
			}
			for j := rapid.IntRange(0, 2).Draw(t, "sensors"); j > 0; j-- {
				next++
				e.Sensors = append(e.Sensors, &dataset.Entity{
					ID:       fmt.Sprintf("s-%d", next),
					Name:     rapid.StringMatching(`[A-Za-z ]{1,12}`).Draw(t, "sensor-name"),
					Type:     models.KindSensor,
					Metadata: models.Metadata{"tag": rapid.StringMatching(`[a-z0-9]{1,10}`).Draw(t, "sensor-tag")},
				})
			}
			if depth < 3 {
				e.Children = gen(depth+1, 0)
			}
			out = append(out, e)
		}
		return out
	}
	return gen(0, 1)
}

func TestSearchFindsExactMetadataValue(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roots := genForest(t)
		d, err := dataset.New(roots)
		if err != nil {
			t.Fatalf("dataset.New: %v", err)
		}

		var all []*dataset.Entity
		d.Walk(func(_ []*dataset.Entity, e *dataset.Entity) bool {
			all = append(all, e)
			return true
		})
		target := rapid.SampledFrom(all).Draw(t, "target")
		query := target.Metadata["tag"].(string)

		results, err := New(d).Search(context.Background(), query)
		if err != nil {
			t.Fatalf("Search(%q): %v", query, err)
		}
		found := false
		for _, r := range results {
			if r.Item.ID == target.ID {
				found = true
			}
			if r.Item.Type != models.KindSensor {
				if len(r.Path) == 0 || r.Path[len(r.Path)-1].ID != r.Item.ID {
					t.Fatalf("node result %s path does not end with itself: %v", r.Item.ID, r.Path)
				}
			} else if len(r.Path) == 0 || r.Path[len(r.Path)-1].ID != r.Item.ParentID {
				t.Fatalf("sensor result %s path does not end with its owner: %v", r.Item.ID, r.Path)
			}
		}
		if !found {
			t.Fatalf("search for %q missed %s", query, target.ID)
		}
	})
}
