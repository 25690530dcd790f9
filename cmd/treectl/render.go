package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/sensortree/sensortree/pkg/controller"
	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/protocol"
	"github.com/sensortree/sensortree/pkg/treestore"
)

// textRenderer prints the visible part of a store as an indented list.
type textRenderer struct {
	out   io.Writer
	store *treestore.Store
}

// ScrollToID prints the tree with the row for id marked. It fails with
// controller.ErrNotRendered if the row is hidden under a closed folder.
func (r *textRenderer) ScrollToID(id string) error {
	rows := r.store.Visible()
	for _, row := range rows {
		if row.Node.ID == id {
			writeRows(r.out, rows, r.store.Highlight())
			return nil
		}
	}
	return controller.ErrNotRendered
}

func writeRows(w io.Writer, rows []treestore.VisibleNode, highlight string) {
	for _, row := range rows {
		marker := "  "
		if row.Node.ID == highlight {
			marker = "> "
		}
		fmt.Fprintf(w, "%s%s%s %s (%s)\n",
			marker, strings.Repeat("  ", row.Depth), glyph(row), row.Node.Name, row.Node.ID)
	}
}

func glyph(row treestore.VisibleNode) string {
	switch row.Node.Type {
	case models.KindFolder:
		if !row.Node.HasChildren {
			return "[ ]"
		}
		if row.Open {
			return "[-]"
		}
		return "[+]"
	case models.KindSensor:
		return " ~ "
	}
	return " - "
}

func writeNodes(w io.Writer, nodes []models.Node) {
	if len(nodes) == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	for _, n := range nodes {
		suffix := ""
		if n.HasChildren {
			suffix = "/"
		}
		fmt.Fprintf(w, "%-8s %-24s %s%s\n", n.Type, n.ID, n.Name, suffix)
	}
}

// breadcrumb joins a search result path. Node matches already end with
// the item; sensor matches end with the owning node.
func breadcrumb(path []protocol.PathElement, item models.Node) string {
	parts := make([]string, 0, len(path)+1)
	for _, p := range path {
		parts = append(parts, p.Name)
	}
	if len(path) == 0 || path[len(path)-1].ID != item.ID {
		parts = append(parts, item.Name)
	}
	return strings.Join(parts, " / ")
}
