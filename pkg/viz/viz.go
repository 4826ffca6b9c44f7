// Package viz renders a room's change graph with graphviz.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/bearfit/pkg/document"
	"github.com/astromechza/bearfit/pkg/schema"
)

// Summarize describes a room state in one short line.
func Summarize(snap schema.Snapshot) string {
	name := snap.Event["name"]
	if name == "" {
		name = "(no event)"
	}
	return fmt.Sprintf("%s: %d names, %d marks", name, len(snap.Names), len(snap.Availability))
}

// RenderChanges writes an SVG with one node per change, labelled with its short hash, actor, sequence number,
// commit message and a summary of the room right after it. Edges run from each dependency to its dependent.
func RenderChanges(doc *document.Document, w io.Writer) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	changes, err := doc.Raw().Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		hash := change.Hash().String()
		at, err := doc.At(change.Hash())
		if err != nil {
			return err
		}
		snap, err := at.Snapshot()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", hash, err)
		}

		n, err := graph.CreateNode(hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s\\n%s", hash[:8], shorten(change.ActorID()), change.ActorSeq(), change.Message(), Summarize(snap)))
		nodes[hash] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write svg: %w", err)
	}
	return nil
}

// RenderToFile renders the change graph into path.
func RenderToFile(doc *document.Document, path string) error {
	var buff bytes.Buffer
	if err := RenderChanges(doc, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(path, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func shorten(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}
