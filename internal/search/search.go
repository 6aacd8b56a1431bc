package search

import (
	"context"
	"strings"

	"blocksync/internal/surface"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Revision   string `json:"revision"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push scripts into a search index.
type Indexer interface {
	IndexScript(rec ScriptRecord) error
	IndexScripts(recs []ScriptRecord) error
	DeleteScript(documentID string) error
}

// ScriptRecord is the data we index for a document head.
type ScriptRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Revision   string   `json:"revision"`
	BlockTypes []string `json:"blockTypes"`
	Text       string   `json:"text"`
}

// NewScriptRecord extracts the searchable parts of a script: its block types
// and the literal values of its fields. Unparsable scripts index by title
// only.
func NewScriptRecord(documentID, title, revision, scriptText string) ScriptRecord {
	rec := ScriptRecord{ID: documentID, Title: title, Revision: revision, BlockTypes: []string{}}
	root, err := surface.Parse(scriptText)
	if err != nil {
		return rec
	}

	seen := make(map[string]struct{})
	var words []string
	root.Walk(func(n *surface.Node) bool {
		if n.IsBlock() {
			if _, ok := seen[n.Type()]; !ok && n.Type() != "" {
				seen[n.Type()] = struct{}{}
				rec.BlockTypes = append(rec.BlockTypes, n.Type())
			}
		}
		if n.Name == "field" {
			if text := strings.TrimSpace(n.Text); text != "" {
				words = append(words, text)
			}
		}
		return true
	})
	rec.Text = strings.Join(words, " ")
	return rec
}
