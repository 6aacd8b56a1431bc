package export

import (
	"fmt"
	"html"
	"strings"

	"blocksync/internal/surface"
)

// Listing summarizes a rendered script.
type Listing struct {
	HTML       string
	BlockCount int
	BlockTypes []string
}

// RenderBlocks renders a block script as nested HTML lists: one item per
// block, its fields inline, its value and statement inputs as sub-lists and
// its next block as the following sibling.
func RenderBlocks(scriptText string) (Listing, error) {
	if strings.TrimSpace(scriptText) == "" {
		scriptText = surface.EmptyScript
	}
	root, err := surface.Parse(scriptText)
	if err != nil {
		return Listing{}, fmt.Errorf("parse script: %w", err)
	}

	r := &renderer{seen: make(map[string]struct{})}
	r.b.WriteString("<ul class=\"script\">\n")
	for _, child := range root.Children {
		if child.IsBlock() {
			r.chain(child, 1)
		}
	}
	r.b.WriteString("</ul>\n")
	return Listing{HTML: r.b.String(), BlockCount: r.count, BlockTypes: r.types}, nil
}

type renderer struct {
	b     strings.Builder
	count int
	types []string
	seen  map[string]struct{}
}

// chain renders block and every block linked through <next>.
func (r *renderer) chain(block *surface.Node, depth int) {
	for block != nil {
		r.block(block, depth)
		block = nextBlock(block)
	}
}

func (r *renderer) block(block *surface.Node, depth int) {
	r.count++
	typ := block.Type()
	if _, ok := r.seen[typ]; !ok {
		r.seen[typ] = struct{}{}
		r.types = append(r.types, typ)
	}

	indent := strings.Repeat("  ", depth)
	class := "block"
	if block.Name == "shadow" {
		class = "block shadow"
	}
	fmt.Fprintf(&r.b, "%s<li class=\"%s\"><span class=\"type\">%s</span>", indent, class, html.EscapeString(typ))
	for _, child := range block.Children {
		if child.Name == "field" {
			fmt.Fprintf(&r.b, " <span class=\"field\">%s: <code>%s</code></span>",
				html.EscapeString(child.Attr("name")), html.EscapeString(child.Text))
		}
	}

	var inputs []*surface.Node
	for _, child := range block.Children {
		if child.Name == "value" || child.Name == "statement" {
			inputs = append(inputs, child)
		}
	}
	if len(inputs) > 0 {
		r.b.WriteString("\n")
		for _, input := range inputs {
			fmt.Fprintf(&r.b, "%s  <div class=\"input %s\"><span class=\"name\">%s</span>\n%s  <ul>\n",
				indent, input.Name, html.EscapeString(input.Attr("name")), indent)
			for _, inner := range input.Children {
				if inner.IsBlock() {
					r.chain(inner, depth+2)
				}
			}
			fmt.Fprintf(&r.b, "%s  </ul></div>\n", indent)
		}
		r.b.WriteString(indent)
	}
	r.b.WriteString("</li>\n")
}

func nextBlock(block *surface.Node) *surface.Node {
	for _, child := range block.Children {
		if child.Name != "next" {
			continue
		}
		for _, inner := range child.Children {
			if inner.IsBlock() {
				return inner
			}
		}
	}
	return nil
}
