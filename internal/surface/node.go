package surface

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Attr is a single attribute. Order is preserved from the source text.
type Attr struct {
	Name  string
	Value string
}

// Node is one element of a block script: the <xml> root, a <block>, or one of
// its <field>, <value>, <statement>, <next> and <mutation> children.
type Node struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Node
}

// Attr returns the value of the named attribute, or "".
func (n *Node) Attr(name string) string {
	for _, attr := range n.Attrs {
		if attr.Name == name {
			return attr.Value
		}
	}
	return ""
}

// Type is the block type for <block> and <shadow> elements.
func (n *Node) Type() string {
	return n.Attr("type")
}

// IsBlock reports whether n is a <block> or <shadow> element.
func (n *Node) IsBlock() bool {
	return n.Name == "block" || n.Name == "shadow"
}

// Walk visits n and its descendants depth first. Returning false stops the
// descent below that node.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Name: n.Name, Text: n.Text}
	if len(n.Attrs) > 0 {
		out.Attrs = append([]Attr(nil), n.Attrs...)
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, child.Clone())
	}
	return out
}

// Parse reads a script into its root element.
func Parse(text string) (*Node, error) {
	decoder := xml.NewDecoder(strings.NewReader(text))
	decoder.Strict = true

	var (
		root  *Node
		stack []*Node
		texts []*strings.Builder
	)
	for {
		token, err := decoder.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse script: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			node := &Node{Name: qualifiedName(t.Name)}
			for _, attr := range t.Attr {
				node.Attrs = append(node.Attrs, Attr{Name: qualifiedName(attr.Name), Value: attr.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("parse script: multiple root elements")
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
			texts = append(texts, &strings.Builder{})
		case xml.EndElement:
			name := qualifiedName(t.Name)
			if len(stack) == 0 || stack[len(stack)-1].Name != name {
				return nil, fmt.Errorf("parse script: unexpected </%s>", name)
			}
			node := stack[len(stack)-1]
			node.Text = normalizeText(node, texts[len(texts)-1].String())
			stack = stack[:len(stack)-1]
			texts = texts[:len(texts)-1]
		case xml.CharData:
			if len(stack) == 0 {
				if strings.TrimSpace(string(t)) != "" {
					return nil, fmt.Errorf("parse script: text outside root element")
				}
				continue
			}
			texts[len(texts)-1].Write(t)
		}
	}

	if len(stack) > 0 {
		return nil, fmt.Errorf("parse script: unclosed <%s>", stack[len(stack)-1].Name)
	}
	if root == nil {
		return nil, fmt.Errorf("parse script: no root element")
	}
	return root, nil
}

// normalizeText drops indentation so that pretty printing is stable.
func normalizeText(node *Node, text string) string {
	if len(node.Children) > 0 {
		return strings.TrimSpace(text)
	}
	if strings.TrimSpace(text) == "" && strings.ContainsAny(text, "\r\n") {
		return ""
	}
	return text
}

func qualifiedName(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return name.Space + ":" + name.Local
}

// Pretty renders the subtree with two-space indentation and no trailing
// newline.
func (n *Node) Pretty() string {
	var b strings.Builder
	n.write(&b, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (n *Node) write(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteString("<")
	b.WriteString(n.Name)
	for _, attr := range n.Attrs {
		b.WriteString(" ")
		b.WriteString(attr.Name)
		b.WriteString(`="`)
		b.WriteString(escape(attr.Value))
		b.WriteString(`"`)
	}
	b.WriteString(">")

	if len(n.Children) == 0 {
		b.WriteString(escape(n.Text))
		b.WriteString("</" + n.Name + ">\n")
		return
	}

	b.WriteString("\n")
	if n.Text != "" {
		b.WriteString(indent + "  " + escape(n.Text) + "\n")
	}
	for _, child := range n.Children {
		child.write(b, depth+1)
	}
	b.WriteString(indent + "</" + n.Name + ">\n")
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
