// Package surface is a headless block workspace: it holds a Blockly-style XML
// script in memory and reports every change to its listeners.
package surface

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// EmptyScript is what an empty workspace serializes to.
const EmptyScript = "<xml></xml>"

// ErrIncompatible marks scripts written by a newer editor: unknown block
// types or an unexpected root. Blocks loaded before the offending one stay.
var ErrIncompatible = errors.New("incompatible script")

type Option func(*Workspace)

// WithBlockTypes restricts the workspace to the given block types. Without it
// every type is accepted.
func WithBlockTypes(types ...string) Option {
	return func(w *Workspace) {
		for _, t := range types {
			w.known[t] = struct{}{}
		}
	}
}

type Workspace struct {
	mu        sync.Mutex
	root      *Node
	known     map[string]struct{}
	listeners []func()
}

func NewWorkspace(opts ...Option) *Workspace {
	w := &Workspace{
		root:  &Node{Name: "xml"},
		known: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnChange registers fn to run after every load or edit. Listeners run on the
// goroutine that made the change, outside the workspace lock.
func (w *Workspace) OnChange(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Load replaces the workspace content with text. Failures leave whatever
// state was reached: empty for unparsable text, the leading compatible blocks
// for ErrIncompatible. A change is reported either way.
func (w *Workspace) Load(text string) error {
	if strings.TrimSpace(text) == "" {
		text = EmptyScript
	}
	err := w.load(text)
	w.changed()
	return err
}

func (w *Workspace) load(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.root = &Node{Name: "xml"}
	parsed, err := Parse(text)
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	if parsed.Name != "xml" {
		return fmt.Errorf("load script: %w: root element <%s>", ErrIncompatible, parsed.Name)
	}

	w.root.Attrs = parsed.Attrs
	w.root.Text = parsed.Text
	for _, child := range parsed.Children {
		if err := w.check(child); err != nil {
			return fmt.Errorf("load script: %w", err)
		}
		w.root.Children = append(w.root.Children, child)
	}
	return nil
}

// Serialize renders the workspace as pretty XML text.
func (w *Workspace) Serialize() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root.Pretty()
}

// Blocks returns copies of the top-level children.
func (w *Workspace) Blocks() []*Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Node, 0, len(w.root.Children))
	for _, child := range w.root.Children {
		out = append(out, child.Clone())
	}
	return out
}

// Count returns the number of blocks at any depth.
func (w *Workspace) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	count := 0
	w.root.Walk(func(n *Node) bool {
		if n.IsBlock() {
			count++
		}
		return true
	})
	return count
}

// AddBlock appends a copy of a top-level block, with its text normalized the
// way Load would read it back.
func (w *Workspace) AddBlock(block *Node) error {
	if block == nil || !block.IsBlock() {
		return fmt.Errorf("add block: not a block element")
	}
	w.mu.Lock()
	if err := w.check(block); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("add block: %w", err)
	}
	block = block.Clone()
	block.Walk(func(n *Node) bool {
		n.Text = normalizeText(n, n.Text)
		return true
	})
	w.root.Children = append(w.root.Children, block)
	w.mu.Unlock()
	w.changed()
	return nil
}

// RemoveBlock deletes the top-level block with the given id.
func (w *Workspace) RemoveBlock(id string) bool {
	w.mu.Lock()
	removed := false
	for i, child := range w.root.Children {
		if child.IsBlock() && child.Attr("id") == id {
			w.root.Children = append(w.root.Children[:i], w.root.Children[i+1:]...)
			removed = true
			break
		}
	}
	w.mu.Unlock()
	if removed {
		w.changed()
	}
	return removed
}

// check must be called with mu held.
func (w *Workspace) check(node *Node) error {
	if len(w.known) == 0 {
		return nil
	}
	var err error
	node.Walk(func(n *Node) bool {
		if err != nil {
			return false
		}
		if n.IsBlock() {
			if _, ok := w.known[n.Type()]; !ok {
				err = fmt.Errorf("%w: unknown block type %q", ErrIncompatible, n.Type())
				return false
			}
		}
		return true
	})
	return err
}

func (w *Workspace) changed() {
	w.mu.Lock()
	listeners := append([]func(){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
