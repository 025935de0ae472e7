package dom

import "fmt"

// Document indexes a mirrored tree by shim node id. It is owned by the agent
// loop and is not safe for concurrent use.
type Document struct {
	root     *Node
	byID     map[int64]*Node
	onInsert []func(*Node)
}

// NewDocument links root's subtree and indexes it.
func NewDocument(root *Node) (*Document, error) {
	if root == nil {
		return nil, fmt.Errorf("document root cannot be nil")
	}
	d := &Document{root: root, byID: make(map[int64]*Node)}
	if err := d.attach(root, nil); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) Root() *Node {
	return d.root
}

// Lookup returns the attached node with id, or nil.
func (d *Document) Lookup(id int64) *Node {
	return d.byID[id]
}

// OnInsert registers fn to run for every subtree inserted after load.
func (d *Document) OnInsert(fn func(*Node)) {
	d.onInsert = append(d.onInsert, fn)
}

// Insert appends node (with its subtree) under parentID.
func (d *Document) Insert(parentID int64, node *Node) error {
	parent := d.byID[parentID]
	if parent == nil {
		return fmt.Errorf("insert under %d: %w", parentID, ErrUnknownNode)
	}
	if err := d.attach(node, parent); err != nil {
		return err
	}
	parent.Children = append(parent.Children, node)
	for _, fn := range d.onInsert {
		fn(node)
	}
	return nil
}

// Remove detaches the node with id and its subtree. Detached nodes keep
// their data but report Connected() == false.
func (d *Document) Remove(id int64) error {
	node := d.byID[id]
	if node == nil {
		return fmt.Errorf("remove %d: %w", id, ErrUnknownNode)
	}
	if node == d.root {
		return fmt.Errorf("remove %d: cannot remove document root", id)
	}
	if p := node.parent; p != nil {
		kept := p.Children[:0]
		for _, c := range p.Children {
			if c != node {
				kept = append(kept, c)
			}
		}
		p.Children = kept
	}
	node.parent = nil
	d.detach(node)
	return nil
}

func (d *Document) SetRect(id int64, rect Rect) error {
	node := d.byID[id]
	if node == nil {
		return fmt.Errorf("set rect on %d: %w", id, ErrUnknownNode)
	}
	node.Rect = rect
	return nil
}

func (d *Document) SetAttr(id int64, name, value string) error {
	node := d.byID[id]
	if node == nil {
		return fmt.Errorf("set attr on %d: %w", id, ErrUnknownNode)
	}
	if node.Attrs == nil {
		node.Attrs = make(map[string]string)
	}
	node.Attrs[name] = value
	return nil
}

func (d *Document) attach(node, parent *Node) error {
	var ids []int64
	var walk func(n, p *Node) error
	walk = func(n, p *Node) error {
		if n == nil {
			return fmt.Errorf("attach under %d: %w", p.ID, ErrNilNode)
		}
		if _, exists := d.byID[n.ID]; exists {
			return fmt.Errorf("attach %d: %w", n.ID, ErrDuplicateNode)
		}
		n.parent = p
		n.doc = d
		d.byID[n.ID] = n
		ids = append(ids, n.ID)
		for _, c := range n.Children {
			if err := walk(c, n); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(node, parent); err != nil {
		for _, id := range ids {
			delete(d.byID, id)
		}
		return err
	}
	return nil
}

func (d *Document) detach(node *Node) {
	delete(d.byID, node.ID)
	for _, c := range node.Children {
		d.detach(c)
	}
}
