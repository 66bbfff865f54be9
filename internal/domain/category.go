package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const PathSeparator = " > "

type Category struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string     `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Slug      string     `gorm:"size:120;uniqueIndex;not null" json:"slug"`
	ParentID  *uuid.UUID `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	Active    bool       `gorm:"not null;default:true;index" json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CategoryNode is the exported tree shape.
type CategoryNode struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	Slug     string          `json:"slug"`
	Children []*CategoryNode `json:"children"`
}

// CategoryForest holds the whole category table in an arena indexed by
// position. Children keep the order the categories were supplied in.
type CategoryForest struct {
	nodes    []Category
	index    map[uuid.UUID]int
	children [][]int
	roots    []int
}

func NewCategoryForest(cats []Category) *CategoryForest {
	f := &CategoryForest{
		nodes:    make([]Category, len(cats)),
		index:    make(map[uuid.UUID]int, len(cats)),
		children: make([][]int, len(cats)),
	}
	copy(f.nodes, cats)
	for i, c := range f.nodes {
		f.index[c.ID] = i
	}
	for i, c := range f.nodes {
		if c.ParentID == nil {
			f.roots = append(f.roots, i)
			continue
		}
		p, ok := f.index[*c.ParentID]
		if !ok {
			// dangling parent, treat as a root
			f.roots = append(f.roots, i)
			continue
		}
		f.children[p] = append(f.children[p], i)
	}
	return f
}

func (f *CategoryForest) Len() int { return len(f.nodes) }

func (f *CategoryForest) Get(id uuid.UUID) (Category, bool) {
	i, ok := f.index[id]
	if !ok {
		return Category{}, false
	}
	return f.nodes[i], true
}

func (f *CategoryForest) BySlug(slug string) (Category, bool) {
	for _, c := range f.nodes {
		if c.Slug == slug {
			return c, true
		}
	}
	return Category{}, false
}

// Ancestors returns the parent chain of id, root first. The walk is bounded by
// the number of nodes.
func (f *CategoryForest) Ancestors(id uuid.UUID) []Category {
	i, ok := f.index[id]
	if !ok {
		return nil
	}
	var chain []Category
	for steps := 0; steps < len(f.nodes); steps++ {
		pid := f.nodes[i].ParentID
		if pid == nil {
			break
		}
		p, ok := f.index[*pid]
		if !ok || p == f.index[id] {
			break
		}
		chain = append(chain, f.nodes[p])
		i = p
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain
}

func (f *CategoryForest) Depth(id uuid.UUID) int { return len(f.Ancestors(id)) }

func (f *CategoryForest) FullPath(id uuid.UUID) string {
	c, ok := f.Get(id)
	if !ok {
		return ""
	}
	anc := f.Ancestors(id)
	names := make([]string, 0, len(anc)+1)
	for _, a := range anc {
		names = append(names, a.Name)
	}
	names = append(names, c.Name)
	return strings.Join(names, PathSeparator)
}

// DescendantsDFS returns the active descendants of id in pre-order. Inactive
// nodes are skipped together with their whole subtree.
func (f *CategoryForest) DescendantsDFS(id uuid.UUID) []Category {
	return f.walk(id, true)
}

// Subtree returns every descendant of id in pre-order regardless of the
// active flag.
func (f *CategoryForest) Subtree(id uuid.UUID) []Category {
	return f.walk(id, false)
}

func (f *CategoryForest) walk(id uuid.UUID, activeOnly bool) []Category {
	start, ok := f.index[id]
	if !ok {
		return nil
	}
	out := []Category{}
	seen := make([]bool, len(f.nodes))
	seen[start] = true
	stack := pushReversed(nil, f.children[start])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		if activeOnly && !f.nodes[n].Active {
			continue
		}
		out = append(out, f.nodes[n])
		stack = pushReversed(stack, f.children[n])
	}
	return out
}

func pushReversed(stack, items []int) []int {
	for i := len(items) - 1; i >= 0; i-- {
		stack = append(stack, items[i])
	}
	return stack
}

// IsDescendant reports whether candidate sits anywhere below id, following
// the candidate's parent chain.
func (f *CategoryForest) IsDescendant(id, candidate uuid.UUID) bool {
	for _, a := range f.Ancestors(candidate) {
		if a.ID == id {
			return true
		}
	}
	return false
}

// CheckReparent validates moving id under newParent.
func (f *CategoryForest) CheckReparent(id uuid.UUID, newParent *uuid.UUID) error {
	if newParent == nil {
		return nil
	}
	if *newParent == id || f.IsDescendant(id, *newParent) {
		return ErrCategoryCycle
	}
	return nil
}

// Roots returns active categories without a parent.
func (f *CategoryForest) Roots() []Category {
	out := []Category{}
	for _, i := range f.roots {
		if f.nodes[i].ParentID == nil && f.nodes[i].Active {
			out = append(out, f.nodes[i])
		}
	}
	return out
}

// BuildTree returns the nested active tree below each of roots.
func (f *CategoryForest) BuildTree(roots []Category) []*CategoryNode {
	type frame struct {
		idx  int
		node *CategoryNode
	}
	out := make([]*CategoryNode, 0, len(roots))
	seen := make([]bool, len(f.nodes))
	for _, r := range roots {
		i, ok := f.index[r.ID]
		if !ok || seen[i] {
			continue
		}
		root := newNode(f.nodes[i])
		seen[i] = true
		out = append(out, root)
		stack := []frame{{idx: i, node: root}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, c := range f.children[top.idx] {
				if seen[c] || !f.nodes[c].Active {
					continue
				}
				seen[c] = true
				child := newNode(f.nodes[c])
				top.node.Children = append(top.node.Children, child)
				stack = append(stack, frame{idx: c, node: child})
			}
		}
	}
	return out
}

func newNode(c Category) *CategoryNode {
	return &CategoryNode{ID: c.ID, Name: c.Name, Slug: c.Slug, Children: []*CategoryNode{}}
}
