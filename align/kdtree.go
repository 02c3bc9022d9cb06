package align

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// noChild marks an absent child in the flat node slice.
const noChild int32 = -1

type kdNode struct {
	box   Box
	left  int32
	right int32
	// point and index are only meaningful on leaves.
	point Point
	index int
}

func (n *kdNode) isLeaf() bool {
	return n.left == noChild && n.right == noChild
}

// Neighbor is the result of a nearest-neighbour query.
type Neighbor struct {
	Point    Point
	Index    int // position of Point in the cloud the tree was built from
	Distance float64
}

// KDTree is a static 3-D k-d tree over a point cloud. Every leaf holds
// exactly one point and every internal node has two children, so a tree over
// n points has 2n-1 nodes. The tree is immutable once built and safe for
// concurrent queries.
type KDTree struct {
	nodes []kdNode
	root  int32
	size  int
}

type indexedPoint struct {
	p     Point
	index int
}

// BuildKDTree builds a tree over cloud.
func BuildKDTree(cloud PointCloud) (*KDTree, error) {
	t := &KDTree{}
	if err := t.Build(cloud); err != nil {
		return nil, err
	}
	return t, nil
}

// Build (re)builds the tree over cloud. The cloud itself is not reordered.
// On error the tree is left unbuilt.
func (t *KDTree) Build(cloud PointCloud) error {
	t.nodes = nil
	t.root = noChild
	t.size = 0
	if len(cloud) == 0 {
		return errors.Wrap(ErrEmptyCloud, "build k-d tree")
	}

	items := make([]indexedPoint, len(cloud))
	for i, p := range cloud {
		items[i] = indexedPoint{p: p, index: i}
	}
	t.nodes = make([]kdNode, 0, 2*len(cloud)-1)
	t.root = t.build(items, 0)
	t.size = len(cloud)
	return nil
}

func (t *KDTree) build(items []indexedPoint, depth int) int32 {
	box := EmptyBox()
	for _, it := range items {
		box = box.Extend(it.p)
	}

	id := int32(len(t.nodes))
	t.nodes = append(t.nodes, kdNode{box: box, left: noChild, right: noChild})

	if len(items) == 1 {
		t.nodes[id].point = items[0].p
		t.nodes[id].index = items[0].index
		return id
	}

	axis := depth % 3
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].p.Coord(axis) < items[j].p.Coord(axis)
	})
	mid := len(items) / 2

	left := t.build(items[:mid], depth+1)
	right := t.build(items[mid:], depth+1)
	t.nodes[id].left = left
	t.nodes[id].right = right
	return id
}

// Built reports whether the tree can answer queries.
func (t *KDTree) Built() bool {
	return t != nil && t.size > 0
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Leaves returns the number of leaf nodes.
func (t *KDTree) Leaves() int {
	if !t.Built() {
		return 0
	}
	n := 0
	for i := range t.nodes {
		if t.nodes[i].isLeaf() {
			n++
		}
	}
	return n
}

// Internal returns the number of internal nodes.
func (t *KDTree) Internal() int {
	if !t.Built() {
		return 0
	}
	return len(t.nodes) - t.Leaves()
}

// Depth returns the number of nodes on the longest root-to-leaf path.
func (t *KDTree) Depth() int {
	if !t.Built() {
		return 0
	}
	var walk func(id int32) int
	walk = func(id int32) int {
		n := &t.nodes[id]
		if n.isLeaf() {
			return 1
		}
		l, r := walk(n.left), walk(n.right)
		if l > r {
			return l + 1
		}
		return r + 1
	}
	return walk(t.root)
}

// Bounds returns the box around every indexed point.
func (t *KDTree) Bounds() (Box, error) {
	if !t.Built() {
		return Box{}, errors.Wrap(ErrInvalidState, "k-d tree not built")
	}
	return t.nodes[t.root].box, nil
}

// FindClosest returns the distance to and coordinates of the indexed point
// nearest to q.
func (t *KDTree) FindClosest(q Point) (float64, Point, error) {
	n, err := t.Nearest(q)
	if err != nil {
		return 0, Point{}, err
	}
	return n.Distance, n.Point, nil
}

// Nearest returns the indexed point nearest to q. Children are visited in
// order of their box distance, so the result is deterministic.
func (t *KDTree) Nearest(q Point) (Neighbor, error) {
	if !t.Built() {
		return Neighbor{}, errors.Wrap(ErrInvalidState, "k-d tree not built")
	}
	best := Neighbor{Distance: math.Inf(1), Index: -1}
	t.search(t.root, q, &best, nil)
	return best, nil
}

// NearestRandomized is Nearest with a coin flip deciding which child is
// visited first. The result distance is the same as Nearest; which of several
// equidistant points is returned may differ. rng must not be shared between
// goroutines.
func (t *KDTree) NearestRandomized(q Point, rng *rand.Rand) (Neighbor, error) {
	if !t.Built() {
		return Neighbor{}, errors.Wrap(ErrInvalidState, "k-d tree not built")
	}
	if rng == nil {
		return t.Nearest(q)
	}
	best := Neighbor{Distance: math.Inf(1), Index: -1}
	t.search(t.root, q, &best, rng)
	return best, nil
}

// FindClosestRandomized is the FindClosest form of NearestRandomized.
func (t *KDTree) FindClosestRandomized(q Point, rng *rand.Rand) (float64, Point, error) {
	n, err := t.NearestRandomized(q, rng)
	if err != nil {
		return 0, Point{}, err
	}
	return n.Distance, n.Point, nil
}

func (t *KDTree) search(id int32, q Point, best *Neighbor, rng *rand.Rand) {
	n := &t.nodes[id]
	if n.isLeaf() {
		if d := q.Distance(n.point); d < best.Distance {
			*best = Neighbor{Point: n.point, Index: n.index, Distance: d}
		}
		return
	}

	first, second := n.left, n.right
	firstBound := t.nodes[first].box.Distance(q)
	secondBound := t.nodes[second].box.Distance(q)

	swap := secondBound < firstBound
	if rng != nil {
		swap = rng.Intn(2) == 1
	}
	if swap {
		first, second = second, first
		firstBound, secondBound = secondBound, firstBound
	}

	if firstBound < best.Distance {
		t.search(first, q, best, rng)
	}
	// best may have shrunk while exploring the first child.
	if secondBound < best.Distance {
		t.search(second, q, best, rng)
	}
}
