package correlate

import (
	"math"
	"sort"
)

// HDBSCAN labels points by density: -1 marks noise, non-negative labels are
// cluster memberships. The implementation follows the standard pipeline over
// a dense distance matrix: core distances with k = minSamples, mutual
// reachability, a Prim minimum spanning tree, single-linkage hierarchy,
// condensation by minClusterSize, and excess-of-mass cluster selection.
//
// Distances are Euclidean; callers normalize vectors first so Euclidean
// ordering matches angular ordering.
func HDBSCAN(points [][]float64, minClusterSize, minSamples int) []int {
	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	if minClusterSize < 2 {
		minClusterSize = 2
	}
	if minSamples < 1 {
		minSamples = minClusterSize
	}
	if n < minClusterSize {
		return labels
	}

	dist := pairwiseEuclidean(points)
	core := coreDistances(dist, minSamples)
	edges := mstPrim(mutualReachability(dist, core))
	tree := singleLinkage(edges, n)
	condensed := condenseTree(tree, n, minClusterSize)
	selected := selectClustersEOM(condensed, n)

	// Assign each point to its deepest selected ancestor in the condensed
	// tree; points without one stay noise.
	next := 0
	clusterLabel := make(map[int]int)
	for _, c := range selected {
		clusterLabel[c] = next
		next++
	}
	parentOf := make(map[int]int)
	pointParent := make(map[int]int)
	for _, row := range condensed {
		if row.child < n {
			pointParent[row.child] = row.parent
		} else {
			parentOf[row.child] = row.parent
		}
	}
	for p := 0; p < n; p++ {
		node, ok := pointParent[p]
		for ok {
			if label, sel := clusterLabel[node]; sel {
				labels[p] = label
				break
			}
			node, ok = parentOf[node]
		}
	}
	return labels
}

func pairwiseEuclidean(points [][]float64) [][]float64 {
	n := len(points)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum := 0.0
			a, b := points[i], points[j]
			m := len(a)
			if len(b) < m {
				m = len(b)
			}
			for k := 0; k < m; k++ {
				d := a[k] - b[k]
				sum += d * d
			}
			d := math.Sqrt(sum)
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

// coreDistances returns per point the distance to its k-th nearest neighbor
// (the point itself counts as neighbor zero).
func coreDistances(dist [][]float64, k int) []float64 {
	n := len(dist)
	core := make([]float64, n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		copy(row, dist[i])
		sort.Float64s(row)
		idx := k
		if idx >= n {
			idx = n - 1
		}
		core[i] = row[idx]
	}
	return core
}

func mutualReachability(dist [][]float64, core []float64) [][]float64 {
	n := len(dist)
	mr := make([][]float64, n)
	for i := range mr {
		mr[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := math.Max(dist[i][j], math.Max(core[i], core[j]))
			mr[i][j] = d
			mr[j][i] = d
		}
	}
	return mr
}

type mstEdge struct {
	a, b   int
	weight float64
}

// mstPrim builds the minimum spanning tree of the complete mutual
// reachability graph.
func mstPrim(mr [][]float64) []mstEdge {
	n := len(mr)
	inTree := make([]bool, n)
	bestDist := make([]float64, n)
	bestFrom := make([]int, n)
	for i := range bestDist {
		bestDist[i] = math.Inf(1)
		bestFrom[i] = -1
	}

	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true
	for len(edges) < n-1 {
		next, nextDist := -1, math.Inf(1)
		for v := 0; v < n; v++ {
			if inTree[v] {
				continue
			}
			if d := mr[current][v]; d < bestDist[v] {
				bestDist[v] = d
				bestFrom[v] = current
			}
			if bestDist[v] < nextDist {
				next, nextDist = v, bestDist[v]
			}
		}
		edges = append(edges, mstEdge{a: bestFrom[next], b: next, weight: nextDist})
		inTree[next] = true
		current = next
	}
	return edges
}

type linkageNode struct {
	left, right int
	distance    float64
	size        int
}

// singleLinkage turns sorted MST edges into a dendrogram. Nodes 0..n-1 are
// points; merge node i is stored at tree[i-n].
func singleLinkage(edges []mstEdge, n int) []linkageNode {
	sort.Slice(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })

	parent := make([]int, 2*n-1)
	size := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
		size[i] = 1
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	tree := make([]linkageNode, 0, n-1)
	nextNode := n
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		tree = append(tree, linkageNode{left: ra, right: rb, distance: e.weight, size: size[ra] + size[rb]})
		parent[ra] = nextNode
		parent[rb] = nextNode
		size[nextNode] = size[ra] + size[rb]
		nextNode++
	}
	return tree
}

// condensedRow is one edge of the condensed tree: child joins parent and
// leaves it at lambda (= 1/distance). Children < n are points.
type condensedRow struct {
	parent, child int
	lambda        float64
	size          int
}

// condenseTree collapses the dendrogram: splits where both sides reach
// minClusterSize spawn new clusters, smaller sides shed their points into the
// surviving parent label.
func condenseTree(tree []linkageNode, n, minClusterSize int) []condensedRow {
	if len(tree) == 0 {
		return nil
	}
	root := n + len(tree) - 1

	nodeSize := func(node int) int {
		if node < n {
			return 1
		}
		return tree[node-n].size
	}

	var rows []condensedRow
	relabel := make(map[int]int)
	nextLabel := root + 1
	relabel[root] = nextLabel
	nextLabel++

	// collectPoints appends all leaf points under node to rows as leaving
	// label at lambda.
	var collectPoints func(node, label int, lambda float64)
	collectPoints = func(node, label int, lambda float64) {
		if node < n {
			rows = append(rows, condensedRow{parent: label, child: node, lambda: lambda, size: 1})
			return
		}
		ln := tree[node-n]
		collectPoints(ln.left, label, lambda)
		collectPoints(ln.right, label, lambda)
	}

	type frame struct {
		node, label int
	}
	stack := []frame{{root, relabel[root]}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ln := tree[f.node-n]
		lambda := math.Inf(1)
		if ln.distance > 0 {
			lambda = 1 / ln.distance
		}
		ls, rs := nodeSize(ln.left), nodeSize(ln.right)

		switch {
		case ls >= minClusterSize && rs >= minClusterSize:
			for _, child := range []int{ln.left, ln.right} {
				label := nextLabel
				nextLabel++
				rows = append(rows, condensedRow{parent: f.label, child: label, lambda: lambda, size: nodeSize(child)})
				if child >= n {
					stack = append(stack, frame{child, label})
				} else {
					// A single point can never be a cluster; it sheds
					// immediately.
					rows = append(rows, condensedRow{parent: label, child: child, lambda: lambda, size: 1})
				}
			}
		case ls < minClusterSize && rs < minClusterSize:
			collectPoints(ln.left, f.label, lambda)
			collectPoints(ln.right, f.label, lambda)
		case ls < minClusterSize:
			collectPoints(ln.left, f.label, lambda)
			if ln.right >= n {
				stack = append(stack, frame{ln.right, f.label})
			} else {
				collectPoints(ln.right, f.label, lambda)
			}
		default:
			collectPoints(ln.right, f.label, lambda)
			if ln.left >= n {
				stack = append(stack, frame{ln.left, f.label})
			} else {
				collectPoints(ln.left, f.label, lambda)
			}
		}
	}
	return rows
}

// selectClustersEOM picks the flat clustering with maximum total stability:
// a cluster is kept when its own stability exceeds the summed stability of
// its selected descendants. The root is never selected.
func selectClustersEOM(rows []condensedRow, n int) []int {
	if len(rows) == 0 {
		return nil
	}

	birth := make(map[int]float64)
	children := make(map[int][]int)
	var clusters []int
	root := rows[0].parent
	for _, r := range rows {
		if r.child >= n {
			birth[r.child] = r.lambda
			children[r.parent] = append(children[r.parent], r.child)
			clusters = append(clusters, r.child)
		}
	}

	stability := make(map[int]float64)
	for _, r := range rows {
		b := birth[r.parent] // zero for root
		lambda := r.lambda
		if math.IsInf(lambda, 1) {
			lambda = b
		}
		stability[r.parent] += (lambda - b) * float64(r.size)
	}

	// Process deepest clusters first: they were appended in discovery order,
	// so reverse order visits children before parents.
	selected := make(map[int]bool)
	subtree := make(map[int]float64)
	for i := len(clusters) - 1; i >= 0; i-- {
		c := clusters[i]
		childSum := 0.0
		for _, ch := range children[c] {
			childSum += subtree[ch]
		}
		if len(children[c]) == 0 || stability[c] >= childSum {
			selected[c] = true
			deselectDescendants(c, children, selected)
			subtree[c] = stability[c]
		} else {
			subtree[c] = childSum
		}
	}
	delete(selected, root)

	var out []int
	for _, c := range clusters {
		if selected[c] {
			out = append(out, c)
		}
	}
	sort.Ints(out)
	return out
}

func deselectDescendants(c int, children map[int][]int, selected map[int]bool) {
	for _, ch := range children[c] {
		delete(selected, ch)
		deselectDescendants(ch, children, selected)
	}
}
