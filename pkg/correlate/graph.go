package correlate

// GraphNode is a vertex in the cluster graph: either a source or a cluster.
type GraphNode struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
	Size  int    `json:"size"`
}

// GraphEdge connects a source node to a cluster node, weighted by how many
// of the cluster's logs came from that source.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Weight int    `json:"weight"`
}

// Graph is the projection of a correlation result for visualization.
type Graph struct {
	Nodes  []GraphNode    `json:"nodes"`
	Edges  []GraphEdge    `json:"edges"`
	Params map[string]any `json:"params"`
}

// BuildGraph projects clusters into source and cluster nodes with weighted
// edges.
func BuildGraph(res *Result) *Graph {
	g := &Graph{Nodes: []GraphNode{}, Edges: []GraphEdge{}, Params: res.Params}

	sourceSeen := make(map[string]bool)
	var sourceNodes []GraphNode
	var clusterNodes []GraphNode

	for _, c := range res.Clusters {
		clusterNodes = append(clusterNodes, GraphNode{ID: c.ID, Type: "cluster", Label: c.ID, Size: c.Size})
		for src, cnt := range c.SourceBreakdown {
			sid := "source::" + src
			if !sourceSeen[sid] {
				sourceSeen[sid] = true
				label := src
				if label == "" {
					label = "unknown"
				}
				sourceNodes = append(sourceNodes, GraphNode{ID: sid, Type: "source", Label: label, Size: 1})
			}
			g.Edges = append(g.Edges, GraphEdge{Source: sid, Target: c.ID, Weight: cnt})
		}
	}
	g.Nodes = append(sourceNodes, clusterNodes...)
	return g
}
