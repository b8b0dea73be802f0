package ffl

import (
	"fmt"
	"path"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

//GraphDescription returns the description of an internal node for tree
//rendering as a graph.
func (node TreeNode) GraphDescription() string {
	return fmt.Sprintf("f_%d <= %6.5f", node.FeatureNumber, node.Threshold)
}

//LeafDescription returns the description of a leaf node.
func (node TreeNode) LeafDescription() string {
	return fmt.Sprintf("%6.4f", node.Score)
}

func recurrentDraw(g *cgraph.Graph, tree Tree, nodeNumber int, parentNode *cgraph.Node) {
	currentNode, err := g.CreateNode(fmt.Sprint(nodeNumber))
	HandleError(err)

	if parentNode != nil {
		g.CreateEdge("", parentNode, currentNode)
	}

	if tree.Nodes[nodeNumber].IsLeaf() {
		currentNode.Set("label", tree.Nodes[nodeNumber].LeafDescription())
		currentNode.Set("shape", "box")
	} else {
		currentNode.Set("label", tree.Nodes[nodeNumber].GraphDescription())
		recurrentDraw(g, tree, tree.Nodes[nodeNumber].LeftIndex, currentNode)
		recurrentDraw(g, tree, tree.Nodes[nodeNumber].RightIndex, currentNode)
	}
}

//DrawGraph renders one tree into a graphviz graph.
func (tree Tree) DrawGraph() (*graphviz.Graphviz, *cgraph.Graph) {
	graphViz := graphviz.New()
	graph, err := graphViz.Graph()
	HandleError(err)

	recurrentDraw(graph, tree, 0, nil)

	return graphViz, graph
}

//RenderTrees dumps every tree of the forest as a picture, one file per tree.
func (forest Forest) RenderTrees(dumpPrefix, figureType, picturesDirectory string) {
	graphvizType := map[string]graphviz.Format{
		"png": graphviz.PNG,
		"svg": graphviz.SVG,
		"jpg": graphviz.JPG,
	}[figureType]

	for classInd, trees := range forest.Classes {
		for treeInd, currentTree := range trees {
			filename := fmt.Sprintf("%s_c%02d_%05d.%s", dumpPrefix, classInd, treeInd, figureType)
			graphViz, graph := currentTree.DrawGraph()
			HandleError(graphViz.RenderFilename(graph, graphvizType, path.Join(picturesDirectory, filename)))
		}
	}
}
