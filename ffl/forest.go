package ffl

import "fmt"

//TreeNode is a node of a tree. A tree is stored in an array. LeftIndex and
//RightIndex are equal to -1 when the current node is a leaf, otherwise they
//contain array indices of children. A leaf carries only Score; an internal
//node carries FeatureNumber and Threshold.
type TreeNode struct {
	FeatureNumber         int
	Threshold             float64
	Score                 float64
	LeftIndex, RightIndex int // -1, -1 if it is a leaf
}

//IsLeaf returns whether this node is a leaf.
func (node TreeNode) IsLeaf() bool {
	return node.LeftIndex == -1 && node.RightIndex == -1
}

//Tree is one tree of a forest: a flat arena of nodes rooted at index 0.
type Tree struct {
	Nodes []TreeNode
}

//NumNodes returns the number of nodes in the tree.
func (tree Tree) NumNodes() int {
	return len(tree.Nodes)
}

//MaxDepth returns the depth of the tree. The root alone has depth 1.
func (tree Tree) MaxDepth() int {
	if len(tree.Nodes) == 0 {
		return 0
	}
	return tree.depthFrom(0)
}

func (tree Tree) depthFrom(ind int) int {
	node := tree.Nodes[ind]
	if node.IsLeaf() {
		return 1
	}
	left := tree.depthFrom(node.LeftIndex)
	right := tree.depthFrom(node.RightIndex)
	if left > right {
		return left + 1
	}
	return right + 1
}

//Validate checks that the tree is a strict binary tree: every node has either
//two children or none, child indices stay inside the node array, every
//non-root node is referenced exactly once and reachable from the root, and
//all feature indices are below numFeatures.
func (tree Tree) Validate(numFeatures int) error {
	if len(tree.Nodes) == 0 {
		return StructuralError{Detail: "tree has no nodes"}
	}

	refCount := make([]int, len(tree.Nodes))
	for ind, node := range tree.Nodes {
		if node.IsLeaf() {
			continue
		}
		if (node.LeftIndex == -1) != (node.RightIndex == -1) {
			return StructuralError{Detail: fmt.Sprintf("node %d has exactly one child", ind)}
		}
		if node.FeatureNumber < 0 || node.FeatureNumber >= numFeatures {
			return StructuralError{Detail: fmt.Sprintf("node %d feature index %d out of range [0, %d)", ind, node.FeatureNumber, numFeatures)}
		}
		for _, child := range []int{node.LeftIndex, node.RightIndex} {
			if child < 0 || child >= len(tree.Nodes) {
				return StructuralError{Detail: fmt.Sprintf("node %d has dangling child index %d", ind, child)}
			}
			if child == ind {
				return StructuralError{Detail: fmt.Sprintf("node %d references itself", ind)}
			}
			refCount[child]++
		}
	}

	if refCount[0] != 0 {
		return StructuralError{Detail: "root node is referenced as a child"}
	}
	for ind := 1; ind < len(tree.Nodes); ind++ {
		if refCount[ind] != 1 {
			return StructuralError{Detail: fmt.Sprintf("node %d referenced %d times, want 1", ind, refCount[ind])}
		}
	}

	// reference counts alone admit a cyclic island detached from the root
	if unreached := firstUnreachable(len(tree.Nodes), func(ind int) (left, right int, leaf bool) {
		node := tree.Nodes[ind]
		return node.LeftIndex, node.RightIndex, node.IsLeaf()
	}); unreached >= 0 {
		return StructuralError{Detail: fmt.Sprintf("node %d is not reachable from the root", unreached)}
	}
	return nil
}

//firstUnreachable walks the arena from node 0 and returns the lowest index
//a descent can never visit, or -1 when the walk covers every node.
func firstUnreachable(numNodes int, children func(ind int) (left, right int, leaf bool)) int {
	visited := make([]bool, numNodes)
	stack := []int{0}
	for len(stack) > 0 {
		ind := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[ind] {
			continue
		}
		visited[ind] = true
		if left, right, leaf := children(ind); !leaf {
			stack = append(stack, left, right)
		}
	}
	for ind, seen := range visited {
		if !seen {
			return ind
		}
	}
	return -1
}

//Forest is a trained decision forest: per class an ordered list of trees.
//Binary classification uses a single class group whose summed score is the
//decision function. ThresholdScale and ScoreScale record the affine scales
//currently applied to the model, see Rescale.
type Forest struct {
	NumFeatures    int
	Classes        [][]Tree
	ThresholdScale float64
	ScoreScale     float64
}

//NumClasses returns the number of class groups in the forest.
func (forest Forest) NumClasses() int {
	return len(forest.Classes)
}

//NumTrees returns the total number of trees over all classes.
func (forest Forest) NumTrees() int {
	total := 0
	for _, trees := range forest.Classes {
		total += len(trees)
	}
	return total
}

//NumNodes returns the total number of nodes over all trees.
func (forest Forest) NumNodes() int {
	total := 0
	for _, trees := range forest.Classes {
		for _, tree := range trees {
			total += tree.NumNodes()
		}
	}
	return total
}

//Validate checks the well-formedness of every tree in the forest. It is run
//once at load time, not per inference.
func (forest Forest) Validate() error {
	if forest.NumFeatures <= 0 {
		return StructuralError{Detail: fmt.Sprintf("invalid feature count %d", forest.NumFeatures)}
	}
	if len(forest.Classes) == 0 {
		return StructuralError{Detail: "forest has no class groups"}
	}
	for classInd, trees := range forest.Classes {
		for treeInd, tree := range trees {
			if err := tree.Validate(forest.NumFeatures); err != nil {
				if serr, ok := err.(StructuralError); ok {
					return StructuralError{Detail: fmt.Sprintf("class %d tree %d: %s", classInd, treeInd, serr.Detail)}
				}
				return err
			}
		}
	}
	return nil
}
