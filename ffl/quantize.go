package ffl

import (
	"fmt"
	"math"
)

//RoundingMode selects how a scaled value is rounded to an integer raw.
type RoundingMode int

const (
	//RoundHalfEven is convergent rounding, the hardware default.
	RoundHalfEven RoundingMode = iota
	//RoundTruncate rounds toward negative infinity, matching the bit
	//truncation of a two's-complement word.
	RoundTruncate
)

//OverflowMode selects what happens to a raw outside the representable range.
type OverflowMode int

const (
	//OverflowSaturate clamps to the maximal or minimal representable raw.
	OverflowSaturate OverflowMode = iota
	//OverflowWrap keeps the low Width bits with sign extension.
	OverflowWrap
)

//FixedScheme describes a signed fixed-point format: Width total bits of which
//IntegerBits are integer bits (the sign bit included), the rest fractional.
type FixedScheme struct {
	Width       int          `json:"width"`
	IntegerBits int          `json:"integer_bits"`
	Rounding    RoundingMode `json:"rounding"`
	Overflow    OverflowMode `json:"overflow"`
}

//Validate checks that the scheme describes a representable format.
func (scheme FixedScheme) Validate() error {
	if scheme.Width < 2 || scheme.Width > 63 {
		return StructuralError{Detail: fmt.Sprintf("fixed-point width %d outside [2, 63]", scheme.Width)}
	}
	if scheme.IntegerBits < 0 || scheme.IntegerBits > scheme.Width {
		return StructuralError{Detail: fmt.Sprintf("integer bits %d outside [0, %d]", scheme.IntegerBits, scheme.Width)}
	}
	return nil
}

//FracBits returns the number of fractional bits.
func (scheme FixedScheme) FracBits() int {
	return scheme.Width - scheme.IntegerBits
}

//MaxRaw returns the largest representable raw value.
func (scheme FixedScheme) MaxRaw() int64 {
	return int64(1)<<(scheme.Width-1) - 1
}

//MinRaw returns the smallest representable raw value.
func (scheme FixedScheme) MinRaw() int64 {
	return -(int64(1) << (scheme.Width - 1))
}

//Quantize maps a real value to its raw fixed-point representation: the value
//is scaled by 2^FracBits, rounded per the rounding mode, then saturated or
//wrapped per the overflow mode. An out-of-range value is policy, not an error.
func (scheme FixedScheme) Quantize(value float64) int64 {
	scaled := value * math.Exp2(float64(scheme.FracBits()))

	var rounded float64
	switch scheme.Rounding {
	case RoundTruncate:
		rounded = math.Floor(scaled)
	default:
		rounded = math.RoundToEven(scaled)
	}

	if scheme.Overflow == OverflowSaturate {
		if rounded >= float64(scheme.MaxRaw()) {
			return scheme.MaxRaw()
		}
		if rounded <= float64(scheme.MinRaw()) {
			return scheme.MinRaw()
		}
		return int64(rounded)
	}

	// keep the float-to-int conversion defined before wrapping
	if rounded >= float64(math.MaxInt64) {
		rounded = float64(math.MaxInt64)
	} else if rounded <= float64(math.MinInt64) {
		rounded = float64(math.MinInt64)
	}
	mask := uint64(1)<<uint(scheme.Width) - 1
	raw := int64(uint64(int64(rounded)) & mask)
	if raw >= int64(1)<<(scheme.Width-1) {
		raw -= int64(1) << scheme.Width
	}
	return raw
}

//Dequantize maps a raw fixed-point value back to a real value.
func (scheme FixedScheme) Dequantize(raw int64) float64 {
	return float64(raw) / math.Exp2(float64(scheme.FracBits()))
}

//QuantSchemes collects the per-role fixed-point formats of a model.
type QuantSchemes struct {
	Input     FixedScheme `json:"input"`
	Threshold FixedScheme `json:"threshold"`
	Score     FixedScheme `json:"score"`
}

//Validate checks every per-role scheme and that input and threshold raws
//still fit a signed 64-bit word after alignment to a common fractional
//precision, so the comparison path cannot overflow.
func (schemes QuantSchemes) Validate() error {
	for _, entry := range []struct {
		role   string
		scheme FixedScheme
	}{{"input", schemes.Input}, {"threshold", schemes.Threshold}, {"score", schemes.Score}} {
		if err := entry.scheme.Validate(); err != nil {
			return StructuralError{Detail: entry.role + " scheme: " + err.(StructuralError).Detail}
		}
	}

	inputShift, thresholdShift := schemes.alignedShifts()
	if bits := schemes.Input.Width + int(inputShift); bits > 63 {
		return StructuralError{Detail: fmt.Sprintf("aligned input word needs %d bits, limit 63", bits)}
	}
	if bits := schemes.Threshold.Width + int(thresholdShift); bits > 63 {
		return StructuralError{Detail: fmt.Sprintf("aligned threshold word needs %d bits, limit 63", bits)}
	}
	return nil
}

//QuantNode is a tree node with raw fixed-point threshold and score.
type QuantNode struct {
	FeatureNumber         int
	Threshold             int64
	Score                 int64
	LeftIndex, RightIndex int // -1, -1 if it is a leaf
}

//IsLeaf returns whether this node is a leaf.
func (node QuantNode) IsLeaf() bool {
	return node.LeftIndex == -1 && node.RightIndex == -1
}

//QuantTree is one quantized tree, same arena layout as Tree.
type QuantTree struct {
	Nodes []QuantNode
}

//NumNodes returns the number of nodes in the tree.
func (tree QuantTree) NumNodes() int {
	return len(tree.Nodes)
}

//Validate checks that the tree is a strict binary tree whose raw thresholds
//and leaf scores are representable under the given schemes. The structural
//rules mirror Tree.Validate: two children or none, in-arena child indices,
//every non-root node referenced exactly once and reachable from the root.
func (tree QuantTree) Validate(numFeatures int, schemes QuantSchemes) error {
	if len(tree.Nodes) == 0 {
		return StructuralError{Detail: "tree has no nodes"}
	}

	refCount := make([]int, len(tree.Nodes))
	for ind, node := range tree.Nodes {
		if node.IsLeaf() {
			if node.Score < schemes.Score.MinRaw() || node.Score > schemes.Score.MaxRaw() {
				return StructuralError{Detail: fmt.Sprintf("node %d raw score %d outside [%d, %d]", ind, node.Score, schemes.Score.MinRaw(), schemes.Score.MaxRaw())}
			}
			continue
		}
		if (node.LeftIndex == -1) != (node.RightIndex == -1) {
			return StructuralError{Detail: fmt.Sprintf("node %d has exactly one child", ind)}
		}
		if node.FeatureNumber < 0 || node.FeatureNumber >= numFeatures {
			return StructuralError{Detail: fmt.Sprintf("node %d feature index %d out of range [0, %d)", ind, node.FeatureNumber, numFeatures)}
		}
		if node.Threshold < schemes.Threshold.MinRaw() || node.Threshold > schemes.Threshold.MaxRaw() {
			return StructuralError{Detail: fmt.Sprintf("node %d raw threshold %d outside [%d, %d]", ind, node.Threshold, schemes.Threshold.MinRaw(), schemes.Threshold.MaxRaw())}
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

	if unreached := firstUnreachable(len(tree.Nodes), func(ind int) (left, right int, leaf bool) {
		node := tree.Nodes[ind]
		return node.LeftIndex, node.RightIndex, node.IsLeaf()
	}); unreached >= 0 {
		return StructuralError{Detail: fmt.Sprintf("node %d is not reachable from the root", unreached)}
	}
	return nil
}

//QuantForest is a forest whose thresholds and scores are raw fixed-point
//values under Schemes. It is the input of the device compiler and of the
//bit-exact software emulation.
type QuantForest struct {
	NumFeatures int
	Schemes     QuantSchemes
	Classes     [][]QuantTree
}

//NumClasses returns the number of class groups.
func (forest QuantForest) NumClasses() int {
	return len(forest.Classes)
}

//NumTrees returns the total number of trees over all classes.
func (forest QuantForest) NumTrees() int {
	total := 0
	for _, trees := range forest.Classes {
		total += len(trees)
	}
	return total
}

//NumNodes returns the total number of nodes over all trees.
func (forest QuantForest) NumNodes() int {
	total := 0
	for _, trees := range forest.Classes {
		for _, tree := range trees {
			total += tree.NumNodes()
		}
	}
	return total
}

//Validate checks the schemes and the well-formedness of every quantized
//tree. Every loaded or compiled quantized model passes through it once, so
//the evaluation paths can trust child indices without per-node checks.
func (forest QuantForest) Validate() error {
	if forest.NumFeatures <= 0 {
		return StructuralError{Detail: fmt.Sprintf("invalid feature count %d", forest.NumFeatures)}
	}
	if len(forest.Classes) == 0 {
		return StructuralError{Detail: "forest has no class groups"}
	}
	if err := forest.Schemes.Validate(); err != nil {
		return err
	}
	for classInd, trees := range forest.Classes {
		for treeInd, tree := range trees {
			if err := tree.Validate(forest.NumFeatures, forest.Schemes); err != nil {
				if serr, ok := err.(StructuralError); ok {
					return StructuralError{Detail: fmt.Sprintf("class %d tree %d: %s", classInd, treeInd, serr.Detail)}
				}
				return err
			}
		}
	}
	return nil
}

//Dequantize maps the quantized forest back into real-valued form.
func (forest QuantForest) Dequantize() Forest {
	out := Forest{
		NumFeatures:    forest.NumFeatures,
		Classes:        make([][]Tree, len(forest.Classes)),
		ThresholdScale: 1,
		ScoreScale:     1,
	}
	for classInd, trees := range forest.Classes {
		out.Classes[classInd] = make([]Tree, len(trees))
		for treeInd, tree := range trees {
			nodes := make([]TreeNode, len(tree.Nodes))
			for ind, node := range tree.Nodes {
				nodes[ind] = TreeNode{
					FeatureNumber: node.FeatureNumber,
					Threshold:     forest.Schemes.Threshold.Dequantize(node.Threshold),
					Score:         forest.Schemes.Score.Dequantize(node.Score),
					LeftIndex:     node.LeftIndex,
					RightIndex:    node.RightIndex,
				}
			}
			out.Classes[classInd][treeInd] = Tree{Nodes: nodes}
		}
	}
	return out
}

//TaskQuantizeTree quantizes one tree of a forest inside a Pool.
type TaskQuantizeTree struct {
	result       []QuantTree
	index        int
	quantizeFunc func(int) QuantTree
}

func (task *TaskQuantizeTree) Run() {
	task.result[task.index] = task.quantizeFunc(task.index)
}

func quantizeTree(tree Tree, schemes QuantSchemes) QuantTree {
	nodes := make([]QuantNode, len(tree.Nodes))
	for ind, node := range tree.Nodes {
		nodes[ind] = QuantNode{
			FeatureNumber: node.FeatureNumber,
			Threshold:     schemes.Threshold.Quantize(node.Threshold),
			Score:         schemes.Score.Quantize(node.Score),
			LeftIndex:     node.LeftIndex,
			RightIndex:    node.RightIndex,
		}
	}
	return QuantTree{Nodes: nodes}
}

//QuantizeForest validates the forest and maps it to raw fixed-point form
//under the given schemes. Trees are quantized in parallel when threadsNum
//is above one.
func QuantizeForest(forest Forest, schemes QuantSchemes, threadsNum int) (*QuantForest, error) {
	if err := schemes.Validate(); err != nil {
		return nil, err
	}
	if err := forest.Validate(); err != nil {
		return nil, err
	}

	flatTrees := make([]Tree, 0, forest.NumTrees())
	treeClass := make([]int, 0, forest.NumTrees())
	for classInd, trees := range forest.Classes {
		for _, tree := range trees {
			flatTrees = append(flatTrees, tree)
			treeClass = append(treeClass, classInd)
		}
	}

	result := make([]QuantTree, len(flatTrees))

	if threadsNum <= 1 {
		for q := range flatTrees {
			result[q] = quantizeTree(flatTrees[q], schemes)
		}
	} else {
		taskPool := NewPool(threadsNum)
		for q := range flatTrees {
			quantizeFunc := func(localQ int) QuantTree {
				return quantizeTree(flatTrees[localQ], schemes)
			}
			taskPool.AddTask(&TaskQuantizeTree{result, q, quantizeFunc})
		}
		taskPool.Close()
		taskPool.WaitAll()
	}

	quantForest := &QuantForest{
		NumFeatures: forest.NumFeatures,
		Schemes:     schemes,
		Classes:     make([][]QuantTree, len(forest.Classes)),
	}
	for q, tree := range result {
		classInd := treeClass[q]
		quantForest.Classes[classInd] = append(quantForest.Classes[classInd], tree)
	}
	return quantForest, nil
}

//Rescale applies independent affine scale factors to every threshold and
//every score of the forest and records them in the scale bookkeeping. It is
//reversible: Rescale(Rescale(f, a, b), 1/a, 1/b) equals f up to rounding.
func Rescale(forest Forest, thresholdScale, scoreScale float64) Forest {
	out := Forest{
		NumFeatures:    forest.NumFeatures,
		Classes:        make([][]Tree, len(forest.Classes)),
		ThresholdScale: forest.ThresholdScale * thresholdScale,
		ScoreScale:     forest.ScoreScale * scoreScale,
	}
	for classInd, trees := range forest.Classes {
		out.Classes[classInd] = make([]Tree, len(trees))
		for treeInd, tree := range trees {
			nodes := make([]TreeNode, len(tree.Nodes))
			for ind, node := range tree.Nodes {
				nodes[ind] = node
				if !node.IsLeaf() {
					nodes[ind].Threshold = node.Threshold * thresholdScale
				}
				nodes[ind].Score = node.Score * scoreScale
			}
			out.Classes[classInd][treeInd] = Tree{Nodes: nodes}
		}
	}
	return out
}

//ScalePolicy derives threshold and score scale factors for a forest before
//quantization. Automatic derivation is deliberately pluggable; the identity
//policy is the safe default.
type ScalePolicy interface {
	DeriveScales(forest Forest) (thresholdScale, scoreScale float64)
}

//IdentityScale leaves the forest untouched.
type IdentityScale struct{}

func (IdentityScale) DeriveScales(Forest) (float64, float64) {
	return 1, 1
}

//QuantReport compares the value ranges of a forest against the representable
//ranges of a scheme set, so a format can be judged before compiling.
type QuantReport struct {
	ThresholdMin, ThresholdMax float64
	ScoreMin, ScoreMax         float64
	ThresholdLo, ThresholdHi   float64
	ScoreLo, ScoreHi           float64
}

//Covers reports whether every threshold and score fits its representable range.
func (report QuantReport) Covers() bool {
	return report.ThresholdMin >= report.ThresholdLo && report.ThresholdMax <= report.ThresholdHi &&
		report.ScoreMin >= report.ScoreLo && report.ScoreMax <= report.ScoreHi
}

//Report scans the forest and produces a QuantReport for the given schemes.
func Report(forest Forest, schemes QuantSchemes) QuantReport {
	report := QuantReport{
		ThresholdMin: math.Inf(1), ThresholdMax: math.Inf(-1),
		ScoreMin: math.Inf(1), ScoreMax: math.Inf(-1),
		ThresholdLo: schemes.Threshold.Dequantize(schemes.Threshold.MinRaw()),
		ThresholdHi: schemes.Threshold.Dequantize(schemes.Threshold.MaxRaw()),
		ScoreLo:     schemes.Score.Dequantize(schemes.Score.MinRaw()),
		ScoreHi:     schemes.Score.Dequantize(schemes.Score.MaxRaw()),
	}
	for _, trees := range forest.Classes {
		for _, tree := range trees {
			for _, node := range tree.Nodes {
				if node.IsLeaf() {
					report.ScoreMin = math.Min(report.ScoreMin, node.Score)
					report.ScoreMax = math.Max(report.ScoreMax, node.Score)
				} else {
					report.ThresholdMin = math.Min(report.ThresholdMin, node.Threshold)
					report.ThresholdMax = math.Max(report.ThresholdMax, node.Threshold)
				}
			}
		}
	}
	return report
}
