package ffl

import "gonum.org/v1/gonum/mat"

//DecisionFunction is the float reference evaluation: for every sample and
//every class group it sums the leaf scores of the class's trees. A sample
//descends left when its feature value is less than or equal to the node
//threshold; equality goes left, matching the hardware convention. The result
//has shape (samples × classes).
func (forest Forest) DecisionFunction(features *mat.Dense) (*mat.Dense, error) {
	h, w := features.Dims()
	if w != forest.NumFeatures {
		return nil, ShapeError{WantRows: AnyDim, WantCols: forest.NumFeatures, GotRows: h, GotCols: w}
	}

	prediction := mat.NewDense(h, forest.NumClasses(), nil)
	for p := 0; p < h; p++ {
		for classInd, trees := range forest.Classes {
			s := 0.0
			for _, tree := range trees {
				ind := 0
				for !tree.Nodes[ind].IsLeaf() {
					if features.At(p, tree.Nodes[ind].FeatureNumber) <= tree.Nodes[ind].Threshold {
						ind = tree.Nodes[ind].LeftIndex
					} else {
						ind = tree.Nodes[ind].RightIndex
					}
				}
				s += tree.Nodes[ind].Score
			}
			prediction.Set(p, classInd, s)
		}
	}
	return prediction, nil
}

//alignedShifts returns the left shifts that bring input and threshold raws
//to a common fractional precision so they compare as the hardware does.
func (schemes QuantSchemes) alignedShifts() (inputShift, thresholdShift uint) {
	inputFrac := schemes.Input.FracBits()
	thresholdFrac := schemes.Threshold.FracBits()
	common := inputFrac
	if thresholdFrac > common {
		common = thresholdFrac
	}
	return uint(common - inputFrac), uint(common - thresholdFrac)
}

func evalQuantTree(tree QuantTree, sample []int64, inputShift, thresholdShift uint) int64 {
	ind := 0
	for !tree.Nodes[ind].IsLeaf() {
		node := tree.Nodes[ind]
		if sample[node.FeatureNumber]<<inputShift <= node.Threshold<<thresholdShift {
			ind = node.LeftIndex
		} else {
			ind = node.RightIndex
		}
	}
	return tree.Nodes[ind].Score
}

//DecisionFunction is the bit-exact software emulation of the hardware
//evaluation. Inputs are quantized per the input scheme, compared against
//thresholds as signed fixed-point values on a common fractional precision,
//and leaf scores are summed per class in a wide accumulator. The result is
//dequantized with the score scheme.
func (forest QuantForest) DecisionFunction(features *mat.Dense) (*mat.Dense, error) {
	h, w := features.Dims()
	if w != forest.NumFeatures {
		return nil, ShapeError{WantRows: AnyDim, WantCols: forest.NumFeatures, GotRows: h, GotCols: w}
	}

	inputShift, thresholdShift := forest.Schemes.alignedShifts()

	sample := make([]int64, w)
	prediction := mat.NewDense(h, forest.NumClasses(), nil)
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			sample[q] = forest.Schemes.Input.Quantize(features.At(p, q))
		}
		for classInd, trees := range forest.Classes {
			var accum int64
			for _, tree := range trees {
				accum += evalQuantTree(tree, sample, inputShift, thresholdShift)
			}
			prediction.Set(p, classInd, forest.Schemes.Score.Dequantize(accum))
		}
	}
	return prediction, nil
}
