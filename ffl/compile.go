package ffl

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

//DeviceConfig is the read-only descriptor of an evaluation target: how many
//parallel tree engines it has, how many packed nodes fit into one engine's
//node memory, how many trees one engine may hold, the feature count limit
//and the fixed-point schemes the target computes with. It is authoritative
//input for the compiler and immutable once a model is compiled against it.
type DeviceConfig struct {
	Engines        int          `json:"engines"`
	NodeCapacity   int          `json:"node_capacity"`
	TreesPerEngine int          `json:"trees_per_engine"`
	MaxFeatures    int          `json:"max_features"`
	Schemes        QuantSchemes `json:"schemes"`
}

//Validate checks that the descriptor is usable.
func (cfg DeviceConfig) Validate() error {
	if cfg.Engines <= 0 || cfg.NodeCapacity <= 0 || cfg.TreesPerEngine <= 0 || cfg.MaxFeatures <= 0 {
		return StructuralError{Detail: fmt.Sprintf("device descriptor has non-positive limits: %+v", cfg)}
	}
	return cfg.Schemes.Validate()
}

//Packed node word layout. Child offsets are relative indices within the
//owning tree's block, so a packed tree is position independent and can be
//relocated inside node memory.
const (
	wordFeature = iota
	wordThreshold
	wordScore
	wordLeft
	wordRight
	nodeWords
)

//leafSentinel marks a leaf in the feature word and in child offset words.
const leafSentinel = int64(-1)

//TreePlacement records where one packed tree lives and which class
//accumulator its output is routed to.
type TreePlacement struct {
	Engine    int `json:"engine"`
	Base      int `json:"base"`
	NodeCount int `json:"node_count"`
	Class     int `json:"class"`
}

//CompiledModel is a quantized forest serialized into the node-memory layout
//of a target device: one fixed-size node array per engine plus a manifest
//that routes per-tree outputs to class accumulators.
type CompiledModel struct {
	Config      DeviceConfig
	NodeMemory  *tensor.Dense // engines × node capacity × nodeWords, int64
	Manifest    []TreePlacement
	NumFeatures int
	NumClasses  int
}

//Compile serializes a quantized forest into the target's memory layout.
//Trees are assigned to engines round-robin in forest order, which is
//deterministic. A malformed forest surfaces as StructuralError, any capacity
//overflow as CapacityError.
func Compile(forest *QuantForest, cfg DeviceConfig) (*CompiledModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := forest.Validate(); err != nil {
		return nil, err
	}
	if forest.Schemes != cfg.Schemes {
		return nil, StructuralError{Detail: "forest quantization schemes do not match the device descriptor"}
	}
	if forest.NumFeatures > cfg.MaxFeatures {
		return nil, CapacityError{Detail: fmt.Sprintf("model uses %d features, device limit is %d", forest.NumFeatures, cfg.MaxFeatures)}
	}
	if total := forest.NumTrees(); total > cfg.Engines*cfg.TreesPerEngine {
		return nil, CapacityError{Detail: fmt.Sprintf("%d trees exceed %d engines × %d trees per engine", total, cfg.Engines, cfg.TreesPerEngine)}
	}

	model := &CompiledModel{
		Config:      cfg,
		NodeMemory:  tensor.New(tensor.WithShape(cfg.Engines, cfg.NodeCapacity, nodeWords), tensor.Of(tensor.Int64)),
		NumFeatures: forest.NumFeatures,
		NumClasses:  forest.NumClasses(),
	}

	usedNodes := make([]int, cfg.Engines)
	treeInd := 0
	for classInd, trees := range forest.Classes {
		for _, tree := range trees {
			engine := treeInd % cfg.Engines
			count := tree.NumNodes()
			if count > cfg.NodeCapacity {
				return nil, CapacityError{Detail: fmt.Sprintf("tree of %d nodes exceeds node memory of %d per engine", count, cfg.NodeCapacity)}
			}
			if usedNodes[engine]+count > cfg.NodeCapacity {
				return nil, CapacityError{Detail: fmt.Sprintf("engine %d node memory overflows: %d used, %d more needed, capacity %d", engine, usedNodes[engine], count, cfg.NodeCapacity)}
			}

			base := usedNodes[engine]
			for local, node := range tree.Nodes {
				words := [nodeWords]int64{leafSentinel, 0, node.Score, leafSentinel, leafSentinel}
				if !node.IsLeaf() {
					words[wordFeature] = int64(node.FeatureNumber)
					words[wordThreshold] = node.Threshold
					words[wordLeft] = int64(node.LeftIndex)
					words[wordRight] = int64(node.RightIndex)
				}
				for word, value := range words {
					HandleError(model.NodeMemory.SetAt(value, engine, base+local, word))
				}
			}

			model.Manifest = append(model.Manifest, TreePlacement{
				Engine:    engine,
				Base:      base,
				NodeCount: count,
				Class:     classInd,
			})
			usedNodes[engine] += count
			treeInd++
		}
	}
	return model, nil
}

//EngineLoad returns the node occupancy of every engine.
func (model *CompiledModel) EngineLoad() []int {
	load := make([]int, model.Config.Engines)
	for _, placement := range model.Manifest {
		load[placement.Engine] += placement.NodeCount
	}
	return load
}

func (model *CompiledModel) nodeWord(engine, slot, word int) int64 {
	value, err := model.NodeMemory.At(engine, slot, word)
	HandleError(err)
	return value.(int64)
}

//evalPlaced walks one packed tree from its base slot using relative child
//offsets and returns the raw leaf score.
func (model *CompiledModel) evalPlaced(placement TreePlacement, sample []int64, inputShift, thresholdShift uint) int64 {
	local := 0
	for {
		feature := model.nodeWord(placement.Engine, placement.Base+local, wordFeature)
		if feature == leafSentinel {
			return model.nodeWord(placement.Engine, placement.Base+local, wordScore)
		}
		threshold := model.nodeWord(placement.Engine, placement.Base+local, wordThreshold)
		if sample[feature]<<inputShift <= threshold<<thresholdShift {
			local = int(model.nodeWord(placement.Engine, placement.Base+local, wordLeft))
		} else {
			local = int(model.nodeWord(placement.Engine, placement.Base+local, wordRight))
		}
	}
}

//Evaluate runs the packed model over a batch in one sequential pass, the way
//the device processes a transferred batch. It is bit-exact with
//QuantForest.DecisionFunction.
func (model *CompiledModel) Evaluate(features *mat.Dense) (*mat.Dense, error) {
	h, w := features.Dims()
	if w != model.NumFeatures {
		return nil, ShapeError{WantRows: AnyDim, WantCols: model.NumFeatures, GotRows: h, GotCols: w}
	}

	inputShift, thresholdShift := model.Config.Schemes.alignedShifts()

	sample := make([]int64, w)
	accum := make([]int64, model.NumClasses)
	prediction := mat.NewDense(h, model.NumClasses, nil)
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			sample[q] = model.Config.Schemes.Input.Quantize(features.At(p, q))
		}
		for ind := range accum {
			accum[ind] = 0
		}
		for _, placement := range model.Manifest {
			accum[placement.Class] += model.evalPlaced(placement, sample, inputShift, thresholdShift)
		}
		for classInd, raw := range accum {
			prediction.Set(p, classInd, model.Config.Schemes.Score.Dequantize(raw))
		}
	}
	return prediction, nil
}
