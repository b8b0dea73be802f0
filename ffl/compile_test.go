package ffl

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func testDevice(engines, nodeCapacity, treesPerEngine int) DeviceConfig {
	return DeviceConfig{
		Engines:        engines,
		NodeCapacity:   nodeCapacity,
		TreesPerEngine: treesPerEngine,
		MaxFeatures:    16,
		Schemes:        testSchemes(),
	}
}

func mustQuantize(t *testing.T, forest Forest) *QuantForest {
	t.Helper()
	quantForest, err := QuantizeForest(forest, testSchemes(), 1)
	if err != nil {
		t.Fatalf("quantization failed: %v", err)
	}
	return quantForest
}

//A forest of 600 nodes must not compile onto a single engine holding 512.
func TestCompileCapacityScenario(t *testing.T) {
	forest := singleClassForest(1, chainTree(149), chainTree(150)) // 299 + 301 nodes
	if forest.NumNodes() != 600 {
		t.Fatalf("fixture is %d nodes, want 600", forest.NumNodes())
	}

	_, err := Compile(mustQuantize(t, forest), testDevice(1, 512, 2))
	if err == nil {
		t.Fatalf("expected CapacityError")
	}
	if _, ok := err.(CapacityError); !ok {
		t.Fatalf("expected CapacityError, got %T: %v", err, err)
	}
}

func TestCompileSingleTreeTooLarge(t *testing.T) {
	forest := singleClassForest(1, chainTree(300)) // 601 nodes
	_, err := Compile(mustQuantize(t, forest), testDevice(4, 512, 4))
	if _, ok := err.(CapacityError); !ok {
		t.Fatalf("expected CapacityError for oversized tree, got %v", err)
	}
}

//A dangling child index must be rejected at compile time: packed node memory
//is zero filled, so an unchecked walk past a tree's block would read zeroed
//slots as internal nodes and never reach a leaf.
func TestCompileRejectsDanglingChild(t *testing.T) {
	forest := &QuantForest{
		NumFeatures: 1,
		Schemes:     testSchemes(),
		Classes: [][]QuantTree{{{Nodes: []QuantNode{
			{FeatureNumber: 0, Threshold: 7, LeftIndex: 5, RightIndex: 1},
			{Score: 3, LeftIndex: -1, RightIndex: -1},
		}}}},
	}
	_, err := Compile(forest, testDevice(1, 16, 1))
	if err == nil {
		t.Fatalf("expected StructuralError for dangling child index")
	}
	if _, ok := err.(StructuralError); !ok {
		t.Fatalf("expected StructuralError, got %T: %v", err, err)
	}
}

func TestCompileTooManyTrees(t *testing.T) {
	forest := singleClassForest(1,
		stumpTree(0, 0, -1, 1), stumpTree(0, 1, -1, 1), stumpTree(0, 2, -1, 1))
	_, err := Compile(mustQuantize(t, forest), testDevice(2, 512, 1))
	if _, ok := err.(CapacityError); !ok {
		t.Fatalf("expected CapacityError for tree count, got %v", err)
	}
}

func TestCompileFeatureLimit(t *testing.T) {
	forest := singleClassForest(32, stumpTree(0, 0, -1, 1))
	cfg := testDevice(1, 512, 4)
	cfg.MaxFeatures = 16
	_, err := Compile(mustQuantize(t, forest), cfg)
	if _, ok := err.(CapacityError); !ok {
		t.Fatalf("expected CapacityError for feature limit, got %v", err)
	}
}

func TestCompileSchemeMismatch(t *testing.T) {
	forest := singleClassForest(1, stumpTree(0, 0, -1, 1))
	cfg := testDevice(1, 512, 4)
	cfg.Schemes.Threshold.Width = 12
	_, err := Compile(mustQuantize(t, forest), cfg)
	if _, ok := err.(StructuralError); !ok {
		t.Fatalf("expected StructuralError for scheme mismatch, got %v", err)
	}
}

func TestCompileRoundRobinPlacement(t *testing.T) {
	forest := singleClassForest(1,
		stumpTree(0, 0, -1, 1), stumpTree(0, 1, -1, 1),
		stumpTree(0, 2, -1, 1), stumpTree(0, 3, -1, 1))
	model, err := Compile(mustQuantize(t, forest), testDevice(2, 512, 2))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	wantEngine := []int{0, 1, 0, 1}
	wantBase := []int{0, 0, 3, 3}
	for ind, placement := range model.Manifest {
		if placement.Engine != wantEngine[ind] || placement.Base != wantBase[ind] {
			t.Fatalf("tree %d placed at engine %d base %d, want engine %d base %d",
				ind, placement.Engine, placement.Base, wantEngine[ind], wantBase[ind])
		}
		if placement.NodeCount != 3 || placement.Class != 0 {
			t.Fatalf("tree %d manifest entry wrong: %+v", ind, placement)
		}
	}

	for engine, load := range model.EngineLoad() {
		if load != 6 {
			t.Fatalf("engine %d load %d, want 6", engine, load)
		}
	}
}

func TestCompileManifestRoutesClasses(t *testing.T) {
	forest := multiClassFixture()
	model, err := Compile(mustQuantize(t, forest), testDevice(3, 512, 4))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	wantClasses := []int{0, 0, 0, 1, 1}
	if len(model.Manifest) != len(wantClasses) {
		t.Fatalf("manifest has %d entries, want %d", len(model.Manifest), len(wantClasses))
	}
	for ind, placement := range model.Manifest {
		if placement.Class != wantClasses[ind] {
			t.Fatalf("tree %d routed to class %d, want %d", ind, placement.Class, wantClasses[ind])
		}
	}
}

//The packed evaluation must be bit-exact with the emulated quantized forest.
func TestPackedEvaluationBitExact(t *testing.T) {
	forest := multiClassFixture()
	quantForest := mustQuantize(t, forest)
	model, err := Compile(quantForest, testDevice(2, 512, 4))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	h := 0
	var data []float64
	for x := -3.0; x <= 3.0; x += 0.37 {
		data = append(data, x, x*0.5, -x)
		h++
	}
	features := mat.NewDense(h, 3, data)

	emulated, err := quantForest.DecisionFunction(features)
	if err != nil {
		t.Fatalf("emulated decision function failed: %v", err)
	}
	packed, err := model.Evaluate(features)
	if err != nil {
		t.Fatalf("packed evaluation failed: %v", err)
	}

	for p := 0; p < h; p++ {
		for classInd := 0; classInd < 2; classInd++ {
			if emulated.At(p, classInd) != packed.At(p, classInd) {
				t.Fatalf("sample %d class %d: emulated %v, packed %v",
					p, classInd, emulated.At(p, classInd), packed.At(p, classInd))
			}
		}
	}
}

func TestPackedEvaluationShapeError(t *testing.T) {
	forest := singleClassForest(2, stumpTree(1, 0, -1, 1))
	model, err := Compile(mustQuantize(t, forest), testDevice(1, 16, 1))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if _, err := model.Evaluate(mat.NewDense(1, 5, nil)); err == nil {
		t.Fatalf("expected ShapeError")
	} else if _, ok := err.(ShapeError); !ok {
		t.Fatalf("expected ShapeError, got %T: %v", err, err)
	}
}
