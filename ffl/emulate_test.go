package ffl

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestDecisionFunctionTieGoesLeft(t *testing.T) {
	forest := singleClassForest(1, stumpTree(0, 0.25, -1, 1))
	features := mat.NewDense(1, 1, []float64{0.25})

	for run := 0; run < 32; run++ {
		prediction, err := forest.DecisionFunction(features)
		if err != nil {
			t.Fatalf("decision function failed: %v", err)
		}
		if got := prediction.At(0, 0); got != -1 {
			t.Fatalf("run %d: tie descended right, score %g", run, got)
		}
	}
}

func TestDecisionFunctionShapeError(t *testing.T) {
	forest := singleClassForest(2, stumpTree(0, 0, -1, 1))
	features := mat.NewDense(3, 1, []float64{1, 2, 3})

	if _, err := forest.DecisionFunction(features); err == nil {
		t.Fatalf("expected ShapeError for 1 column against 2 features")
	} else if serr, ok := err.(ShapeError); !ok {
		t.Fatalf("expected ShapeError, got %T: %v", err, err)
	} else {
		// only the column count is constrained here; the error must not
		// present the batch's own row count as a requirement
		if serr.WantRows != AnyDim || serr.WantCols != 2 {
			t.Fatalf("wanted dims misreported: %+v", serr)
		}
		if serr.Error() != "shape error: want anyx2, got 3x1" {
			t.Fatalf("unexpected message: %q", serr.Error())
		}
	}
}

//The reference end-to-end scenario: one depth-one tree on feature 0 with
//threshold 0, leaf scores -1 and +1, quantized to 16 bits with 6 integer
//bits. The zero input ties with the threshold and must go left.
func TestQuantizedEndToEndScenario(t *testing.T) {
	forest := singleClassForest(1, stumpTree(0, 0.0, -1.0, 1.0))
	quantForest, err := QuantizeForest(forest, testSchemes(), 1)
	if err != nil {
		t.Fatalf("quantization failed: %v", err)
	}

	features := mat.NewDense(3, 1, []float64{-0.5, 0.5, 0.0})
	prediction, err := quantForest.DecisionFunction(features)
	if err != nil {
		t.Fatalf("decision function failed: %v", err)
	}

	want := []float64{-1.0, 1.0, -1.0}
	for p, expected := range want {
		if got := prediction.At(p, 0); got != expected {
			t.Fatalf("sample %d: got %g, want %g", p, got, expected)
		}
	}
}

func TestQuantizedShapeError(t *testing.T) {
	forest := singleClassForest(1, stumpTree(0, 0, -1, 1))
	quantForest, err := QuantizeForest(forest, testSchemes(), 1)
	if err != nil {
		t.Fatalf("quantization failed: %v", err)
	}

	if _, err := quantForest.DecisionFunction(mat.NewDense(2, 3, nil)); err == nil {
		t.Fatalf("expected ShapeError")
	} else if _, ok := err.(ShapeError); !ok {
		t.Fatalf("expected ShapeError, got %T: %v", err, err)
	}
}

//multiClassFixture builds a three-feature, two-class forest with a couple of
//trees per class.
func multiClassFixture() Forest {
	return Forest{
		NumFeatures:    3,
		ThresholdScale: 1,
		ScoreScale:     1,
		Classes: [][]Tree{
			{stumpTree(0, 0.5, -1.5, 2.25), stumpTree(2, -0.75, 0.5, -0.5), chainTree(4)},
			{stumpTree(1, 1.25, 3.0, -3.0), chainTree(2)},
		},
	}
}

func TestClassesAggregateIndependently(t *testing.T) {
	forest := multiClassFixture()
	features := mat.NewDense(2, 3, []float64{
		0.4, 2.0, -1.0,
		1.0, 0.0, 0.0,
	})

	prediction, err := forest.DecisionFunction(features)
	if err != nil {
		t.Fatalf("decision function failed: %v", err)
	}

	h, w := prediction.Dims()
	if h != 2 || w != 2 {
		t.Fatalf("prediction has shape %dx%d, want 2x2", h, w)
	}

	// class 0 of sample 0 by hand: 0.4<=0.5 left -1.5; -1.0<=-0.75 left 0.5;
	// chainTree(4) on feature 0: 0.4<=0 false, right leaf score 0
	if got := prediction.At(0, 0); math.Abs(got-(-1.0)) > 1e-12 {
		t.Fatalf("sample 0 class 0: got %g, want -1", got)
	}
	// class 1 of sample 0: 2.0>1.25 right -3; chainTree(2): 0.4>0 right leaf 0
	if got := prediction.At(0, 1); math.Abs(got-(-3.0)) > 1e-12 {
		t.Fatalf("sample 0 class 1: got %g, want -3", got)
	}
}

func TestQuantizedMatchesFloatOnGrid(t *testing.T) {
	forest := multiClassFixture()
	quantForest, err := QuantizeForest(forest, testSchemes(), 1)
	if err != nil {
		t.Fatalf("quantization failed: %v", err)
	}

	h := 0
	var data []float64
	for x := -2.0; x <= 2.0; x += 0.25 {
		data = append(data, x, -x, x/2)
		h++
	}
	features := mat.NewDense(h, 3, data)

	floatPred, err := forest.DecisionFunction(features)
	if err != nil {
		t.Fatalf("float decision function failed: %v", err)
	}
	quantPred, err := quantForest.DecisionFunction(features)
	if err != nil {
		t.Fatalf("quantized decision function failed: %v", err)
	}

	// thresholds and grid values are exactly representable in 10 fractional
	// bits, so the two traversals agree and only the scores are rounded
	for p := 0; p < h; p++ {
		for classInd := 0; classInd < 2; classInd++ {
			diff := math.Abs(floatPred.At(p, classInd) - quantPred.At(p, classInd))
			if diff > 8.0/1024.0 {
				t.Fatalf("sample %d class %d differs by %g", p, classInd, diff)
			}
		}
	}
}
