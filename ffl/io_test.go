package ffl

import (
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestForestSaveLoadRoundTrip(t *testing.T) {
	forest := multiClassFixture()
	filename := filepath.Join(t.TempDir(), "model.ffm")

	forest.Save(filename)
	loaded := LoadForest(filename)

	if loaded.NumFeatures != forest.NumFeatures || loaded.NumClasses() != forest.NumClasses() {
		t.Fatalf("metadata drifted: %d features %d classes", loaded.NumFeatures, loaded.NumClasses())
	}
	for classInd, trees := range forest.Classes {
		for treeInd, tree := range trees {
			for ind, node := range tree.Nodes {
				if loaded.Classes[classInd][treeInd].Nodes[ind] != node {
					t.Fatalf("class %d tree %d node %d drifted", classInd, treeInd, ind)
				}
			}
		}
	}
	if loaded.ThresholdScale != 1 || loaded.ScoreScale != 1 {
		t.Fatalf("scale factors drifted: %g, %g", loaded.ThresholdScale, loaded.ScoreScale)
	}
}

//Fixed-point raw fields are integers in the document, so the round trip is
//exact, not merely close.
func TestQuantForestSaveLoadExact(t *testing.T) {
	forest := multiClassFixture()
	quantForest, err := QuantizeForest(forest, testSchemes(), 1)
	if err != nil {
		t.Fatalf("quantization failed: %v", err)
	}
	filename := filepath.Join(t.TempDir(), "model.ffq")

	quantForest.Save(filename)
	loaded := LoadQuantForest(filename)

	if loaded.Schemes != quantForest.Schemes {
		t.Fatalf("schemes drifted: %+v", loaded.Schemes)
	}
	for classInd, trees := range quantForest.Classes {
		for treeInd, tree := range trees {
			for ind, node := range tree.Nodes {
				if loaded.Classes[classInd][treeInd].Nodes[ind] != node {
					t.Fatalf("class %d tree %d node %d not bit-exact after round trip", classInd, treeInd, ind)
				}
			}
		}
	}
}

func TestLoadForestValidates(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "broken.ffm")
	broken := singleClassForest(1, stumpTree(9, 0, -1, 1))
	broken.Save(filename)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("loading a malformed model must panic through HandleError")
		}
		if _, ok := r.(StructuralError); !ok {
			t.Fatalf("expected StructuralError, got %T: %v", r, r)
		}
	}()
	LoadForest(filename)
}

func TestLoadQuantForestValidates(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "broken.ffq")
	broken := QuantForest{
		NumFeatures: 1,
		Schemes:     testSchemes(),
		Classes: [][]QuantTree{{{Nodes: []QuantNode{
			{FeatureNumber: 0, Threshold: 7, LeftIndex: 5, RightIndex: 1},
			{Score: 3, LeftIndex: -1, RightIndex: -1},
		}}}},
	}
	broken.Save(filename)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("loading a malformed quantized model must panic through HandleError")
		}
		if _, ok := r.(StructuralError); !ok {
			t.Fatalf("expected StructuralError, got %T: %v", r, r)
		}
	}()
	LoadQuantForest(filename)
}

func TestNpyRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "batch.npy")
	original := mat.NewDense(3, 2, []float64{1, 2, 3, 4.5, -5, 6.25})

	WriteNpy(filename, original)
	loaded := ReadNpy(filename)

	h, w := loaded.Dims()
	if h != 3 || w != 2 {
		t.Fatalf("loaded shape %dx%d, want 3x2", h, w)
	}
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			if loaded.At(p, q) != original.At(p, q) {
				t.Fatalf("element %d,%d drifted: %g vs %g", p, q, loaded.At(p, q), original.At(p, q))
			}
		}
	}
}

func TestReadCSVMatrix(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "batch.csv")
	content := "f_0,f_1\n0.5,-1.5\n2.25,3.0\n"
	if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	loaded := ReadCSVMatrix(filename)
	h, w := loaded.Dims()
	if h != 2 || w != 2 {
		t.Fatalf("loaded shape %dx%d, want 2x2", h, w)
	}
	want := [][]float64{{0.5, -1.5}, {2.25, 3.0}}
	for p := 0; p < 2; p++ {
		for q := 0; q < 2; q++ {
			if loaded.At(p, q) != want[p][q] {
				t.Fatalf("element %d,%d = %g, want %g", p, q, loaded.At(p, q), want[p][q])
			}
		}
	}
}
