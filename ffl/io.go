package ffl

import (
	"encoding/json"
	"log"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

//Save writes the forest as an indented JSON document. The document carries
//the feature count, the per-class trees and the scale factors applied.
func (forest Forest) Save(filename string) {
	dest, err := os.Create(filename)
	if err != nil {
		log.Print("can't open file ", filename, " to write")
	}
	HandleError(err)
	defer func() { HandleError(dest.Close()) }()

	modelByteRepr, err := json.MarshalIndent(forest, "", "  ")
	HandleError(err)

	_, err = dest.Write(modelByteRepr)
	HandleError(err)
}

//LoadForest reads a forest saved by Save and validates it.
func LoadForest(filename string) (forest Forest) {
	source, err := os.Open(filename)
	HandleError(err)
	defer func() { HandleError(source.Close()) }()

	decoder := json.NewDecoder(source)
	HandleError(decoder.Decode(&forest))
	if forest.ThresholdScale == 0 {
		forest.ThresholdScale = 1
	}
	if forest.ScoreScale == 0 {
		forest.ScoreScale = 1
	}
	HandleError(forest.Validate())
	return
}

//Save writes the quantized forest as an indented JSON document. Raw
//fixed-point fields are integers, so load(save(forest)) is exact.
func (forest QuantForest) Save(filename string) {
	dest, err := os.Create(filename)
	if err != nil {
		log.Print("can't open file ", filename, " to write")
	}
	HandleError(err)
	defer func() { HandleError(dest.Close()) }()

	modelByteRepr, err := json.MarshalIndent(forest, "", "  ")
	HandleError(err)

	_, err = dest.Write(modelByteRepr)
	HandleError(err)
}

//LoadQuantForest reads a quantized forest saved by Save and validates it.
func LoadQuantForest(filename string) (forest QuantForest) {
	source, err := os.Open(filename)
	HandleError(err)
	defer func() { HandleError(source.Close()) }()

	decoder := json.NewDecoder(source)
	HandleError(decoder.Decode(&forest))
	HandleError(forest.Validate())
	return
}

//ReadNpy reads the content of an npy file into a dense matrix.
func ReadNpy(fileName string) (denseMat *mat.Dense) {
	f, err := os.Open(fileName)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { HandleError(f.Close()) }()

	r, err := npyio.NewReader(f)
	if err != nil {
		log.Fatal(err)
	}

	denseMat = &mat.Dense{}
	HandleError(r.Read(denseMat))
	return
}

//WriteNpy writes a dense matrix into an npy file.
func WriteNpy(fileName string, denseMat *mat.Dense) {
	dst, err := os.Create(fileName)
	HandleError(err)
	defer func() { HandleError(dst.Close()) }()
	HandleError(npyio.Write(dst, denseMat))
}

//ReadCSVMatrix reads a headed csv file into a dense matrix, every column
//parsed as a float feature.
func ReadCSVMatrix(fileName string) *mat.Dense {
	f, err := os.Open(fileName)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { HandleError(f.Close()) }()

	df := dataframe.ReadCSV(f)
	HandleError(df.Error())

	h, w := df.Nrow(), df.Ncol()
	denseMat := mat.NewDense(h, w, nil)
	for p := 0; p < h; p++ {
		for q := 0; q < w; q++ {
			denseMat.Set(p, q, df.Elem(p, q).Float())
		}
	}
	return denseMat
}
