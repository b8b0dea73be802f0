// SPDX-License-Identifier: Apache-2.0

package main

/*
#cgo CFLAGS: -I.
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"io"
	"log"
	"sync"
	"unsafe"

	ffl "github.com/tarstars/fixed_forest/ffl"
	"gonum.org/v1/gonum/mat"
)

//boundModel bundles a loaded quantized forest with the session driving its
//emulated target. The session appears after Configure.
type boundModel struct {
	forest  *ffl.QuantForest
	session *ffl.Session
}

var (
	handleMu   sync.Mutex
	nextHandle uint64 = 1
	models            = make(map[uint64]*boundModel)

	lastErrorMu sync.Mutex
	lastError   string

	logSilenceOnce sync.Once
)

func setLastError(err error) {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	if err != nil {
		lastError = err.Error()
	} else {
		lastError = ""
	}
}

func getLastError() string {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	return lastError
}

func storeModel(m *boundModel) uint64 {
	handleMu.Lock()
	defer handleMu.Unlock()
	handle := nextHandle
	models[handle] = m
	nextHandle++
	return handle
}

func fetchModel(handle uint64) (*boundModel, error) {
	handleMu.Lock()
	defer handleMu.Unlock()
	model, ok := models[handle]
	if !ok {
		return nil, errors.New("invalid model handle")
	}
	return model, nil
}

//export FreeModel
func FreeModel(handle C.ulonglong) {
	handleMu.Lock()
	defer handleMu.Unlock()
	delete(models, uint64(handle))
}

func copyFloatSlice(ptr *C.double, length int) ([]float64, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if length == 0 {
		return nil, nil
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	src := unsafe.Slice((*float64)(unsafe.Pointer(ptr)), length)
	dst := make([]float64, length)
	copy(dst, src)
	return dst, nil
}

func sliceFromPtr(ptr *C.double, length int) ([]float64, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if length == 0 {
		return nil, nil
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(ptr)), length), nil
}

func buildDense(ptr *C.double, rows, cols C.int) (*mat.Dense, error) {
	r := int(rows)
	c := int(cols)
	if r < 0 || c < 0 {
		return nil, errors.New("invalid matrix dimensions")
	}
	if r == 0 || c == 0 {
		return mat.NewDense(r, c, nil), nil
	}
	data, err := copyFloatSlice(ptr, r*c)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(r, c, data), nil
}

//export LoadModel
func LoadModel(path *C.char) C.ulonglong {
	setLastError(nil)
	logSilenceOnce.Do(func() {
		log.SetOutput(io.Discard)
	})

	goPath := C.GoString(path)

	var handle C.ulonglong
	func() {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok {
					setLastError(err)
				} else {
					setLastError(errors.New("model load failed"))
				}
				handle = 0
			}
		}()
		forest := ffl.LoadQuantForest(goPath)
		handle = C.ulonglong(storeModel(&boundModel{forest: &forest}))
	}()
	return handle
}

//export Configure
func Configure(
	handle C.ulonglong,
	engines C.int,
	nodeCapacity C.int,
	treesPerEngine C.int,
	maxFeatures C.int,
	batchSize C.int,
) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}

	deviceConfig := ffl.DeviceConfig{
		Engines:        int(engines),
		NodeCapacity:   int(nodeCapacity),
		TreesPerEngine: int(treesPerEngine),
		MaxFeatures:    int(maxFeatures),
		Schemes:        model.forest.Schemes,
	}

	target := ffl.NewEmulatedTarget(deviceConfig)
	compiled, err := ffl.Compile(model.forest, target.Describe())
	if err != nil {
		setLastError(err)
		return 2
	}

	session, err := ffl.NewSession(target, compiled)
	if err != nil {
		setLastError(err)
		return 3
	}
	if err := session.Configure(int(batchSize)); err != nil {
		setLastError(err)
		return 4
	}

	model.session = session
	return 0
}

//export Predict
func Predict(
	handle C.ulonglong,
	featuresPtr *C.double,
	rows C.int,
	cols C.int,
	outputPtr *C.double,
) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	if model.session == nil {
		setLastError(errors.New("model is not configured"))
		return 2
	}

	features, err := buildDense(featuresPtr, rows, cols)
	if err != nil {
		setLastError(err)
		return 3
	}

	if err := model.session.Dispatch(features); err != nil {
		setLastError(err)
		return 4
	}
	if err := model.session.AwaitCompletion(); err != nil {
		setLastError(err)
		return 5
	}
	prediction, err := model.session.ReadOutputs()
	if err != nil {
		setLastError(err)
		return 6
	}

	h, w := prediction.Dims()
	outSlice, err := sliceFromPtr(outputPtr, h*w)
	if err != nil {
		setLastError(err)
		return 7
	}
	copy(outSlice, prediction.RawMatrix().Data)
	return 0
}

//export NumClasses
func NumClasses(handle C.ulonglong) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return -1
	}
	return C.int(model.forest.NumClasses())
}

//export GetLastError
func GetLastError() *C.char {
	errStr := getLastError()
	if errStr == "" {
		return nil
	}
	return C.CString(errStr)
}

//export FreeCString
func FreeCString(str *C.char) {
	if str != nil {
		C.free(unsafe.Pointer(str))
	}
}

func main() {}
