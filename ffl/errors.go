package ffl

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

//StructuralError reports a malformed tree or forest. It is surfaced at load
//or validation time and is not recoverable.
type StructuralError struct {
	Detail string
}

func (e StructuralError) Error() string {
	return "structural error: " + e.Detail
}

//CapacityError reports that a compiled forest does not fit the target device.
type CapacityError struct {
	Detail string
}

func (e CapacityError) Error() string {
	return "capacity error: " + e.Detail
}

//AnyDim marks a ShapeError dimension that was not constrained, so the error
//message names only the dimensions that actually were.
const AnyDim = -1

//ShapeError reports an input batch whose dimensions do not match the model.
//The caller may retry with a corrected batch.
type ShapeError struct {
	WantRows, WantCols int
	GotRows, GotCols   int
}

func shapeDim(v int) string {
	if v == AnyDim {
		return "any"
	}
	return strconv.Itoa(v)
}

func (e ShapeError) Error() string {
	return fmt.Sprintf("shape error: want %sx%s, got %dx%d", shapeDim(e.WantRows), shapeDim(e.WantCols), e.GotRows, e.GotCols)
}

//StateError reports an operation invoked in the wrong runtime state.
type StateError struct {
	Op    string
	State SessionState
}

func (e StateError) Error() string {
	return fmt.Sprintf("state error: %s invalid in state %s", e.Op, e.State)
}

//BusyError reports an attempt to reconfigure or redispatch while a batch is
//still in flight.
type BusyError struct {
	Op string
}

func (e BusyError) Error() string {
	return "busy error: " + e.Op + " while a batch is in flight"
}

//HandleError interrupts the execution flow in the case of an error.
func HandleError(err error) {
	if err != nil {
		panic(err)
	}
}

//Height returns the height of a matrix.
func Height(m *mat.Dense) int {
	h, _ := m.Dims()
	return h
}
