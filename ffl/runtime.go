package ffl

import (
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"
)

//SessionState is the phase of a runtime session.
type SessionState int

const (
	Unconfigured SessionState = iota
	BuffersAllocated
	Dispatched
	Complete
)

func (state SessionState) String() string {
	switch state {
	case Unconfigured:
		return "unconfigured"
	case BuffersAllocated:
		return "buffers-allocated"
	case Dispatched:
		return "dispatched"
	case Complete:
		return "complete"
	}
	return "unknown"
}

//ExecutionTarget is an evaluation device or its software emulation. A target
//holds at most one compiled model; loading another one bumps the generation
//and invalidates sessions bound to the previous load. Begin starts one batch
//and returns immediately; Busy is the idle/done status the host polls.
type ExecutionTarget interface {
	Describe() DeviceConfig
	Load(model *CompiledModel) (generation uint64, err error)
	Generation() uint64
	Begin(inputs, outputs *mat.Dense) error
	Busy() bool
	Err() error
}

//EmulatedTarget evaluates compiled models in software, processing each
//dispatched batch as a single sequential pass over the packed node memory.
type EmulatedTarget struct {
	config DeviceConfig

	mu         sync.Mutex
	model      *CompiledModel
	generation uint64
	runErr     error

	busy atomic.Bool
}

//NewEmulatedTarget creates a software target exposing the given descriptor.
func NewEmulatedTarget(config DeviceConfig) *EmulatedTarget {
	return &EmulatedTarget{config: config}
}

//Describe returns the read-only device descriptor.
func (target *EmulatedTarget) Describe() DeviceConfig {
	return target.config
}

//Load binds a compiled model to the target, evicting any previous one.
func (target *EmulatedTarget) Load(model *CompiledModel) (uint64, error) {
	if target.busy.Load() {
		return 0, BusyError{Op: "load"}
	}
	if model.Config != target.config {
		return 0, StructuralError{Detail: "compiled model was built against a different device descriptor"}
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	target.model = model
	target.generation++
	return target.generation, nil
}

//Generation returns the load generation of the currently bound model.
func (target *EmulatedTarget) Generation() uint64 {
	target.mu.Lock()
	defer target.mu.Unlock()
	return target.generation
}

//Begin starts the sequential evaluation of one batch. Inputs are read and
//outputs written only by the emulation goroutine until Busy turns false.
func (target *EmulatedTarget) Begin(inputs, outputs *mat.Dense) error {
	if !target.busy.CompareAndSwap(false, true) {
		return BusyError{Op: "begin"}
	}
	target.mu.Lock()
	model := target.model
	target.mu.Unlock()
	if model == nil {
		target.busy.Store(false)
		return StateError{Op: "begin without a loaded model", State: Unconfigured}
	}

	go func() {
		prediction, err := model.Evaluate(inputs)
		target.mu.Lock()
		target.runErr = err
		target.mu.Unlock()
		if err == nil {
			outputs.Copy(prediction)
		}
		target.busy.Store(false)
	}()
	return nil
}

//Busy reports whether a batch is still being processed.
func (target *EmulatedTarget) Busy() bool {
	return target.busy.Load()
}

//Err returns the error of the last completed run, if any.
func (target *EmulatedTarget) Err() error {
	target.mu.Lock()
	defer target.mu.Unlock()
	return target.runErr
}

//defaultPollInterval bounds the completion-detection latency of the host.
const defaultPollInterval = 100 * time.Microsecond

//Session drives batched execution against one target. It owns the host-side
//batch buffers and enforces the Unconfigured → BuffersAllocated → Dispatched
//→ Complete state machine with a single batch in flight.
type Session struct {
	target       ExecutionTarget
	model        *CompiledModel
	generation   uint64
	state        SessionState
	batchSize    int
	inputBuffer  *mat.Dense
	outputBuffer *mat.Dense
	PollInterval time.Duration
}

//NewSession loads a compiled model onto the target and returns a session
//bound to that load. A later load by another session invalidates this one.
func NewSession(target ExecutionTarget, model *CompiledModel) (*Session, error) {
	generation, err := target.Load(model)
	if err != nil {
		return nil, err
	}
	return &Session{
		target:       target,
		model:        model,
		generation:   generation,
		state:        Unconfigured,
		PollInterval: defaultPollInterval,
	}, nil
}

//State returns the current session state.
func (session *Session) State() SessionState {
	return session.state
}

//Configure allocates the host batch buffers for the given batch size,
//replacing any previous ones. It fails with BusyError while a batch is in
//flight.
func (session *Session) Configure(batchSize int) error {
	if session.state == Dispatched {
		return BusyError{Op: "configure"}
	}
	if batchSize <= 0 {
		return StructuralError{Detail: "batch size must be positive"}
	}
	session.batchSize = batchSize
	session.inputBuffer = mat.NewDense(batchSize, session.model.NumFeatures, nil)
	session.outputBuffer = mat.NewDense(batchSize, session.model.NumClasses, nil)
	session.state = BuffersAllocated
	return nil
}

//Dispatch validates the input batch, copies it into the host buffer and
//signals the target to start. Only one batch may be in flight.
func (session *Session) Dispatch(inputs *mat.Dense) error {
	switch session.state {
	case Dispatched:
		return BusyError{Op: "dispatch"}
	case Unconfigured:
		return StateError{Op: "dispatch", State: session.state}
	}
	if session.target.Generation() != session.generation {
		return StateError{Op: "dispatch on an evicted model", State: session.state}
	}

	h, w := inputs.Dims()
	if h != session.batchSize || w != session.model.NumFeatures {
		return ShapeError{WantRows: session.batchSize, WantCols: session.model.NumFeatures, GotRows: h, GotCols: w}
	}

	session.inputBuffer.Copy(inputs)
	if err := session.target.Begin(session.inputBuffer, session.outputBuffer); err != nil {
		return err
	}
	session.state = Dispatched
	return nil
}

//Poll checks the target once and reports whether the batch completed. The
//batch completes atomically as one unit of work; no partial results are
//observable before completion.
func (session *Session) Poll() bool {
	if session.state == Complete {
		return true
	}
	if session.state != Dispatched {
		return false
	}
	if session.target.Busy() {
		return false
	}
	session.state = Complete
	return true
}

//AwaitCompletion blocks until the target reports the batch done. Completion
//is observed no earlier than the true completion, with polling latency
//bounded by PollInterval.
func (session *Session) AwaitCompletion() error {
	if session.state == Complete {
		return session.target.Err()
	}
	if session.state != Dispatched {
		return StateError{Op: "await completion", State: session.state}
	}
	for session.target.Busy() {
		time.Sleep(session.PollInterval)
	}
	session.state = Complete
	return session.target.Err()
}

//ReadOutputs returns a copy of the per-class score matrix of the completed
//batch, shape (batch size × class count). It is valid only in the Complete
//state.
func (session *Session) ReadOutputs() (*mat.Dense, error) {
	if session.state != Complete {
		return nil, StateError{Op: "read outputs", State: session.state}
	}
	return mat.DenseCopyOf(session.outputBuffer), nil
}
