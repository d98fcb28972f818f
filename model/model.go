// Package model defines the seams to the EAST network and its numerical
// collaborators: the trainable model, the box detector and the detection
// evaluator.
//
// None of the numerical work lives in this repository. A backend package
// registers itself at init time (see Register) and supplies concrete
// implementations; the training drivers only orchestrate them.
package model

import (
	"github.com/lightobserver/east/data"
)

// StepResult is what one training step reports back: the scalar batch loss
// plus its component breakdown.
type StepResult struct {
	Loss float64

	// Component losses of the EAST objective.
	ClsLoss, AngleLoss, IoULoss float64
}

// Param is one named model parameter, serialized by the backend. Data is an
// opaque blob: the driver never interprets it, only writes it to checkpoints.
type Param struct {
	Name string
	Dims []int
	// DType names the element type, e.g. "float32".
	DType string
	Data  []byte
}

// Params is a model state dict: the full ordered set of parameters.
type Params []Param

// Model is the trainable EAST network.
type Model interface {
	// TrainStep runs forward and backward over one batch and applies the
	// optimizer update. It must only be called in Train mode.
	TrainStep(batch data.Batch) (StepResult, error)

	// SetLearningRate updates the optimizer's learning rate. Called once
	// per epoch by the learning-rate schedule.
	SetLearningRate(lr float64)

	// Train and Eval switch the network mode (dropout, batch-norm, etc.).
	Train()
	Eval()

	// StateDict serializes the current parameters for checkpointing.
	StateDict() (Params, error)

	// Seed resets the backend's random state. Part of the one-shot
	// process-wide seeding at startup.
	Seed(seed int64)
}

// Metrics are the detection-quality scalars of a validation pass.
// F1 is the harmonic mean of precision and recall (aka hmean).
type Metrics struct {
	Precision, Recall, F1 float64
}

// Detector decodes the model's raw output for one batch into word boxes.
type Detector interface {
	Detect(m Model, batch data.Batch, inputSize int) ([]data.Box, error)
}

// Evaluator scores predicted boxes against ground truth, one slice of boxes
// per image. The driver consumes the result as opaque scalars.
type Evaluator interface {
	Evaluate(pred, truth [][]data.Box) (Metrics, error)
}
