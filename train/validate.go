package train

import (
	"io"
	"time"

	"github.com/lightobserver/east/data"
	"github.com/lightobserver/east/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Validation runs inference over the held-out split, decodes predicted boxes
// and scores them against ground truth.
type Validation struct {
	Dataset   data.Dataset
	Detector  model.Detector
	Evaluator model.Evaluator

	// InputSize is the crop size fed to the network during inference.
	InputSize int
}

// Run performs one validation pass. The model is switched to Eval mode for
// the duration of the pass.
//
// Its signature matches ValidateFn, so it plugs into AttachValidation
// directly.
func (v *Validation) Run(m model.Model) (model.Metrics, error) {
	m.Eval()
	defer m.Train()

	start := time.Now()
	var pred, truth [][]data.Box
	for {
		batch, err := v.Dataset.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.Metrics{}, errors.WithMessagef(err, "failed reading from validation dataset %q", v.Dataset.Name())
		}
		boxes, err := v.Detector.Detect(m, batch, v.InputSize)
		if err != nil {
			return model.Metrics{}, errors.WithMessage(err, "failed decoding predicted boxes")
		}
		pred = append(pred, boxes)
		truth = append(truth, batch.Truth)
	}
	v.Dataset.Reset()

	metrics, err := v.Evaluator.Evaluate(pred, truth)
	if err != nil {
		return model.Metrics{}, errors.WithMessage(err, "failed computing detection metrics")
	}
	klog.Infof("F1: %.4f Precision: %.4f Recall: %.4f | Elapsed time: %s",
		metrics.F1, metrics.Precision, metrics.Recall, time.Since(start).Round(time.Millisecond))
	return metrics, nil
}
