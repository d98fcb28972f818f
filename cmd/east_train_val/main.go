// Training driver for the EAST scene-text detector with validation.
//
// Every --val_interval epochs the model is evaluated on the held-out split
// and the best model is the one with the highest F1. The best checkpoint is
// run-named and symlinked from best_model.pth; periodic checkpoints are
// written every --save_interval epochs with a latest.pth symlink.
//
// When the validation split index (data_dir/ufo/val.json) is missing,
// --use_val is downgraded to false with a warning and training proceeds
// without validation (and without early stopping).
//
// A model backend must be linked in (imported for its side effects) for the
// binary to run.
package main

import (
	"flag"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/lightobserver/east/checkpoints"
	"github.com/lightobserver/east/commandline"
	"github.com/lightobserver/east/config"
	"github.com/lightobserver/east/data"
	"github.com/lightobserver/east/model"
	"github.com/lightobserver/east/telemetry"
	"github.com/lightobserver/east/train"
)

// Experiment-tracking coordinates, matching the team's dashboard.
const (
	telemetryProject = "OCR Data annotation"
	telemetryEntity  = "light-observer"
)

func main() {
	cfg := config.Default()
	cfg.EarlyStopPatience = 20
	cfg.RegisterFlags(flag.CommandLine)
	cfg.RegisterValidationFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()
	must.M(cfg.Validate())
	useVal := cfg.ResolveValidation()

	backend := must.M1(model.NewBackend())
	m := must.M1(backend.NewModel(cfg.Device))
	rng := train.SeedAll(cfg.Seed, m)

	trainSrc := must.M1(backend.TrainingData(model.DataSpec{
		DataDir:   cfg.DataDir,
		Split:     "train",
		ImageSize: cfg.ImageSize,
		InputSize: cfg.InputSize,
		BatchSize: cfg.BatchSize,
	}))
	var ds data.Dataset = data.NewLoader(trainSrc).Shuffle(rng)
	parallel := data.NewParallel(ds).Workers(cfg.NumWorkers).Start()
	defer parallel.Cancel()
	ds = parallel

	ckpt := must.M1(checkpoints.Build().Dir(cfg.ModelDir).RunName(cfg.RunName).Done())
	run := must.M1(telemetry.Build().
		Project(telemetryProject).
		Entity(telemetryEntity).
		RunName(cfg.RunName).
		LocalDir(cfg.ModelDir).
		Done())
	defer run.Close()

	loop := train.NewLoop(m, train.MidpointDecay(cfg.LearningRate, cfg.MaxEpoch))
	commandline.AttachProgressBar(loop)

	loop.OnBatch("telemetry", 50, func(loop *train.Loop, step model.StepResult) error {
		run.Log(map[string]float64{
			"Train/Cls loss":   step.ClsLoss,
			"Train/Angle loss": step.AngleLoss,
			"Train/IoU loss":   step.IoULoss,
		})
		return nil
	})
	loop.OnEpochEnd("epoch log", 90, func(loop *train.Loop, res train.EpochResult) error {
		klog.Infof("Mean loss: %.4f | Elapsed time: %s",
			res.MeanLoss, res.Elapsed.Round(time.Second))
		return nil
	})

	if useVal {
		valSrc := must.M1(backend.ValidationData(model.DataSpec{
			DataDir:   cfg.DataDir,
			Split:     "val",
			ImageSize: cfg.ImageSize,
			InputSize: cfg.InputSize,
			BatchSize: 1,
		}))
		validation := &train.Validation{
			Dataset:   data.NewLoader(valSrc),
			Detector:  backend.Detector(),
			Evaluator: backend.Evaluator(),
			InputSize: cfg.InputSize,
		}
		tracker := train.MaxF1(cfg.EarlyStopPatience)
		train.AttachValidation(loop, cfg.ValInterval, tracker, 80, validation.Run,
			func(loop *train.Loop, res train.EpochResult, metrics model.Metrics, improved bool) error {
				run.Log(map[string]float64{
					"Val/Precision": metrics.Precision,
					"Val/Recall":    metrics.Recall,
					"Val/F1":        metrics.F1,
				})
				if !improved {
					return nil
				}
				_, err := ckpt.SaveBest(m)
				return err
			})
	}

	train.EveryNEpochs(loop, cfg.SaveInterval, "checkpointing", 100, func(loop *train.Loop, res train.EpochResult) error {
		_, err := ckpt.SavePeriodic(m, res.Epoch)
		return err
	})

	must.M(loop.RunEpochs(ds, cfg.MaxEpoch))
	if stopped, reason := loop.Stopped(); stopped {
		klog.Infof("Training stopped early: %s", reason)
	}
}
