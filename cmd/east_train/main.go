// Training driver for the EAST scene-text detector.
//
// Early stopping is loss-based: the best model is the one with the lowest
// cumulative epoch loss. Periodic checkpoints are written every
// --save_interval epochs with a latest.pth symlink; the best checkpoint is
// the fixed best_model.pth.
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
	cfg.RegisterFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()
	must.M(cfg.Validate())

	backend := must.M1(model.NewBackend())
	m := must.M1(backend.NewModel(cfg.Device))
	rng := train.SeedAll(cfg.Seed, m)

	src := must.M1(backend.TrainingData(model.DataSpec{
		DataDir:   cfg.DataDir,
		Split:     "train",
		ImageSize: cfg.ImageSize,
		InputSize: cfg.InputSize,
		BatchSize: cfg.BatchSize,
	}))
	var ds data.Dataset = data.NewLoader(src).Shuffle(rng)
	parallel := data.NewParallel(ds).Workers(cfg.NumWorkers).Start()
	defer parallel.Cancel()
	ds = parallel

	ckpt := must.M1(checkpoints.Build().Dir(cfg.ModelDir).Done())
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
			"Cls loss":   step.ClsLoss,
			"Angle loss": step.AngleLoss,
			"IoU loss":   step.IoULoss,
		})
		return nil
	})

	tracker := train.MinLoss(cfg.EarlyStopPatience)
	train.AttachLossEarlyStop(loop, tracker, 80, func(loop *train.Loop, res train.EpochResult) error {
		_, err := ckpt.SaveBest(m)
		return err
	})
	train.EveryNEpochs(loop, cfg.SaveInterval, "checkpointing", 100, func(loop *train.Loop, res train.EpochResult) error {
		_, err := ckpt.SavePeriodic(m, res.Epoch)
		return err
	})
	loop.OnEpochEnd("epoch log", 90, func(loop *train.Loop, res train.EpochResult) error {
		klog.Infof("Mean loss: %.4f | Elapsed time: %s | early stop count: %d",
			res.MeanLoss, res.Elapsed.Round(time.Second), tracker.Stall())
		return nil
	})

	must.M(loop.RunEpochs(ds, cfg.MaxEpoch))
	if stopped, reason := loop.Stopped(); stopped {
		klog.Infof("Training stopped early: %s", reason)
	}
}
