// Package commandline contains the terminal UI of the training drivers: a
// per-epoch progress bar and an end-of-epoch stats table.
package commandline

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/lightobserver/east/model"
	"github.com/lightobserver/east/train"
)

// ProgressBarName identifies the hooks attached by AttachProgressBar.
const ProgressBarName = "east.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// progressBar holds the progress bar of the current epoch.
type progressBar struct {
	epoch  int
	bar    *progressbar.ProgressBar
	suffix string

	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table
}

// Write implements io.Writer, appending the current loss suffix to each bar
// render so both are written in one operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	newData := append(data, []byte(pBar.suffix)...)
	n, err = os.Stdout.Write(newData)
	if err == nil {
		n = len(data)
	}
	return
}

func (pBar *progressBar) startEpoch(loop *train.Loop) {
	pBar.epoch = loop.Epoch
	pBar.suffix = ""
	pBar.termenv.HideCursor()
	pBar.bar = progressbar.NewOptions(loop.NumBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("[Epoch %d]", loop.Epoch+1)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetWriter(pBar),
	)
}

func (pBar *progressBar) onBatch(loop *train.Loop, step model.StepResult) error {
	if pBar.bar == nil || pBar.epoch != loop.Epoch {
		pBar.startEpoch(loop)
	}
	pBar.suffix = fmt.Sprintf(" [cls=%.4f angle=%.4f iou=%.4f]        ",
		step.ClsLoss, step.AngleLoss, step.IoULoss)
	_ = pBar.bar.Add(1) // Triggers print, see the Write method.
	return nil
}

func (pBar *progressBar) onEpochEnd(loop *train.Loop, res train.EpochResult) error {
	if pBar.bar != nil {
		_ = pBar.bar.Finish()
		pBar.bar = nil
	}
	pBar.termenv.ShowCursor()
	fmt.Println()

	pBar.statsTable.Data(lgtable.NewStringData())
	pBar.statsTable.Row("Epoch", fmt.Sprintf("%d of %d", res.Epoch+1, loop.MaxEpoch))
	pBar.statsTable.Row("Mean loss", fmt.Sprintf("%.4f", res.MeanLoss))
	pBar.statsTable.Row("Elapsed time", res.Elapsed.Round(time.Second).String())
	if loop.Schedule != nil {
		pBar.statsTable.Row("Learning rate", fmt.Sprintf("%g", loop.Schedule.At(res.Epoch)))
	}
	if tracker, ok := loop.SharedData[train.BestTrackerKey].(*train.BestTracker); ok {
		pBar.statsTable.Row("Early stop count", fmt.Sprintf("%d", tracker.Stall()))
	}
	fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
	return nil
}

// AttachProgressBar attaches a per-epoch progress bar to the loop, with a
// component-loss suffix per batch and a small stats table after every epoch.
func AttachProgressBar(loop *train.Loop) {
	pBar := &progressBar{
		termenv:    termenv.NewOutput(os.Stdout),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnBatch(ProgressBarName, 0, pBar.onBatch)
	loop.OnEpochEnd(ProgressBarName, 0, pBar.onEpochEnd)
}
