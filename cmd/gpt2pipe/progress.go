// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar reports the micro-batches as their losses arrive from the last pipeline stages.
type progressBar struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
	sumLoss float64
	count   int
}

func newProgressBar(numMicroBatches int) *progressBar {
	out := termenv.NewOutput(os.Stdout)
	out.HideCursor()
	return &progressBar{
		termenv: out,
		bar: progressbar.NewOptions(numMicroBatches,
			progressbar.OptionSetDescription("      [bold]"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("micro-batches"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		),
	}
}

// onMicroBatch is called concurrently by the data-parallel replicas.
func (p *progressBar) onMicroBatch(_ int, loss float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sumLoss += loss
	p.count++
	p.bar.Describe(fmt.Sprintf("      [bold]mean loss=%.4f[reset]", p.sumLoss/float64(p.count)))
	_ = p.bar.Add(1)
}

func (p *progressBar) finish() {
	_ = p.bar.Finish()
	p.termenv.ShowCursor()
	fmt.Println()
}
