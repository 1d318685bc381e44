// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar displays how many cores completed while waiting for the kernels.
// It implements dispatch.Progress.
type progressBar struct {
	w       io.Writer
	termenv *termenv.Output

	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	done int
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{w: w, termenv: termenv.NewOutput(w)}
}

// Start implements dispatch.Progress.
func (p *progressBar) Start(cores []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	colors := p.termenv.EnvColorProfile() != termenv.Ascii
	description := "waiting"
	if colors {
		description = "[bold]waiting[reset]"
	}
	p.bar = progressbar.NewOptions(len(cores),
		progressbar.OptionSetDescription(fmt.Sprintf("%s %d cores", description, len(cores))),
		progressbar.OptionUseANSICodes(colors),
		progressbar.OptionEnableColorCodes(colors),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("cores"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(p.w),
	)
	if colors {
		p.termenv.HideCursor()
	}
}

// CoreDone implements dispatch.Progress. It may be called concurrently.
func (p *progressBar) CoreDone(core int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	p.done++
	_ = p.bar.Add(1)
}

// Finish implements dispatch.Progress.
func (p *progressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	_, _ = fmt.Fprintln(p.w)
	if p.termenv.EnvColorProfile() != termenv.Ascii {
		p.termenv.ShowCursor()
	}
	p.bar = nil
}

// Done returns the number of cores reported as completed.
func (p *progressBar) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
