package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with elapsed or remaining
// seconds until Stop is called.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(w, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop may be called any number of times.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	duration time.Duration // zero counts up

	mu        sync.Mutex
	phase     string
	startTime time.Time
	stopChan  chan struct{}
	done      chan struct{}
	stopped   bool
}

// NewProgressPrinter creates a printer that shows elapsed seconds.
func NewProgressPrinter(out io.Writer, prefix, phase string) *ProgressPrinter {
	return &ProgressPrinter{out: out, prefix: prefix, phase: phase}
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{out: out, prefix: prefix, phase: phase, duration: duration}
}

// Start begins redrawing in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopChan != nil || p.stopped {
		panic("ProgressPrinter.Start called more than once")
	}

	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	p.startTime = time.Now()
	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase)

	go p.loop(p.stopChan, p.done)
}

func (p *ProgressPrinter) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			phase := p.phase
			seconds := p.seconds(time.Since(p.startTime))
			if seconds > 0 {
				fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
			} else {
				fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
			}
			p.mu.Unlock()
		}
	}
}

// seconds rounds remaining time to the nearest second in countdown mode
// and never goes below zero.
func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

// SetPhase changes the label shown in parentheses.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// Stop stops redrawing and clears the line.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	if p.stopped || p.stopChan == nil {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopChan)
	done := p.done
	p.mu.Unlock()

	<-done
	fmt.Fprint(p.out, clearLineSequence)
}
