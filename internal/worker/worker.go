// ============================================================================
// Bookextract Progress Pacer - Synthesized Progress During Long Calls
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Emits monotone progress on a ticker while an extractor waits on a
//           single long external call that reports nothing by itself
//
// How it works:
//   The pacer runs in its own goroutine and repeats:
//   1. Wait for the next tick (or stop / context done)
//   2. Advance the current value by a small random step, capped at Ceiling
//   3. Report the new value through the ProgressFunc
//   4. Every Milestone percent, emit a log line through the LogFunc
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Pacer Goroutine                    │
//   │  ┌──────────────────────────────┐   │
//   │  │ for range ticker.C           │   │
//   │  │   ├─ step (1..MaxStep)        │   │
//   │  │   ├─ onProgress(current)      │   │
//   │  │   └─ onLog at milestones      │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Stop waits for the goroutine to exit, so no callback fires after Stop
// returns. This keeps the extractor inside its callback contract.
//
// ============================================================================

package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// PacerConfig tunes the synthesized progress curve
type PacerConfig struct {
	Start     int           // value the pacer starts from
	Ceiling   int           // never report above this
	Interval  time.Duration // tick period
	MaxStep   int           // each tick advances 1..MaxStep
	Milestone int           // log every Milestone percent (0 disables)
	Message   func(percent int) string
}

// ProgressPacer reports synthesized progress until stopped
type ProgressPacer struct {
	cfg        PacerConfig
	onLog      LogFunc
	onProgress ProgressFunc

	mu      sync.Mutex
	current int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	rnd      *rand.Rand
}

// NewProgressPacer creates a pacer; call Start to begin ticking
func NewProgressPacer(cfg PacerConfig, onLog LogFunc, onProgress ProgressFunc) *ProgressPacer {
	if cfg.Interval <= 0 {
		cfg.Interval = 1500 * time.Millisecond
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 2
	}
	if cfg.Ceiling <= 0 || cfg.Ceiling > 100 {
		cfg.Ceiling = 90
	}
	if onLog == nil {
		onLog = func(string) {}
	}
	if onProgress == nil {
		onProgress = func(int) {}
	}
	return &ProgressPacer{
		cfg:        cfg,
		onLog:      onLog,
		onProgress: onProgress,
		current:    cfg.Start,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the ticking goroutine; it exits on Stop or ctx done
func (p *ProgressPacer) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *ProgressPacer) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *ProgressPacer) tick() {
	p.mu.Lock()
	if p.current >= p.cfg.Ceiling {
		p.mu.Unlock()
		return
	}
	next := p.current + p.rnd.Intn(p.cfg.MaxStep) + 1
	if next > p.cfg.Ceiling {
		next = p.cfg.Ceiling
	}
	p.current = next
	p.mu.Unlock()

	p.onProgress(next)
	if p.cfg.Milestone > 0 && next%p.cfg.Milestone == 0 && p.cfg.Message != nil {
		p.onLog(p.cfg.Message(next))
	}
}

// Current returns the last reported value
func (p *ProgressPacer) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Stop halts the pacer and waits for its goroutine; safe to call twice.
// Stop must only be called after Start.
func (p *ProgressPacer) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}
