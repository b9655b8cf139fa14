package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Worker drives the engine's periodic duties: expiry sweeps, pool admission
// retries and cohort settlement.
type Worker struct {
	engine   *Engine
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates the engine worker.
func NewWorker(e *Engine, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Worker{engine: e, interval: interval}
}

// Start begins background processing.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("engine worker already running")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	w.wg.Add(1)
	go w.run(ctx)
	w.engine.log.WithField("interval", w.interval.String()).Info("engine worker started")
	return nil
}

// Stop drains in-flight work and stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()
	w.wg.Wait()
	w.engine.log.Info("engine worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.tick(ctx)
	}
}

func (w *Worker) tick(ctx context.Context) {
	if err := w.engine.ExpireDue(ctx); err != nil {
		w.engine.log.WithError(err).Warn("expiry sweep failed")
	}
	if err := w.engine.AdmitUnpooled(ctx); err != nil {
		w.engine.log.WithError(err).Warn("admission sweep failed")
	}
	if err := w.engine.SettleReadyPools(ctx); err != nil {
		w.engine.log.WithError(err).Warn("settlement sweep failed")
	}
	if err := w.engine.MaintainPools(ctx); err != nil {
		w.engine.log.WithError(err).Warn("pool maintenance failed")
	}
}
