package chain

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// healthState tracks upstream connectivity for one adapter. Two consecutive
// probe failures flip the adapter to disconnected; a single success restores
// it.
type healthState struct {
	mu           sync.RWMutex
	connected    bool
	failures     int
	lastCheck    time.Time
	lastStatus   HealthStatus
	disconnected bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newHealthState() *healthState {
	return &healthState{
		connected: true,
		stopCh:    make(chan struct{}),
	}
}

const (
	healthProbeInterval = 45 * time.Second
	healthFailThreshold = 2
)

// startProbe launches the background health loop. check is the adapter's
// Health implementation.
func (h *healthState) startProbe(
	interval time.Duration,
	check func(ctx context.Context) (HealthStatus, error),
	metrics *Metrics,
	curr string,
	log *logrus.Entry,
) {
	if interval <= 0 {
		interval = healthProbeInterval
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			status, err := check(ctx)
			cancel()

			h.mu.Lock()
			h.lastCheck = time.Now()
			if err != nil || !status.Connected {
				h.failures++
				if h.failures >= healthFailThreshold && h.connected {
					h.connected = false
					log.WithError(err).Warn("upstream node considered disconnected")
				}
			} else {
				if !h.connected {
					log.Info("upstream node reconnected")
				}
				h.failures = 0
				h.connected = true
				h.lastStatus = status
			}
			connected := h.connected
			h.mu.Unlock()

			metrics.SetConnected(curr, connected)
		}
	}()
}

// isConnected reports the probe's latest verdict.
func (h *healthState) isConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected && !h.disconnected
}

// allowCalls reports whether the adapter accepts new calls.
func (h *healthState) allowCalls() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.disconnected
}

// shutdown stops the probe and refuses further calls.
func (h *healthState) shutdown() {
	h.mu.Lock()
	h.disconnected = true
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}
