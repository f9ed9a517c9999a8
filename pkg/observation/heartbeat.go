package observation

import (
	"context"
	"sync"
	"time"

	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/types"
)

// Heartbeat pings a dedicated endpoint at a fixed frequency, independent of
// any observed unit of work.
type Heartbeat struct {
	emitter    *Emitter
	endpointID string
	interval   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartHeartbeat begins emitting Succeeded at spec.Frequency.
func StartHeartbeat(emitter *Emitter, spec types.HeartbeatSpec) *Heartbeat {
	h := &Heartbeat{
		emitter:    emitter,
		endpointID: spec.EndpointID,
		interval:   spec.Frequency,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.emitter.Emit(context.Background(), h.endpointID, StageSucceeded()); err != nil {
				log.Logger.Warn().Err(err).Str("endpoint", h.endpointID).Msg("heartbeat emit failed")
			}
		case <-h.stop:
			return
		}
	}
}

// Stop ends the heartbeat loop. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Wait blocks until the loop has exited.
func (h *Heartbeat) Wait() {
	<-h.done
}
