package locks

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
)

// Handle is an open edit. Close must run on every exit path; it is safe to call twice.
type Handle struct {
	coordinator *Coordinator
	station     stations.Station
	recordID    stations.RecordID
	cancel      context.CancelFunc
	done        chan struct{}

	mu       sync.Mutex
	lease    leases.Lease
	closed   bool
	closeErr error
}

// RecordID returns the record being edited.
func (h *Handle) RecordID() stations.RecordID {
	return h.recordID
}

// Station returns the station of the record.
func (h *Handle) Station() stations.Station {
	return h.station
}

// Lease returns the most recently acquired or renewed lease. It is zero outside lease mode.
func (h *Handle) Lease() leases.Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

// Close stops renewal, releases the lease and clears the presence claim.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		err := h.closeErr
		h.mu.Unlock()
		return err
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	<-h.done

	c := h.coordinator
	var err error
	if c.mode == ModeLease {
		releaseCtx := context.WithoutCancel(ctx)
		if err = c.store.Release(releaseCtx, h.station, h.recordID, c.holder.ID); err != nil {
			c.logger.Warn("lease release failed",
				zap.String("station", h.station.String()),
				zap.String("record_id", h.recordID.String()),
				zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.handles[h.recordID] == h {
		delete(c.handles, h.recordID)
	}
	if c.station == h.station {
		delete(c.states, h.recordID)
	}
	c.mu.Unlock()

	c.publish(context.WithoutCancel(ctx), "")
	c.logger.Info("edit closed",
		zap.String("station", h.station.String()),
		zap.String("record_id", h.recordID.String()))

	h.mu.Lock()
	h.closeErr = err
	h.mu.Unlock()
	return err
}

func (h *Handle) renewLoop(ctx context.Context) {
	defer close(h.done)
	c := h.coordinator
	ticker := time.NewTicker(c.timing.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := c.store.Renew(ctx, h.station, h.recordID, c.holder.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("lease renewal failed",
					zap.String("station", h.station.String()),
					zap.String("record_id", h.recordID.String()),
					zap.Error(err))
				continue
			}
			h.mu.Lock()
			h.lease = renewed
			h.mu.Unlock()
		}
	}
}
