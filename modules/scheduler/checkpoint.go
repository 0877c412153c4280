package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// Checkpoint persists the Timetable locations processed by dispatchers and
// janitors. Progress is buffered in memory and flushed to the owning
// Timetable partition on an interval, so a partition's next owner reads its
// own progress on recovery without cross-partition coordination.
type Checkpoint struct {
	services.Service

	logger    log.Logger
	monitor   Monitor
	timetable *Timetable

	saveInterval time.Duration
	ready        *gate // topics created
	flow         *gate // cleared while a rebalance is in progress

	// dispatcherCheckpointed gates janitors: their highwater derives from
	// the dispatcher checkpoint, so they wait for the first dispatcher
	// update after each rebalance.
	dispatcherCheckpointed *gate

	mu      sync.Mutex
	pending map[PT]TTLocation
}

func NewCheckpoint(timetable *Timetable, saveInterval time.Duration, ready *gate, monitor Monitor, logger log.Logger) *Checkpoint {
	c := &Checkpoint{
		logger:                 log.With(logger, "component", "checkpoint"),
		monitor:                monitor,
		timetable:              timetable,
		saveInterval:           saveInterval,
		ready:                  ready,
		flow:                   newGate(false),
		dispatcherCheckpointed: newGate(false),
		pending:                make(map[PT]TTLocation),
	}
	c.Service = services.NewBasicService(nil, c.running, c.stopping)
	return c
}

func (c *Checkpoint) running(ctx context.Context) error {
	if err := c.ready.Wait(ctx); err != nil {
		return nil
	}

	ticker := time.NewTicker(c.saveInterval)
	defer ticker.Stop()

	for {
		if err := c.flow.Wait(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.persist()
		}
	}
}

func (c *Checkpoint) stopping(_ error) error {
	// One last flush.
	c.persist()
	return nil
}

// OnRebalanceStarted re-arms the janitor gate; the next dispatcher update
// after the rebalance sets it again.
func (c *Checkpoint) OnRebalanceStarted() {
	c.dispatcherCheckpointed.Clear()
}

// Pause suspends periodic persistence.
func (c *Checkpoint) Pause() { c.flow.Clear() }

// Resume reenables periodic persistence.
func (c *Checkpoint) Resume() { c.flow.Set() }

// DispatcherCheckpointed returns the gate janitors wait on before their
// first pass.
func (c *Checkpoint) DispatcherCheckpointed() *gate { return c.dispatcherCheckpointed }

// Update buffers a location as the latest progress for pt. Buffered entries
// overwrite earlier ones; only the newest matters.
func (c *Checkpoint) Update(pt PT, loc TTLocation) {
	c.mu.Lock()
	c.pending[pt] = loc
	c.mu.Unlock()

	if pt.Part == PartDispatcher && !c.dispatcherCheckpointed.IsSet() {
		c.dispatcherCheckpointed.Set()
	}
}

// Get returns the last known location for pt: a pending update if one is
// buffered, otherwise the value persisted in the Timetable partition.
func (c *Checkpoint) Get(pt PT) (TTLocation, bool) {
	c.mu.Lock()
	loc, ok := c.pending[pt]
	c.mu.Unlock()
	if ok {
		return loc, true
	}

	raw, ok := c.timetable.Get(pt.Partition, checkpointKey(pt))
	if !ok {
		return TTLocation{}, false
	}
	var persisted TTLocation
	if err := json.Unmarshal(raw, &persisted); err != nil {
		level.Warn(c.logger).Log("msg", "discarding unreadable persisted checkpoint", "pt", pt, "err", err)
		return TTLocation{}, false
	}
	return persisted, true
}

// GetOrDefault is Get with a fallback for a worker's very first run.
func (c *Checkpoint) GetOrDefault(pt PT, def TTLocation) TTLocation {
	if loc, ok := c.Get(pt); ok {
		return loc
	}
	return def
}

// Flush persists any pending checkpoints immediately.
func (c *Checkpoint) Flush() {
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n > 0 {
		level.Info(c.logger).Log("msg", "flushing pending checkpoints", "count", n)
		c.persist()
	}
}

func (c *Checkpoint) persist() {
	c.mu.Lock()
	batch := make(map[PT]TTLocation, len(c.pending))
	for pt, loc := range c.pending {
		batch[pt] = loc
	}
	c.pending = make(map[PT]TTLocation, len(batch))
	c.mu.Unlock()

	for pt, loc := range batch {
		pt, loc := pt, loc
		raw, err := json.Marshal(loc)
		if err != nil {
			level.Error(c.logger).Log("msg", "encoding checkpoint", "pt", pt, "err", err)
			continue
		}
		err = c.timetable.Update(loc.Partition, checkpointKey(pt), raw, func(err error) {
			if err == nil {
				c.monitor.OnCheckpointUpdated(pt, loc)
			}
		})
		if err != nil {
			// Partition was revoked between update and persist; the next
			// owner restarts from the last persisted value.
			level.Warn(c.logger).Log("msg", "dropping checkpoint for revoked partition", "pt", pt, "err", err)
		}
	}
}
