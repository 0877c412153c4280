package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"
)

// Janitor removes already-delivered messages from one Timetable partition.
//
// It mirrors the Dispatcher's scan but trails it: the janitor's highwater is
// the dispatcher checkpoint minus a fixed offset, leaving delivered entries
// around for late replays and debugging. Within a TimeKey it removes
// sequences in descending order and finishes with the TimeKey counter
// itself, so the records still present always run contiguously from
// sequence 0 and stay covered by the counter.
type Janitor struct {
	services.Service

	logger  log.Logger
	monitor Monitor

	partition   int32
	cfg         JanitorConfig
	lookback    time.Duration
	timetable   *Timetable
	checkpoints *Checkpoint

	topicsCreated *gate
	recovered     *gate
	flow          *gate

	pendingRemovals chan TTLocation

	mu           sync.Mutex
	lastLocation *TTLocation
	unacked      map[TTLocation]struct{}
	ackCh        chan struct{}

	removedTotal atomic.Int64
}

func NewJanitor(
	partition int32,
	cfg JanitorConfig,
	lookback time.Duration,
	timetable *Timetable,
	checkpoints *Checkpoint,
	topicsCreated, recovered *gate,
	monitor Monitor,
	logger log.Logger,
) *Janitor {
	j := &Janitor{
		logger:          log.With(logger, "component", "janitor", "partition", partition),
		monitor:         monitor,
		partition:       partition,
		cfg:             cfg,
		lookback:        lookback,
		timetable:       timetable,
		checkpoints:     checkpoints,
		topicsCreated:   topicsCreated,
		recovered:       recovered,
		flow:            newGate(false),
		pendingRemovals: make(chan TTLocation, pendingBufferSize),
		unacked:         make(map[TTLocation]struct{}),
		ackCh:           make(chan struct{}, 1),
	}
	j.Service = services.NewBasicService(nil, j.running, j.stopping)
	return j
}

func (j *Janitor) Partition() int32 { return j.partition }

func (j *Janitor) pt() PT { return PT{Part: PartJanitor, Partition: j.partition} }

// dpt keys the dispatcher checkpoint for the same partition, which bounds
// how far the janitor may clean.
func (j *Janitor) dpt() PT { return PT{Part: PartDispatcher, Partition: j.partition} }

// Pause suspends cleaning at the next suspension point.
func (j *Janitor) Pause() {
	j.flow.Clear()
	j.monitor.OnJanitorPaused(j.partition)
}

// Resume releases a paused janitor.
func (j *Janitor) Resume() {
	j.flow.Set()
	j.monitor.OnJanitorResumed(j.partition)
}

// DefaultCheckpoint is the scan start used when no checkpoint exists yet.
func (j *Janitor) DefaultCheckpoint() TTLocation {
	return NewLocation(j.partition, CurrentTimeKey()-int64(j.lookback/time.Second))
}

// Highwater is the location the janitor may clean up to. It is undefined
// until the dispatcher for this partition has checkpointed.
func (j *Janitor) Highwater() (TTLocation, bool) {
	dcp, ok := j.checkpoints.Get(j.dpt())
	if !ok {
		return TTLocation{}, false
	}
	offset := int64(j.cfg.HighwaterOffset / time.Second)
	return NewLocation(j.partition, dcp.TimeKey-offset-1), true
}

// LastLocation returns the most recently evaluated Timetable location.
func (j *Janitor) LastLocation() *TTLocation {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastLocation == nil {
		return nil
	}
	loc := *j.lastLocation
	return &loc
}

// RemovedTotal returns how many removals this janitor has had acked.
func (j *Janitor) RemovedTotal() int64 { return j.removedTotal.Load() }

func (j *Janitor) setLastLocation(loc TTLocation) {
	j.mu.Lock()
	j.lastLocation = &loc
	j.mu.Unlock()
	if hw, ok := j.Highwater(); ok {
		j.monitor.OnJanitorLag(j.partition, locDiff(hw, loc))
	}
}

func (j *Janitor) running(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); j.cleanLoop(ctx) }()
	go func() { defer wg.Done(); j.removalLoop(ctx) }()
	go func() { defer wg.Done(); j.periodicCheckpoint(ctx) }()
	wg.Wait()
	return nil
}

func (j *Janitor) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j.WaitEmpty(ctx)
	return nil
}

// cleanLoop walks the partition behind the dispatcher checkpoint and
// enqueues every existing entry for removal.
func (j *Janitor) cleanLoop(ctx context.Context) {
	if err := j.topicsCreated.Wait(ctx); err != nil {
		return
	}
	// The highwater derives from the dispatcher checkpoint; nothing to do
	// until one exists.
	if err := j.checkpoints.DispatcherCheckpointed().Wait(ctx); err != nil {
		return
	}
	if err := j.flow.Wait(ctx); err != nil {
		return
	}

	cp := j.checkpoints.GetOrDefault(j.pt(), j.DefaultCheckpoint())
	timeKey := cp.TimeKey

	for ctx.Err() == nil {
		if err := j.flow.Wait(ctx); err != nil {
			return
		}
		if last := j.LastLocation(); last != nil {
			timeKey = last.TimeKey + 1
		}
		highwater, ok := j.Highwater()
		if !ok {
			highwater = j.DefaultCheckpoint()
		}

		for timeKey <= highwater.TimeKey {
			if err := j.flow.Wait(ctx); err != nil {
				return
			}
			count := j.timetable.GetCount(j.partition, timeKey)
			if count > 0 {
				level.Debug(j.logger).Log("msg", "cleaning timekey", "timekey", timeKey, "messages", count)
				// Remove in reverse order (count-1 ... 0) and the TimeKey
				// counter last, so a crash mid-timekey never leaves
				// records that no counter points to.
				for seq := int32(count) - 1; seq >= 0; seq-- {
					loc := TTLocation{Partition: j.partition, TimeKey: timeKey, Sequence: seq}
					if _, ok := j.timetable.Get(j.partition, messageKey(loc)); ok {
						select {
						case j.pendingRemovals <- loc:
						case <-ctx.Done():
							return
						}
					}
					j.setLastLocation(loc)
				}
				counterLoc := NewLocation(j.partition, timeKey)
				select {
				case j.pendingRemovals <- counterLoc:
				case <-ctx.Done():
					return
				}
			}
			j.setLastLocation(NewLocation(j.partition, timeKey))
			timeKey++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(j.cfg.CleanInterval):
		}
	}
}

// removalLoop issues Timetable deletions, which propagate through the
// compacting changelog as tombstones.
func (j *Janitor) removalLoop(ctx context.Context) {
	if err := j.recovered.Wait(ctx); err != nil {
		return
	}

	for {
		var loc TTLocation
		select {
		case <-ctx.Done():
			return
		case loc = <-j.pendingRemovals:
		}
		if err := j.flow.Wait(ctx); err != nil {
			return
		}

		key := messageKey(loc)
		if loc.Sequence < 0 {
			key = timeKeyEntry(loc.TimeKey)
		}
		j.trackRemoval(loc)
		removed := loc
		err := j.timetable.Delete(j.partition, key, func(err error) {
			j.onRemoved(removed, err)
		})
		if err != nil {
			// Partition revoked mid-flight; the next owner's janitor
			// resumes from the persisted checkpoint.
			j.onRemoved(removed, err)
		}
	}
}

func (j *Janitor) trackRemoval(loc TTLocation) {
	j.mu.Lock()
	j.unacked[loc] = struct{}{}
	j.mu.Unlock()
}

// onRemoved runs after the changelog tombstone is acked. Entries are removed
// in timekey-ascending, sequence-descending order; checkpoints only advance
// along that traversal so they stay monotone even under concurrent acks.
func (j *Janitor) onRemoved(loc TTLocation, err error) {
	if err == nil {
		j.removedTotal.Inc()
		j.monitor.OnMessageRemoved(loc)
		prev, ok := j.checkpoints.Get(j.pt())
		if !ok ||
			loc.TimeKey > prev.TimeKey ||
			(loc.TimeKey == prev.TimeKey && loc.Sequence < prev.Sequence) {
			j.checkpoints.Update(j.pt(), loc)
		}
	}

	j.mu.Lock()
	delete(j.unacked, loc)
	j.mu.Unlock()
	j.notifyAck()
}

func (j *Janitor) notifyAck() {
	select {
	case j.ackCh <- struct{}{}:
	default:
	}
}

func (j *Janitor) unackedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.unacked)
}

// WaitEmpty blocks until every removal that went out has been acked or the
// context finishes.
func (j *Janitor) WaitEmpty(ctx context.Context) {
	waitCount := 0
	for ctx.Err() == nil {
		remaining := j.unackedCount()
		if remaining == 0 {
			return
		}
		waitCount++
		if waitCount%10 == 0 {
			level.Warn(j.logger).Log("msg", "waiting for removals to be acked", "remaining", remaining)
		}
		select {
		case <-j.ackCh:
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}
}

func (j *Janitor) periodicCheckpoint(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		if err := j.flow.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if last := j.LastLocation(); last != nil {
				j.checkpoints.Update(j.pt(), *last)
			}
		}
	}
}
