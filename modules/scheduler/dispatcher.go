package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"
)

// delivery pairs a decoded record with the Timetable location it came from.
type delivery struct {
	rec Record
	loc TTLocation
}

const pendingBufferSize = 1024

// Dispatcher finds messages due for delivery in one Timetable partition.
//
// The scan walks TimeKeys from the last checkpoint towards wallclock-1. The
// value at a TimeKey is the number of messages stored for that second; the
// scan then walks MessageKeys (timekey-sequence) from 0 to that count:
//
//	Key           | Value
//	--------------+------
//	1707171828    | 3        <-- TimeKey
//	1707171828-0  | {...}    <-- MessageKey
//	1707171828-1  | {...}
//	1707171828-2  | {...}
//	1707171901    | 1
//	1707171901-0  | {...}
//
// Due messages go through a bounded buffer to the delivery loop, which
// produces them to their destination topic and advances the checkpoint on
// broker ack.
type Dispatcher struct {
	services.Service

	logger  log.Logger
	monitor Monitor

	partition   int32
	cfg         DispatcherConfig
	timetable   *Timetable
	checkpoints *Checkpoint
	producer    *kgo.Client
	ensureDest  func(ctx context.Context, topic string) error

	topicsCreated *gate
	recovered     *gate
	flow          *gate

	pendingDeliveries chan delivery

	mu           sync.Mutex
	lastLocation *TTLocation
	unacked      map[TTLocation]struct{}
	ackCh        chan struct{}

	deliveredTotal atomic.Int64
}

func NewDispatcher(
	partition int32,
	cfg DispatcherConfig,
	timetable *Timetable,
	checkpoints *Checkpoint,
	producer *kgo.Client,
	ensureDest func(ctx context.Context, topic string) error,
	topicsCreated, recovered *gate,
	monitor Monitor,
	logger log.Logger,
) *Dispatcher {
	d := &Dispatcher{
		logger:            log.With(logger, "component", "dispatcher", "partition", partition),
		monitor:           monitor,
		partition:         partition,
		cfg:               cfg,
		timetable:         timetable,
		checkpoints:       checkpoints,
		producer:          producer,
		ensureDest:        ensureDest,
		topicsCreated:     topicsCreated,
		recovered:         recovered,
		flow:              newGate(false),
		pendingDeliveries: make(chan delivery, pendingBufferSize),
		unacked:           make(map[TTLocation]struct{}),
		ackCh:             make(chan struct{}, 1),
	}
	d.Service = services.NewBasicService(nil, d.running, d.stopping)
	return d
}

func (d *Dispatcher) Partition() int32 { return d.partition }

func (d *Dispatcher) pt() PT { return PT{Part: PartDispatcher, Partition: d.partition} }

// Pause suspends scanning and delivery at their next suspension point.
func (d *Dispatcher) Pause() {
	d.flow.Clear()
	d.monitor.OnDispatcherPaused(d.partition)
}

// Resume releases a paused dispatcher.
func (d *Dispatcher) Resume() {
	d.flow.Set()
	d.monitor.OnDispatcherResumed(d.partition)
}

// DefaultCheckpoint is the scan start used when no checkpoint exists yet.
func (d *Dispatcher) DefaultCheckpoint() TTLocation {
	return NewLocation(d.partition, CurrentTimeKey()-int64(d.cfg.DefaultCheckpointLookback/time.Second))
}

// Highwater is the location the scan is working towards. Wallclock is offset
// by one second so the scan never races ingestion into the current TimeKey.
func (d *Dispatcher) Highwater() TTLocation {
	return NewLocation(d.partition, CurrentTimeKey()-1)
}

// LastLocation returns the most recently evaluated Timetable location.
func (d *Dispatcher) LastLocation() *TTLocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastLocation == nil {
		return nil
	}
	loc := *d.lastLocation
	return &loc
}

// DeliveredTotal returns how many deliveries this dispatcher has had acked.
func (d *Dispatcher) DeliveredTotal() int64 { return d.deliveredTotal.Load() }

func (d *Dispatcher) setLastLocation(loc TTLocation) {
	d.mu.Lock()
	d.lastLocation = &loc
	d.mu.Unlock()
	d.monitor.OnDispatcherLag(d.partition, locDiff(d.Highwater(), loc))
}

func (d *Dispatcher) running(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.scanLoop(ctx) }()
	go func() { defer wg.Done(); d.deliveryLoop(ctx) }()
	go func() { defer wg.Done(); d.periodicCheckpoint(ctx) }()
	wg.Wait()
	return nil
}

func (d *Dispatcher) stopping(_ error) error {
	// In-flight sends ack (or fail) from the producer even after the loops
	// exit; give them a bounded window so a graceful stop leaves nothing
	// untracked. Anything still unacked is retried after the next ownership
	// acquisition because its checkpoint never advanced.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.WaitEmpty(ctx)
	return nil
}

// scanLoop walks the partition from the restored checkpoint towards the
// highwater, enqueueing due messages in TTLocation order.
func (d *Dispatcher) scanLoop(ctx context.Context) {
	if err := d.topicsCreated.Wait(ctx); err != nil {
		return
	}
	if err := d.flow.Wait(ctx); err != nil {
		return
	}

	cp := d.checkpoints.GetOrDefault(d.pt(), d.DefaultCheckpoint())
	timeKey := cp.TimeKey
	seq := int32(0)
	if cp.Sequence >= 0 {
		seq = cp.Sequence + 1
	}

	for ctx.Err() == nil {
		if err := d.flow.Wait(ctx); err != nil {
			return
		}
		highwater := d.Highwater()
		if last := d.LastLocation(); last != nil {
			timeKey = last.TimeKey + 1
		}

		for timeKey <= highwater.TimeKey {
			if err := d.flow.Wait(ctx); err != nil {
				return
			}
			count := d.timetable.GetCount(d.partition, timeKey)
			if seq < int32(count) {
				level.Debug(d.logger).Log("msg", "evaluating timekey", "timekey", timeKey, "messages", count)
			}
			for seq < int32(count) {
				loc := TTLocation{Partition: d.partition, TimeKey: timeKey, Sequence: seq}
				raw, ok := d.timetable.Get(d.partition, messageKey(loc))
				if ok {
					rec, err := decodeRecord(raw)
					if err != nil {
						level.Error(d.logger).Log("msg", "skipping undecodable record", "location", loc, "err", err)
					} else {
						select {
						case d.pendingDeliveries <- delivery{rec: rec, loc: loc}:
						case <-ctx.Done():
							return
						}
					}
				}
				d.setLastLocation(loc)
				seq++
			}
			seq = 0
			d.setLastLocation(NewLocation(d.partition, timeKey))
			timeKey++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// deliveryLoop sends buffered messages to their destination topics.
func (d *Dispatcher) deliveryLoop(ctx context.Context) {
	if err := d.recovered.Wait(ctx); err != nil {
		return
	}

	for {
		var dl delivery
		select {
		case <-ctx.Done():
			return
		case dl = <-d.pendingDeliveries:
		}
		if err := d.flow.Wait(ctx); err != nil {
			return
		}

		dest := dl.rec.KMS.Destination
		if err := d.ensureDest(ctx, dest); err != nil {
			level.Error(d.logger).Log("msg", "cannot resolve destination topic", "topic", dest, "location", dl.loc, "err", err)
			continue
		}

		d.trackDelivery(dl.loc)
		loc := dl.loc
		d.producer.Produce(ctx, &kgo.Record{
			Topic:   dest,
			Key:     []byte(dl.rec.Key),
			Value:   []byte(dl.rec.Value),
			Headers: kafkaHeaders(dl.rec.Headers),
		}, func(_ *kgo.Record, err error) {
			d.onDelivered(loc, err)
		})
	}
}

func (d *Dispatcher) trackDelivery(loc TTLocation) {
	d.mu.Lock()
	d.unacked[loc] = struct{}{}
	d.mu.Unlock()
}

// onDelivered runs on the producer goroutine after the broker acks (or the
// send fails). The checkpoint reflects the maximum acknowledged location;
// out-of-order acks leave it at the previous maximum. A failed send advances
// nothing, so the location is re-scanned after the next ownership
// acquisition: at-least-once.
func (d *Dispatcher) onDelivered(loc TTLocation, err error) {
	if err == nil {
		d.deliveredTotal.Inc()
		d.monitor.OnMessageDelivered(d.partition)
		prev, ok := d.checkpoints.Get(d.pt())
		if !ok || loc.After(prev) {
			d.checkpoints.Update(d.pt(), loc)
		}
	} else {
		level.Warn(d.logger).Log("msg", "delivery failed, will retry after next ownership acquisition", "location", loc, "err", err)
	}

	d.mu.Lock()
	delete(d.unacked, loc)
	d.mu.Unlock()
	d.notifyAck()
}

func (d *Dispatcher) notifyAck() {
	select {
	case d.ackCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) unackedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.unacked)
}

// WaitEmpty blocks until every delivery that went out has been acked, the
// context finishes, or the service is stopping with nothing in flight.
func (d *Dispatcher) WaitEmpty(ctx context.Context) {
	waitCount := 0
	for ctx.Err() == nil {
		remaining := d.unackedCount()
		if remaining == 0 {
			return
		}
		waitCount++
		if waitCount%10 == 0 {
			level.Warn(d.logger).Log("msg", "waiting for deliveries to be acked", "remaining", remaining)
		}
		select {
		case <-d.ackCh:
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}
}

// periodicCheckpoint records scan progress even through stretches of empty
// seconds, which the ack path would otherwise never checkpoint.
func (d *Dispatcher) periodicCheckpoint(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		if err := d.flow.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if last := d.LastLocation(); last != nil {
				d.checkpoints.Update(d.pt(), *last)
			}
		}
	}
}
