package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

var errPartitionNotAssigned = errors.New("timetable partition not assigned to this worker")

// Timetable is the partitioned key-value store holding scheduled messages,
// TimeKey counters and worker checkpoints. Every write goes through the
// log-compacted changelog topic so that state can be rebuilt on whichever
// worker acquires the partition next. All access to one partition happens on
// its single owner; the mutexes below only cover handoff between the owner's
// own goroutines (scan loops, delivery callbacks, recovery).
type Timetable struct {
	logger log.Logger
	topic  string

	// writer produces changelog records with the manual partitioner so a
	// record lands exactly in the partition whose state it mirrors.
	writer *kgo.Client

	// newReader builds a short-lived consumer over one changelog partition,
	// used during recovery.
	newReader func(partition int32) (*kgo.Client, error)

	mu         sync.RWMutex
	partitions map[int32]*timetablePartition
}

type timetablePartition struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewTimetable(topic string, writer *kgo.Client, newReader func(partition int32) (*kgo.Client, error), logger log.Logger) *Timetable {
	return &Timetable{
		logger:     log.With(logger, "component", "timetable"),
		topic:      topic,
		writer:     writer,
		newReader:  newReader,
		partitions: make(map[int32]*timetablePartition),
	}
}

// Topic returns the changelog topic backing this table.
func (t *Timetable) Topic() string { return t.topic }

// Assign makes partition writable on this worker with empty state. Recover
// replays the changelog into it.
func (t *Timetable) Assign(partition int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.partitions[partition]; !ok {
		t.partitions[partition] = &timetablePartition{data: make(map[string][]byte)}
	}
}

// Revoke drops local state for partition. The changelog retains the data for
// the next owner.
func (t *Timetable) Revoke(partition int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.partitions, partition)
}

// Partitions returns the partitions currently assigned to this worker.
func (t *Timetable) Partitions() []int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ps := make([]int32, 0, len(t.partitions))
	for p := range t.partitions {
		ps = append(ps, p)
	}
	return ps
}

func (t *Timetable) partition(partition int32) *timetablePartition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitions[partition]
}

// Get returns the raw value stored under key in partition.
func (t *Timetable) Get(partition int32, key string) ([]byte, bool) {
	p := t.partition(partition)
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[key]
	return v, ok
}

// GetCount returns the TimeKey counter for a second, zero when absent.
func (t *Timetable) GetCount(partition int32, timeKey int64) int64 {
	raw, ok := t.Get(partition, timeKeyEntry(timeKey))
	if !ok {
		return 0
	}
	return decodeCount(raw)
}

// Update stores value under key and appends it to the changelog. The optional
// callback fires once the broker acknowledges the changelog record; it runs
// on the producer's goroutine.
func (t *Timetable) Update(partition int32, key string, value []byte, callback func(error)) error {
	p := t.partition(partition)
	if p == nil {
		return errPartitionNotAssigned
	}
	p.mu.Lock()
	p.data[key] = value
	p.mu.Unlock()

	t.produce(partition, key, value, callback)
	return nil
}

// Delete removes key locally and appends a tombstone to the changelog, which
// compaction eventually retires on the broker as well.
func (t *Timetable) Delete(partition int32, key string, callback func(error)) error {
	p := t.partition(partition)
	if p == nil {
		return errPartitionNotAssigned
	}
	p.mu.Lock()
	delete(p.data, key)
	p.mu.Unlock()

	t.produce(partition, key, nil, callback)
	return nil
}

func (t *Timetable) produce(partition int32, key string, value []byte, callback func(error)) {
	rec := &kgo.Record{
		Topic:     t.topic,
		Partition: partition,
		Key:       []byte(key),
		Value:     value,
	}
	t.writer.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			level.Warn(t.logger).Log("msg", "changelog produce failed", "partition", partition, "key", key, "err", err)
		}
		if callback != nil {
			callback(err)
		}
	})
}

// Recover replays the changelog partition from the beginning into local
// state. It returns once local state has caught up to the changelog's end
// offset as of the start of recovery; later writes are our own.
func (t *Timetable) Recover(ctx context.Context, partition int32) error {
	t.Assign(partition)

	start := time.Now()

	adm := kadm.NewClient(t.writer)
	ends, err := adm.ListEndOffsets(ctx, t.topic)
	if err != nil {
		return fmt.Errorf("listing changelog end offsets: %w", err)
	}
	end, ok := ends.Lookup(t.topic, partition)
	if !ok {
		return fmt.Errorf("no end offset for changelog partition %d", partition)
	}
	if end.Offset <= 0 {
		level.Info(t.logger).Log("msg", "changelog partition empty, nothing to recover", "partition", partition)
		return nil
	}

	reader, err := t.newReader(partition)
	if err != nil {
		return fmt.Errorf("creating changelog reader: %w", err)
	}
	defer reader.Close()

	var (
		applied int64
		next    int64
		boff    = backoff.New(ctx, backoff.Config{
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			MaxRetries: 10,
		})
	)
	for next < end.Offset {
		fetches := reader.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		var fetchErr error
		fetches.EachError(func(_ string, _ int32, err error) {
			fetchErr = err
		})
		if fetchErr != nil {
			if !boff.Ongoing() {
				return fmt.Errorf("recovering changelog partition %d: %w", partition, fetchErr)
			}
			level.Warn(t.logger).Log("msg", "changelog fetch error during recovery", "partition", partition, "err", fetchErr)
			boff.Wait()
			continue
		}
		boff.Reset()
		fetches.EachRecord(func(rec *kgo.Record) {
			t.apply(partition, string(rec.Key), rec.Value)
			applied++
			next = rec.Offset + 1
		})
	}

	level.Info(t.logger).Log(
		"msg", "timetable partition recovered",
		"partition", partition,
		"records", applied,
		"duration", time.Since(start),
	)
	return nil
}

func (t *Timetable) apply(partition int32, key string, value []byte) {
	p := t.partition(partition)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if value == nil {
		delete(p.data, key)
		return
	}
	p.data[key] = value
}
