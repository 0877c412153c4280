package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/atomic"

	"github.com/vmirz/kaspr/pkg/ingest/testkafka"
)

const testDestTopic = "t_out"

func seedTimetableMessages(t *testing.T, tt *Timetable, partition int32, timeKey int64, dest string, keys ...string) {
	t.Helper()
	require.NoError(t, tt.Update(partition, timeKeyEntry(timeKey), encodeCount(int64(len(keys))), nil))
	for i, k := range keys {
		loc := TTLocation{Partition: partition, TimeKey: timeKey, Sequence: int32(i)}
		raw, err := encodeRecord(Record{
			Key:     k,
			Value:   "payload-" + k,
			Headers: map[string]string{"origin": "test"},
			KMS:     RecordMeta{Destination: dest},
		})
		require.NoError(t, err)
		require.NoError(t, tt.Update(partition, messageKey(loc), raw, nil))
	}
}

func newTestDispatcher(t *testing.T, address string, tt *Timetable, cp *Checkpoint, lookback time.Duration) *Dispatcher {
	t.Helper()
	producer := testkafka.NewKafkaClient(t, address)
	d := NewDispatcher(
		0,
		DispatcherConfig{DefaultCheckpointLookback: lookback, CheckpointInterval: 100 * time.Millisecond},
		tt, cp, producer,
		func(context.Context, string) error { return nil },
		newGate(true), newGate(true),
		NopMonitor{}, log.NewNopLogger(),
	)
	return d
}

func TestDispatcherDeliversDueMessagesInOrder(t *testing.T) {
	cluster, address := testkafka.CreateCluster(t, 1, testChangelogTopic, testDestTopic)

	produceReqs := atomic.NewInt32(0)
	cluster.ControlKey(int16(kmsg.Produce), func(kmsg.Request) (kmsg.Response, error, bool) {
		produceReqs.Inc()
		return nil, nil, false
	})

	tt := newTestTimetable(t, address)
	tt.Assign(0)
	cp := NewCheckpoint(tt, time.Hour, newGate(true), NopMonitor{}, log.NewNopLogger())

	due := CurrentTimeKey() - 5
	seedTimetableMessages(t, tt, 0, due, testDestTopic, "u0", "u1", "u2")

	d := newTestDispatcher(t, address, tt, cp, time.Minute)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), d))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), d))
	})
	d.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	records := testkafka.ConsumeAll(ctx, t, address, testDestTopic, 3)
	require.Len(t, records, 3)

	// TTLocation order within the partition
	assert.Equal(t, "u0", string(records[0].Key))
	assert.Equal(t, "u1", string(records[1].Key))
	assert.Equal(t, "u2", string(records[2].Key))
	assert.Equal(t, "payload-u0", string(records[0].Value))
	require.Len(t, records[0].Headers, 1)
	assert.Equal(t, "origin", records[0].Headers[0].Key)

	// the checkpoint converges on the maximum acked location
	assert.Eventually(t, func() bool {
		got, ok := cp.Get(PT{Part: PartDispatcher, Partition: 0})
		return ok && !got.Less(TTLocation{Partition: 0, TimeKey: due, Sequence: 2})
	}, 10*time.Second, 50*time.Millisecond)

	assert.GreaterOrEqual(t, produceReqs.Load(), int32(1), "deliveries must reach the broker")
}

func TestDispatcherScanSkipsEmptySeconds(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testChangelogTopic, testDestTopic)

	tt := newTestTimetable(t, address)
	tt.Assign(0)
	cp := NewCheckpoint(tt, time.Hour, newGate(true), NopMonitor{}, log.NewNopLogger())

	d := newTestDispatcher(t, address, tt, cp, 30*time.Second)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), d))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), d))
	})
	d.Resume()

	// with nothing scheduled, the scan still advances to the highwater and
	// the periodic task checkpoints that progress
	assert.Eventually(t, func() bool {
		last := d.LastLocation()
		return last != nil && last.TimeKey >= CurrentTimeKey()-2
	}, 10*time.Second, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, ok := cp.Get(PT{Part: PartDispatcher, Partition: 0})
		return ok
	}, 10*time.Second, 50*time.Millisecond)
}

func TestDispatcherPauseBlocksScan(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testChangelogTopic, testDestTopic)

	tt := newTestTimetable(t, address)
	tt.Assign(0)
	cp := NewCheckpoint(tt, time.Hour, newGate(true), NopMonitor{}, log.NewNopLogger())

	d := newTestDispatcher(t, address, tt, cp, 30*time.Second)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), d))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), d))
	})

	// never resumed: the scan must not move
	time.Sleep(500 * time.Millisecond)
	assert.Nil(t, d.LastLocation())
}

func TestDispatcherAckAdvancesOnlyMaxLocation(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testChangelogTopic)

	tt := newTestTimetable(t, address)
	tt.Assign(0)
	cp := NewCheckpoint(tt, time.Hour, newGate(true), NopMonitor{}, log.NewNopLogger())
	d := newTestDispatcher(t, address, tt, cp, time.Minute)

	pt := PT{Part: PartDispatcher, Partition: 0}
	locA := TTLocation{Partition: 0, TimeKey: 1000, Sequence: 0}
	locB := TTLocation{Partition: 0, TimeKey: 1000, Sequence: 1}

	d.trackDelivery(locA)
	d.trackDelivery(locB)

	// out-of-order acks: the later location first
	d.onDelivered(locB, nil)
	got, ok := cp.Get(pt)
	require.True(t, ok)
	assert.Equal(t, locB, got)

	// the earlier ack must not move the checkpoint backwards
	d.onDelivered(locA, nil)
	got, ok = cp.Get(pt)
	require.True(t, ok)
	assert.Equal(t, locB, got)

	assert.Zero(t, d.unackedCount())
}

func TestDispatcherFailedSendDoesNotAdvanceCheckpoint(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testChangelogTopic)

	tt := newTestTimetable(t, address)
	tt.Assign(0)
	cp := NewCheckpoint(tt, time.Hour, newGate(true), NopMonitor{}, log.NewNopLogger())
	d := newTestDispatcher(t, address, tt, cp, time.Minute)

	loc := TTLocation{Partition: 0, TimeKey: 1000, Sequence: 0}
	d.trackDelivery(loc)
	d.onDelivered(loc, errors.New("broker unavailable"))

	_, ok := cp.Get(PT{Part: PartDispatcher, Partition: 0})
	assert.False(t, ok, "failed send must not advance the checkpoint")
	// the location is dropped from the unacked set; redelivery happens after
	// the next ownership acquisition
	assert.Zero(t, d.unackedCount())
}

func TestDispatcherWaitEmpty(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testChangelogTopic)

	tt := newTestTimetable(t, address)
	tt.Assign(0)
	cp := NewCheckpoint(tt, time.Hour, newGate(true), NopMonitor{}, log.NewNopLogger())
	d := newTestDispatcher(t, address, tt, cp, time.Minute)

	loc := TTLocation{Partition: 0, TimeKey: 1000, Sequence: 0}
	d.trackDelivery(loc)

	// with an unacked delivery, WaitEmpty only returns via its context
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	d.WaitEmpty(ctx)
	cancel()
	assert.Equal(t, 1, d.unackedCount())

	// an ack releases the waiter promptly
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.WaitEmpty(ctx)
	}()
	d.onDelivered(loc, nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitEmpty did not return after the last ack")
	}
}

func TestDispatcherDefaultCheckpointUsesLookback(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testChangelogTopic)

	tt := newTestTimetable(t, address)
	tt.Assign(0)
	cp := NewCheckpoint(tt, time.Hour, newGate(true), NopMonitor{}, log.NewNopLogger())
	d := newTestDispatcher(t, address, tt, cp, 7*24*time.Hour)

	def := d.DefaultCheckpoint()
	assert.Equal(t, int32(0), def.Partition)
	assert.Equal(t, CounterSequence, def.Sequence)
	assert.InDelta(t, CurrentTimeKey()-7*24*3600, def.TimeKey, 2)
}
