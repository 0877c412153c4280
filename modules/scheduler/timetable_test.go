package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vmirz/kaspr/pkg/ingest/testkafka"
)

const testChangelogTopic = "test-kms-timetable-changelog"

func newTestTimetable(t *testing.T, address string) *Timetable {
	t.Helper()

	writer := testkafka.NewKafkaClient(t, address, kgo.RecordPartitioner(kgo.ManualPartitioner()))
	newReader := func(partition int32) (*kgo.Client, error) {
		return kgo.NewClient(
			kgo.SeedBrokers(address),
			kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
				testChangelogTopic: {partition: kgo.NewOffset().AtStart()},
			}),
		)
	}
	return NewTimetable(testChangelogTopic, writer, newReader, log.NewNopLogger())
}

func TestTimetableGetUpdateDelete(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 2, testChangelogTopic)
	tt := newTestTimetable(t, address)
	tt.Assign(0)

	_, ok := tt.Get(0, "100")
	assert.False(t, ok)
	assert.Equal(t, int64(0), tt.GetCount(0, 100))

	acked := make(chan error, 1)
	require.NoError(t, tt.Update(0, "100", encodeCount(2), func(err error) { acked <- err }))
	assert.Equal(t, int64(2), tt.GetCount(0, 100))

	select {
	case err := <-acked:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("changelog ack never arrived")
	}

	require.NoError(t, tt.Delete(0, "100", nil))
	_, ok = tt.Get(0, "100")
	assert.False(t, ok)
}

func TestTimetableUnassignedPartitionRejectsWrites(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 2, testChangelogTopic)
	tt := newTestTimetable(t, address)

	assert.ErrorIs(t, tt.Update(1, "100", encodeCount(1), nil), errPartitionNotAssigned)
	assert.ErrorIs(t, tt.Delete(1, "100", nil), errPartitionNotAssigned)
	_, ok := tt.Get(1, "100")
	assert.False(t, ok)
}

func TestTimetableRecoverReplaysChangelog(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 2, testChangelogTopic)

	// First owner writes counters, records and a tombstone.
	first := newTestTimetable(t, address)
	first.Assign(0)
	require.NoError(t, first.Update(0, "100", encodeCount(2), nil))
	require.NoError(t, first.Update(0, "100-0", []byte(`{"k":"a"}`), nil))
	require.NoError(t, first.Update(0, "100-1", []byte(`{"k":"b"}`), nil))
	require.NoError(t, first.Update(0, "101", encodeCount(1), nil))
	require.NoError(t, first.Delete(0, "101", nil))
	require.NoError(t, first.writer.Flush(context.Background()))

	// A fresh owner rebuilds the same state from the changelog alone.
	second := newTestTimetable(t, address)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, second.Recover(ctx, 0))

	assert.Equal(t, int64(2), second.GetCount(0, 100))
	v, ok := second.Get(0, "100-0")
	require.True(t, ok)
	assert.Equal(t, `{"k":"a"}`, string(v))
	_, ok = second.Get(0, "100-1")
	assert.True(t, ok)

	// the tombstoned key stays gone
	_, ok = second.Get(0, "101")
	assert.False(t, ok)
}

func TestTimetableRevokeDropsLocalState(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 2, testChangelogTopic)
	tt := newTestTimetable(t, address)
	tt.Assign(0)
	require.NoError(t, tt.Update(0, "100", encodeCount(1), nil))

	tt.Revoke(0)
	_, ok := tt.Get(0, "100")
	assert.False(t, ok)
	assert.Empty(t, tt.Partitions())
}
