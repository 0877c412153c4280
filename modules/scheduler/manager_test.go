package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vmirz/kaspr/pkg/ingest"
	"github.com/vmirz/kaspr/pkg/ingest/testkafka"
)

func newTestSchedulerConfig(prefix string) Config {
	return Config{
		Enabled:                true,
		TopicPartitions:        2,
		TopicPrefix:            prefix,
		CheckpointSaveInterval: 100 * time.Millisecond,
		Dispatcher: DispatcherConfig{
			DefaultCheckpointLookback: 2 * time.Minute,
			CheckpointInterval:        200 * time.Millisecond,
		},
		Janitor: JanitorConfig{
			CheckpointInterval: 200 * time.Millisecond,
			CleanInterval:      200 * time.Millisecond,
			HighwaterOffset:    0,
		},
	}
}

func startTestManager(t *testing.T, address, prefix string) *Manager {
	t.Helper()

	kcfg := ingest.KafkaConfig{}
	flagext.DefaultValues(&kcfg)
	kcfg.Address = address
	kcfg.ConsumerGroup = prefix + "scheduler-group"

	m, err := NewManager(newTestSchedulerConfig(prefix), kcfg, NopMonitor{}, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
	})
	return m
}

func produceInput(t *testing.T, client *kgo.Client, topic string, key, value []byte, headers ...kgo.RecordHeader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	testkafka.ProduceRecord(ctx, t, client, &kgo.Record{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

func TestManagerMalformedIngressGoesToDLQ(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1)
	prefix := "malformed-"
	m := startTestManager(t, address, prefix)

	client := testkafka.NewKafkaClient(t, address)

	// unparseable timestamp
	produceInput(t, client, m.cfg.InputTopic(), []byte("u1"), []byte("hi"),
		kgo.RecordHeader{Key: headerDeliverAt, Value: []byte("not-a-date")},
		kgo.RecordHeader{Key: headerDeliverTo, Value: []byte("t_out")},
		kgo.RecordHeader{Key: "origin", Value: []byte("test")},
	)
	// missing both required headers
	produceInput(t, client, m.cfg.InputTopic(), []byte("u2"), []byte("hi"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	records := testkafka.ConsumeAll(ctx, t, address, m.cfg.DLQTopic(), 2)
	require.Len(t, records, 2)

	entries := map[string]dlqEntry{}
	for _, rec := range records {
		var entry dlqEntry
		require.NoError(t, json.Unmarshal(rec.Value, &entry))
		entries[entry.Key] = entry
	}

	require.Contains(t, entries, "u1")
	require.Len(t, entries["u1"].Errors, 1)
	assert.Contains(t, entries["u1"].Errors[0], headerDeliverAt)
	assert.Equal(t, "test", entries["u1"].Headers["origin"])

	require.Contains(t, entries, "u2")
	assert.Len(t, entries["u2"].Errors, 2)
}

func TestManagerPastDueShortCircuit(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1)
	prefix := "pastdue-"
	m := startTestManager(t, address, prefix)

	client := testkafka.NewKafkaClient(t, address)
	deliverAt := time.Now().Add(-10 * time.Second).UTC().Format(time.RFC3339)

	produceInput(t, client, m.cfg.InputTopic(), []byte("u1"), []byte("hi"),
		kgo.RecordHeader{Key: headerDeliverAt, Value: []byte(deliverAt)},
		kgo.RecordHeader{Key: headerDeliverTo, Value: []byte("t_out")},
		kgo.RecordHeader{Key: "origin", Value: []byte("test")},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	records := testkafka.ConsumeAll(ctx, t, address, "t_out", 1)
	require.Len(t, records, 1)

	// payload round-trips byte for byte, kms headers stripped
	assert.Equal(t, "u1", string(records[0].Key))
	assert.Equal(t, "hi", string(records[0].Value))
	require.Len(t, records[0].Headers, 1)
	assert.Equal(t, "origin", records[0].Headers[0].Key)

	// no timetable write happened for this message
	var scheduled int64
	for _, p := range m.timetable.Partitions() {
		scheduled += m.ScheduledTotal(p)
	}
	assert.Zero(t, scheduled)

	var instant int64
	for p := int32(0); p < m.cfg.TopicPartitions; p++ {
		instant += m.InstantSendTotal(p)
	}
	assert.GreaterOrEqual(t, instant, int64(1))
}

func TestManagerFutureDeliveryEndToEnd(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1)
	prefix := "future-"
	m := startTestManager(t, address, prefix)

	client := testkafka.NewKafkaClient(t, address)
	deliverAt := time.Now().Add(3 * time.Second).UTC().Format(time.RFC3339)

	produceInput(t, client, m.cfg.InputTopic(), []byte("u1"), []byte("hi"),
		kgo.RecordHeader{Key: headerDeliverAt, Value: []byte(deliverAt)},
		kgo.RecordHeader{Key: headerDeliverTo, Value: []byte("t_out")},
		kgo.RecordHeader{Key: "origin", Value: []byte("test")},
	)

	// the message lands in the timetable first
	assert.Eventually(t, func() bool {
		var scheduled int64
		for p := int32(0); p < m.cfg.TopicPartitions; p++ {
			scheduled += m.ScheduledTotal(p)
		}
		return scheduled == 1
	}, 10*time.Second, 50*time.Millisecond, "message must be scheduled on the timetable")

	// and is delivered once due
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	records := testkafka.ConsumeAll(ctx, t, address, "t_out", 1)
	require.Len(t, records, 1)
	assert.Equal(t, "u1", string(records[0].Key))
	assert.Equal(t, "hi", string(records[0].Value))
	require.Len(t, records[0].Headers, 1)
	assert.Equal(t, "origin", records[0].Headers[0].Key)

	// with a zero highwater offset the janitor eventually removes the
	// record and its counter
	assert.Eventually(t, func() bool {
		for _, p := range m.timetable.Partitions() {
			part := m.timetable.partition(p)
			if part == nil {
				continue
			}
			part.mu.RLock()
			n := 0
			for k := range part.data {
				if k[0] >= '0' && k[0] <= '9' {
					n++
				}
			}
			part.mu.RUnlock()
			if n != 0 {
				return false
			}
		}
		return true
	}, 60*time.Second, 200*time.Millisecond, "janitor must clean delivered entries")
}

func TestManagerCounterInvariantAfterIngest(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1)
	prefix := "invariant-"
	m := startTestManager(t, address, prefix)

	client := testkafka.NewKafkaClient(t, address)
	deliverAt := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	// several messages for the same second and partition
	for i := 0; i < 3; i++ {
		produceInput(t, client, m.cfg.InputTopic(), []byte("same-key"), []byte("hi"),
			kgo.RecordHeader{Key: headerDeliverAt, Value: []byte(deliverAt)},
			kgo.RecordHeader{Key: headerDeliverTo, Value: []byte("t_out")},
		)
	}

	assert.Eventually(t, func() bool {
		var scheduled int64
		for p := int32(0); p < m.cfg.TopicPartitions; p++ {
			scheduled += m.ScheduledTotal(p)
		}
		return scheduled == 3
	}, 15*time.Second, 50*time.Millisecond)

	// counter equals max(sequence)+1 and sequences are contiguous from 0
	ts, err := time.Parse(time.RFC3339, deliverAt)
	require.NoError(t, err)
	timeKey := ts.Unix()

	var total int64
	for _, p := range m.timetable.Partitions() {
		count := m.timetable.GetCount(p, timeKey)
		for seq := int32(0); seq < int32(count); seq++ {
			_, ok := m.timetable.Get(p, messageKey(TTLocation{Partition: p, TimeKey: timeKey, Sequence: seq}))
			assert.True(t, ok, "sequence %d missing on partition %d", seq, p)
		}
		total += count
	}
	assert.Equal(t, int64(3), total)
}

func TestManagerAssignmentGuard(t *testing.T) {
	kcfg := ingest.KafkaConfig{}
	flagext.DefaultValues(&kcfg)

	m, err := NewManager(newTestSchedulerConfig("guard-"), kcfg, NopMonitor{}, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)

	var exitCodes []int
	m.exit = func(code int) { exitCodes = append(exitCodes, code) }

	// a healthy assignment passes
	m.validateAssignment(map[string][]int32{
		m.cfg.InputTopic():   {0, 1},
		m.cfg.ActionsTopic(): {0, 1},
	})
	assert.Empty(t, exitCodes)

	// unknown topic
	m.validateAssignment(map[string][]int32{"bogus": {0}})
	require.NotEmpty(t, exitCodes)
	assert.Equal(t, AssignmentExitCode, exitCodes[0])

	// out-of-range partition
	exitCodes = nil
	m.validateAssignment(map[string][]int32{m.cfg.ActionsTopic(): {5}})
	require.NotEmpty(t, exitCodes)
	assert.Equal(t, AssignmentExitCode, exitCodes[0])

	// duplicate partition
	exitCodes = nil
	m.validateAssignment(map[string][]int32{m.cfg.ActionsTopic(): {1, 1}})
	require.NotEmpty(t, exitCodes)
	assert.Equal(t, AssignmentExitCode, exitCodes[0])
}

func TestManagerStatusTables(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1)
	prefix := "status-"
	m := startTestManager(t, address, prefix)

	assert.Eventually(t, func() bool {
		return len(m.dispatcherPartitions()) == int(m.cfg.TopicPartitions)
	}, 15*time.Second, 100*time.Millisecond, "dispatchers must be assigned for every partition")

	cpTable := m.CheckpointsTable()
	assert.Contains(t, cpTable, "Dispatcher")
	assert.Contains(t, cpTable, "Janitor")

	// stats rows appear once scans have evaluated a location
	assert.Eventually(t, func() bool {
		stats := m.StatsTable()
		return strings.Contains(stats, "Dispatcher")
	}, 10*time.Second, 100*time.Millisecond)
}
