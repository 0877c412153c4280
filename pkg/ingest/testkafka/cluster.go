// Package testkafka provides an in-process Kafka cluster for tests, backed
// by kfake.
package testkafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// CreateCluster starts a single-broker kfake cluster seeded with the given
// topics at numPartitions each, and returns it with its listen address. The
// cluster is torn down with the test.
func CreateCluster(t testing.TB, numPartitions int32, topics ...string) (*kfake.Cluster, string) {
	t.Helper()

	opts := []kfake.Opt{
		kfake.NumBrokers(1),
		kfake.AllowAutoTopicCreation(),
	}
	if len(topics) > 0 {
		opts = append(opts, kfake.SeedTopics(numPartitions, topics...))
	}
	cluster, err := kfake.NewCluster(opts...)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)
	return cluster, addrs[0]
}

// NewKafkaClient returns a plain client against the given address, closed
// with the test.
func NewKafkaClient(t testing.TB, address string, opts ...kgo.Opt) *kgo.Client {
	t.Helper()

	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(address),
		kgo.AllowAutoTopicCreation(),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// ProduceRecord synchronously produces one record and returns it with the
// assigned offset.
func ProduceRecord(ctx context.Context, t testing.TB, client *kgo.Client, rec *kgo.Record) *kgo.Record {
	t.Helper()

	res := client.ProduceSync(ctx, rec)
	require.NoError(t, res.FirstErr())
	r, err := res.First()
	require.NoError(t, err)
	return r
}

// ConsumeAll polls until n records have been seen on the topic or the
// context expires, returning them in fetch order.
func ConsumeAll(ctx context.Context, t testing.TB, address, topic string, n int) []*kgo.Record {
	t.Helper()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer client.Close()

	var out []*kgo.Record
	for len(out) < n {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			break
		}
		require.NoError(t, fetches.Err0())
		fetches.EachRecord(func(rec *kgo.Record) {
			out = append(out, rec)
		})
	}
	return out
}
