package ingest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vmirz/kaspr/pkg/ingest"
)

func TestEnsureTopic(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)

	client, err := kgo.NewClient(kgo.SeedBrokers(addrs[0]))
	require.NoError(t, err)
	defer client.Close()
	admin := kadm.NewClient(client)

	const topic = "ensure-topic-test"
	ctx := context.Background()

	require.NoError(t, ingest.EnsureTopic(ctx, admin, topic, 4, nil))

	td, err := admin.ListTopics(ctx, topic)
	require.NoError(t, err)
	require.NoError(t, td.Error())
	require.Len(t, td[topic].Partitions.Numbers(), 4)

	// declaring an existing topic is a no-op
	require.NoError(t, ingest.EnsureTopic(ctx, admin, topic, 4, nil))

	// configs pass through on creation
	policy := "compact,delete"
	require.NoError(t, ingest.EnsureTopic(ctx, admin, "ensure-topic-configs", 1, map[string]*string{
		"cleanup.policy": &policy,
	}))
}
