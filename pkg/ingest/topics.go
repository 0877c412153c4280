package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

// EnsureTopic declares a topic, tolerating concurrent creation by another
// worker. partitions -1 leaves the count to the broker default.
func EnsureTopic(ctx context.Context, admin *kadm.Client, topic string, partitions int32, configs map[string]*string) error {
	resp, err := admin.CreateTopic(ctx, partitions, -1, configs, topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("creating topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("creating topic %s: %w", topic, resp.Err)
	}
	return nil
}
