package ingest

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewReaderClientMetrics builds the kprom hook for one reader component.
// Each component gets its own metric prefix so several clients can share a
// registry.
func NewReaderClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("kaspr_"+component,
		kprom.Registerer(reg),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes),
	)
}

// NewReaderClient returns a consuming Kafka client. Group membership,
// consumed topics and rebalance callbacks come in through opts.
func NewReaderClient(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Address),
		kgo.ClientID(cfg.ClientID),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.MetadataMinAge(time.Second),
		kgo.WithHooks(metrics),
		kgo.WithLogger(newKgoLogger(logger)),
	}, opts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka reader client: %w", err)
	}
	return client, nil
}
