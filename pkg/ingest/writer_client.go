package ingest

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewWriterClientMetrics builds the kprom hook for one writer component.
func NewWriterClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("kaspr_"+component,
		kprom.Registerer(reg),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes),
	)
}

// NewWriterClient returns a producing Kafka client. Acks from all in-sync
// replicas are required; a record's produce callback only fires as a success
// once the write is durable.
func NewWriterClient(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Address),
		kgo.ClientID(cfg.ClientID),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(cfg.WriteTimeout),
		kgo.RecordDeliveryTimeout(cfg.WriteTimeout + 5*time.Second),
		kgo.MaxBufferedBytes(int(cfg.ProducerMaxBufferedBytes)),
		kgo.ProducerBatchMaxBytes(int32(cfg.ProducerMaxRecordSizeBytes)),
		kgo.AllowAutoTopicCreation(),
		kgo.WithHooks(metrics),
		kgo.WithLogger(newKgoLogger(logger)),
	}, opts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka writer client: %w", err)
	}
	return client, nil
}
