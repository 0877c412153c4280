package ingest

import (
	"errors"
	"flag"
	"time"
)

// KafkaConfig holds the connection settings shared by every Kafka client the
// scheduler creates.
type KafkaConfig struct {
	Address       string `yaml:"address"`
	ClientID      string `yaml:"client_id"`
	ConsumerGroup string `yaml:"consumer_group"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ProducerMaxRecordSizeBytes int   `yaml:"producer_max_record_size_bytes"`
	ProducerMaxBufferedBytes   int64 `yaml:"producer_max_buffered_bytes"`
}

func (cfg *KafkaConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:9092", "Kafka seed broker address.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "kaspr", "Kafka client ID.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "kaspr-scheduler", "Consumer group for the scheduler's ingress topics.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 2*time.Second, "Broker dial timeout.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "Produce request timeout.")
	f.IntVar(&cfg.ProducerMaxRecordSizeBytes, prefix+".producer-max-record-size-bytes", 1024*1024, "Maximum size of one produced record.")
	f.Int64Var(&cfg.ProducerMaxBufferedBytes, prefix+".producer-max-buffered-bytes", 128*1024*1024, "Maximum bytes buffered in a producer before sends block.")
}

// RegisterFlags implements flagext.Registerer so tests can apply defaults
// with flagext.DefaultValues.
func (cfg *KafkaConfig) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsAndApplyDefaults("kafka", f)
}

func (cfg *KafkaConfig) Validate() error {
	if cfg.Address == "" {
		return errors.New("kafka.address is required")
	}
	if cfg.ConsumerGroup == "" {
		return errors.New("kafka.consumer-group is required")
	}
	return nil
}
