package app

import (
	"flag"
	"fmt"

	dslog "github.com/grafana/dskit/log"

	"github.com/vmirz/kaspr/modules/scheduler"
	"github.com/vmirz/kaspr/pkg/ingest"
)

// Config is the root configuration for a kaspr worker.
type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	HTTPListenAddress string `yaml:"http_listen_address"`
	HTTPListenPort    int    `yaml:"http_listen_port"`

	// TopicPrefix namespaces every internal topic the scheduler declares.
	TopicPrefix string `yaml:"topic_prefix"`

	Kafka     ingest.KafkaConfig `yaml:"kafka"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	f.StringVar(&c.HTTPListenAddress, "http-listen-address", "", "HTTP listen address for the admin endpoints.")
	f.IntVar(&c.HTTPListenPort, "http-listen-port", 8080, "HTTP listen port for the admin endpoints.")
	f.StringVar(&c.TopicPrefix, "topic-prefix", "", "Namespace prefix for the scheduler's internal topics.")

	c.Kafka.RegisterFlagsAndApplyDefaults("kafka", f)
	c.Scheduler.RegisterFlagsAndApplyDefaults("scheduler", f)
}

func (c *Config) Validate() error {
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if c.LogFormat != "logfmt" && c.LogFormat != "json" {
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	return nil
}
