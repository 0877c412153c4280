package scheduler

import (
	"flag"
	"fmt"
	"strconv"
	"time"
)

// Config holds message scheduler settings. Topic names derive from
// TopicPrefix, which the app copies down from its top-level config.
type Config struct {
	Enabled           bool   `yaml:"enabled"`
	TopicPartitions   int32  `yaml:"topic_partitions"`
	TopicPrefix       string `yaml:"-"`
	DebugStatsEnabled bool   `yaml:"debug_stats_enabled"`

	CheckpointSaveInterval time.Duration `yaml:"checkpoint_save_interval"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Janitor    JanitorConfig    `yaml:"janitor"`
}

type DispatcherConfig struct {
	// DefaultCheckpointLookback is how far behind wallclock a dispatcher
	// starts scanning when no checkpoint exists yet.
	DefaultCheckpointLookback time.Duration `yaml:"default_checkpoint_lookback"`
	CheckpointInterval        time.Duration `yaml:"checkpoint_interval"`
}

type JanitorConfig struct {
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CleanInterval      time.Duration `yaml:"clean_interval"`
	// HighwaterOffset is how far the janitor trails the dispatcher
	// checkpoint, leaving delivered entries around for late replays and
	// debugging.
	HighwaterOffset time.Duration `yaml:"highwater_offset"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+".enabled", true, "Run the message scheduling engine.")
	f.BoolVar(&cfg.DebugStatsEnabled, prefix+".debug-stats-enabled", false, "Periodically log scheduler lag tables.")
	f.DurationVar(&cfg.CheckpointSaveInterval, prefix+".checkpoint-save-interval", 1300*time.Millisecond, "How often pending checkpoints are persisted to the timetable.")
	f.DurationVar(&cfg.Dispatcher.DefaultCheckpointLookback, prefix+".dispatcher.default-checkpoint-lookback", 7*24*time.Hour, "First-run rewind window for the dispatcher scan.")
	f.DurationVar(&cfg.Dispatcher.CheckpointInterval, prefix+".dispatcher.checkpoint-interval", 10*time.Second, "How often the dispatcher records scan progress.")
	f.DurationVar(&cfg.Janitor.CheckpointInterval, prefix+".janitor.checkpoint-interval", 10*time.Second, "How often the janitor records scan progress.")
	f.DurationVar(&cfg.Janitor.CleanInterval, prefix+".janitor.clean-interval", 3*time.Second, "Pause between janitor passes.")
	f.DurationVar(&cfg.Janitor.HighwaterOffset, prefix+".janitor.highwater-offset", 4*time.Hour, "How far the janitor trails the dispatcher checkpoint.")

	cfg.TopicPartitions = 8
	f.Var(newInt32Value(&cfg.TopicPartitions), prefix+".topic-partitions", "Partition count for the scheduler's internal topics.")
}

type int32Value struct{ p *int32 }

func newInt32Value(p *int32) *int32Value { return &int32Value{p: p} }

func (v *int32Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*v.p), 10)
}

func (v *int32Value) Set(s string) error {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return err
	}
	*v.p = int32(n)
	return nil
}

func (cfg *Config) Validate() error {
	if cfg.TopicPartitions <= 0 {
		return fmt.Errorf("scheduler.topic-partitions must be positive, got %d", cfg.TopicPartitions)
	}
	if cfg.CheckpointSaveInterval <= 0 {
		return fmt.Errorf("scheduler.checkpoint-save-interval must be positive")
	}
	return nil
}

// Internal topic names.

func (cfg *Config) InputTopic() string   { return cfg.TopicPrefix + "kms-input" }
func (cfg *Config) ActionsTopic() string { return cfg.TopicPrefix + "kms-actions" }
func (cfg *Config) DLQTopic() string     { return cfg.TopicPrefix + "kms-dlq" }
func (cfg *Config) TimetableChangelogTopic() string {
	return cfg.TopicPrefix + "kms-timetable-changelog"
}
