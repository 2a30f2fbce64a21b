// Package config defines homad's process configuration (spec.md §6) and
// binds it from flags and environment variables via viper, validated with
// go-playground/validator struct tags. No config file is read.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is every CLI-configurable value homad needs, plus the
// process-wide constants exposed for inspection (spec.md §6).
type Config struct {
	SocketPath               string        `mapstructure:"socket_path" validate:"required"`
	MessageMaxLength         int64         `mapstructure:"message_max_length" validate:"gt=0"`
	DatagramPayloadLength    int           `mapstructure:"datagram_payload_length" validate:"gt=0,lte=1400"`
	UnscheduledDatagramLimit int           `mapstructure:"unscheduled_datagram_limit" validate:"gt=0"`
	Timeout                  time.Duration `mapstructure:"timeout" validate:"gt=0"`
	LargeTimeout             time.Duration `mapstructure:"large_timeout" validate:"gt=0"`
	Resends                  int           `mapstructure:"resends" validate:"gt=0"`
	LargeResends             int           `mapstructure:"large_resends" validate:"gt=0"`
	LogLevel                 string        `mapstructure:"log_level" validate:"required"`
	MetricsAddr              string        `mapstructure:"metrics_addr"`

	// UnscheduledPriorityLevels, ScheduledPriorityLevels, PriorityLevelWidth
	// and MinSamples are the remaining process-wide constants (spec.md §6);
	// they are exposed here so a deployment can tune them without a
	// recompile even though the spec lists them as constants rather than
	// flags.
	UnscheduledPriorityLevels int `mapstructure:"unscheduled_priority_levels" validate:"gt=1"`
	ScheduledPriorityLevels   int `mapstructure:"scheduled_priority_levels" validate:"gt=0"`
	PriorityLevelWidth        int `mapstructure:"priority_level_width" validate:"gt=0"`
	MinSamples                int `mapstructure:"min_samples" validate:"gt=0"`
}

// Defaults mirrors spec.md §6's documented defaults.
func Defaults() Config {
	return Config{
		SocketPath:                "/tmp/homa.sock",
		MessageMaxLength:          524_288_000,
		DatagramPayloadLength:     1400,
		UnscheduledDatagramLimit:  6,
		Timeout:                   15 * time.Millisecond,
		LargeTimeout:              10 * time.Second,
		Resends:                   5,
		LargeResends:              20,
		LogLevel:                  "info",
		MetricsAddr:               "",
		UnscheduledPriorityLevels: 6,
		ScheduledPriorityLevels:   2,
		PriorityLevelWidth:        8,
		MinSamples:                100,
	}
}

// BindFlags registers every config field as a flag on fs, defaulted from
// Defaults().
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("socket-path", d.SocketPath, "local IPC socket path")
	fs.Int64("message-max-length", d.MessageMaxLength, "reject application messages larger than this many bytes")
	fs.Int("datagram-payload-length", d.DatagramPayloadLength, "MAX_PAYLOAD: per-datagram payload ceiling, <= 1400")
	fs.Int("unscheduled-datagram-limit", d.UnscheduledDatagramLimit, "U_LIMIT: unscheduled datagrams sent eagerly")
	fs.Duration("timeout", d.Timeout, "T: regular retransmit timeout")
	fs.Duration("large-timeout", d.LargeTimeout, "coarse scheduled-phase grant timeout")
	fs.Int("resends", d.Resends, "consecutive unscheduled timeouts before abandoning a message")
	fs.Int("large-resends", d.LargeResends, "consecutive scheduled timeouts before abandoning a message")
	fs.String("log-level", d.LogLevel, "logrus level name")
	fs.String("metrics-addr", d.MetricsAddr, "address to serve Prometheus metrics on, empty disables it")
	fs.Int("unscheduled-priority-levels", d.UnscheduledPriorityLevels, "U: unscheduled DSCP levels")
	fs.Int("scheduled-priority-levels", d.ScheduledPriorityLevels, "S: scheduled DSCP slots")
	fs.Int("priority-level-width", d.PriorityLevelWidth, "DSCP stride between priority levels")
	fs.Int("min-samples", d.MinSamples, "workload samples required before quantile partitioning kicks in")
}

// Load builds a Config from fs (already parsed) and the environment,
// falling back to Defaults() for anything unset, then validates it.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOMAD")
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}

	cfg := Config{
		SocketPath:                v.GetString("socket-path"),
		MessageMaxLength:          v.GetInt64("message-max-length"),
		DatagramPayloadLength:     v.GetInt("datagram-payload-length"),
		UnscheduledDatagramLimit:  v.GetInt("unscheduled-datagram-limit"),
		Timeout:                   v.GetDuration("timeout"),
		LargeTimeout:              v.GetDuration("large-timeout"),
		Resends:                   v.GetInt("resends"),
		LargeResends:              v.GetInt("large-resends"),
		LogLevel:                  v.GetString("log-level"),
		MetricsAddr:               v.GetString("metrics-addr"),
		UnscheduledPriorityLevels: v.GetInt("unscheduled-priority-levels"),
		ScheduledPriorityLevels:   v.GetInt("scheduled-priority-levels"),
		PriorityLevelWidth:        v.GetInt("priority-level-width"),
		MinSamples:                v.GetInt("min-samples"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}
